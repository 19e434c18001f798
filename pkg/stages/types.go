package stages

// RequestComponent is one component entry from a Compilation Request, as
// supplied by the caller (before registry resolution).
type RequestComponent struct {
	ID     string
	Type   string
	Config map[string]any
}

// AssetRef is one asset reference from a Compilation Request: a logical
// path the generated program will reference, the source path to read from,
// and optional transform parameters (format conversion, compression).
type AssetRef struct {
	LogicalPath string
	SourcePath  string
	Transform   map[string]any
}

// CompilationRequest is the caller-supplied input bundle for one compilation.
type CompilationRequest struct {
	TemplateID string
	Components []RequestComponent
	Configuration map[string]any
	Targets    []string // subset of {"desktop", "web"}
	Assets     []AssetRef
}

// ResolvedComponent annotates a request component with its registry record.
type ResolvedComponent struct {
	RequestComponent
	Registry ComponentDef
}

// ResolvedInputs is resolve-inputs' output: the fully-resolved input
// record.
type ResolvedInputs struct {
	Template      TemplateDef
	Components    []ResolvedComponent
	Configuration map[string]any
	Targets       []string
	Assets        []AssetRef
}

// PackagedAsset is one entry of the asset manifest produced by
// package-assets.
type PackagedAsset struct {
	LogicalPath  string `json:"-"`
	PhysicalPath string `json:"physical_path"`
	Type         string `json:"type"`
	Size         int64  `json:"size"`
	WebPath      string `json:"web_path,omitempty"`
}

// AssetManifest is package-assets' output: {version, asset_count,
// total_size, assets}.
type AssetManifest struct {
	Version     int                      `json:"version"`
	AssetCount  int                      `json:"asset_count"`
	TotalSize   int64                    `json:"total_size"`
	Assets      map[string]PackagedAsset `json:"assets"`
	PackedDir   string                   `json:"-"` // local filesystem location of packed asset directory
}

// GeneratedCode is generate-code's output: target-neutral program text.
type GeneratedCode struct {
	MainSource      string            `json:"main_source"`
	ComponentGlue   map[string]string `json:"component_glue"` // component id -> source fragment
	DeclarationOrder []string         `json:"declaration_order"`
}

// BuildOutput is build-desktop/build-web's output: a manifest of the files
// laid out in the target output directory.
type BuildOutput struct {
	Target    string            `json:"target"`
	OutputDir string            `json:"output_dir"`
	Files     map[string]string `json:"files"` // relative path -> sha256 hex digest of contents
	LoaderPage string           `json:"loader_page,omitempty"` // build-web only
}
