package hashkey

// ResolvedComponent is the registry-annotated form of a requested component:
// the id the caller supplied plus the registry record it resolved to. A
// registry change (name/version/type) therefore changes the canonical form
// and flips the hash.
type ResolvedComponent struct {
	ID            string
	Config        map[string]any
	RegistryName  string
	RegistryVer   string
	RegistryType  string
}

// ResolvedAsset is the canonical form of a single asset reference.
type ResolvedAsset struct {
	LogicalPath string
	SourcePath  string
	Transform   map[string]any
}

// CompilationInputs is the full hash input tuple for a top-level compilation
// key:
//
//	(schema_version, template_id, template.version, components_resolved,
//	 components_registry_subset, configuration, assets_resolved, target)
type CompilationInputs struct {
	TemplateID      string
	TemplateVersion string
	Components      []ResolvedComponent
	Configuration    map[string]any
	Assets           []ResolvedAsset
	Target           string // single target name; see StageHash
}

func componentValue(c ResolvedComponent) Value {
	return Map(map[string]Value{
		"id":            String(c.ID),
		"config":        FromAny(anyOrNull(c.Config)),
		"registry_name": String(c.RegistryName),
		"registry_ver":  String(c.RegistryVer),
		"registry_type": String(c.RegistryType),
	})
}

func assetValue(a ResolvedAsset) Value {
	return Map(map[string]Value{
		"logical_path": String(a.LogicalPath),
		"source_path":  String(a.SourcePath),
		"transform":    FromAny(anyOrNull(a.Transform)),
	})
}

func anyOrNull(m map[string]any) any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// Canonical builds the canonical Value for a full compilation input tuple.
// components_resolved preserves caller order (it is a declared list);
// assets_resolved is sorted by logical path (an unordered set).
func (ci CompilationInputs) Canonical() Value {
	components := make([]Value, len(ci.Components))
	for i, c := range ci.Components {
		components[i] = componentValue(c)
	}

	assets := SortedByKey(ci.Assets, func(a ResolvedAsset) string { return a.LogicalPath }, assetValue)

	return Map(map[string]Value{
		"schema_version": Int(SchemaVersion),
		"template_id":    String(ci.TemplateID),
		"template_ver":   String(ci.TemplateVersion),
		"components":     Slice(components...),
		"configuration":  FromAny(anyOrNull(ci.Configuration)),
		"assets":         assets,
		"target":         String(ci.Target),
	})
}

// Hash computes the top-level compilation hash for these inputs.
func (ci CompilationInputs) Hash() (string, error) {
	return Hash(ci.Canonical())
}

// StageKind narrows CompilationInputs down to what a given stage actually
// consumes, so that e.g. resolve-inputs and package-assets — which are
// shared across targets — hash identically regardless of which target
// eventually triggers them.
type StageKind string

const (
	StageInputs  StageKind = "inputs"
	StageAssets  StageKind = "assets"
	StageCode    StageKind = "code"
	StageDesktop StageKind = "desktop"
	StageWeb     StageKind = "web"
)

// AllStages lists the closed set of stage tags in pipeline order.
var AllStages = []StageKind{StageInputs, StageAssets, StageCode, StageDesktop, StageWeb}

// StageHash computes the hash used as the cache identifier for one stage.
// Stages resolve-inputs/package-assets/generate-code never include target in
// their canonical form (they are shared across targets); build-desktop and
// build-web include it so each target gets its own entry.
func (ci CompilationInputs) StageHash(stage StageKind) (string, error) {
	fields := map[string]Value{
		"schema_version": Int(SchemaVersion),
		"stage":          String(string(stage)),
		"template_id":    String(ci.TemplateID),
		"template_ver":   String(ci.TemplateVersion),
	}

	switch stage {
	case StageInputs:
		components := make([]Value, len(ci.Components))
		for i, c := range ci.Components {
			components[i] = componentValue(c)
		}
		fields["components"] = Slice(components...)
	case StageAssets:
		fields["assets"] = SortedByKey(ci.Assets, func(a ResolvedAsset) string { return a.LogicalPath }, assetValue)
	case StageCode:
		components := make([]Value, len(ci.Components))
		for i, c := range ci.Components {
			components[i] = componentValue(c)
		}
		fields["components"] = Slice(components...)
		fields["configuration"] = FromAny(anyOrNull(ci.Configuration))
		fields["assets"] = SortedByKey(ci.Assets, func(a ResolvedAsset) string { return a.LogicalPath }, assetValue)
	case StageDesktop, StageWeb:
		components := make([]Value, len(ci.Components))
		for i, c := range ci.Components {
			components[i] = componentValue(c)
		}
		fields["components"] = Slice(components...)
		fields["configuration"] = FromAny(anyOrNull(ci.Configuration))
		fields["assets"] = SortedByKey(ci.Assets, func(a ResolvedAsset) string { return a.LogicalPath }, assetValue)
		fields["target"] = String(ci.Target)
	}

	return Hash(Map(fields))
}
