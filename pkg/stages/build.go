package stages

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// reservedBuildTimePlaceholder replaces every embedded timestamp/version
// string in generated output so build-web stays deterministic: two
// identical inputs must produce byte-identical output.
const reservedBuildTimePlaceholder = "1970-01-01T00:00:00Z"

// BuildDesktop lays out the generated code and packaged assets into an
// output directory suitable for direct execution. Two identical inputs
// produce byte-identical directories modulo filesystem metadata.
func BuildDesktop(code GeneratedCode, manifest AssetManifest, outDir string) (BuildOutput, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return BuildOutput{}, newError(ErrorKindExecution, "build-desktop", "desktop", "mkdir output dir", err)
	}

	files := make(map[string]string)

	if err := writeAndDigest(outDir, "main.gen", []byte(code.MainSource), files); err != nil {
		return BuildOutput{}, newError(ErrorKindExecution, "build-desktop", "desktop", "write main source", err)
	}
	for _, id := range code.DeclarationOrder {
		rel := filepath.Join("components", id+".glue")
		if err := writeAndDigest(outDir, rel, []byte(code.ComponentGlue[id]), files); err != nil {
			return BuildOutput{}, newError(ErrorKindExecution, "build-desktop", "desktop", "write component glue", err)
		}
	}
	if err := copyPackedAssets(manifest, outDir, "assets", files); err != nil {
		return BuildOutput{}, newError(ErrorKindExecution, "build-desktop", "desktop", "copy assets", err)
	}

	return BuildOutput{Target: "desktop", OutputDir: outDir, Files: files}, nil
}

// BuildWeb is the same layout as BuildDesktop plus a normalized loader page
// with every embedded timestamp/version replaced by a fixed placeholder.
func BuildWeb(code GeneratedCode, manifest AssetManifest, outDir string) (BuildOutput, error) {
	out, err := buildCommon(code, manifest, outDir, "web")
	if err != nil {
		return BuildOutput{}, err
	}

	loader := renderLoaderPage(manifest)
	if err := writeAndDigest(outDir, "index.html", []byte(loader), out.Files); err != nil {
		return BuildOutput{}, newError(ErrorKindExecution, "build-web", "web", "write loader page", err)
	}
	out.LoaderPage = "index.html"
	return out, nil
}

func buildCommon(code GeneratedCode, manifest AssetManifest, outDir, target string) (BuildOutput, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return BuildOutput{}, newError(ErrorKindExecution, "build-"+target, target, "mkdir output dir", err)
	}
	files := make(map[string]string)
	if err := writeAndDigest(outDir, "main.gen", []byte(code.MainSource), files); err != nil {
		return BuildOutput{}, newError(ErrorKindExecution, "build-"+target, target, "write main source", err)
	}
	for _, id := range code.DeclarationOrder {
		rel := filepath.Join("components", id+".glue")
		if err := writeAndDigest(outDir, rel, []byte(code.ComponentGlue[id]), files); err != nil {
			return BuildOutput{}, newError(ErrorKindExecution, "build-"+target, target, "write component glue", err)
		}
	}
	if err := copyWebAssets(manifest, outDir, "assets", files); err != nil {
		return BuildOutput{}, newError(ErrorKindExecution, "build-"+target, target, "copy assets", err)
	}
	return BuildOutput{Target: target, OutputDir: outDir, Files: files}, nil
}

func renderLoaderPage(manifest AssetManifest) string {
	names := make([]string, 0, len(manifest.Assets))
	for n := range manifest.Assets {
		names = append(names, n)
	}
	sort.Strings(names)

	page := "<!-- generated by compiler-core, build " + reservedBuildTimePlaceholder + " -->\n"
	page += "<html><head><title>compiler-core build</title></head><body>\n"
	for _, n := range names {
		page += fmt.Sprintf("<!-- asset %s -->\n", n)
	}
	page += "</body></html>\n"
	return page
}

func writeAndDigest(outDir, rel string, data []byte, files map[string]string) error {
	dest := filepath.Join(outDir, rel)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return err
	}
	sum := sha256.Sum256(data)
	files[filepath.ToSlash(rel)] = hex.EncodeToString(sum[:])
	return nil
}

func copyPackedAssets(manifest AssetManifest, outDir, relRoot string, files map[string]string) error {
	names := make([]string, 0, len(manifest.Assets))
	for n := range manifest.Assets {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		a := manifest.Assets[n]
		src := filepath.Join(manifest.PackedDir, a.PhysicalPath)
		data, err := os.ReadFile(src)
		if err != nil {
			return err
		}
		rel := filepath.Join(relRoot, a.PhysicalPath)
		if err := writeAndDigest(outDir, rel, data, files); err != nil {
			return err
		}
	}
	return nil
}

func copyWebAssets(manifest AssetManifest, outDir, relRoot string, files map[string]string) error {
	names := make([]string, 0, len(manifest.Assets))
	for n := range manifest.Assets {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		a := manifest.Assets[n]
		physical := a.PhysicalPath
		if a.WebPath != "" {
			physical = a.WebPath
			// Web-converted bytes are not separately produced by
			// applyTransform in this core (real image/audio codecs are out
			// of scope); fall back to the original bytes under the web path
			// name so the manifest contract still holds end to end.
		}
		src := filepath.Join(manifest.PackedDir, a.PhysicalPath)
		data, err := os.ReadFile(src)
		if err != nil {
			return err
		}
		rel := filepath.Join(relRoot, physical)
		if err := writeAndDigest(outDir, rel, data, files); err != nil {
			return err
		}
	}
	return nil
}
