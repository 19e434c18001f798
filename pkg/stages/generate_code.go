package stages

import (
	"fmt"
	"sort"
	"strings"
)

// GenerateCode synthesizes target-neutral program text from the resolved
// inputs and the packaged asset manifest. The output is a pure
// function of its inputs: no timestamps, random numbers, or pointer
// addresses appear anywhere in the emitted text, and declaration order
// follows the request's own component order (an ordered sequence, not
// resorted) so two processes given identical inputs produce byte-identical
// output.
func GenerateCode(inputs ResolvedInputs, manifest AssetManifest) (GeneratedCode, error) {
	var main strings.Builder
	fmt.Fprintf(&main, "// generated by compiler-core — template %s@%s\n", inputs.Template.ID, inputs.Template.Version)
	main.WriteString("package generated\n\n")

	declOrder := make([]string, 0, len(inputs.Components))
	glue := make(map[string]string, len(inputs.Components))

	for _, c := range inputs.Components {
		declOrder = append(declOrder, c.ID)
		glue[c.ID] = renderComponentGlue(c)
		fmt.Fprintf(&main, "// component %s (%s@%s)\n", c.ID, c.Registry.Name, c.Registry.Version)
	}

	assetNames := make([]string, 0, len(manifest.Assets))
	for logical := range manifest.Assets {
		assetNames = append(assetNames, logical)
	}
	sort.Strings(assetNames)
	main.WriteString("\n// asset manifest references\n")
	for _, logical := range assetNames {
		fmt.Fprintf(&main, "// asset %s -> %s\n", logical, manifest.Assets[logical].PhysicalPath)
	}

	return GeneratedCode{
		MainSource:       main.String(),
		ComponentGlue:    glue,
		DeclarationOrder: declOrder,
	}, nil
}

func renderComponentGlue(c ResolvedComponent) string {
	keys := make([]string, 0, len(c.Config))
	for k := range c.Config {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	fmt.Fprintf(&b, "// glue for %s\n", c.ID)
	for _, k := range keys {
		fmt.Fprintf(&b, "// config %s = %v\n", k, c.Config[k])
	}
	return b.String()
}
