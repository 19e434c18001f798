package stages

import "sort"

// ResolveInputs validates the template id and component ids against the
// registry and produces a fully-resolved input record. It is
// idempotent and does no I/O beyond the in-memory registry lookups.
func ResolveInputs(req CompilationRequest, registry *Registry) (ResolvedInputs, error) {
	tmpl, err := registry.Template(req.TemplateID)
	if err != nil {
		return ResolvedInputs{}, newError(ErrorKindValidation, "resolve-inputs", "", err.Error(), err)
	}

	resolved := make([]ResolvedComponent, 0, len(req.Components))
	for _, c := range req.Components {
		def, err := registry.Component(c.ID)
		if err != nil {
			return ResolvedInputs{}, newError(ErrorKindValidation, "resolve-inputs", "", err.Error(), err)
		}
		resolved = append(resolved, ResolvedComponent{RequestComponent: c, Registry: def})
	}
	// Declared order is preserved (components are an ordered list, not a
	// set), so no re-sort is performed here.

	targets := append([]string(nil), req.Targets...)
	sort.Strings(targets) // target set is unordered; sort by name for determinism

	return ResolvedInputs{
		Template:      tmpl,
		Components:    resolved,
		Configuration: req.Configuration,
		Targets:       targets,
		Assets:        req.Assets,
	}, nil
}
