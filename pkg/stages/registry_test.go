package stages

import "testing"

func sampleRegistry() *Registry {
	return NewRegistry(
		[]TemplateDef{{ID: "platformer-2d", Version: "1.0.0"}},
		[]ComponentDef{{Name: "gravity", Version: "1.0.0", Type: "physics"}},
	)
}

func TestRegistryLooksUpKnownTemplateAndComponent(t *testing.T) {
	r := sampleRegistry()
	tmpl, err := r.Template("platformer-2d")
	if err != nil {
		t.Fatalf("Template: %v", err)
	}
	if tmpl.Version != "1.0.0" {
		t.Fatalf("unexpected template version: %s", tmpl.Version)
	}
	comp, err := r.Component("gravity")
	if err != nil {
		t.Fatalf("Component: %v", err)
	}
	if comp.Type != "physics" {
		t.Fatalf("unexpected component type: %s", comp.Type)
	}
}

func TestRegistryRejectsUnknownIDs(t *testing.T) {
	r := sampleRegistry()
	if _, err := r.Template("does-not-exist"); err == nil {
		t.Fatal("expected ErrUnknownTemplate")
	} else if _, ok := err.(*ErrUnknownTemplate); !ok {
		t.Fatalf("expected *ErrUnknownTemplate, got %T", err)
	}
	if _, err := r.Component("does-not-exist"); err == nil {
		t.Fatal("expected ErrUnknownComponent")
	} else if _, ok := err.(*ErrUnknownComponent); !ok {
		t.Fatalf("expected *ErrUnknownComponent, got %T", err)
	}
}
