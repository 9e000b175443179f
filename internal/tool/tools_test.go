package tool

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/erg0nix/konverse/internal/core"
)

func TestRegistry_AddAndDefinitions(t *testing.T) {
	registry := NewRegistry()

	for _, name := range []string{"search", "calculator", "lookup"} {
		if err := registry.Add(core.ToolDef{Name: name}); err != nil {
			t.Fatalf("add %s: %v", name, err)
		}
	}

	defs := registry.ToolDefinitions()
	if len(defs) != 3 {
		t.Fatalf("expected 3 definitions, got %d", len(defs))
	}

	want := []string{"calculator", "lookup", "search"}
	for i, def := range defs {
		if def.Name != want[i] {
			t.Errorf("definition %d: expected %s, got %s", i, want[i], def.Name)
		}
	}

	if _, ok := registry.Get("lookup"); !ok {
		t.Error("expected lookup to be registered")
	}
}

func TestRegistry_RejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		def  core.ToolDef
	}{
		{name: "empty name", def: core.ToolDef{}},
		{name: "spaces", def: core.ToolDef{Name: "look up"}},
		{name: "non-object parameters", def: core.ToolDef{Name: "x", Parameters: map[string]any{"type": "string"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewRegistry().Add(tt.def)
			if !errors.Is(err, ErrInvalidTool) {
				t.Fatalf("expected ErrInvalidTool, got %v", err)
			}
		})
	}
}

func TestRegistry_LoadDir(t *testing.T) {
	dir := t.TempDir()

	writeFile(t, filepath.Join(dir, "weather.toml"), `
description = "Current weather for a city"

[parameters]
type = "object"
required = ["city"]

[parameters.properties.city]
type = "string"
`)
	writeFile(t, filepath.Join(dir, "named.toml"), `name = "clock"`)
	writeFile(t, filepath.Join(dir, "broken.toml"), `name = [`)
	writeFile(t, filepath.Join(dir, "notes.txt"), `ignored`)

	registry := NewRegistry()
	err := registry.LoadDir(dir)
	if err == nil {
		t.Fatal("expected error for broken manifest")
	}

	if registry.Len() != 2 {
		t.Fatalf("expected 2 tools, got %d", registry.Len())
	}

	weather, ok := registry.Get("weather")
	if !ok {
		t.Fatal("expected weather tool named after its file")
	}
	if weather.Description != "Current weather for a city" {
		t.Errorf("unexpected description %q", weather.Description)
	}
	props, _ := weather.Parameters["properties"].(map[string]any)
	if _, ok := props["city"]; !ok {
		t.Errorf("expected city property, got %v", weather.Parameters)
	}

	clock, ok := registry.Get("clock")
	if !ok {
		t.Fatal("expected clock tool")
	}
	if clock.Parameters["type"] != "object" {
		t.Errorf("expected default object schema, got %v", clock.Parameters)
	}
}

func TestRegistry_LoadDirMissing(t *testing.T) {
	if err := NewRegistry().LoadDir(filepath.Join(t.TempDir(), "absent")); err != nil {
		t.Fatalf("expected nil for missing dir, got %v", err)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}
