package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

const testRego = `# Secrets must not be pushed from the infra phase.
package custom.phases

import rego.v1

deny contains "no secrets in infra" if {
	input.phase == "infra"
	input.resource.kind == "RemoteSecret"
}
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("Failed to create dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("Failed to write %s: %v", path, err)
	}
}

func TestLoadFromPaths_Rego(t *testing.T) {
	path := filepath.Join(t.TempDir(), "phases.rego")
	writeFile(t, path, testRego)

	policies, err := NewLoader(zerolog.Nop()).LoadFromPaths(context.Background(), []string{path})
	if err != nil {
		t.Fatalf("Failed to load: %v", err)
	}
	if len(policies) != 1 {
		t.Fatalf("Expected 1 policy, got %d", len(policies))
	}

	p := policies[0]
	if p.Name != "phases" {
		t.Errorf("Expected name phases, got %s", p.Name)
	}
	if p.Severity != SeverityError || !p.Enabled {
		t.Errorf("Expected enabled blocking policy, got %s enabled=%v", p.Severity, p.Enabled)
	}
	if p.Source != path {
		t.Errorf("Expected source %s, got %s", path, p.Source)
	}
	if p.Description != "Secrets must not be pushed from the infra phase." {
		t.Errorf("Unexpected description %q", p.Description)
	}
}

func TestLoadFromPaths_JSON(t *testing.T) {
	dir := t.TempDir()
	single := filepath.Join(dir, "single.json")
	writeFile(t, single, `{"name": "single", "rego": "package single\n", "enabled": false}`)

	bundle := filepath.Join(dir, "bundle.json")
	writeFile(t, bundle, `{
  "name": "org-baseline",
  "version": "1.0.0",
  "policies": [
    {"name": "one", "rego": "package one\n", "severity": "critical"},
    {"name": "two", "rego": "package two\n"}
  ]
}`)

	loader := NewLoader(zerolog.Nop())

	policies, err := loader.LoadFromPaths(context.Background(), []string{single})
	if err != nil {
		t.Fatalf("Failed to load single policy: %v", err)
	}
	if len(policies) != 1 || policies[0].Enabled {
		t.Errorf("Expected one disabled policy, got %+v", policies)
	}
	if policies[0].Severity != SeverityWarning {
		t.Errorf("Expected default warning severity, got %s", policies[0].Severity)
	}

	policies, err = loader.LoadFromPaths(context.Background(), []string{bundle})
	if err != nil {
		t.Fatalf("Failed to load bundle: %v", err)
	}
	if len(policies) != 2 {
		t.Fatalf("Expected 2 bundled policies, got %d", len(policies))
	}
	if policies[0].Severity != SeverityCritical || !policies[0].Enabled {
		t.Errorf("Expected enabled critical policy, got %+v", policies[0])
	}
	if policies[1].Source != bundle {
		t.Errorf("Expected bundle source, got %s", policies[1].Source)
	}
}

func TestLoadFromDirectory_Recursive(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.rego"), testRego)
	writeFile(t, filepath.Join(dir, "nested", "deep", "b.rego"), testRego)
	writeFile(t, filepath.Join(dir, "a_test.rego"), testRego)
	writeFile(t, filepath.Join(dir, "README.md"), "# docs")
	writeFile(t, filepath.Join(dir, "broken.json"), "{not json")

	policies, err := NewLoader(zerolog.Nop()).LoadFromPaths(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("Failed to load: %v", err)
	}

	names := map[string]bool{}
	for _, p := range policies {
		names[p.Name] = true
	}
	if len(policies) != 2 || !names["a"] || !names["b"] {
		t.Errorf("Expected policies a and b, got %v", names)
	}
}

func TestLoadFromPaths_Errors(t *testing.T) {
	dir := t.TempDir()
	loader := NewLoader(zerolog.Nop())

	tests := []struct {
		name    string
		path    string
		content string
	}{
		{"missing", filepath.Join(dir, "missing.rego"), ""},
		{"unsupported", filepath.Join(dir, "policy.yaml"), "name: x"},
		{"invalid json", filepath.Join(dir, "invalid.json"), "{"},
		{"json without rego", filepath.Join(dir, "empty.json"), `{"name": "x"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.content != "" {
				writeFile(t, tt.path, tt.content)
			}
			if _, err := loader.LoadFromPaths(context.Background(), []string{tt.path}); err == nil {
				t.Error("Expected error")
			}
		})
	}
}

func TestExtractDescription(t *testing.T) {
	tests := []struct {
		content string
		want    string
	}{
		{"# One line.\npackage a", "One line."},
		{"# First\n# second\n\npackage a", "First second"},
		{"package a\n# trailing", ""},
		{"#\n# After blank comment\npackage a", "After blank comment"},
	}

	for _, tt := range tests {
		if got := extractDescription(tt.content); got != tt.want {
			t.Errorf("Expected %q, got %q", tt.want, got)
		}
	}
}
