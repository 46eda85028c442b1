package main

import (
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestRunRendersNodesWithSharedToken(t *testing.T) {
	dir := t.TempDir()
	base := "server:\n  addr: 0.0.0.0:8090\npipeline:\n  workers: 4\n  tokenSecret: change-me\nsandbox:\n  dirs: [/usr/bin/]\n"
	if err := os.WriteFile(filepath.Join(dir, "base.yaml"), []byte(base), 0o644); err != nil {
		t.Fatalf("write base: %v", err)
	}
	profile := `outputDir: out
token:
  secret: shared
  issuer: dev
nodes:
  worker-b:
    base: base.yaml
    overrides:
      server:
        addr: 0.0.0.0:8091
      pipeline:
        workers: 2
  worker-a:
    base: base.yaml
`
	profilePath := filepath.Join(dir, "profile.yaml")
	if err := os.WriteFile(profilePath, []byte(profile), 0o644); err != nil {
		t.Fatalf("write profile: %v", err)
	}

	written, err := run(profilePath, "")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(written) != 2 || filepath.Base(written[0]) != "worker-a.yaml" {
		t.Fatalf("unexpected outputs: %v", written)
	}

	var cfg map[string]map[string]interface{}
	data, err := os.ReadFile(written[1])
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("parse output: %v", err)
	}
	if cfg["server"]["addr"] != "0.0.0.0:8091" {
		t.Fatalf("override not applied: %v", cfg["server"])
	}
	if cfg["pipeline"]["workers"] != 2 || cfg["pipeline"]["tokenSecret"] != "shared" || cfg["pipeline"]["tokenIssuer"] != "dev" {
		t.Fatalf("unexpected pipeline section: %v", cfg["pipeline"])
	}
	if dirs, ok := cfg["sandbox"]["dirs"].([]interface{}); !ok || len(dirs) != 1 {
		t.Fatalf("sandbox section lost: %v", cfg["sandbox"])
	}
}

func TestRunRequiresNodes(t *testing.T) {
	profilePath := filepath.Join(t.TempDir(), "profile.yaml")
	if err := os.WriteFile(profilePath, []byte("outputDir: out\n"), 0o644); err != nil {
		t.Fatalf("write profile: %v", err)
	}
	if _, err := run(profilePath, ""); err == nil {
		t.Fatalf("expected error for empty profile")
	}
}

func TestMergeMapReplacesScalars(t *testing.T) {
	merged := mergeMap(
		map[string]interface{}{"a": map[string]interface{}{"x": 1, "y": 2}, "b": "keep"},
		map[string]interface{}{"a": map[string]interface{}{"y": 3}, "b": []interface{}{"list"}},
	)
	a := merged["a"].(map[string]interface{})
	if a["x"] != 1 || a["y"] != 3 {
		t.Fatalf("unexpected merge: %v", a)
	}
	if _, ok := merged["b"].([]interface{}); !ok {
		t.Fatalf("scalar should be replaced: %v", merged["b"])
	}
}
