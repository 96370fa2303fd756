package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeStation(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".mise", "station.yaml")
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	st, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if st.Project.Name != "unnamed" {
		t.Errorf("Expected project name unnamed, got %q", st.Project.Name)
	}
	if st.Engine.Name != "claude" || st.Engine.Model != "sonnet" {
		t.Errorf("Expected claude/sonnet, got %s/%s", st.Engine.Name, st.Engine.Model)
	}
	if !st.Mode.Attended || st.Mode.Parallel != "off" || st.Mode.MaxParallel != 4 || st.Mode.MaxRetries != 2 || st.Mode.SkipFailures {
		t.Errorf("Unexpected mode defaults: %+v", st.Mode)
	}
	if st.Runtime.HeartbeatIntervalMS != 30000 || st.Runtime.StaleThresholdMS != 120000 {
		t.Errorf("Unexpected runtime defaults: %+v", st.Runtime)
	}
	if st.Merge.RetainConflictBranches {
		t.Error("Expected conflict branches to be deleted by default")
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeStation(t, `
project:
  name: shop
  language: go
backpressure:
  test: go test ./...
  vet: go vet ./...
rules:
  - keep functions small
engine:
  name: cursor
  allowed_tools: [Read, Edit]
mode:
  attended: false
  parallel: 3
  skip_failures: true
runtime:
  kill_grace_ms: 1000
`)

	st, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if st.Project.Name != "shop" || st.Project.Language != "go" {
		t.Errorf("Unexpected project: %+v", st.Project)
	}
	if st.Backpressure["test"] != "go test ./..." || st.Backpressure["vet"] != "go vet ./..." {
		t.Errorf("Unexpected backpressure: %v", st.Backpressure)
	}
	if len(st.Rules) != 1 {
		t.Errorf("Expected 1 rule, got %v", st.Rules)
	}
	if st.Engine.Name != "cursor" || st.Engine.Model != "sonnet" || len(st.Engine.AllowedTools) != 2 {
		t.Errorf("Unexpected engine: %+v", st.Engine)
	}
	if st.Mode.Attended || st.Mode.Parallel != "3" || !st.Mode.SkipFailures || st.Mode.MaxRetries != 2 {
		t.Errorf("Unexpected mode: %+v", st.Mode)
	}
	if st.Runtime.KillGraceMS != 1000 || st.Runtime.HeartbeatIntervalMS != 30000 {
		t.Errorf("Unexpected runtime: %+v", st.Runtime)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeStation(t, "mode:\n  parallel: off\n")
	t.Setenv("MISE_MODE_PARALLEL", "auto")
	t.Setenv("MISE_ENGINE_MODEL", "opus")

	st, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if st.Mode.Parallel != "auto" {
		t.Errorf("Expected env to override parallel, got %q", st.Mode.Parallel)
	}
	if st.Engine.Model != "opus" {
		t.Errorf("Expected env to override model, got %q", st.Engine.Model)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "unknown engine", body: "engine:\n  name: codex\n", want: "engine.name"},
		{name: "bad parallel", body: "mode:\n  parallel: lots\n", want: "mode.parallel"},
		{name: "zero retries", body: "mode:\n  max_retries: 0\n", want: "mode.max_retries"},
		{name: "negative timeout", body: "runtime:\n  stale_threshold_ms: -1\n", want: "runtime.stale_threshold_ms"},
		{name: "malformed yaml", body: "mode: [unclosed\n", want: "reading station"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeStation(t, tt.body))
			if err == nil {
				t.Fatal("Expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error mentioning %q, got: %v", tt.want, err)
			}
		})
	}
}

func TestParallelCap(t *testing.T) {
	tests := []struct {
		parallel string
		max      int
		want     int
	}{
		{"off", 4, 0},
		{"", 4, 0},
		{"auto", 4, 4},
		{"auto", 0, 1},
		{"2", 4, 2},
		{"8", 4, 8},
		{"junk", 4, 0},
	}
	for _, tt := range tests {
		got := Mode{Parallel: tt.parallel, MaxParallel: tt.max}.ParallelCap()
		if got != tt.want {
			t.Errorf("ParallelCap(%q, max=%d) = %d, want %d", tt.parallel, tt.max, got, tt.want)
		}
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "station.yaml")
	st := Default()
	st.Project.Name = "roundtrip"
	st.Backpressure["test"] = "make test"
	st.Mode.Parallel = "auto"

	if err := Save(st, path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Project.Name != "roundtrip" || loaded.Backpressure["test"] != "make test" || loaded.Mode.Parallel != "auto" {
		t.Errorf("Unexpected station after round trip: %+v", loaded)
	}
}
