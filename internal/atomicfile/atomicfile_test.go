package atomicfile

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWriteFile_CreatesParentAndReplaces(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "doc.txt")

	if err := WriteFile(path, []byte("first"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if err := WriteFile(path, []byte("second"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(data) != "second" {
		t.Errorf("Expected content 'second', got: %q", data)
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("Expected only the target file to remain, got %d entries", len(entries))
	}
}

func TestWriteFile_EmptyPath(t *testing.T) {
	if err := WriteFile("", []byte("x"), 0o644); err == nil {
		t.Fatal("Expected error for empty path, got nil")
	}
}

func TestWriteYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "v.yaml")
	if err := WriteYAML(path, map[string]int{"a": 1}); err != nil {
		t.Fatalf("WriteYAML failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(data) != "a: 1\n" {
		t.Errorf("Unexpected YAML: %q", data)
	}
}
