package backends

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLocalFS(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "exports.d", "tengil.exports")
	var fsys LocalFS

	data, err := fsys.ReadFile(path)
	if err != nil {
		t.Fatalf("Expected no error for a missing file, got: %v", err)
	}
	if data != nil {
		t.Errorf("Expected nil data for a missing file, got %q", data)
	}
	if ok, err := fsys.Exists(path); err != nil || ok {
		t.Fatalf("Expected missing file, got ok=%v err=%v", ok, err)
	}

	if err := fsys.WriteFile(path, []byte("one\n"), 0o600); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if err := fsys.WriteFile(path, []byte("two\n"), 0o644); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	data, err = fsys.ReadFile(path)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if string(data) != "two\n" {
		t.Errorf("Expected replaced content, got %q", data)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("Expected existing mode 0600 to be kept, got %v", info.Mode().Perm())
	}
	if ok, err := fsys.Exists(path); err != nil || !ok {
		t.Fatalf("Expected file to exist, got ok=%v err=%v", ok, err)
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("Expected no temp files left behind, got %d entries", len(entries))
	}
}
