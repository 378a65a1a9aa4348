package storage

import (
	"os"
	"strings"
	"testing"
)

func TestStageAndRemove(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	path, err := fs.Stage("upload-1", "cat.png", strings.NewReader("bytes"))
	if err != nil {
		t.Fatalf("stage: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read staged file: %v", err)
	}
	if string(data) != "bytes" {
		t.Fatalf("staged content = %q", data)
	}
	if err := fs.Remove("upload-1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("staged file still present: %v", err)
	}
	// Removing an unknown upload is a no-op.
	if err := fs.Remove("upload-1"); err != nil {
		t.Fatalf("second remove: %v", err)
	}
}

func TestStageSanitizesFilename(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	path, err := fs.Stage("upload-1", "../../etc/passwd", strings.NewReader("x"))
	if err != nil {
		t.Fatalf("stage: %v", err)
	}
	if strings.Contains(path, "..") {
		t.Fatalf("path traversal not neutralized: %q", path)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("staged file missing: %v", err)
	}
}

func TestNewFileStoreRequiresPath(t *testing.T) {
	if _, err := NewFileStore("  "); err == nil {
		t.Fatal("expected error for empty base path")
	}
}
