package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// FileStore stages uploaded files on disk until they are handed off to
// the generation provider. Staged files are short-lived.
type FileStore struct {
	basePath string
}

// NewFileStore creates the staging directory if missing.
func NewFileStore(basePath string) (*FileStore, error) {
	if strings.TrimSpace(basePath) == "" {
		return nil, fmt.Errorf("storage base path is required")
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &FileStore{basePath: basePath}, nil
}

// Stage writes an uploaded file under an upload-specific folder and
// returns its path.
func (f *FileStore) Stage(uploadID, filename string, r io.Reader) (string, error) {
	targetDir := filepath.Join(f.basePath, uploadID)
	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return "", fmt.Errorf("create upload dir: %w", err)
	}
	target := filepath.Join(targetDir, safeFilename(filename))

	out, err := os.Create(target)
	if err != nil {
		return "", fmt.Errorf("create file: %w", err)
	}
	defer out.Close()
	if _, err := io.Copy(out, r); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return target, nil
}

// Remove deletes all staged files for an upload.
func (f *FileStore) Remove(uploadID string) error {
	targetDir := filepath.Join(f.basePath, uploadID)
	if _, err := os.Stat(targetDir); os.IsNotExist(err) {
		return nil
	}
	return os.RemoveAll(targetDir)
}

func safeFilename(name string) string {
	name = filepath.Base(name)
	name = strings.ReplaceAll(name, string(os.PathSeparator), "_")
	name = strings.TrimSpace(name)
	if name == "" {
		return "upload"
	}
	return name
}
