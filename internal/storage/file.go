package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mongoschema/mongoschema/internal/config"
)

// FileStore keeps the snapshot in a local file.
type FileStore struct {
	path string
}

// NewFileStore creates a store for path. A leading ~/ is expanded.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: config.ExpandHome(path)}
}

func (f *FileStore) Location() string {
	return f.path
}

func (f *FileStore) Read(_ context.Context) ([]byte, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", f.path, err)
	}
	return data, nil
}

func (f *FileStore) Write(_ context.Context, data []byte) error {
	if dir := filepath.Dir(f.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating output directory: %w", err)
		}
	}
	if err := os.WriteFile(f.path, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", f.path, err)
	}
	return nil
}
