package snapshot

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ReadFile loads and parses a snapshot from a local path.
func ReadFile(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &FormatError{Path: path, Msg: "reading snapshot file", Err: err}
	}
	s, err := Unmarshal(data)
	if err != nil {
		var fe *FormatError
		if errors.As(err, &fe) {
			fe.Path = path
		}
		return nil, err
	}
	return s, nil
}

// WriteFile renders s and writes it to path, creating parent directories.
func WriteFile(path string, s *Snapshot, opts MarshalOptions) error {
	data, err := Marshal(s, opts)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating output directory: %w", err)
		}
	}
	return os.WriteFile(path, data, 0o644)
}
