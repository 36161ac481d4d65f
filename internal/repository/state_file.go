package repository

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// FileStateRepository stores the snapshot as a single JSON file. Writes go
// through a temp file and rename so a crash mid-write never leaves a
// truncated payload behind.
type FileStateRepository struct {
	path string
}

func NewFileStateRepository(path string) (*FileStateRepository, error) {
	if path == "" {
		return nil, errors.New("state file path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &FileStateRepository{path: path}, nil
}

func (r *FileStateRepository) Load(_ context.Context) ([]byte, error) {
	payload, err := os.ReadFile(r.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read state file: %w", err)
	}
	return payload, nil
}

func (r *FileStateRepository) Save(_ context.Context, payload []byte) error {
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o600); err != nil {
		return fmt.Errorf("write state file: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}

func (r *FileStateRepository) Clear(_ context.Context) error {
	if err := os.Remove(r.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove state file: %w", err)
	}
	return nil
}

// DefaultStatePath places the state file under the user config directory,
// falling back to the working directory when none is resolvable.
func DefaultStatePath() string {
	base, err := os.UserConfigDir()
	if err != nil {
		return ".qgen-state.json"
	}
	return filepath.Join(base, "qgen", "state.json")
}
