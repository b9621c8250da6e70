package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"regserv/services/registry"
)

// FileStore keeps the snapshot in a single JSON file replaced atomically on every checkpoint.
type FileStore struct {
	path string
}

// NewFileStore returns a store writing to path, creating its directory if needed.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("snapshot path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create snapshot dir: %w", err)
		}
	}
	return &FileStore{path: path}, nil
}

// Path returns the snapshot location.
func (s *FileStore) Path() string { return s.path }

// Load reads the snapshot; a missing file is an empty registry.
func (s *FileStore) Load(ctx context.Context) (registry.State, error) {
	if err := ctx.Err(); err != nil {
		return registry.State{}, err
	}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return registry.NewState(), nil
	}
	if err != nil {
		return registry.State{}, fmt.Errorf("read snapshot: %w", err)
	}
	return Decode(data)
}

// Checkpoint encodes state and swaps it into place.
func (s *FileStore) Checkpoint(ctx context.Context, state registry.State) error {
	data, err := Encode(state)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return s.WriteRaw(ctx, data)
}

// WriteRaw atomically replaces the snapshot with data: write a sibling temp file, fsync it,
// rename over the target, then fsync the directory.
func (s *FileStore) WriteRaw(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	committed = true

	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		d.Close()
	}
	return nil
}
