package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog/log"
)

// FileBackend keeps one pretty-printed JSON document per kind in a directory.
// Every save rewrites the whole document through a temp file and rename, so a
// concurrent reader sees either the old or the new file, never a mix. A
// sidecar lock file serialises writers across processes (the admin CLI and
// the server may share a cache directory).
type FileBackend struct {
	dir string
}

var _ Backend = (*FileBackend)(nil)

// NewFileBackend creates the cache directory if needed.
func NewFileBackend(dir string) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	return &FileBackend{dir: dir}, nil
}

// Path returns the document path for kind.
func (b *FileBackend) Path(kind Kind) string {
	return filepath.Join(b.dir, string(kind)+"-cache.json")
}

// Load reads the document for kind. A missing file is created empty.
func (b *FileBackend) Load(_ context.Context, kind Kind) (map[string]Record, error) {
	path := b.Path(kind)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			log.Info().Str("path", path).Msg("Cache file not found, starting empty")
			records := make(map[string]Record)
			if err := b.write(path, records); err != nil {
				return nil, fmt.Errorf("create cache file: %w", err)
			}
			return records, nil
		}
		return nil, fmt.Errorf("read cache file: %w", err)
	}

	records := make(map[string]Record)
	if len(data) == 0 {
		return records, nil
	}
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parse cache file %s: %w", path, err)
	}
	return records, nil
}

// Save atomically replaces the document for kind.
func (b *FileBackend) Save(_ context.Context, kind Kind, records map[string]Record) error {
	return b.write(b.Path(kind), records)
}

func (b *FileBackend) write(path string, records map[string]Record) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal cache: %w", err)
	}

	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("lock %s: %w", path, err)
	}
	defer lock.Unlock()

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// Close is a no-op; files are not held open between writes.
func (b *FileBackend) Close() error {
	return nil
}
