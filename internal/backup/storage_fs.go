package backup

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
)

// FSStorage keeps snapshots in a local directory.
type FSStorage struct {
	basePath string
}

// NewFSStorage creates a new filesystem-based storage.
func NewFSStorage(basePath string) (*FSStorage, error) {
	if err := os.MkdirAll(basePath, 0700); err != nil {
		return nil, err
	}
	return &FSStorage{basePath: basePath}, nil
}

func (s *FSStorage) path(name string) string {
	return filepath.Join(s.basePath, name)
}

// Save writes to a temporary file and renames it into place.
func (s *FSStorage) Save(ctx context.Context, name string, data io.Reader, size int64) (int64, error) {
	if err := validateName(name); err != nil {
		return 0, err
	}

	tmp, err := os.CreateTemp(s.basePath, ".partial-*")
	if err != nil {
		return 0, err
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, data)
	if err != nil {
		tmp.Close()
		return 0, err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return 0, err
	}
	if err := tmp.Close(); err != nil {
		return 0, err
	}
	if err := os.Chmod(tmp.Name(), 0600); err != nil {
		return 0, err
	}
	if err := os.Rename(tmp.Name(), s.path(name)); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *FSStorage) Load(ctx context.Context, name string) (io.ReadCloser, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	f, err := os.Open(s.path(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return f, err
}

func (s *FSStorage) Delete(ctx context.Context, name string) error {
	if err := validateName(name); err != nil {
		return err
	}
	err := os.Remove(s.path(name))
	if errors.Is(err, os.ErrNotExist) {
		return ErrNotFound
	}
	return err
}

func (s *FSStorage) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.Type().IsRegular() || validateName(e.Name()) != nil {
			continue
		}
		names = append(names, e.Name())
	}
	return names, nil
}
