package backup

import (
	"context"
	"errors"
	"io"
	"regexp"
)

var (
	ErrNotFound    = errors.New("snapshot not found")
	ErrInvalidName = errors.New("invalid snapshot name")

	ErrRestoreTargetExists = errors.New("restore target already exists")
)

// validNamePattern allows file names without path separators.
var validNamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// Storage defines where snapshots are kept.
type Storage interface {
	Save(ctx context.Context, name string, data io.Reader, size int64) (int64, error)
	Load(ctx context.Context, name string) (io.ReadCloser, error)
	Delete(ctx context.Context, name string) error
	// List returns the names of all stored snapshots, in no particular order.
	List(ctx context.Context) ([]string, error)
}

func validateName(name string) error {
	if name == "" || len(name) > 128 || !validNamePattern.MatchString(name) {
		return ErrInvalidName
	}
	return nil
}
