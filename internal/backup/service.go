// Package backup takes periodic snapshots of the wallet database and keeps
// the newest ones in a Storage backend.
package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"blitzi/internal/logging"
)

const (
	snapshotPrefix = "blitzi-"
	snapshotSuffix = ".db"
	// Lexical order of names equals chronological order.
	snapshotTimeFormat = "20060102T150405.000Z"

	shutdownSnapshotTimeout = 30 * time.Second
)

// Snapshotter writes a consistent copy of the database to a new file.
type Snapshotter interface {
	Snapshot(ctx context.Context, path string) error
}

// Service snapshots the database into storage and prunes old snapshots.
type Service struct {
	db      Snapshotter
	storage Storage
	keep    int
	now     func() time.Time
}

// NewService creates a backup service keeping at most keep snapshots.
// keep <= 0 disables pruning.
func NewService(db Snapshotter, storage Storage, keep int) *Service {
	return &Service{
		db:      db,
		storage: storage,
		keep:    keep,
		now:     time.Now,
	}
}

// SnapshotName returns the storage name for a snapshot taken at t.
func SnapshotName(t time.Time) string {
	return snapshotPrefix + t.UTC().Format(snapshotTimeFormat) + snapshotSuffix
}

// Snapshot copies the database into storage and returns the snapshot's name.
func (s *Service) Snapshot(ctx context.Context) (string, error) {
	tmpDir, err := os.MkdirTemp("", "blitzi-backup-*")
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(tmpDir)

	tmpPath := filepath.Join(tmpDir, "snapshot.db")
	if err := s.db.Snapshot(ctx, tmpPath); err != nil {
		return "", fmt.Errorf("snapshot database: %w", err)
	}

	f, err := os.Open(tmpPath)
	if err != nil {
		return "", err
	}
	defer f.Close()
	stat, err := f.Stat()
	if err != nil {
		return "", err
	}

	name := SnapshotName(s.now())
	n, err := s.storage.Save(ctx, name, f, stat.Size())
	if err != nil {
		return "", fmt.Errorf("save snapshot %s: %w", name, err)
	}
	logging.Backup.Printf("saved snapshot %s (%d bytes)", name, n)

	if _, err := s.Prune(ctx); err != nil {
		logging.Backup.Printf("failed to prune snapshots: %v", err)
	}
	return name, nil
}

// Latest returns the name of the newest snapshot in storage.
func (s *Service) Latest(ctx context.Context) (string, error) {
	snapshots, err := s.snapshots(ctx)
	if err != nil {
		return "", err
	}
	if len(snapshots) == 0 {
		return "", ErrNotFound
	}
	return snapshots[len(snapshots)-1], nil
}

// Restore writes the snapshot called name to path. An empty name restores the
// newest snapshot. Restore never overwrites an existing file.
func (s *Service) Restore(ctx context.Context, name, path string) (string, error) {
	if name == "" {
		latest, err := s.Latest(ctx)
		if err != nil {
			return "", fmt.Errorf("find latest snapshot: %w", err)
		}
		name = latest
	}
	if _, err := os.Stat(path); err == nil {
		return "", fmt.Errorf("%w: %s", ErrRestoreTargetExists, path)
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", err
	}

	r, err := s.storage.Load(ctx, name)
	if err != nil {
		return "", fmt.Errorf("load snapshot %s: %w", name, err)
	}
	defer r.Close()

	tmp, err := os.CreateTemp(filepath.Dir(path), ".restore-*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, r)
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", fmt.Errorf("write snapshot %s: %w", name, err)
	}
	if err := os.Chmod(tmp.Name(), 0600); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", err
	}
	logging.Backup.Printf("restored snapshot %s to %s (%d bytes)", name, path, n)
	return name, nil
}

func (s *Service) snapshots(ctx context.Context) ([]string, error) {
	names, err := s.storage.List(ctx)
	if err != nil {
		return nil, err
	}
	var snapshots []string
	for _, name := range names {
		if strings.HasPrefix(name, snapshotPrefix) && strings.HasSuffix(name, snapshotSuffix) {
			snapshots = append(snapshots, name)
		}
	}
	sort.Strings(snapshots)
	return snapshots, nil
}

// Prune deletes all but the newest keep snapshots and returns how many were
// removed. Objects in storage that are not snapshots are left alone.
func (s *Service) Prune(ctx context.Context) (int, error) {
	if s.keep <= 0 {
		return 0, nil
	}

	snapshots, err := s.snapshots(ctx)
	if err != nil {
		return 0, err
	}
	if len(snapshots) <= s.keep {
		return 0, nil
	}

	removed := 0
	for _, name := range snapshots[:len(snapshots)-s.keep] {
		if err := s.storage.Delete(ctx, name); err != nil && !errors.Is(err, ErrNotFound) {
			logging.Backup.Printf("failed to delete snapshot %s: %v", name, err)
			continue
		}
		removed++
	}
	if removed > 0 {
		logging.Backup.Printf("pruned %d old snapshot(s)", removed)
	}
	return removed, nil
}

// Run takes a snapshot every interval until ctx is canceled, then takes a
// final one before returning.
func (s *Service) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := s.Snapshot(ctx); err != nil {
				logging.Backup.Printf("periodic snapshot failed: %v", err)
			}
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownSnapshotTimeout)
			if _, err := s.Snapshot(final); err != nil {
				logging.Backup.Printf("shutdown snapshot failed: %v", err)
			}
			cancel()
			return
		}
	}
}
