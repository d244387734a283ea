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
	"sync"
	"testing"
	"time"

	"blitzi/internal/store"
)

// fakeDB writes a fixed payload as its snapshot.
type fakeDB struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeDB) Snapshot(ctx context.Context, path string) error {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	return os.WriteFile(path, []byte("snapshot"), 0600)
}

func (f *fakeDB) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestService(t *testing.T, db Snapshotter, keep int) (*Service, *FSStorage) {
	t.Helper()
	storage, err := NewFSStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	svc := NewService(db, storage, keep)

	clock := time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC)
	svc.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	return svc, storage
}

func TestSnapshotName(t *testing.T) {
	ts := time.Date(2026, 1, 2, 15, 4, 5, 123_000_000, time.FixedZone("CET", 3600))
	if got := SnapshotName(ts); got != "blitzi-20260102T140405.123Z.db" {
		t.Errorf("SnapshotName = %q", got)
	}
	if validateName(SnapshotName(ts)) != nil {
		t.Error("snapshot names must be valid storage names")
	}
}

func TestService_Snapshot(t *testing.T) {
	svc, storage := newTestService(t, &fakeDB{}, 0)
	ctx := context.Background()

	name, err := svc.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if !strings.HasPrefix(name, "blitzi-") || !strings.HasSuffix(name, ".db") {
		t.Errorf("unexpected snapshot name %q", name)
	}

	r, err := storage.Load(ctx, name)
	if err != nil {
		t.Fatalf("snapshot not stored: %v", err)
	}
	defer r.Close()
	data, _ := io.ReadAll(r)
	if string(data) != "snapshot" {
		t.Errorf("stored %q", data)
	}
}

func TestService_SnapshotError(t *testing.T) {
	expected := errors.New("database is locked")
	svc, storage := newTestService(t, &fakeDB{err: expected}, 3)

	if _, err := svc.Snapshot(context.Background()); !errors.Is(err, expected) {
		t.Fatalf("expected %v, got %v", expected, err)
	}
	names, _ := storage.List(context.Background())
	if len(names) != 0 {
		t.Errorf("failed snapshot left %v behind", names)
	}
}

func TestService_Prune(t *testing.T) {
	svc, storage := newTestService(t, &fakeDB{}, 3)
	ctx := context.Background()

	foreign := "notes.txt"
	storage.Save(ctx, foreign, strings.NewReader("keep me"), 7)

	var names []string
	for i := 0; i < 5; i++ {
		name, err := svc.Snapshot(ctx)
		if err != nil {
			t.Fatalf("snapshot %d failed: %v", i, err)
		}
		names = append(names, name)
	}

	left, err := storage.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	sort.Strings(left)
	want := append(append([]string{}, names[2:]...), foreign)
	sort.Strings(want)
	if fmt.Sprint(left) != fmt.Sprint(want) {
		t.Errorf("remaining = %v, want %v", left, want)
	}
}

func TestService_PruneDisabled(t *testing.T) {
	svc, storage := newTestService(t, &fakeDB{}, 0)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		svc.Snapshot(ctx)
	}
	names, _ := storage.List(ctx)
	if len(names) != 4 {
		t.Errorf("expected 4 snapshots with pruning disabled, got %d", len(names))
	}
}

func TestService_RunTakesFinalSnapshot(t *testing.T) {
	db := &fakeDB{}
	svc, storage := newTestService(t, db, 10)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.Run(ctx, 20*time.Millisecond)
		close(done)
	}()

	time.Sleep(70 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	if db.Calls() < 2 {
		t.Errorf("expected periodic and final snapshots, got %d", db.Calls())
	}
	names, _ := storage.List(context.Background())
	if len(names) != db.Calls() {
		t.Errorf("expected %d stored snapshots, got %d", db.Calls(), len(names))
	}
}

func TestService_SnapshotRealStore(t *testing.T) {
	dir := t.TempDir()
	st, err := store.NewSQLiteStore(filepath.Join(dir, "blitzi.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer st.Close()

	ctx := context.Background()
	if err := st.SaveClientSecret(ctx, []byte("0123456789abcdef")); err != nil {
		t.Fatalf("failed to save secret: %v", err)
	}

	svc, _ := newTestService(t, st, 2)
	name, err := svc.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}

	restoredPath := filepath.Join(dir, "restored.db")
	restoredName, err := svc.Restore(ctx, "", restoredPath)
	if err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if restoredName != name {
		t.Errorf("restored %q, want latest %q", restoredName, name)
	}

	restored, err := store.NewSQLiteStore(restoredPath)
	if err != nil {
		t.Fatalf("failed to open restored db: %v", err)
	}
	defer restored.Close()
	secret, err := restored.LoadClientSecret(ctx)
	if err != nil {
		t.Fatalf("LoadClientSecret failed: %v", err)
	}
	if string(secret) != "0123456789abcdef" {
		t.Errorf("restored secret = %q", secret)
	}
}

func TestService_Restore(t *testing.T) {
	svc, storage := newTestService(t, &fakeDB{}, 0)
	ctx := context.Background()
	dir := t.TempDir()

	if _, err := svc.Restore(ctx, "", filepath.Join(dir, "empty.db")); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound with no snapshots, got %v", err)
	}

	first, err := svc.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if _, err := svc.Snapshot(ctx); err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if _, err := storage.Save(ctx, "zz-notes.txt", strings.NewReader("x"), 1); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	t.Run("named", func(t *testing.T) {
		path := filepath.Join(dir, "named.db")
		name, err := svc.Restore(ctx, first, path)
		if err != nil {
			t.Fatalf("Restore failed: %v", err)
		}
		if name != first {
			t.Errorf("restored %q, want %q", name, first)
		}
		data, err := os.ReadFile(path)
		if err != nil || string(data) != "snapshot" {
			t.Errorf("unexpected restored content %q (%v)", data, err)
		}
		info, err := os.Stat(path)
		if err != nil {
			t.Fatalf("Stat failed: %v", err)
		}
		if info.Mode().Perm() != 0600 {
			t.Errorf("restored file mode = %v, want 0600", info.Mode().Perm())
		}
	})

	t.Run("latest ignores other objects", func(t *testing.T) {
		latest, err := svc.Latest(ctx)
		if err != nil {
			t.Fatalf("Latest failed: %v", err)
		}
		if latest == first || !strings.HasPrefix(latest, "blitzi-") {
			t.Errorf("unexpected latest snapshot %q", latest)
		}
	})

	t.Run("existing target", func(t *testing.T) {
		path := filepath.Join(dir, "taken.db")
		if err := os.WriteFile(path, []byte("live"), 0600); err != nil {
			t.Fatal(err)
		}
		if _, err := svc.Restore(ctx, first, path); !errors.Is(err, ErrRestoreTargetExists) {
			t.Errorf("expected ErrRestoreTargetExists, got %v", err)
		}
		data, _ := os.ReadFile(path)
		if string(data) != "live" {
			t.Errorf("existing file was overwritten: %q", data)
		}
	})

	t.Run("missing snapshot", func(t *testing.T) {
		_, err := svc.Restore(ctx, "blitzi-19700101T000000.000Z.db", filepath.Join(dir, "missing.db"))
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		if _, err := os.Stat(filepath.Join(dir, "missing.db")); !errors.Is(err, os.ErrNotExist) {
			t.Error("failed restore left a file behind")
		}
	})
}
