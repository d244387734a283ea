package backup

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
)

func TestValidateName(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		wantErr bool
	}{
		{"snapshot name", "blitzi-20260102T150405.000Z.db", false},
		{"plain", "abc123", false},
		{"empty", "", true},
		{"path traversal dots", "../etc/passwd", true},
		{"leading dot", ".hidden", true},
		{"contains slash", "path/to/file", true},
		{"contains backslash", "path\\to\\file", true},
		{"contains space", "file name", true},
		{"too long", strings.Repeat("a", 129), true},
		{"max length valid", strings.Repeat("a", 128), false},
		{"null byte", "file\x00name", true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := validateName(tc.in)
			if (err != nil) != tc.wantErr {
				t.Errorf("validateName(%q) error = %v, wantErr %v", tc.in, err, tc.wantErr)
			}
		})
	}
}

func TestFSStorage_SaveLoadDeleteList(t *testing.T) {
	dir := t.TempDir()
	storage, err := NewFSStorage(dir)
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	ctx := context.Background()
	data := []byte("sqlite bytes")

	n, err := storage.Save(ctx, "a.db", bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if n != int64(len(data)) {
		t.Errorf("Save returned %d bytes, want %d", n, len(data))
	}
	if _, err := storage.Save(ctx, "b.db", strings.NewReader("x"), 1); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	info, err := os.Stat(filepath.Join(dir, "a.db"))
	if err != nil {
		t.Fatalf("saved file missing: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("expected 0600 permissions, got %o", info.Mode().Perm())
	}

	r, err := storage.Load(ctx, "a.db")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	got, _ := io.ReadAll(r)
	r.Close()
	if !bytes.Equal(got, data) {
		t.Errorf("loaded %q, want %q", got, data)
	}

	names, err := storage.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	sort.Strings(names)
	if len(names) != 2 || names[0] != "a.db" || names[1] != "b.db" {
		t.Errorf("unexpected listing %v", names)
	}

	if err := storage.Delete(ctx, "a.db"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := storage.Load(ctx, "a.db"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	if err := storage.Delete(ctx, "a.db"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound deleting twice, got %v", err)
	}
}

func TestFSStorage_ListSkipsPartialAndDirs(t *testing.T) {
	dir := t.TempDir()
	storage, err := NewFSStorage(dir)
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	os.WriteFile(filepath.Join(dir, ".partial-123"), []byte("x"), 0600)
	os.Mkdir(filepath.Join(dir, "subdir"), 0700)

	names, err := storage.List(context.Background())
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(names) != 0 {
		t.Errorf("expected empty listing, got %v", names)
	}
}

func TestFSStorage_InvalidName(t *testing.T) {
	storage, err := NewFSStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	ctx := context.Background()

	if _, err := storage.Save(ctx, "../escape", strings.NewReader("x"), 1); err != ErrInvalidName {
		t.Errorf("Save: expected ErrInvalidName, got %v", err)
	}
	if _, err := storage.Load(ctx, "../escape"); err != ErrInvalidName {
		t.Errorf("Load: expected ErrInvalidName, got %v", err)
	}
	if err := storage.Delete(ctx, "../escape"); err != ErrInvalidName {
		t.Errorf("Delete: expected ErrInvalidName, got %v", err)
	}
}

func TestFSStorage_NewFSStorage(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "backups")

	if _, err := NewFSStorage(dir); err != nil {
		t.Fatalf("NewFSStorage failed: %v", err)
	}
	info, err := os.Stat(dir)
	if err != nil {
		t.Fatalf("directory not created: %v", err)
	}
	if !info.IsDir() {
		t.Error("expected a directory")
	}
}
