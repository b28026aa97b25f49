package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func writeTempFile(t *testing.T, root string, contents []byte) string {
	t.Helper()
	path := filepath.Join(root, "test.bin")
	if err := os.WriteFile(path, contents, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return "/test.bin"
}

func TestFSBackendFetchAll(t *testing.T) {
	root := t.TempDir()
	rest := writeTempFile(t, root, []byte("0123456789ABCDEF"))
	b := NewFSBackend(root)

	got, err := b.FetchAll(context.Background(), rest)
	if err != nil {
		t.Fatalf("FetchAll: %v", err)
	}
	if string(got) != "0123456789ABCDEF" {
		t.Errorf("FetchAll = %q", got)
	}
}

func TestFSBackendFetchRangeEquivalence(t *testing.T) {
	root := t.TempDir()
	rest := writeTempFile(t, root, []byte("0123456789ABCDEF"))
	b := NewFSBackend(root)
	ctx := context.Background()

	all, err := b.FetchAll(ctx, rest)
	if err != nil {
		t.Fatalf("FetchAll: %v", err)
	}

	tests := []struct{ start, end uint64 }{
		{0, 4}, {10, 16}, {0, 16}, {5, 6},
	}
	for _, tt := range tests {
		got, err := b.FetchRange(ctx, rest, tt.start, tt.end)
		if err != nil {
			t.Fatalf("FetchRange(%d,%d): %v", tt.start, tt.end, err)
		}
		want := all[tt.start:tt.end]
		if string(got) != string(want) {
			t.Errorf("FetchRange(%d,%d) = %q, want %q", tt.start, tt.end, got, want)
		}
	}
}

func TestFSBackendFetchRangeInvalid(t *testing.T) {
	root := t.TempDir()
	rest := writeTempFile(t, root, []byte("0123456789"))
	b := NewFSBackend(root)
	ctx := context.Background()

	if _, err := b.FetchRange(ctx, rest, 5, 100); err == nil {
		t.Fatal("FetchRange with out-of-bounds end: want error")
	}
}

func TestFSBackendExists(t *testing.T) {
	root := t.TempDir()
	rest := writeTempFile(t, root, []byte("x"))
	b := NewFSBackend(root)
	ctx := context.Background()

	ok, err := b.Exists(ctx, rest)
	if err != nil || !ok {
		t.Fatalf("Exists(%s) = %v, %v, want true, nil", rest, ok, err)
	}

	ok, err = b.Exists(ctx, rest+".missing")
	if err != nil || ok {
		t.Fatalf("Exists(missing) = %v, %v, want false, nil", ok, err)
	}
}

func TestFSBackendRejectsRelativePath(t *testing.T) {
	b := NewFSBackend(t.TempDir())
	ctx := context.Background()

	if _, err := b.FetchAll(ctx, "relative/path.bin"); err == nil {
		t.Fatal("FetchAll with relative path: want error")
	}
}

func TestFSBackendRejectsPathEscapingRoot(t *testing.T) {
	b := NewFSBackend(t.TempDir())
	ctx := context.Background()

	if _, err := b.FetchAll(ctx, "/../etc/passwd"); err == nil {
		t.Fatal("FetchAll with path escaping root: want error")
	}
}

func TestFSBackendNotFound(t *testing.T) {
	b := NewFSBackend(t.TempDir())
	ctx := context.Background()

	_, err := b.FetchAll(ctx, "/definitely-not-here.bin")
	if err == nil {
		t.Fatal("FetchAll missing file: want error")
	}
}
