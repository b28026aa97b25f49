package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// FSBackend serves fs:// Video References from the local filesystem.
// Positioned reads use the same io.ReaderAt idiom the teacher's ingest
// pipe uses for streaming bytes without buffering the whole file twice.
type FSBackend struct {
	root string
}

// NewFSBackend constructs a local filesystem backend rooted at root
// (config.LocalPath). fs:// URLs carry an absolute-looking path, which is
// resolved under root the way the original's LocalFileSystem::new_with_prefix
// resolves object paths under its configured prefix directory — root sandboxes
// the resolution, it isn't a second absolute path on top of the URL's.
func NewFSBackend(root string) *FSBackend {
	return &FSBackend{root: filepath.Clean(root)}
}

func (b *FSBackend) resolvePath(rest string) (string, error) {
	if !filepath.IsAbs(rest) {
		return "", fmt.Errorf("storage: fs:// path %q must be absolute", rest)
	}
	joined := filepath.Join(b.root, rest)
	if joined != b.root && !strings.HasPrefix(joined, b.root+string(filepath.Separator)) {
		return "", fmt.Errorf("storage: fs:// path %q escapes local_path root %q", rest, b.root)
	}
	return joined, nil
}

// FetchAll implements backend.
func (b *FSBackend) FetchAll(_ context.Context, rest string) ([]byte, error) {
	path, err := b.resolvePath(rest)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("storage: read %s: %w", path, err)
	}
	return data, nil
}

// FetchRange implements backend using a positioned read so large videos
// never need to be read in full for a single range fetch.
func (b *FSBackend) FetchRange(_ context.Context, rest string, start, end uint64) ([]byte, error) {
	path, err := b.resolvePath(rest)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("storage: stat %s: %w", path, err)
	}
	if end > uint64(info.Size()) {
		return nil, fmt.Errorf("%w: end %d exceeds size %d", ErrRangeInvalid, end, info.Size())
	}

	buf := make([]byte, end-start)
	if _, err := io.ReadFull(io.NewSectionReader(f, int64(start), int64(end-start)), buf); err != nil {
		return nil, fmt.Errorf("storage: positioned read %s: %w", path, err)
	}
	return buf, nil
}

// Exists implements backend via os.Stat.
func (b *FSBackend) Exists(_ context.Context, rest string) (bool, error) {
	path, err := b.resolvePath(rest)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("storage: stat %s: %w", path, err)
}
