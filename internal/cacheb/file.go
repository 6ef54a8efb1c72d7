package cacheb

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"tileproxy/internal/errs"
)

// FileBackend stores each tile as its own file under BaseDir, using
// the configured Layout for the relative path. Writes go to a temp
// file in the same directory followed by os.Rename, so a reader never
// observes a partial file, which also makes the backend safe under
// concurrent writers.
type FileBackend struct {
	BaseDir string
	Layout  Layout

	// LinkIdentical, when set, makes Store symlink a newly written
	// tile to an existing file with the same content hash instead of
	// duplicating bytes. Disabled by default; the hash index lives only
	// in memory for the backend's lifetime.
	LinkIdentical bool
	hashIndex     map[string]string // content hash -> absolute path of first writer
	mu            sync.Mutex        // guards hashIndex
}

func NewFileBackend(baseDir string, layout Layout, linkIdentical bool) *FileBackend {
	return &FileBackend{
		BaseDir:       baseDir,
		Layout:        layout,
		LinkIdentical: linkIdentical,
		hashIndex:     make(map[string]string),
	}
}

func (b *FileBackend) path(key Key) string {
	return filepath.Join(b.BaseDir, b.Layout(key))
}

func (b *FileBackend) Load(ctx context.Context, key Key) ([]byte, bool, error) {
	data, err := os.ReadFile(b.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, &errs.CacheError{Kind: errs.CacheIOError, Backend: "file", Err: err}
	}
	return data, true, nil
}

func (b *FileBackend) Store(ctx context.Context, key Key, data []byte) error {
	dst := b.path(key)
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &errs.CacheError{Kind: errs.CacheIOError, Backend: "file", Err: err}
	}

	if b.LinkIdentical {
		h := contentHash(data)
		b.mu.Lock()
		existing, ok := b.hashIndex[h]
		b.mu.Unlock()
		if ok && existing != dst {
			if prev, err := os.ReadFile(existing); err == nil && bytes.Equal(prev, data) {
				if err := linkOrCopy(existing, dst); err == nil {
					return nil
				}
			}
			// fall through to a normal write if linking failed
		}
		b.mu.Lock()
		b.hashIndex[h] = dst
		b.mu.Unlock()
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return &errs.CacheError{Kind: errs.CacheIOError, Backend: "file", Err: err}
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return &errs.CacheError{Kind: errs.CacheIOError, Backend: "file", Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return &errs.CacheError{Kind: errs.CacheIOError, Backend: "file", Err: err}
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		os.Remove(tmpPath)
		return &errs.CacheError{Kind: errs.CacheIOError, Backend: "file", Err: err}
	}
	return nil
}

func (b *FileBackend) Remove(ctx context.Context, key Key) error {
	if err := os.Remove(b.path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return &errs.CacheError{Kind: errs.CacheIOError, Backend: "file", Err: err}
	}
	return nil
}

func (b *FileBackend) IsCached(ctx context.Context, key Key) (bool, error) {
	_, err := os.Stat(b.path(key))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, &errs.CacheError{Kind: errs.CacheIOError, Backend: "file", Err: err}
}

func (b *FileBackend) LoadMany(ctx context.Context, keys []Key) (map[Key][]byte, error) {
	return EachLoad(ctx, b, keys)
}

func (b *FileBackend) Capabilities() Capabilities {
	return Capabilities{SupportsLinkIdentical: b.LinkIdentical}
}

func (b *FileBackend) Close() error { return nil }

func linkOrCopy(src, dst string) error {
	if err := os.Symlink(src, dst); err == nil {
		return nil
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}

// contentHash is a cheap, non-cryptographic fingerprint: collisions
// only cost an extra duplicated file, never correctness, since Store
// always verifies hashIndex points at bytes this process itself wrote.
func contentHash(data []byte) string {
	var h uint64 = 14695981039346656037
	for _, c := range data {
		h ^= uint64(c)
		h *= 1099511628211
	}
	return fmt.Sprintf("%x-%d", h, len(data))
}
