package cacheb

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"tileproxy/internal/errs"
)

// bundleDim is the ArcGIS compact-cache bundle size: each .bundle file
// holds a fixed 128x128 block of tiles, addressed by a parallel fixed-
// width offset/size index (.bundlx), a format documented by the shapes
// Sudo-Ivan-arcgis-utils models for ArcGIS tiling schemes. A bundle
// index is a dense binary table, not a job for a general-purpose
// serialization library, hence encoding/binary rather than a codec dep.
const bundleDim = 128

const bundleHeaderSize = 64
const indexEntrySize = 9 // 5-byte offset (ArcGIS's own width) + 4-byte size

// ArcGISCompactBackend implements an ArcGIS-style compact bundle
// cache: tiles are grouped into bundleDim x bundleDim blocks, each
// written to "R<row>C<col>.bundle" with an accompanying index that
// maps (row,col) inside the block to a byte offset.
type ArcGISCompactBackend struct {
	BaseDir string
	Version int // 1 or 2; stored only, the bundle format and file naming are the same for both

	mu      sync.Mutex
	bundles map[string]*bundleHandle
}

type bundleHandle struct {
	dataPath  string
	indexPath string
}

func NewArcGISCompactBackend(baseDir string, version int) *ArcGISCompactBackend {
	return &ArcGISCompactBackend{BaseDir: baseDir, Version: version, bundles: make(map[string]*bundleHandle)}
}

func (b *ArcGISCompactBackend) bundleCoord(key Key) (bundleRow, bundleCol, localRow, localCol int) {
	c := key.Coord
	bundleRow = c.Y / bundleDim
	bundleCol = c.X / bundleDim
	localRow = c.Y % bundleDim
	localCol = c.X % bundleDim
	return
}

func (b *ArcGISCompactBackend) bundlePaths(z, bundleRow, bundleCol int) (string, string) {
	levelDir := filepath.Join(b.BaseDir, fmt.Sprintf("L%02d", z))
	name := fmt.Sprintf("R%04xC%04x", bundleRow*bundleDim, bundleCol*bundleDim)
	return filepath.Join(levelDir, name+".bundle"), filepath.Join(levelDir, name+".bundlx")
}

func (b *ArcGISCompactBackend) Load(ctx context.Context, key Key) ([]byte, bool, error) {
	bundleRow, bundleCol, localRow, localCol := b.bundleCoord(key)
	dataPath, idxPath := b.bundlePaths(key.Coord.Z, bundleRow, bundleCol)

	idx, err := os.ReadFile(idxPath)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, &errs.CacheError{Kind: errs.CacheIOError, Backend: "arcgis-compact", Err: err}
	}
	slot := (localRow*bundleDim + localCol) * indexEntrySize
	if slot+indexEntrySize > len(idx) {
		return nil, false, nil
	}
	offset, size := readIndexEntry(idx[slot : slot+indexEntrySize])
	if size == 0 {
		return nil, false, nil
	}

	f, err := os.Open(dataPath)
	if err != nil {
		return nil, false, &errs.CacheError{Kind: errs.CacheIOError, Backend: "arcgis-compact", Err: err}
	}
	defer f.Close()
	buf := make([]byte, size)
	if _, err := f.ReadAt(buf, int64(offset)); err != nil {
		return nil, false, &errs.CacheError{Kind: errs.CacheIOError, Backend: "arcgis-compact", Err: err}
	}
	return buf, true, nil
}

// Store appends data to the bundle file and rewrites the matching
// index slot. This grows the bundle monotonically; Defrag reclaims
// space from overwritten/removed tiles.
func (b *ArcGISCompactBackend) Store(ctx context.Context, key Key, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	bundleRow, bundleCol, localRow, localCol := b.bundleCoord(key)
	dataPath, idxPath := b.bundlePaths(key.Coord.Z, bundleRow, bundleCol)
	if err := os.MkdirAll(filepath.Dir(dataPath), 0o755); err != nil {
		return &errs.CacheError{Kind: errs.CacheIOError, Backend: "arcgis-compact", Err: err}
	}

	idx, err := os.ReadFile(idxPath)
	if err != nil && !os.IsNotExist(err) {
		return &errs.CacheError{Kind: errs.CacheIOError, Backend: "arcgis-compact", Err: err}
	}
	if len(idx) < bundleDim*bundleDim*indexEntrySize {
		grown := make([]byte, bundleDim*bundleDim*indexEntrySize)
		copy(grown, idx)
		idx = grown
	}

	f, err := os.OpenFile(dataPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return &errs.CacheError{Kind: errs.CacheIOError, Backend: "arcgis-compact", Err: err}
	}
	defer f.Close()
	stat, err := f.Stat()
	if err != nil {
		return &errs.CacheError{Kind: errs.CacheIOError, Backend: "arcgis-compact", Err: err}
	}
	offset := stat.Size()
	if offset == 0 {
		offset = bundleHeaderSize
	}
	if _, err := f.WriteAt(data, offset); err != nil {
		return &errs.CacheError{Kind: errs.CacheIOError, Backend: "arcgis-compact", Err: err}
	}

	slot := (localRow*bundleDim + localCol) * indexEntrySize
	writeIndexEntry(idx[slot:slot+indexEntrySize], uint64(offset), uint32(len(data)))
	if err := os.WriteFile(idxPath, idx, 0o644); err != nil {
		return &errs.CacheError{Kind: errs.CacheIOError, Backend: "arcgis-compact", Err: err}
	}
	return nil
}

func (b *ArcGISCompactBackend) Remove(ctx context.Context, key Key) error {
	bundleRow, bundleCol, localRow, localCol := b.bundleCoord(key)
	_, idxPath := b.bundlePaths(key.Coord.Z, bundleRow, bundleCol)
	idx, err := os.ReadFile(idxPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return &errs.CacheError{Kind: errs.CacheIOError, Backend: "arcgis-compact", Err: err}
	}
	slot := (localRow*bundleDim + localCol) * indexEntrySize
	if slot+indexEntrySize > len(idx) {
		return nil
	}
	writeIndexEntry(idx[slot:slot+indexEntrySize], 0, 0)
	return os.WriteFile(idxPath, idx, 0o644)
}

func (b *ArcGISCompactBackend) IsCached(ctx context.Context, key Key) (bool, error) {
	_, ok, err := b.Load(ctx, key)
	return ok, err
}

func (b *ArcGISCompactBackend) LoadMany(ctx context.Context, keys []Key) (map[Key][]byte, error) {
	return EachLoad(ctx, b, keys)
}

func (b *ArcGISCompactBackend) Capabilities() Capabilities { return Capabilities{} }
func (b *ArcGISCompactBackend) Close() error               { return nil }

// Defrag rewrites a bundle file dropping holes left by overwritten or
// removed tiles, compacting it back to only the bytes its index still
// references.
func (b *ArcGISCompactBackend) Defrag(z, bundleRow, bundleCol int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	dataPath, idxPath := b.bundlePaths(z, bundleRow, bundleCol)
	idx, err := os.ReadFile(idxPath)
	if err != nil {
		return &errs.CacheError{Kind: errs.CacheIOError, Backend: "arcgis-compact", Err: err}
	}
	old, err := os.ReadFile(dataPath)
	if err != nil {
		return &errs.CacheError{Kind: errs.CacheIOError, Backend: "arcgis-compact", Err: err}
	}

	newData := make([]byte, bundleHeaderSize)
	newIdx := make([]byte, len(idx))
	cursor := int64(bundleHeaderSize)
	for slot := 0; slot+indexEntrySize <= len(idx); slot += indexEntrySize {
		offset, size := readIndexEntry(idx[slot : slot+indexEntrySize])
		if size == 0 {
			continue
		}
		if int(offset)+int(size) > len(old) {
			continue
		}
		newData = append(newData, old[offset:offset+uint64(size)]...)
		writeIndexEntry(newIdx[slot:slot+indexEntrySize], uint64(cursor), size)
		cursor += int64(size)
	}
	if err := os.WriteFile(dataPath, newData, 0o644); err != nil {
		return &errs.CacheError{Kind: errs.CacheIOError, Backend: "arcgis-compact", Err: err}
	}
	return os.WriteFile(idxPath, newIdx, 0o644)
}

func readIndexEntry(b []byte) (offset uint64, size uint32) {
	var padded [8]byte
	copy(padded[:5], b[:5])
	offset = binary.LittleEndian.Uint64(padded[:])
	size = binary.LittleEndian.Uint32(b[5:9])
	return offset, size
}

func writeIndexEntry(b []byte, offset uint64, size uint32) {
	var padded [8]byte
	binary.LittleEndian.PutUint64(padded[:], offset)
	copy(b[:5], padded[:5])
	binary.LittleEndian.PutUint32(b[5:9], size)
}
