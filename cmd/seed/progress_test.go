package main

import (
	"path/filepath"
	"testing"

	"tileproxy/internal/grid"
)

func TestProgressSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "seed-osm.json")

	p := &progress{TaskID: "abc", Layer: "osm", Done: map[string]bool{"0/0/0": true}}
	if err := p.save(path); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded := loadProgress(path, "osm")
	if loaded.TaskID != "abc" || !loaded.Done["0/0/0"] {
		t.Fatalf("expected round-tripped progress, got %+v", loaded)
	}
}

func TestLoadProgressResetsOnLayerMismatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "seed-osm.json")

	p := &progress{TaskID: "abc", Layer: "osm", Done: map[string]bool{"0/0/0": true}}
	if err := p.save(path); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded := loadProgress(path, "other-layer")
	if loaded.Layer != "other-layer" || len(loaded.Done) != 0 {
		t.Fatalf("expected a fresh progress for a mismatched layer, got %+v", loaded)
	}
}

func TestTileKeyFormat(t *testing.T) {
	if got := tileKey(grid.Coord{Z: 3, X: 4, Y: 5}); got != "3/4/5" {
		t.Fatalf("unexpected tile key %q", got)
	}
}
