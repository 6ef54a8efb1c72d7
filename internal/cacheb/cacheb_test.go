package cacheb

import (
	"context"
	"testing"

	"tileproxy/internal/grid"
)

func TestFileBackendStoreLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	b := NewFileBackend(dir, TCLayout, false)
	ctx := context.Background()
	key := Key{Layer: "base", Grid: "webmercator", Coord: grid.Coord{Z: 3, X: 4, Y: 5}, Format: "png"}

	if ok, err := b.IsCached(ctx, key); err != nil || ok {
		t.Fatalf("expected miss before store, got ok=%v err=%v", ok, err)
	}
	if err := b.Store(ctx, key, []byte("tile-bytes")); err != nil {
		t.Fatalf("Store: %v", err)
	}
	data, ok, err := b.Load(ctx, key)
	if err != nil || !ok {
		t.Fatalf("Load after Store: ok=%v err=%v", ok, err)
	}
	if string(data) != "tile-bytes" {
		t.Errorf("got %q, want %q", data, "tile-bytes")
	}
	if err := b.Remove(ctx, key); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if ok, _ := b.IsCached(ctx, key); ok {
		t.Error("expected miss after Remove")
	}
}

func TestFileBackendLinkIdenticalReusesBytes(t *testing.T) {
	dir := t.TempDir()
	b := NewFileBackend(dir, TCLayout, true)
	ctx := context.Background()
	k1 := Key{Layer: "base", Grid: "g", Coord: grid.Coord{Z: 1, X: 0, Y: 0}, Format: "png"}
	k2 := Key{Layer: "base", Grid: "g", Coord: grid.Coord{Z: 1, X: 1, Y: 0}, Format: "png"}

	if err := b.Store(ctx, k1, []byte("same")); err != nil {
		t.Fatalf("Store k1: %v", err)
	}
	if err := b.Store(ctx, k2, []byte("same")); err != nil {
		t.Fatalf("Store k2: %v", err)
	}
	data, ok, err := b.Load(ctx, k2)
	if err != nil || !ok || string(data) != "same" {
		t.Fatalf("Load k2: data=%q ok=%v err=%v", data, ok, err)
	}
}

func TestTCLayoutIsStableAndDistinct(t *testing.T) {
	a := Key{Coord: grid.Coord{Z: 1, X: 2, Y: 3}, Format: "png"}
	b := Key{Coord: grid.Coord{Z: 1, X: 2, Y: 4}, Format: "png"}
	if TCLayout(a) == TCLayout(b) {
		t.Error("distinct coords must map to distinct paths")
	}
}

func TestQuadkeyRoundTrip(t *testing.T) {
	c := grid.Coord{Z: 5, X: 13, Y: 9}
	qk := quadkey(c)
	got := quadkeyToCoord(qk)
	if got != c {
		t.Errorf("quadkey round trip: got %+v, want %+v", got, c)
	}
}

func TestArcGISCompactStoreLoadRemoveDefrag(t *testing.T) {
	dir := t.TempDir()
	b := NewArcGISCompactBackend(dir, 2)
	ctx := context.Background()
	key := Key{Coord: grid.Coord{Z: 2, X: 10, Y: 20}, Format: "png"}

	if err := b.Store(ctx, key, []byte("bundle-tile")); err != nil {
		t.Fatalf("Store: %v", err)
	}
	data, ok, err := b.Load(ctx, key)
	if err != nil || !ok || string(data) != "bundle-tile" {
		t.Fatalf("Load: data=%q ok=%v err=%v", data, ok, err)
	}

	bundleRow, bundleCol, _, _ := b.bundleCoord(key)
	if err := b.Defrag(key.Coord.Z, bundleRow, bundleCol); err != nil {
		t.Fatalf("Defrag: %v", err)
	}
	data, ok, err = b.Load(ctx, key)
	if err != nil || !ok || string(data) != "bundle-tile" {
		t.Fatalf("Load after Defrag: data=%q ok=%v err=%v", data, ok, err)
	}

	if err := b.Remove(ctx, key); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if ok, _ := b.IsCached(ctx, key); ok {
		t.Error("expected miss after Remove")
	}
}
