package tilemgr

import (
	"context"
	"image/color"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/paulmach/orb"

	"tileproxy/internal/cacheb"
	"tileproxy/internal/grid"
	"tileproxy/internal/imaging"
	"tileproxy/internal/locker"
	"tileproxy/internal/srs"
)

// memBackend is a minimal in-memory cacheb.Backend for tests -- the
// same shape as cacheb.FileBackend's contract, without touching disk.
type memBackend struct {
	mu   sync.Mutex
	data map[cacheb.Key][]byte
}

func newMemBackend() *memBackend {
	return &memBackend{data: make(map[cacheb.Key][]byte)}
}

func (b *memBackend) Load(ctx context.Context, key cacheb.Key) ([]byte, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.data[key]
	return d, ok, nil
}

func (b *memBackend) Store(ctx context.Context, key cacheb.Key, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data[key] = data
	return nil
}

func (b *memBackend) Remove(ctx context.Context, key cacheb.Key) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.data, key)
	return nil
}

func (b *memBackend) IsCached(ctx context.Context, key cacheb.Key) (bool, error) {
	_, ok, _ := b.Load(ctx, key)
	return ok, nil
}

func (b *memBackend) LoadMany(ctx context.Context, keys []cacheb.Key) (map[cacheb.Key][]byte, error) {
	return cacheb.EachLoad(ctx, b, keys)
}

func (b *memBackend) Capabilities() cacheb.Capabilities { return cacheb.Capabilities{} }
func (b *memBackend) Close() error                      { return nil }

func testGrid(t *testing.T) *grid.Grid {
	t.Helper()
	half := 20037508.342789244
	g, err := grid.New(grid.Config{
		Name:      "webmercator",
		SRS:       srs.WebMercator,
		Bbox:      orb.Bound{Min: orb.Point{-half, -half}, Max: orb.Point{half, half}},
		NumLevels: 4,
		ResFactor: grid.ResFactor{Numeric: 2.0},
	})
	if err != nil {
		t.Fatalf("grid.New: %v", err)
	}
	return g
}

func solidRenderer(calls *int32) RenderFunc {
	return func(ctx context.Context, bbox orb.Bound, s srs.SRS, w, h int) (*imaging.Image, error) {
		atomic.AddInt32(calls, 1)
		time.Sleep(20 * time.Millisecond)
		img := imaging.New(w, h, bbox, s)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				img.Pix.SetRGBA(x, y, color.RGBA{R: 200, G: 20, B: 20, A: 255})
			}
		}
		return img, nil
	}
}

func newManager(t *testing.T, calls *int32, cfg Config) (*Manager, *grid.Grid) {
	t.Helper()
	g := testGrid(t)
	cfg.ConcurrentTileCreators = 4
	if cfg.Format == "" {
		cfg.Format = imaging.FormatPNG
	}
	m := New("osm", g, newMemBackend(), solidRenderer(calls), locker.New(), nil, cfg)
	return m, g
}

func TestGetMapSingleColdTileRendersOnce(t *testing.T) {
	var calls int32
	m, g := newManager(t, &calls, Config{MetaWidth: 1, MetaHeight: 1, UseDirectFromLevel: -1})

	b, err := g.TileBBox(grid.Coord{Z: 0, X: 0, Y: 0})
	if err != nil {
		t.Fatalf("TileBBox: %v", err)
	}
	ctx := context.Background()
	img, err := m.GetMap(ctx, b, g.SRS, 256, 256)
	if err != nil {
		t.Fatalf("GetMap: %v", err)
	}
	if img == nil {
		t.Fatal("expected non-nil image")
	}
	if calls != 1 {
		t.Fatalf("expected 1 render call, got %d", calls)
	}

	// Second GET of the same tile must be served entirely from cache.
	if _, err := m.GetMap(ctx, b, g.SRS, 256, 256); err != nil {
		t.Fatalf("GetMap (2nd): %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected still 1 render call after cache hit, got %d", calls)
	}
}

func TestGetMapCoalescesConcurrentMetaTileBuilders(t *testing.T) {
	var calls int32
	m, g := newManager(t, &calls, Config{MetaWidth: 4, MetaHeight: 4, MetaBufferPx: 0, UseDirectFromLevel: -1})

	ctx := context.Background()
	var wg sync.WaitGroup
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			x, y := x, y
			wg.Add(1)
			go func() {
				defer wg.Done()
				b, err := g.TileBBox(grid.Coord{Z: 2, X: x, Y: y})
				if err != nil {
					t.Errorf("TileBBox: %v", err)
					return
				}
				if _, err := m.GetMap(ctx, b, g.SRS, 256, 256); err != nil {
					t.Errorf("GetMap: %v", err)
				}
			}()
		}
	}
	wg.Wait()

	if calls != 1 {
		t.Fatalf("expected exactly 1 upstream render for the whole meta-tile, got %d", calls)
	}
}

func TestGetMapDirectPathSkipsCache(t *testing.T) {
	var calls int32
	m, g := newManager(t, &calls, Config{MetaWidth: 1, MetaHeight: 1, UseDirectFromLevel: 0})

	b, err := g.TileBBox(grid.Coord{Z: 0, X: 0, Y: 0})
	if err != nil {
		t.Fatalf("TileBBox: %v", err)
	}
	ctx := context.Background()
	if _, err := m.GetMap(ctx, b, g.SRS, 256, 256); err != nil {
		t.Fatalf("GetMap: %v", err)
	}
	if _, err := m.GetMap(ctx, b, g.SRS, 256, 256); err != nil {
		t.Fatalf("GetMap: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected every direct-path call to render, got %d calls", calls)
	}
}
