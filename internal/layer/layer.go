// Package layer composes an ordered stack of (source, coverage?)
// entries into one image: rendering queries each entry in order,
// drops entries whose coverage doesn't intersect the request, and
// alpha-composites bottom to top.
//
// A Layer's Render method is the RenderFunc a tilemgr.Manager is built
// with, so the Manager never knows it's talking to a multi-source
// composite rather than one plain upstream.
package layer

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/paulmach/orb"

	"tileproxy/internal/coverage"
	"tileproxy/internal/errs"
	"tileproxy/internal/imaging"
	"tileproxy/internal/source"
	"tileproxy/internal/srs"
)

// Entry is one (source, coverage?, opaque?) pair in a Layer's stack.
// A nil Coverage means the entry is active everywhere.
type Entry struct {
	Source   source.Source
	Coverage *coverage.Coverage
	Opaque   bool // an opaque entry resets the composite stack below it
}

// OnSourceErrors mirrors tilemgr.OnSourceErrors for the per-entry fan
// out this package performs: a Layer's entries are themselves the
// "sources" the Tile Manager's retry wraps, so the same error policy
// applies at this level too.
type OnSourceErrors int

const (
	OnErrorRaise OnSourceErrors = iota
	OnErrorNotify
	OnErrorIgnore
)

// Layer composes its Entries into one image per request.
type Layer struct {
	Name                    string
	Entries                 []Entry
	OnSourceErrors          OnSourceErrors
	ConcurrentLayerRenderer int // bounds parallel source calls for one request

	sem *semaphore.Weighted
}

// New builds a Layer. concurrentLayerRenderer <= 0 defaults to 4.
func New(name string, entries []Entry, onErr OnSourceErrors, concurrentLayerRenderer int) *Layer {
	n := concurrentLayerRenderer
	if n <= 0 {
		n = 4
	}
	return &Layer{
		Name:                    name,
		Entries:                 entries,
		OnSourceErrors:          onErr,
		ConcurrentLayerRenderer: n,
		sem:                     semaphore.NewWeighted(int64(n)),
	}
}

// entryResult pairs an entry's rendered image with its stack position,
// so results can be composited in order even though they were fetched
// concurrently.
type entryResult struct {
	index int
	img   *imaging.Image
	err   error
}

// Render fans out to every entry whose coverage intersects bbox,
// bounded by ConcurrentLayerRenderer, then alpha-composites the
// results bottom to top -- this is the RenderFunc a tilemgr.Manager
// calls for each meta-tile build.
func (l *Layer) Render(ctx context.Context, bbox orb.Bound, s srs.SRS, w, h int) (*imaging.Image, error) {
	active := make([]int, 0, len(l.Entries))
	for i, e := range l.Entries {
		if e.Coverage != nil && !e.Coverage.Intersects(bbox) {
			continue
		}
		active = append(active, i)
	}
	if len(active) == 0 {
		return imaging.New(w, h, bbox, s), nil
	}
	// An opaque entry makes everything below it irrelevant to the
	// final composite; only fetch from the highest opaque entry up.
	start := 0
	for pos, i := range active {
		if l.Entries[i].Opaque {
			start = pos
		}
	}
	active = active[start:]

	results := make([]entryResult, len(active))
	g, gctx := errgroup.WithContext(ctx)
	req := source.MapRequest{Bbox: bbox, SRS: s, Width: w, Height: h, Format: imaging.FormatMixed}

	for pos, idx := range active {
		pos, idx := pos, idx
		if err := l.sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		g.Go(func() error {
			defer l.sem.Release(1)
			img, err := l.Entries[idx].Source.GetMap(gctx, req)
			results[pos] = entryResult{index: idx, img: img, err: err}
			if err != nil && l.OnSourceErrors == OnErrorRaise {
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, &errs.SourceErrorAbort{Layer: l.Name, Causes: collectErrors(results)}
	}

	out := imaging.New(w, h, bbox, s)
	for _, r := range results {
		if r.err != nil {
			continue // notify/ignore: substitute nothing, leave the stack below showing through
		}
		out = imaging.Compose(out, r.img, 1.0)
	}
	return out, nil
}

func collectErrors(results []entryResult) []error {
	var errs []error
	for _, r := range results {
		if r.err != nil {
			errs = append(errs, r.err)
		}
	}
	return errs
}

// GetFeatureInfo iterates the same entry list, concatenating each
// entry's raw feature-info bytes. Any XSLT postprocessing of the
// concatenated result is an external collaborator's job; callers that
// need it wrap the []byte this returns with their own io.Writer
// pipeline.
func (l *Layer) GetFeatureInfo(ctx context.Context, req source.FeatureInfoRequest) ([]byte, string, error) {
	var out []byte
	contentType := ""
	for _, e := range l.Entries {
		if e.Coverage != nil && !e.Coverage.Intersects(req.Bbox) {
			continue
		}
		body, ct, err := e.Source.GetFeatureInfo(ctx, req)
		if err != nil {
			if l.OnSourceErrors == OnErrorRaise {
				return nil, "", err
			}
			continue
		}
		if len(body) == 0 {
			continue
		}
		if contentType == "" {
			contentType = ct
		}
		out = append(out, body...)
	}
	if contentType == "" {
		return nil, "", fmt.Errorf("layer %s: no entry returned feature info", l.Name)
	}
	return out, contentType, nil
}

// GetLegend returns the first entry's legend graphic, top of stack
// first, since a legend is conventionally the top-most styled layer.
func (l *Layer) GetLegend(ctx context.Context, scale float64) ([]byte, bool, error) {
	for i := len(l.Entries) - 1; i >= 0; i-- {
		data, ok, err := l.Entries[i].Source.GetLegend(ctx, l.Name, scale)
		if err != nil {
			return nil, false, err
		}
		if ok {
			return data, true, nil
		}
	}
	return nil, false, nil
}
