package source

import (
	"context"
	"fmt"

	"tileproxy/internal/errs"
	"tileproxy/internal/imaging"
	"tileproxy/internal/srs"
)

// MapnikRenderer is the narrow contract a Mapnik binding must satisfy.
// It is modeled on go-mapnik's TileRenderer but kept as an interface
// here rather than importing that package directly: go-mapnik links
// against libmapnik via cgo, and a module that cannot build without a
// system library installed has no business naming that as a plain Go
// dependency. Callers plug in their own cgo-backed implementation that
// satisfies this interface; everything in this file is pure Go.
type MapnikRenderer interface {
	// RenderBBox renders bbox (in the renderer's native SRS) at w x h
	// pixels and returns an encoded PNG blob.
	RenderBBox(bbox [4]float64, w, h int) ([]byte, error)
	// Close releases the underlying map/datasource handles.
	Close() error
}

// MapnikRendererFactory builds one renderer per pool slot. Mapnik maps
// are not safe for concurrent use from multiple goroutines, so
// MapnikSource keeps a small pool of single-owner renderers instead of
// sharing one across callers.
type MapnikRendererFactory func() (MapnikRenderer, error)

// MapnikSource renders from a local Mapnik stylesheet through a pool
// of renderer goroutines, each processing one request at a time, in a
// listen-on-a-channel shape generalized from fixed 256x256 Web Mercator
// tiles to arbitrary bbox/SRS/size requests.
type MapnikSource struct {
	FeatureInfoUnsupported
	LegendUnsupported

	SRS srs.SRS

	jobs chan mapnikJob
	done chan struct{}
}

type mapnikJob struct {
	bbox   [4]float64
	w, h   int
	result chan mapnikResult
}

type mapnikResult struct {
	data []byte
	err  error
}

// NewMapnikSource starts poolSize renderer goroutines, each built via
// factory, and returns a Source that dispatches requests across them.
func NewMapnikSource(ctx context.Context, factory MapnikRendererFactory, poolSize int, mapSRS srs.SRS) (*MapnikSource, error) {
	if poolSize < 1 {
		poolSize = 1
	}
	s := &MapnikSource{
		SRS:  mapSRS,
		jobs: make(chan mapnikJob),
		done: make(chan struct{}),
	}
	renderers := make([]MapnikRenderer, 0, poolSize)
	for i := 0; i < poolSize; i++ {
		r, err := factory()
		if err != nil {
			for _, prior := range renderers {
				prior.Close()
			}
			return nil, fmt.Errorf("mapnik source: start renderer %d: %w", i, err)
		}
		renderers = append(renderers, r)
	}
	for _, r := range renderers {
		go s.listen(r)
	}
	go func() {
		<-ctx.Done()
		close(s.done)
	}()
	return s, nil
}

func (s *MapnikSource) listen(r MapnikRenderer) {
	defer r.Close()
	for {
		select {
		case job, ok := <-s.jobs:
			if !ok {
				return
			}
			data, err := r.RenderBBox(job.bbox, job.w, job.h)
			job.result <- mapnikResult{data: data, err: err}
		case <-s.done:
			return
		}
	}
}

func (s *MapnikSource) GetMap(ctx context.Context, req MapRequest) (*imaging.Image, error) {
	if !req.SRS.Equal(s.SRS) {
		return nil, &errs.SourceError{Kind: errs.SourceUnsupportedSRS, Source: "mapnik", Err: fmt.Errorf("mapnik map is in %s, requested %s", s.SRS.Code(), req.SRS.Code())}
	}
	job := mapnikJob{
		bbox:   [4]float64{req.Bbox.Min[0], req.Bbox.Min[1], req.Bbox.Max[0], req.Bbox.Max[1]},
		w:      req.Width,
		h:      req.Height,
		result: make(chan mapnikResult, 1),
	}
	select {
	case s.jobs <- job:
	case <-ctx.Done():
		return nil, &errs.SourceError{Kind: errs.SourceTimeout, Source: "mapnik", Err: ctx.Err()}
	case <-s.done:
		return nil, &errs.SourceError{Kind: errs.SourceHTTPError, Source: "mapnik", Err: fmt.Errorf("renderer pool shut down")}
	}
	select {
	case res := <-job.result:
		if res.err != nil {
			return nil, &errs.SourceError{Kind: errs.SourceHTTPError, Source: "mapnik", Err: res.err}
		}
		return imaging.Decode(imaging.FormatPNG, res.data, req.Bbox, req.SRS)
	case <-ctx.Done():
		return nil, &errs.SourceError{Kind: errs.SourceTimeout, Source: "mapnik", Err: ctx.Err()}
	}
}

func (s *MapnikSource) Supports(target srs.SRS, format imaging.Format) bool {
	return target.Equal(s.SRS) && format != imaging.FormatTIFF
}
