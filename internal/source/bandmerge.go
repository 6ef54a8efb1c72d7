package source

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"tileproxy/internal/errs"
	"tileproxy/internal/imaging"
	"tileproxy/internal/srs"
)

// BandMergeSource synthesizes one image from N sub-sources, each
// contributing one channel, fanning the sub-requests out concurrently
// the way the Tile Manager fans metatile builds out across sources,
// then combining with imaging.MergeBands.
type BandMergeSource struct {
	FeatureInfoUnsupported
	LegendUnsupported

	Sources  []Source
	Channels []int // channels[i] selects which band source i contributes: 0=R,1=G,2=B,3=A
}

func NewBandMergeSource(sources []Source, channels []int) (*BandMergeSource, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("band-merge source needs at least one sub-source")
	}
	if len(sources) != len(channels) {
		return nil, fmt.Errorf("band-merge source: %d sub-sources but %d channel assignments", len(sources), len(channels))
	}
	return &BandMergeSource{Sources: sources, Channels: channels}, nil
}

func (s *BandMergeSource) GetMap(ctx context.Context, req MapRequest) (*imaging.Image, error) {
	images := make([]*imaging.Image, len(s.Sources))
	g, gctx := errgroup.WithContext(ctx)
	for i, src := range s.Sources {
		i, src := i, src
		g.Go(func() error {
			img, err := src.GetMap(gctx, req)
			if err != nil {
				return fmt.Errorf("band-merge sub-source %d: %w", i, err)
			}
			images[i] = img
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, &errs.SourceError{Kind: errs.SourceHTTPError, Source: "band-merge", Err: err}
	}
	return imaging.MergeBands(images, s.Channels), nil
}

func (s *BandMergeSource) Supports(target srs.SRS, format imaging.Format) bool {
	for _, src := range s.Sources {
		if !src.Supports(target, format) {
			return false
		}
	}
	return true
}
