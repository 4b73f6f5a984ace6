package stream

import (
	"context"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"
)

// Shipper runs independent streams. There is no ordering between streams.
type Shipper struct {
	streams map[string]*Stream
	order   []string
}

// NewShipper groups streams. Names must be unique.
func NewShipper(streams ...*Stream) (*Shipper, error) {
	sh := &Shipper{streams: make(map[string]*Stream, len(streams))}
	for _, s := range streams {
		if _, dup := sh.streams[s.Name()]; dup {
			return nil, fmt.Errorf("duplicate stream name: %q", s.Name())
		}
		sh.streams[s.Name()] = s
		sh.order = append(sh.order, s.Name())
	}
	return sh, nil
}

// Stream returns the named stream.
func (sh *Shipper) Stream(name string) (*Stream, bool) {
	s, ok := sh.streams[name]
	return s, ok
}

// Streams returns all streams in registration order.
func (sh *Shipper) Streams() []*Stream {
	out := make([]*Stream, 0, len(sh.order))
	for _, name := range sh.order {
		out = append(out, sh.streams[name])
	}
	return out
}

// Run runs every stream until all have returned. The first stream error
// cancels the others.
func (sh *Shipper) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, s := range sh.Streams() {
		g.Go(func() error {
			if err := s.Run(gctx); err != nil && gctx.Err() == nil {
				return fmt.Errorf("stream %s: %w", s.Name(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Shutdown shuts every stream down concurrently and returns their final
// stats sorted by name.
func (sh *Shipper) Shutdown(ctx context.Context) ([]Stats, error) {
	streams := sh.Streams()
	stats := make([]Stats, len(streams))

	var g errgroup.Group
	for i, s := range streams {
		g.Go(func() error {
			st, err := s.Shutdown(ctx)
			stats[i] = st
			if err != nil {
				return fmt.Errorf("stream %s: %w", s.Name(), err)
			}
			return nil
		})
	}
	err := g.Wait()

	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats, err
}

// Stats returns a snapshot of every stream sorted by name.
func (sh *Shipper) Stats() []Stats {
	out := make([]Stats, 0, len(sh.streams))
	for _, s := range sh.streams {
		out = append(out, s.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
