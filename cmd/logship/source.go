package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/szibis/logship/internal/ingress"
	"github.com/szibis/logship/internal/logging"
	"github.com/szibis/logship/internal/record"
)

// maxLineBytes bounds a single input line; longer lines fail the source.
const maxLineBytes = 1 << 20

// enqueuer is the ingress side of a stream.
type enqueuer interface {
	Name() string
	Enqueue(ctx context.Context, r record.Record) error
}

// lineSource turns input lines into records and hands every record to every
// stream.
type lineSource struct {
	r       io.Reader
	origin  string
	streams []enqueuer
	now     func() time.Time

	lines    atomic.Uint64
	rejected atomic.Uint64
}

// openInput opens "-" as stdin or a file path. The origin defaults to the
// input name.
func openInput(path, origin string) (io.ReadCloser, string, error) {
	if origin == "" {
		origin = path
		if path == "-" {
			origin = "stdin"
		}
	}
	if path == "-" {
		return io.NopCloser(os.Stdin), origin, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, "", err
	}
	return f, origin, nil
}

// Run reads until EOF, ctx is done or the streams shut down. Records a
// stream refuses under the reject policy are counted and skipped.
func (s *lineSource) Run(ctx context.Context) error {
	now := s.now
	if now == nil {
		now = time.Now
	}
	sc := bufio.NewScanner(s.r)
	sc.Buffer(make([]byte, 0, 64<<10), maxLineBytes)

	for sc.Scan() {
		line := bytes.TrimRight(sc.Bytes(), "\r")
		if len(line) == 0 {
			continue
		}
		rec := record.New(s.origin, bytes.Clone(line), now(), nil)
		for _, st := range s.streams {
			err := st.Enqueue(ctx, rec)
			switch {
			case err == nil:
			case errors.Is(err, ingress.ErrQueueFull):
				if n := s.rejected.Add(1); n == 1 || n%10000 == 0 {
					logging.Warn("queue full, dropping input lines", logging.F(
						"stream", st.Name(),
						"rejected_total", n,
					))
				}
			case errors.Is(err, ingress.ErrShutdown), errors.Is(err, ingress.ErrClosed), ctx.Err() != nil:
				return nil
			default:
				return err
			}
		}
		s.lines.Add(1)
	}
	return sc.Err()
}

// Lines returns the number of lines read so far.
func (s *lineSource) Lines() uint64 {
	return s.lines.Load()
}

// Rejected returns the number of records refused by full queues.
func (s *lineSource) Rejected() uint64 {
	return s.rejected.Load()
}
