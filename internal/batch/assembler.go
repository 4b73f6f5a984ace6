package batch

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/szibis/logship/internal/logging"
	"github.com/szibis/logship/internal/metrics"
	"github.com/szibis/logship/internal/record"
)

// Defaults applied to zero Config fields.
const (
	DefaultMaxBytes   = 1 << 20
	DefaultMaxRecords = 500
	DefaultMaxHold    = time.Second
)

// Config bounds every batch.
type Config struct {
	MaxBytes   int
	MaxRecords int
	MaxHold    time.Duration
	// StartAfter resumes sequence numbering after a persisted checkpoint so
	// idempotency keys are not reused across restarts.
	StartAfter uint64
}

func (c Config) withDefaults() Config {
	if c.MaxBytes <= 0 {
		c.MaxBytes = DefaultMaxBytes
	}
	if c.MaxRecords <= 0 {
		c.MaxRecords = DefaultMaxRecords
	}
	if c.MaxHold <= 0 {
		c.MaxHold = DefaultMaxHold
	}
	return c
}

// Source is the consumer side of the ingress queue.
type Source interface {
	TryDequeue() (record.Record, bool)
	Ready() <-chan struct{}
	Done() <-chan struct{}
}

// Assembler drains a Source into batches and hands closed batches to out in
// creation order. It is the only writer of open batches.
type Assembler struct {
	cfg Config
	src Source
	out chan<- *Batch
	rec metrics.Recorder
	now func() time.Time

	seq    atomic.Uint64
	closed atomic.Uint64
	open   *Batch
	timer *time.Timer

	// After cancellation closed batches go here instead of out.
	abandoning bool
	leftover   []*Batch
}

// NewAssembler creates an assembler. out is closed when Run returns.
func NewAssembler(cfg Config, src Source, out chan<- *Batch, rec metrics.Recorder) *Assembler {
	a := &Assembler{
		cfg: cfg.withDefaults(),
		src: src,
		out: out,
		rec: metrics.OrNop(rec),
		now: time.Now,
	}
	a.seq.Store(cfg.StartAfter)
	return a
}

// Run assembles batches until the source is closed and drained (returns nil)
// or ctx is canceled (returns ctx.Err()). On cancellation every record not yet
// handed to out is kept in Leftover.
func (a *Assembler) Run(ctx context.Context) error {
	defer close(a.out)
	defer a.stopTimer()

	for {
		for {
			r, ok := a.src.TryDequeue()
			if !ok {
				break
			}
			if err := a.add(ctx, r); err != nil {
				return a.abandon(err)
			}
		}

		var hold <-chan time.Time
		if a.open != nil {
			hold = a.armTimer()
		}

		select {
		case <-a.src.Ready():
		case <-hold:
			a.timer = nil
			if err := a.evaluate(ctx, 0); err != nil {
				return a.abandon(err)
			}
		case <-a.src.Done():
			return a.flush(ctx)
		case <-ctx.Done():
			return a.abandon(ctx.Err())
		}
	}
}

// Leftover returns the batches that were closed but never handed out because
// Run was canceled. Valid after Run returns.
func (a *Assembler) Leftover() []*Batch {
	return a.leftover
}

// LastSequence returns the sequence number of the most recently opened batch.
// Safe to call concurrently with Run.
func (a *Assembler) LastSequence() uint64 {
	return a.seq.Load()
}

// Closed returns the number of batches closed so far, including those kept
// in Leftover. The open batch is not counted. Safe to call concurrently with
// Run.
func (a *Assembler) Closed() uint64 {
	return a.closed.Load()
}

// add appends r to the open batch, closing batches as the bounds require.
func (a *Assembler) add(ctx context.Context, r record.Record) error {
	size := r.Size()

	if size > a.cfg.MaxBytes {
		if a.open != nil {
			if err := a.emit(ctx, ReasonBytes); err != nil {
				return err
			}
		}
		a.openBatch()
		a.open.add(r, size)
		logging.Debug("oversized record sent alone", logging.F(
			"origin", r.Origin,
			"size", size,
			"max_batch_bytes", a.cfg.MaxBytes,
		))
		return a.emit(ctx, ReasonOversized)
	}

	if err := a.evaluate(ctx, size); err != nil {
		return err
	}
	if a.open == nil {
		a.openBatch()
	}
	a.open.add(r, size)
	return a.evaluate(ctx, 0)
}

// decide is the single close decision. incoming is the size of a record about
// to be appended, or 0 when re-evaluating after a mutation or timer tick.
func (a *Assembler) decide(now time.Time, incoming int) CloseReason {
	b := a.open
	if b == nil || len(b.Records) == 0 {
		return ""
	}
	switch {
	case incoming > 0 && b.Bytes+incoming > a.cfg.MaxBytes:
		return ReasonBytes
	case len(b.Records) >= a.cfg.MaxRecords:
		return ReasonCount
	case now.Sub(b.Created) >= a.cfg.MaxHold:
		return ReasonHold
	}
	return ""
}

func (a *Assembler) evaluate(ctx context.Context, incoming int) error {
	if reason := a.decide(a.now(), incoming); reason != "" {
		return a.emit(ctx, reason)
	}
	return nil
}

func (a *Assembler) openBatch() {
	a.open = &Batch{
		Sequence: a.seq.Add(1),
		Records:  make([]record.Record, 0, min(a.cfg.MaxRecords, 64)),
		Created:  a.now(),
	}
}

// emit closes the open batch and hands it downstream.
func (a *Assembler) emit(ctx context.Context, reason CloseReason) error {
	b := a.open
	a.open = nil
	a.stopTimer()
	if b == nil || len(b.Records) == 0 {
		return nil
	}
	b.Reason = reason
	a.closed.Add(1)

	if a.abandoning {
		a.leftover = append(a.leftover, b)
		return nil
	}

	a.rec.AddCounter(metrics.BatchesAssembled, 1, string(reason))
	a.rec.Observe(metrics.BatchRecords, float64(len(b.Records)))
	a.rec.Observe(metrics.BatchBytes, float64(b.Bytes))

	select {
	case a.out <- b:
		return nil
	case <-ctx.Done():
		a.leftover = append(a.leftover, b)
		return ctx.Err()
	}
}

// flush drains the closed source and closes the final batch.
func (a *Assembler) flush(ctx context.Context) error {
	for {
		r, ok := a.src.TryDequeue()
		if !ok {
			break
		}
		if err := a.add(ctx, r); err != nil {
			return a.abandon(err)
		}
	}
	if err := a.emit(ctx, ReasonFlush); err != nil {
		return a.abandon(err)
	}
	return nil
}

// abandon moves the open batch and everything still queued into Leftover.
func (a *Assembler) abandon(cause error) error {
	a.abandoning = true
	bg := context.Background()
	for {
		r, ok := a.src.TryDequeue()
		if !ok {
			break
		}
		_ = a.add(bg, r)
	}
	_ = a.emit(bg, ReasonFlush)
	return cause
}

func (a *Assembler) armTimer() <-chan time.Time {
	if a.timer == nil {
		remaining := a.cfg.MaxHold - a.now().Sub(a.open.Created)
		if remaining < 0 {
			remaining = 0
		}
		a.timer = time.NewTimer(remaining)
	}
	return a.timer.C
}

func (a *Assembler) stopTimer() {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}
