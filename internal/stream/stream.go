// Package stream runs the delivery pipeline of one destination: ingress
// queue, batch assembler, encoder and the delivery loop with retries, circuit
// breaker and checkpoints.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/szibis/logship/internal/batch"
	"github.com/szibis/logship/internal/cardinality"
	"github.com/szibis/logship/internal/checkpoint"
	"github.com/szibis/logship/internal/circuit"
	"github.com/szibis/logship/internal/encoding"
	"github.com/szibis/logship/internal/exporter"
	"github.com/szibis/logship/internal/ingress"
	"github.com/szibis/logship/internal/logging"
	"github.com/szibis/logship/internal/metrics"
	"github.com/szibis/logship/internal/record"
	"github.com/szibis/logship/internal/retry"
)

// DefaultShutdownGrace bounds how long Shutdown waits for pending batches.
const DefaultShutdownGrace = 10 * time.Second

// ErrShutdown is returned by Enqueue once Shutdown has started.
var ErrShutdown = ingress.ErrShutdown

// Config aggregates the configuration of every stage.
type Config struct {
	// Name identifies the stream in logs, metrics and idempotency keys.
	Name     string
	Ingress  ingress.Config
	Batch    batch.Config
	Encoding encoding.Config
	Exporter exporter.Config
	Retry    retry.Config
	Circuit  circuit.Config
	// ShutdownGrace bounds how long Shutdown keeps delivering.
	ShutdownGrace time.Duration
	// PipelineDepth is the number of closed batches that may wait for
	// delivery while one is in flight. Zero selects 1.
	PipelineDepth int
	// StatsInterval enables a periodic stats log line. Zero disables it.
	StatsInterval time.Duration
}

// Deps are the collaborators injected into a stream. Zero values select the
// defaults noted on each field.
type Deps struct {
	// Deliverer defaults to an HTTPExporter built from Config.Exporter.
	Deliverer exporter.Deliverer
	// Encoder defaults to an encoder built from Config.Encoding.
	Encoder encoding.Encoder
	// Sink defaults to discarding acknowledgements.
	Sink checkpoint.Sink
	// Recorder defaults to metrics.Nop.
	Recorder metrics.Recorder
	// LossHandler defaults to LogLoss.
	LossHandler LossHandler
}

// Stats is a point-in-time view of a stream.
type Stats struct {
	Name             string
	Enqueued         uint64
	Batches          uint64
	Acknowledged     uint64
	LostBatches      uint64
	LostRecords      uint64
	LastAcknowledged uint64
	QueueDepth       int
	QueueBytes       int64
	Circuit          circuit.State
	Origins          uint64
	ShuttingDown     bool
}

// Stream is one destination stream. Batches are delivered strictly one at a
// time in sequence order.
type Stream struct {
	cfg Config

	queue     *ingress.Queue
	assembler *batch.Assembler
	batches   chan *batch.Batch
	encoder   encoding.Encoder
	deliverer exporter.Deliverer
	closer    func() error
	policy    *retry.Policy
	breaker   *circuit.Tracker
	guard     *checkpoint.Guard
	origins   *cardinality.OriginTracker
	rec       metrics.Recorder
	loss      LossHandler

	shuttingDown atomic.Bool
	done         chan struct{}

	// stopMu guards the Run/Shutdown handshake.
	stopMu    sync.Mutex
	started   bool
	abandoned bool
	hardStop  context.CancelFunc

	enqueued     atomic.Uint64
	acknowledged atomic.Uint64
	lostBatches  atomic.Uint64
	lostRecords  atomic.Uint64
	lastAck      atomic.Uint64
}

// New builds a stream. Nothing runs until Run is called.
func New(cfg Config, deps Deps) (*Stream, error) {
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = DefaultShutdownGrace
	}
	if cfg.PipelineDepth <= 0 {
		cfg.PipelineDepth = 1
	}
	if cfg.Encoding.StreamID == "" {
		cfg.Encoding.StreamID = cfg.Name
	}

	rec := metrics.OrNop(deps.Recorder)
	s := &Stream{
		cfg:     cfg,
		rec:     rec,
		loss:    deps.LossHandler,
		origins: cardinality.NewOriginTracker(),
		done:    make(chan struct{}),
	}
	if s.loss == nil {
		s.loss = LogLoss
	}

	s.encoder = deps.Encoder
	if s.encoder == nil {
		enc, err := encoding.New(cfg.Encoding, rec)
		if err != nil {
			return nil, fmt.Errorf("stream %s: %w", cfg.Name, err)
		}
		s.encoder = enc
	}

	s.deliverer = deps.Deliverer
	if s.deliverer == nil {
		exp, err := exporter.New(cfg.Exporter, rec)
		if err != nil {
			return nil, fmt.Errorf("stream %s: %w", cfg.Name, err)
		}
		s.deliverer = exp
		s.closer = exp.Close
	}

	s.queue = ingress.New(cfg.Ingress, rec)
	s.batches = make(chan *batch.Batch, cfg.PipelineDepth)
	s.assembler = batch.NewAssembler(cfg.Batch, s.queue, s.batches, rec)
	s.policy = retry.NewPolicy(cfg.Retry, rec)
	s.breaker = circuit.New(cfg.Name, cfg.Circuit, rec)
	s.guard = checkpoint.NewGuard(cfg.Name, deps.Sink, cfg.Batch.StartAfter, rec)
	return s, nil
}

// Name returns the stream name.
func (s *Stream) Name() string {
	return s.cfg.Name
}

// Circuit returns the stream's circuit breaker.
func (s *Stream) Circuit() *circuit.Tracker {
	return s.breaker
}

// Done is closed when Run has returned.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// ShuttingDown reports whether Shutdown has started.
func (s *Stream) ShuttingDown() bool {
	return s.shuttingDown.Load()
}

// Enqueue hands a record to the stream. It blocks or returns
// ingress.ErrQueueFull according to the queue's full policy, and returns
// ErrShutdown once Shutdown has started.
func (s *Stream) Enqueue(ctx context.Context, r record.Record) error {
	if err := s.queue.Enqueue(ctx, r); err != nil {
		return err
	}
	s.enqueued.Add(1)
	return nil
}

// Run starts the pipeline and blocks until it has drained after Shutdown
// (returns nil) or ctx is canceled (returns ctx.Err()). Every record that was
// accepted and not acknowledged by then is reported as a loss event. Run may
// start after Shutdown; it then flushes what is queued within the grace period.
func (s *Stream) Run(ctx context.Context) error {
	s.stopMu.Lock()
	if s.started {
		s.stopMu.Unlock()
		return errors.New("stream: Run called twice")
	}
	s.started = true
	if s.abandoned {
		// Shutdown gave up waiting and already reported the queue as lost.
		s.stopMu.Unlock()
		close(s.done)
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.hardStop = cancel
	s.stopMu.Unlock()
	defer close(s.done)
	defer cancel()

	logging.Info("stream started", logging.F(
		"stream", s.cfg.Name,
		"max_batch_bytes", s.cfg.Batch.MaxBytes,
		"max_batch_records", s.cfg.Batch.MaxRecords,
		"max_hold", s.cfg.Batch.MaxHold.String(),
	))

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		err := s.assembler.Run(gctx)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		s.deliverLoop(gctx)
		return nil
	})
	if s.cfg.StatsInterval > 0 {
		statsDone := make(chan struct{})
		defer close(statsDone)
		go s.statsLoop(statsDone)
	}
	err := g.Wait()

	s.queue.Close()
	s.reportLeftovers()

	if s.closer != nil {
		_ = s.closer()
	}

	st := s.Stats()
	logging.Info("stream stopped", logging.F(
		"stream", s.cfg.Name,
		"batches", st.Batches,
		"acknowledged", st.Acknowledged,
		"lost_batches", st.LostBatches,
		"lost_records", st.LostRecords,
	))

	if err != nil {
		return err
	}
	if !s.shuttingDown.Load() {
		return ctx.Err()
	}
	return nil
}

// Shutdown stops accepting records, keeps delivering what is pending for up
// to ShutdownGrace (or until ctx is done), then aborts the in-flight attempt
// and reports everything still pending as lost. When Run has not been called
// by then, the queued records are reported as lost here.
func (s *Stream) Shutdown(ctx context.Context) (Stats, error) {
	s.shuttingDown.Store(true)
	s.queue.Close()

	grace := time.NewTimer(s.cfg.ShutdownGrace)
	defer grace.Stop()

	select {
	case <-s.done:
		return s.Stats(), nil
	case <-grace.C:
		logging.Warn("shutdown grace period elapsed, aborting pending deliveries", logging.F(
			"stream", s.cfg.Name,
			"grace", s.cfg.ShutdownGrace.String(),
		))
	case <-ctx.Done():
	}

	s.stopMu.Lock()
	if !s.started {
		first := !s.abandoned
		s.abandoned = true
		s.stopMu.Unlock()
		if first {
			s.reportLeftovers()
		}
		return s.Stats(), nil
	}
	if s.hardStop != nil {
		s.hardStop()
	}
	s.stopMu.Unlock()

	select {
	case <-s.done:
		return s.Stats(), nil
	case <-ctx.Done():
		return s.Stats(), ctx.Err()
	}
}

// Stats returns a snapshot of the stream counters.
func (s *Stream) Stats() Stats {
	return Stats{
		Name:             s.cfg.Name,
		Enqueued:         s.enqueued.Load(),
		Batches:          s.assembler.Closed(),
		Acknowledged:     s.acknowledged.Load(),
		LostBatches:      s.lostBatches.Load(),
		LostRecords:      s.lostRecords.Load(),
		LastAcknowledged: s.lastAck.Load(),
		QueueDepth:       s.queue.Len(),
		QueueBytes:       s.queue.Bytes(),
		Circuit:          s.breaker.State(),
		Origins:          s.origins.Estimate(),
		ShuttingDown:     s.shuttingDown.Load(),
	}
}

func (s *Stream) deliverLoop(ctx context.Context) {
	for b := range s.batches {
		s.process(ctx, b)
	}
}

// process drives one batch to a terminal state.
func (s *Stream) process(ctx context.Context, b *batch.Batch) {
	if ctx.Err() != nil {
		s.reportLoss(b, LossShutdown, ctx.Err())
		return
	}

	s.origins.ObserveBatch(b.Records)

	payload, err := s.encoder.Encode(b)
	if err != nil {
		s.reportLoss(b, LossEncoding, err)
		return
	}

	tracker := s.policy.Track(b.Sequence)
	for {
		if err := s.breaker.Wait(ctx); err != nil {
			_ = tracker.Abandon()
			s.reportLoss(b, LossShutdown, err)
			return
		}
		if _, err := tracker.Begin(); err != nil {
			s.breaker.Release()
			s.reportLoss(b, LossShutdown, err)
			return
		}

		res := s.deliverer.Deliver(ctx, payload)
		if ctx.Err() != nil && res.Outcome != exporter.Success {
			s.breaker.Release()
			_ = tracker.Abandon()
			s.reportLoss(b, LossShutdown, ctx.Err())
			return
		}

		decision, err := tracker.Observe(res)
		if err != nil {
			s.breaker.Release()
			s.reportLoss(b, LossShutdown, err)
			return
		}

		switch decision.Action {
		case retry.Ack:
			s.breaker.RecordSuccess()
			s.acknowledge(b)
			return

		case retry.Fail:
			s.breaker.RecordFailure()
			reason := LossFatal
			if decision.Reason == retry.ReasonAttemptsExhausted {
				reason = LossAttemptsExhausted
			}
			s.reportLoss(b, reason, decision.Err)
			return

		case retry.Retry:
			s.breaker.RecordFailure()
			logging.Debug("delivery failed, retrying", logging.F(
				"stream", s.cfg.Name,
				"sequence", b.Sequence,
				"attempt", tracker.Attempts(),
				"kind", string(res.Kind),
				"status", res.StatusCode,
				"delay", decision.Delay.String(),
			))
			if err := sleep(ctx, decision.Delay); err != nil {
				_ = tracker.Abandon()
				s.reportLoss(b, LossShutdown, err)
				return
			}
		}
	}
}

func (s *Stream) acknowledge(b *batch.Batch) {
	s.acknowledged.Add(1)
	s.lastAck.Store(b.Sequence)
	s.rec.AddCounter(metrics.AcknowledgedBatches, 1)
	s.guard.OnAcknowledged(b.Sequence)
}

func (s *Stream) reportLoss(b *batch.Batch, reason LossReason, err error) {
	s.emitLoss(LossEvent{
		Stream:   s.cfg.Name,
		Sequence: b.Sequence,
		Records:  b.Len(),
		Bytes:    b.Bytes,
		Reason:   reason,
		Err:      err,
	})
	s.rec.AddCounter(metrics.FailedBatches, 1, string(reason))
	s.lostBatches.Add(1)
}

func (s *Stream) emitLoss(ev LossEvent) {
	s.lostRecords.Add(uint64(ev.Records))
	s.rec.AddCounter(metrics.LostRecords, float64(ev.Records), string(ev.Reason))
	s.loss.OnLoss(ev)
}

// reportLeftovers reports batches the assembler could not hand out and
// records left in the closed queue.
func (s *Stream) reportLeftovers() {
	for _, b := range s.assembler.Leftover() {
		s.reportLoss(b, LossShutdown, ErrShutdown)
	}

	var records, bytes int
	for {
		r, ok := s.queue.TryDequeue()
		if !ok {
			break
		}
		records++
		bytes += r.Size()
	}
	if records > 0 {
		s.emitLoss(LossEvent{
			Stream:  s.cfg.Name,
			Records: records,
			Bytes:   bytes,
			Reason:  LossShutdown,
			Err:     ErrShutdown,
		})
	}
}

func (s *Stream) statsLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.StatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.origins.Report(s.rec)
			st := s.Stats()
			logging.Info("stream stats", logging.F(
				"stream", st.Name,
				"enqueued", st.Enqueued,
				"batches", st.Batches,
				"acknowledged", st.Acknowledged,
				"lost_batches", st.LostBatches,
				"lost_records", st.LostRecords,
				"last_acknowledged", st.LastAcknowledged,
				"queue_depth", st.QueueDepth,
				"queue_bytes", st.QueueBytes,
				"circuit", st.Circuit.String(),
				"origins", st.Origins,
			))
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
