// Package checkpoint notifies upstream offset tracking of acknowledged
// batches.
package checkpoint

import (
	"sync"

	"github.com/szibis/logship/internal/logging"
	"github.com/szibis/logship/internal/metrics"
)

// Sink is told the sequence number of every acknowledged batch, once, in
// strictly increasing order. It is never told about lost batches.
type Sink interface {
	OnAcknowledged(sequence uint64)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(sequence uint64)

// OnAcknowledged calls f.
func (f SinkFunc) OnAcknowledged(sequence uint64) {
	f(sequence)
}

// Nop discards acknowledgements.
type Nop struct{}

// OnAcknowledged does nothing.
func (Nop) OnAcknowledged(uint64) {}

// Guard forwards acknowledgements to a sink and refuses any sequence that is
// not greater than the last forwarded one.
type Guard struct {
	mu   sync.Mutex
	next Sink
	last uint64
	rec  metrics.Recorder
	name string
}

// NewGuard wraps next. Only sequences greater than last are forwarded. A
// nil next discards acknowledgements.
func NewGuard(name string, next Sink, last uint64, rec metrics.Recorder) *Guard {
	if next == nil {
		next = Nop{}
	}
	return &Guard{next: next, last: last, rec: metrics.OrNop(rec), name: name}
}

// OnAcknowledged forwards sequence when it is strictly greater than the last
// one forwarded. Violations are logged and counted.
func (g *Guard) OnAcknowledged(sequence uint64) {
	g.mu.Lock()
	if sequence <= g.last {
		last := g.last
		g.mu.Unlock()
		g.rec.AddCounter(metrics.CheckpointRejected, 1)
		logging.Error("checkpoint out of order, dropped", logging.F(
			"stream", g.name,
			"sequence", sequence,
			"last", last,
		))
		return
	}
	g.last = sequence
	next := g.next
	g.mu.Unlock()

	next.OnAcknowledged(sequence)
}

// Last returns the last forwarded sequence, 0 when none.
func (g *Guard) Last() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last
}
