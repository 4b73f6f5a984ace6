// Package ingress implements the bounded queue between upstream collectors
// and the batch assembler.
package ingress

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/szibis/logship/internal/metrics"
	"github.com/szibis/logship/internal/record"
)

var (
	// ErrQueueFull is returned by Enqueue when the record does not fit and the
	// policy is Reject, or when a blocking enqueue exceeded BlockTimeout.
	ErrQueueFull = errors.New("ingress queue full")
	// ErrShutdown is returned by Enqueue once the queue has been closed.
	ErrShutdown = errors.New("ingress queue shutting down")
	// ErrClosed is returned by Dequeue once the queue is closed and empty.
	ErrClosed = errors.New("ingress queue closed")
)

// FullPolicy defines what Enqueue does when a record does not fit.
type FullPolicy string

const (
	// Block waits until enough capacity frees up.
	Block FullPolicy = "block"
	// Reject returns ErrQueueFull immediately.
	Reject FullPolicy = "reject"
)

// ParseFullPolicy parses a policy name.
func ParseFullPolicy(s string) (FullPolicy, error) {
	switch FullPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", Block:
		return Block, nil
	case Reject:
		return Reject, nil
	default:
		return "", fmt.Errorf("unknown queue full policy: %q", s)
	}
}

// DefaultCapacityBytes is used when Config.CapacityBytes is zero.
const DefaultCapacityBytes = 64 << 20

// Config holds the queue configuration.
type Config struct {
	// CapacityBytes bounds the accounted size of queued records.
	CapacityBytes int64
	// FullPolicy selects block (default) or reject.
	FullPolicy FullPolicy
	// BlockTimeout bounds how long a blocking Enqueue waits. 0 waits until
	// the context is done or the queue closes.
	BlockTimeout time.Duration
}

// Queue is a byte-bounded FIFO with many producers and one consumer.
type Queue struct {
	mu       sync.Mutex
	items    []record.Record
	used     int64
	capacity int64
	policy   FullPolicy
	timeout  time.Duration
	closed   bool

	// space is closed and replaced whenever bytes are freed while producers wait.
	space   chan struct{}
	waiters int
	// ready holds at most one pending wake-up for the consumer.
	ready chan struct{}
	done  chan struct{}

	rec metrics.Recorder
}

// New creates a queue.
func New(cfg Config, rec metrics.Recorder) *Queue {
	if cfg.CapacityBytes <= 0 {
		cfg.CapacityBytes = DefaultCapacityBytes
	}
	if cfg.FullPolicy == "" {
		cfg.FullPolicy = Block
	}
	q := &Queue{
		items:    make([]record.Record, 0, 64),
		capacity: cfg.CapacityBytes,
		policy:   cfg.FullPolicy,
		timeout:  cfg.BlockTimeout,
		space:    make(chan struct{}),
		ready:    make(chan struct{}, 1),
		done:     make(chan struct{}),
		rec:      metrics.OrNop(rec),
	}
	q.rec.SetGauge(metrics.QueueCapacityBytes, float64(q.capacity))
	q.report()
	return q
}

// Enqueue adds r to the queue. See FullPolicy for the behavior when the queue
// is full. A record larger than the whole capacity is admitted only into an
// empty queue, so it can never be stuck forever.
func (q *Queue) Enqueue(ctx context.Context, r record.Record) error {
	size := int64(r.Size())
	var timeout <-chan time.Time
	waited := false

	for {
		q.mu.Lock()
		if waited {
			q.waiters--
		}
		if q.closed {
			q.mu.Unlock()
			q.rec.AddCounter(metrics.QueueRejected, 1, "shutdown")
			return ErrShutdown
		}
		if q.used+size <= q.capacity || len(q.items) == 0 {
			q.items = append(q.items, r)
			q.used += size
			q.reportLocked()
			q.mu.Unlock()
			select {
			case q.ready <- struct{}{}:
			default:
			}
			return nil
		}
		if q.policy == Reject {
			q.mu.Unlock()
			q.rec.AddCounter(metrics.QueueRejected, 1, "full")
			return ErrQueueFull
		}
		space := q.space
		q.waiters++
		q.mu.Unlock()

		if !waited {
			waited = true
			q.rec.AddCounter(metrics.QueueBlocked, 1)
			if q.timeout > 0 {
				t := time.NewTimer(q.timeout)
				defer t.Stop()
				timeout = t.C
			}
		}

		select {
		case <-space:
		case <-ctx.Done():
			q.leave()
			return ctx.Err()
		case <-timeout:
			q.leave()
			q.rec.AddCounter(metrics.QueueRejected, 1, "timeout")
			return ErrQueueFull
		}
	}
}

func (q *Queue) leave() {
	q.mu.Lock()
	q.waiters--
	q.mu.Unlock()
}

// Dequeue removes the oldest record, waiting until one is available. After
// Close it keeps returning queued records and then ErrClosed.
func (q *Queue) Dequeue(ctx context.Context) (record.Record, error) {
	for {
		if r, ok := q.TryDequeue(); ok {
			return r, nil
		}
		q.mu.Lock()
		closed := q.closed && len(q.items) == 0
		q.mu.Unlock()
		if closed {
			return record.Record{}, ErrClosed
		}
		select {
		case <-q.ready:
		case <-q.done:
		case <-ctx.Done():
			return record.Record{}, ctx.Err()
		}
	}
}

// TryDequeue removes the oldest record without waiting.
func (q *Queue) TryDequeue() (record.Record, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return record.Record{}, false
	}
	r := q.items[0]
	q.items[0] = record.Record{}
	q.items = q.items[1:]
	q.used -= int64(r.Size())
	if q.used < 0 {
		q.used = 0
	}
	q.maybeCompact()
	q.reportLocked()

	if q.waiters > 0 {
		close(q.space)
		q.space = make(chan struct{})
	}
	return r, true
}

// Ready is signalled when records may be available. A receive does not
// guarantee TryDequeue succeeds.
func (q *Queue) Ready() <-chan struct{} {
	return q.ready
}

// Done is closed when the queue is closed.
func (q *Queue) Done() <-chan struct{} {
	return q.done
}

// Close refuses further enqueues and wakes blocked producers with ErrShutdown.
// Records already queued stay available to the consumer.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
	close(q.space)
	q.space = make(chan struct{})
}

// Closed reports whether Close has been called.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Len returns the number of queued records.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Bytes returns the accounted size of queued records.
func (q *Queue) Bytes() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.used
}

// Capacity returns the configured byte capacity.
func (q *Queue) Capacity() int64 {
	return q.capacity
}

// maybeCompact compacts the slice if capacity is significantly larger than length.
// Must be called with q.mu held.
func (q *Queue) maybeCompact() {
	if cap(q.items) > 256 && cap(q.items) > 4*len(q.items)+64 {
		compacted := make([]record.Record, len(q.items), len(q.items)+64)
		copy(compacted, q.items)
		q.items = compacted
	}
}

func (q *Queue) report() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.reportLocked()
}

func (q *Queue) reportLocked() {
	q.rec.SetGauge(metrics.QueueDepth, float64(len(q.items)))
	q.rec.SetGauge(metrics.QueueBytes, float64(q.used))
}
