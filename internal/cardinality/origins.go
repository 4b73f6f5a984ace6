// Package cardinality estimates the number of distinct record origins.
package cardinality

import (
	"sync"

	"github.com/axiomhq/hyperloglog"

	"github.com/szibis/logship/internal/metrics"
	"github.com/szibis/logship/internal/record"
)

// OriginTracker is a fixed-memory (~12KB) HyperLogLog sketch of origins.
type OriginTracker struct {
	mu     sync.Mutex
	sketch *hyperloglog.Sketch
}

// NewOriginTracker creates an empty tracker.
func NewOriginTracker() *OriginTracker {
	return &OriginTracker{sketch: hyperloglog.New()}
}

// Observe adds an origin to the sketch.
func (t *OriginTracker) Observe(origin string) {
	t.mu.Lock()
	t.sketch.Insert([]byte(origin))
	t.mu.Unlock()
}

// ObserveBatch adds the origin of every record under one lock.
func (t *OriginTracker) ObserveBatch(records []record.Record) {
	t.mu.Lock()
	for _, r := range records {
		t.sketch.Insert([]byte(r.Origin))
	}
	t.mu.Unlock()
}

// Estimate returns the estimated number of distinct origins.
// Uses the full lock because Estimate may merge the sparse representation.
func (t *OriginTracker) Estimate() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sketch.Estimate()
}

// Reset clears the sketch for a new window.
func (t *OriginTracker) Reset() {
	t.mu.Lock()
	t.sketch = hyperloglog.New()
	t.mu.Unlock()
}

// Report publishes the estimate as the origins_estimate gauge.
func (t *OriginTracker) Report(rec metrics.Recorder) uint64 {
	n := t.Estimate()
	metrics.OrNop(rec).SetGauge(metrics.OriginsEstimate, float64(n))
	return n
}
