package cardinality

import (
	"fmt"
	"sync"
	"testing"

	"github.com/szibis/logship/internal/metrics"
	"github.com/szibis/logship/internal/record"
)

func TestOriginTracker_Estimate(t *testing.T) {
	tr := NewOriginTracker()
	for i := 0; i < 10000; i++ {
		tr.Observe(fmt.Sprintf("/var/log/app-%d.log", i%1000))
	}
	got := tr.Estimate()
	if got < 950 || got > 1050 {
		t.Errorf("Estimate = %d, want ~1000", got)
	}
}

func TestOriginTracker_ResetAndReport(t *testing.T) {
	tr := NewOriginTracker()
	tr.Observe("a")
	tr.Observe("b")
	tr.Observe("a")

	m := metrics.NewMemory()
	if n := tr.Report(m); n != 2 {
		t.Errorf("Report = %d, want 2", n)
	}
	if m.Gauge(metrics.OriginsEstimate) != 2 {
		t.Errorf("origins_estimate = %v", m.Gauge(metrics.OriginsEstimate))
	}

	tr.Reset()
	if tr.Estimate() != 0 {
		t.Errorf("Estimate after Reset = %d", tr.Estimate())
	}
}

func TestOriginTracker_Concurrent(t *testing.T) {
	tr := NewOriginTracker()
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				tr.Observe(fmt.Sprintf("origin-%d-%d", w, i%50))
				if i%100 == 0 {
					_ = tr.Estimate()
				}
			}
		}(w)
	}
	wg.Wait()
	if got := tr.Estimate(); got < 380 || got > 420 {
		t.Errorf("Estimate = %d, want ~400", got)
	}
}

func TestOriginTracker_ObserveBatch(t *testing.T) {
	tr := NewOriginTracker()
	tr.ObserveBatch([]record.Record{{Origin: "a"}, {Origin: "b"}, {Origin: "a"}})
	tr.ObserveBatch(nil)
	if n := tr.Estimate(); n != 2 {
		t.Errorf("Estimate = %d, want 2", n)
	}
}
