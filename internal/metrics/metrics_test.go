package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func TestSpecsUnique(t *testing.T) {
	seen := make(map[string]bool)
	for _, s := range Specs {
		if seen[s.Name] {
			t.Errorf("duplicate series %q", s.Name)
		}
		seen[s.Name] = true
		if s.Help == "" {
			t.Errorf("series %q has no help text", s.Name)
		}
	}
}

func TestPrometheusRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	p, err := NewPrometheus(reg, "default")
	if err != nil {
		t.Fatalf("NewPrometheus failed: %v", err)
	}

	p.SetGauge(QueueDepth, 42)
	p.AddCounter(Retries, 2, "timeout")
	p.AddCounter(Retries, 1, "timeout")
	p.AddCounter(Retries, -5, "timeout") // ignored
	p.Observe(BatchRecords, 500)
	p.AddCounter(CircuitTransitions, 1, "closed") // wrong label count, ignored
	p.AddCounter("unknown_series", 1)

	if got := testutil.ToFloat64(p.gauges[QueueDepth]); got != 42 {
		t.Errorf("queue_depth = %v, want 42", got)
	}
	if got := testutil.ToFloat64(p.counters[Retries].WithLabelValues("timeout")); got != 3 {
		t.Errorf("retries_total{kind=timeout} = %v, want 3", got)
	}

	expected := `
# HELP logship_queue_depth Current number of records in the ingress queue
# TYPE logship_queue_depth gauge
logship_queue_depth{stream="default"} 42
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "logship_queue_depth"); err != nil {
		t.Error(err)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	var hist *dto.MetricFamily
	for _, mf := range families {
		if mf.GetName() == "logship_batch_records" {
			hist = mf
		}
	}
	if hist == nil {
		t.Fatal("logship_batch_records not gathered")
	}
	if got := hist.GetMetric()[0].GetHistogram().GetSampleCount(); got != 1 {
		t.Errorf("batch_records sample count = %d, want 1", got)
	}
}

func TestPrometheusDuplicateStream(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := NewPrometheus(reg, "a"); err != nil {
		t.Fatalf("first registration failed: %v", err)
	}
	if _, err := NewPrometheus(reg, "b"); err != nil {
		t.Fatalf("distinct stream name must register: %v", err)
	}
	if _, err := NewPrometheus(reg, "a"); err == nil {
		t.Fatal("expected duplicate registration error")
	}
}

func TestMemoryRecorder(t *testing.T) {
	m := NewMemory()
	m.SetGauge(QueueBytes, 10)
	m.SetGauge(QueueBytes, 20)
	m.AddCounter(LostRecords, 3, "fatal")
	m.AddCounter(LostRecords, 4, "fatal")
	m.Observe(DeliveryLatency, 0.5, "success")

	if m.Gauge(QueueBytes) != 20 {
		t.Errorf("gauge = %v, want 20", m.Gauge(QueueBytes))
	}
	if m.Counter(LostRecords, "fatal") != 7 {
		t.Errorf("counter = %v, want 7", m.Counter(LostRecords, "fatal"))
	}
	if obs := m.Observations(DeliveryLatency, "success"); len(obs) != 1 || obs[0] != 0.5 {
		t.Errorf("observations = %v", obs)
	}
	if OrNop(nil) == nil {
		t.Error("OrNop(nil) must return a usable recorder")
	}
}
