// Package metrics defines the recorder the delivery pipeline reports to and
// the series it reports.
package metrics

import "sync"

// Kind is the type of a series.
type Kind int

const (
	Gauge Kind = iota
	Counter
	Histogram
)

// Series names. Values are suffixed to the "logship_" namespace by the
// Prometheus recorder.
const (
	QueueDepth          = "queue_depth"
	QueueBytes          = "queue_bytes"
	QueueCapacityBytes  = "queue_capacity_bytes"
	QueueRejected       = "queue_rejected_total"
	QueueBlocked        = "queue_blocked_total"
	BatchesAssembled    = "batches_assembled_total"
	BatchRecords        = "batch_records"
	BatchBytes          = "batch_bytes"
	EncodeDuration      = "encode_duration_seconds"
	EncodedBytes        = "encoded_bytes_total"
	DeliveryLatency     = "delivery_latency_seconds"
	DeliveredBytes      = "delivered_bytes_total"
	Retries             = "retries_total"
	CircuitTransitions  = "circuit_transitions_total"
	CircuitState        = "circuit_state"
	AcknowledgedBatches = "acknowledged_batches_total"
	FailedBatches       = "failed_batches_total"
	LostRecords         = "lost_records_total"
	OriginsEstimate     = "origins_estimate"
	CheckpointRejected  = "checkpoint_rejected_total"
)

// Spec describes one series.
type Spec struct {
	Name    string
	Kind    Kind
	Help    string
	Labels  []string
	Buckets []float64
}

// Specs lists every series the pipeline emits. Recorders must accept label
// values in the order given here.
var Specs = []Spec{
	{Name: QueueDepth, Kind: Gauge, Help: "Current number of records in the ingress queue"},
	{Name: QueueBytes, Kind: Gauge, Help: "Current accounted bytes held by the ingress queue"},
	{Name: QueueCapacityBytes, Kind: Gauge, Help: "Configured byte capacity of the ingress queue"},
	{Name: QueueRejected, Kind: Counter, Help: "Enqueue calls rejected because the queue was full or closed", Labels: []string{"reason"}},
	{Name: QueueBlocked, Kind: Counter, Help: "Enqueue calls that had to wait for capacity"},
	{Name: BatchesAssembled, Kind: Counter, Help: "Batches closed by the assembler by close reason", Labels: []string{"reason"}},
	{Name: BatchRecords, Kind: Histogram, Help: "Records per closed batch", Buckets: []float64{1, 5, 10, 50, 100, 250, 500, 1000, 5000, 10000}},
	{Name: BatchBytes, Kind: Histogram, Help: "Accounted bytes per closed batch", Buckets: []float64{1 << 10, 8 << 10, 64 << 10, 256 << 10, 512 << 10, 1 << 20, 4 << 20, 16 << 20}},
	{Name: EncodeDuration, Kind: Histogram, Help: "Time spent encoding a batch", Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5}},
	{Name: EncodedBytes, Kind: Counter, Help: "Bytes of encoded request bodies (after compression)"},
	{Name: DeliveryLatency, Kind: Histogram, Help: "Latency of delivery attempts by outcome", Labels: []string{"outcome"}, Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30}},
	{Name: DeliveredBytes, Kind: Counter, Help: "Bytes of request bodies acknowledged by the endpoint"},
	{Name: Retries, Kind: Counter, Help: "Retries scheduled by error kind", Labels: []string{"kind"}},
	{Name: CircuitTransitions, Kind: Counter, Help: "Circuit breaker state transitions", Labels: []string{"from", "to"}},
	{Name: CircuitState, Kind: Gauge, Help: "Current circuit breaker state (0 closed, 1 open, 2 half_open)"},
	{Name: AcknowledgedBatches, Kind: Counter, Help: "Batches acknowledged by the endpoint"},
	{Name: FailedBatches, Kind: Counter, Help: "Batches permanently failed by reason", Labels: []string{"reason"}},
	{Name: LostRecords, Kind: Counter, Help: "Records lost with an explicit loss event by reason", Labels: []string{"reason"}},
	{Name: OriginsEstimate, Kind: Gauge, Help: "Estimated number of distinct record origins seen"},
	{Name: CheckpointRejected, Kind: Counter, Help: "Out-of-order acknowledgements refused by the checkpoint guard"},
}

// Lookup returns the spec for name.
func Lookup(name string) (Spec, bool) {
	for _, s := range Specs {
		if s.Name == name {
			return s, true
		}
	}
	return Spec{}, false
}

// Recorder receives pipeline measurements. Implementations must be safe for
// concurrent use. Unknown names and wrong label counts are ignored.
type Recorder interface {
	SetGauge(name string, value float64, labels ...string)
	AddCounter(name string, delta float64, labels ...string)
	Observe(name string, value float64, labels ...string)
}

// Nop discards everything.
type Nop struct{}

func (Nop) SetGauge(string, float64, ...string)   {}
func (Nop) AddCounter(string, float64, ...string) {}
func (Nop) Observe(string, float64, ...string)    {}

// OrNop returns r, or Nop when r is nil.
func OrNop(r Recorder) Recorder {
	if r == nil {
		return Nop{}
	}
	return r
}

// Memory keeps the last gauge value, counter totals and all observations in
// memory. It backs tests and the stats snapshot of the binary.
type Memory struct {
	mu           sync.Mutex
	gauges       map[string]float64
	counters     map[string]float64
	observations map[string][]float64
}

// NewMemory creates an empty Memory recorder.
func NewMemory() *Memory {
	return &Memory{
		gauges:       make(map[string]float64),
		counters:     make(map[string]float64),
		observations: make(map[string][]float64),
	}
}

func key(name string, labels []string) string {
	k := name
	for _, l := range labels {
		k += "|" + l
	}
	return k
}

// SetGauge stores the last value of the series.
func (m *Memory) SetGauge(name string, value float64, labels ...string) {
	m.mu.Lock()
	m.gauges[key(name, labels)] = value
	m.mu.Unlock()
}

// AddCounter accumulates delta into the series total.
func (m *Memory) AddCounter(name string, delta float64, labels ...string) {
	m.mu.Lock()
	m.counters[key(name, labels)] += delta
	m.mu.Unlock()
}

// Observe appends value to the series observations.
func (m *Memory) Observe(name string, value float64, labels ...string) {
	m.mu.Lock()
	k := key(name, labels)
	m.observations[k] = append(m.observations[k], value)
	m.mu.Unlock()
}

// Gauge returns the last value set for the series.
func (m *Memory) Gauge(name string, labels ...string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gauges[key(name, labels)]
}

// Counter returns the accumulated total for the series.
func (m *Memory) Counter(name string, labels ...string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[key(name, labels)]
}

// Observations returns a copy of the values observed for the series.
func (m *Memory) Observations(name string, labels ...string) []float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]float64(nil), m.observations[key(name, labels)]...)
}
