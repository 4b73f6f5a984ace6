package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every exported series.
const Namespace = "logship"

// Prometheus is a Recorder backed by Prometheus collectors. One instance is
// created per stream; the stream name is a constant label.
type Prometheus struct {
	gauges     map[string]*prometheus.GaugeVec
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
}

// NewPrometheus builds collectors for every series in Specs and registers them
// on reg. Streams sharing a registry must use distinct names.
func NewPrometheus(reg prometheus.Registerer, stream string) (*Prometheus, error) {
	p := &Prometheus{
		gauges:     make(map[string]*prometheus.GaugeVec),
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
	constLabels := prometheus.Labels{"stream": stream}

	for _, s := range Specs {
		var c prometheus.Collector
		switch s.Kind {
		case Gauge:
			v := prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: Namespace, Name: s.Name, Help: s.Help, ConstLabels: constLabels,
			}, s.Labels)
			p.gauges[s.Name] = v
			c = v
		case Counter:
			v := prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: Namespace, Name: s.Name, Help: s.Help, ConstLabels: constLabels,
			}, s.Labels)
			p.counters[s.Name] = v
			c = v
		case Histogram:
			buckets := s.Buckets
			if len(buckets) == 0 {
				buckets = prometheus.DefBuckets
			}
			v := prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: Namespace, Name: s.Name, Help: s.Help, ConstLabels: constLabels, Buckets: buckets,
			}, s.Labels)
			p.histograms[s.Name] = v
			c = v
		}
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register %s_%s: %w", Namespace, s.Name, err)
		}
	}

	// Label-less series show up at zero from the start.
	for name, g := range p.gauges {
		if spec, _ := Lookup(name); len(spec.Labels) == 0 {
			g.WithLabelValues().Set(0)
		}
	}
	for name, c := range p.counters {
		if spec, _ := Lookup(name); len(spec.Labels) == 0 {
			c.WithLabelValues().Add(0)
		}
	}
	return p, nil
}

// SetGauge sets the gauge series name. Unknown names and wrong label counts
// are ignored.
func (p *Prometheus) SetGauge(name string, value float64, labels ...string) {
	if v, ok := p.gauges[name]; ok {
		if g, err := v.GetMetricWithLabelValues(labels...); err == nil {
			g.Set(value)
		}
	}
}

// AddCounter adds delta to the counter series name. Negative deltas are
// ignored.
func (p *Prometheus) AddCounter(name string, delta float64, labels ...string) {
	if delta < 0 {
		return
	}
	if v, ok := p.counters[name]; ok {
		if c, err := v.GetMetricWithLabelValues(labels...); err == nil {
			c.Add(delta)
		}
	}
}

// Observe records value in the histogram series name.
func (p *Prometheus) Observe(name string, value float64, labels ...string) {
	if v, ok := p.histograms[name]; ok {
		if h, err := v.GetMetricWithLabelValues(labels...); err == nil {
			h.Observe(value)
		}
	}
}
