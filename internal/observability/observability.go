// Package observability provides the abstract telemetry sink the core
// requires: trackMetric/trackEvent/trackException with a no-op mode
// selected when nothing is configured, following the reference metrics
// package's Metrics/Noop/Prom split.
package observability

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Sink is the abstract telemetry surface. Callers must never branch on
// which implementation is active.
type Sink interface {
	TrackMetric(name string, value float64, props map[string]string)
	TrackEvent(name string, props map[string]string)
	TrackException(err error, props map[string]string)
}

// Noop discards everything. Selected when no telemetry target is
// configured.
type Noop struct{}

func (Noop) TrackMetric(string, float64, map[string]string) {}
func (Noop) TrackEvent(string, map[string]string)           {}
func (Noop) TrackException(error, map[string]string)        {}

// Prom backs the sink with Prometheus counters/gauges/histograms,
// registered lazily per metric/event name the first time it is seen so
// arbitrary metric and event names can be tracked without a fixed schema.
type Prom struct {
	namespace string

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
	exceptions *prometheus.CounterVec
}

// NewProm constructs a Prometheus-backed sink under namespace.
func NewProm(namespace string) *Prom {
	exceptions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "exceptions_total",
		Help:      "Exceptions tracked by the observability sink",
	}, []string{"error"})
	prometheus.MustRegister(exceptions)
	return &Prom{
		namespace:  namespace,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		exceptions: exceptions,
	}
}

// TrackMetric records a numeric measurement. Names ending in
// "_ms"/"duration_ms" are treated as durations and backed by a
// histogram; everything else is a gauge, since metrics like
// "reasoning.queue.depth" are levels, not counters.
func (p *Prom) TrackMetric(name string, value float64, props map[string]string) {
	labels, keys := sortedProps(props)
	if isDuration(name) {
		p.histogramFor(name, keys).WithLabelValues(labels...).Observe(value)
		return
	}
	p.gaugeFor(name, keys).WithLabelValues(labels...).Set(value)
}

// TrackEvent increments the counter for name, one series per distinct
// set of props values. The counter's label names are fixed by the props
// keys of the first call for that name.
func (p *Prom) TrackEvent(name string, props map[string]string) {
	labels, keys := sortedProps(props)
	p.counterFor(name, keys).WithLabelValues(labels...).Inc()
}

// TrackException records an exception by its error string.
func (p *Prom) TrackException(err error, _ map[string]string) {
	msg := "unknown"
	if err != nil {
		msg = err.Error()
	}
	p.exceptions.WithLabelValues(msg).Inc()
}

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

func (p *Prom) counterFor(name string, keys []string) *prometheus.CounterVec {
	p.mu.Lock()
	defer p.mu.Unlock()
	metricName := sanitize(name)
	if c, ok := p.counters[metricName]; ok {
		return c
	}
	c := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: p.namespace,
		Name:      metricName + "_total",
		Help:      "Event count for " + name,
	}, keys)
	prometheus.MustRegister(c)
	p.counters[metricName] = c
	return c
}

func (p *Prom) gaugeFor(name string, keys []string) *prometheus.GaugeVec {
	p.mu.Lock()
	defer p.mu.Unlock()
	metricName := sanitize(name)
	if g, ok := p.gauges[metricName]; ok {
		return g
	}
	g := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: p.namespace,
		Name:      metricName,
		Help:      "Gauge for " + name,
	}, keys)
	prometheus.MustRegister(g)
	p.gauges[metricName] = g
	return g
}

func (p *Prom) histogramFor(name string, keys []string) *prometheus.HistogramVec {
	p.mu.Lock()
	defer p.mu.Unlock()
	metricName := sanitize(name)
	if h, ok := p.histograms[metricName]; ok {
		return h
	}
	h := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: p.namespace,
		Name:      metricName,
		Help:      "Duration histogram for " + name,
		Buckets:   prometheus.DefBuckets,
	}, keys)
	prometheus.MustRegister(h)
	p.histograms[metricName] = h
	return h
}

func isDuration(name string) bool {
	return len(name) > 3 && name[len(name)-3:] == "_ms"
}

func sanitize(name string) string {
	out := make([]byte, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') {
			out[i] = c
		} else {
			out[i] = '_'
		}
	}
	return string(out)
}

func sortedProps(props map[string]string) ([]string, []string) {
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	// Deterministic ordering keeps label sets stable across calls to the
	// same metric name.
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
	values := make([]string, len(keys))
	for i, k := range keys {
		values[i] = props[k]
	}
	return values, keys
}
