// Package metrics adapts Prometheus collectors behind a small Recorder
// so component tasks can record counters/gauges/histograms by name
// without pre-declaring a prometheus.*Vec for every metric. Grounded
// on the teacher's pkg/metrics/recorder.go lazy-registration pattern.
package metrics

import (
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "buildmaster"
)

// Registry is the fallback Prometheus registry a Recorder registers
// into when it is given none. cmd/buildmaster builds its own registry
// and hands that to internal/diag instead.
var Registry = prometheus.NewRegistry()

// Recorder records counters, gauges and histograms under a fixed
// subsystem (typically the component tag: gazer, oracle, arch,
// driver, juggler, chase, scribe, secretary, bigbro, supervisor).
type Recorder struct {
	registry  *prometheus.Registry
	subsystem string

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
	labelNames map[string][]string
}

// NewRecorder returns a Recorder scoped to subsystem, backed by reg
// (the default Registry if nil).
func NewRecorder(reg *prometheus.Registry, subsystem string) *Recorder {
	if reg == nil {
		reg = Registry
	}
	return &Recorder{
		registry:   reg,
		subsystem:  subsystem,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		labelNames: make(map[string][]string),
	}
}

// Counter adds delta to a named counter, creating it (and its label
// schema) on first use.
func (r *Recorder) Counter(name string, labels map[string]string, delta float64) {
	if r == nil || delta < 0 {
		return
	}
	names, values := normalizeLabels(labels)
	vec := r.counterVec(name, names)
	if vec == nil {
		return
	}
	vec.WithLabelValues(values...).Add(delta)
}

// Gauge sets a named gauge to value.
func (r *Recorder) Gauge(name string, labels map[string]string, value float64) {
	if r == nil {
		return
	}
	names, values := normalizeLabels(labels)
	vec := r.gaugeVec(name, names)
	if vec == nil {
		return
	}
	vec.WithLabelValues(values...).Set(value)
}

// Observe records a sample into a named histogram.
func (r *Recorder) Observe(name string, labels map[string]string, value float64) {
	if r == nil {
		return
	}
	names, values := normalizeLabels(labels)
	vec := r.histogramVec(name, names)
	if vec == nil {
		return
	}
	vec.WithLabelValues(values...).Observe(value)
}

func (r *Recorder) counterVec(name string, labelNames []string) *prometheus.CounterVec {
	key := sanitize(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	if vec, ok := r.counters[key]; ok {
		return vec
	}
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: r.subsystem,
		Name:      key,
		Help:      "buildmaster counter: " + name,
	}, labelNames)
	if err := r.registry.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				r.counters[key] = existing
				return existing
			}
		}
		return nil
	}
	r.counters[key] = vec
	r.labelNames[key] = labelNames
	return vec
}

func (r *Recorder) gaugeVec(name string, labelNames []string) *prometheus.GaugeVec {
	key := sanitize(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	if vec, ok := r.gauges[key]; ok {
		return vec
	}
	vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: r.subsystem,
		Name:      key,
		Help:      "buildmaster gauge: " + name,
	}, labelNames)
	if err := r.registry.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				r.gauges[key] = existing
				return existing
			}
		}
		return nil
	}
	r.gauges[key] = vec
	r.labelNames[key] = labelNames
	return vec
}

func (r *Recorder) histogramVec(name string, labelNames []string) *prometheus.HistogramVec {
	key := sanitize(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	if vec, ok := r.histograms[key]; ok {
		return vec
	}
	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: r.subsystem,
		Name:      key,
		Help:      "buildmaster histogram: " + name,
	}, labelNames)
	if err := r.registry.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				r.histograms[key] = existing
				return existing
			}
		}
		return nil
	}
	r.histograms[key] = vec
	r.labelNames[key] = labelNames
	return vec
}

func normalizeLabels(labels map[string]string) (names, values []string) {
	if len(labels) == 0 {
		return nil, nil
	}
	names = make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	sort.Strings(names)
	values = make([]string, len(names))
	for i, n := range names {
		values[i] = labels[n]
	}
	return names, values
}

func sanitize(name string) string {
	var b strings.Builder
	for _, r := range name {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' {
			b.WriteRune(r)
			continue
		}
		b.WriteRune('_')
	}
	return b.String()
}
