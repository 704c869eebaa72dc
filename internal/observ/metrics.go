package observ

import (
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// registry keeps the teacher's facade shape (IncCounter/SetGauge/Observe
// free functions, internal/observ/metrics.go) but backs it with a real
// prometheus.Registry instead of in-memory maps, per SPEC_FULL.md §6.
// Prometheus vectors require a fixed label-name set per metric name, so the
// first call for a given name fixes its label names; later calls must pass
// the same keys (this mirrors the teacher's canonLabels convention, which
// already assumed a stable label set per metric name in practice).
type registry struct {
	mu         sync.Mutex
	reg        *prometheus.Registry
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

var reg = newRegistry()

func newRegistry() *registry {
	r := prometheus.NewRegistry()
	r.MustRegister(prometheus.NewGoCollector())
	r.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	return &registry{
		reg:        r,
		counters:   map[string]*prometheus.CounterVec{},
		gauges:     map[string]*prometheus.GaugeVec{},
		histograms: map[string]*prometheus.HistogramVec{},
	}
}

func sortedKeys(lbl map[string]string) []string {
	keys := make([]string, 0, len(lbl))
	for k := range lbl {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sanitizeName(name string) string {
	return strings.ReplaceAll(name, ".", "_")
}

func (r *registry) counterVec(name string, lbl map[string]string) (*prometheus.CounterVec, []string) {
	keys := sortedKeys(lbl)
	r.mu.Lock()
	defer r.mu.Unlock()
	cv, ok := r.counters[name]
	if !ok {
		cv = promauto.With(r.reg).NewCounterVec(prometheus.CounterOpts{
			Name: sanitizeName(name),
			Help: name,
		}, keys)
		r.counters[name] = cv
	}
	return cv, keys
}

func (r *registry) gaugeVec(name string, lbl map[string]string) (*prometheus.GaugeVec, []string) {
	keys := sortedKeys(lbl)
	r.mu.Lock()
	defer r.mu.Unlock()
	gv, ok := r.gauges[name]
	if !ok {
		gv = promauto.With(r.reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: sanitizeName(name),
			Help: name,
		}, keys)
		r.gauges[name] = gv
	}
	return gv, keys
}

func (r *registry) histogramVec(name string, lbl map[string]string) (*prometheus.HistogramVec, []string) {
	keys := sortedKeys(lbl)
	r.mu.Lock()
	defer r.mu.Unlock()
	hv, ok := r.histograms[name]
	if !ok {
		hv = promauto.With(r.reg).NewHistogramVec(prometheus.HistogramOpts{
			Name: sanitizeName(name),
			Help: name,
		}, keys)
		r.histograms[name] = hv
	}
	return hv, keys
}

func labelValues(lbl map[string]string, keys []string) prometheus.Labels {
	out := make(prometheus.Labels, len(keys))
	for _, k := range keys {
		out[k] = lbl[k]
	}
	return out
}

// IncCounter increments a named counter by 1, keyed by the given labels.
func IncCounter(name string, labels map[string]string) {
	IncCounterBy(name, labels, 1.0)
}

// IncCounterBy increments a named counter by an arbitrary amount.
func IncCounterBy(name string, labels map[string]string, value float64) {
	cv, keys := reg.counterVec(name, labels)
	cv.With(labelValues(labels, keys)).Add(value)
}

// SetGauge sets a named gauge to value, keyed by the given labels.
func SetGauge(name string, value float64, labels map[string]string) {
	gv, keys := reg.gaugeVec(name, labels)
	gv.With(labelValues(labels, keys)).Set(value)
}

// Observe records a histogram observation for name.
func Observe(name string, value float64, labels map[string]string) {
	hv, keys := reg.histogramVec(name, labels)
	hv.With(labelValues(labels, keys)).Observe(value)
}

// RecordHistogram is an alias kept for call-site parity with the teacher.
func RecordHistogram(name string, value float64, labels map[string]string) {
	Observe(name, value, labels)
}

// RecordGauge is an alias kept for call-site parity with the teacher.
func RecordGauge(name string, value float64, labels map[string]string) {
	SetGauge(name, value, labels)
}

// RecordDuration records a duration metric in milliseconds.
func RecordDuration(name string, duration time.Duration, labels map[string]string) {
	Observe(name+"_ms", float64(duration.Milliseconds()), labels)
}

// Handler exposes the registry in Prometheus text exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(reg.reg, promhttp.HandlerOpts{})
}
