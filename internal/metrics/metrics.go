// Package metrics exposes Prometheus collectors for grading runs.
package metrics

import (
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "gradeloop"

// Metrics reports orchestrator, tool and cache activity. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	runsTotal      *prometheus.CounterVec
	runDuration    *prometheus.HistogramVec
	runIterations  *prometheus.HistogramVec
	runsActive     prometheus.Gauge
	toolCalls      *prometheus.CounterVec
	toolDuration   *prometheus.HistogramVec
	toolRetries    *prometheus.CounterVec
	toolFallbacks  *prometheus.CounterVec
	cacheLookups   *prometheus.CounterVec
	gateDowngrades *prometheus.CounterVec
	tokensTotal    prometheus.Counter
}

var (
	defaultOnce sync.Once
	shared      *Metrics
)

// Default returns the instance registered with the global registry.
// Collectors are created once so repeated orchestrator construction does
// not panic on duplicate registration.
func Default() *Metrics {
	defaultOnce.Do(func() {
		shared = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return shared
}

// MustNewMetrics constructs Metrics on reg. Pass a fresh registry in tests.
// Registration errors other than an identical collector already being
// registered panic.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &Metrics{
		runsTotal: registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "run", Name: "total",
			Help: "Grading runs by final status.",
		}, []string{"status"})),
		runDuration: registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "run", Name: "duration_seconds",
			Help:    "Wall-clock duration of grading runs.",
			Buckets: []float64{1, 2.5, 5, 10, 20, 40, 60, 120, 300},
		}, []string{"status"})),
		runIterations: registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "run", Name: "iterations",
			Help:    "Plan/execute/reflect iterations per run.",
			Buckets: []float64{0, 1, 2, 3, 5},
		}, []string{"status"})),
		runsActive: registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "run", Name: "active",
			Help: "Grading runs currently in progress.",
		})),
		toolCalls: registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "tool", Name: "calls_total",
			Help: "Tool invocations by tool and final status.",
		}, []string{"tool", "status"})),
		toolDuration: registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "tool", Name: "duration_seconds",
			Help:    "Duration of tool invocations including retries.",
			Buckets: prometheus.DefBuckets,
		}, []string{"tool"})),
		toolRetries: registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "tool", Name: "retries_total",
			Help: "Retried tool attempts.",
		}, []string{"tool"})),
		toolFallbacks: registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "tool", Name: "fallbacks_total",
			Help: "Fallback substitutions by the tool that was replaced.",
		}, []string{"tool"})),
		cacheLookups: registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "lookups_total",
			Help: "Cache lookups by kind and result.",
		}, []string{"kind", "result"})),
		gateDowngrades: registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gate", Name: "downgrades_total",
			Help: "Items downgraded by the conservative gate, by reason.",
		}, []string{"reason"})),
		tokensTotal: registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "model", Name: "tokens_total",
			Help: "Model tokens consumed.",
		})),
	}
}

// RunStarted marks a run as active.
func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.runsActive.Inc()
}

// RunFinished records a completed run.
func (m *Metrics) RunFinished(status string, iterations int, d time.Duration) {
	if m == nil {
		return
	}
	m.runsActive.Dec()
	m.runsTotal.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(d.Seconds())
	m.runIterations.WithLabelValues(status).Observe(float64(iterations))
}

// ToolCall records one tool's final status for an invocation.
func (m *Metrics) ToolCall(tool, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(tool, status).Inc()
	m.toolDuration.WithLabelValues(tool).Observe(d.Seconds())
}

// ToolRetries records attempts beyond the first.
func (m *Metrics) ToolRetries(tool string, attempts int) {
	if m == nil || attempts <= 1 {
		return
	}
	m.toolRetries.WithLabelValues(tool).Add(float64(attempts - 1))
}

// Fallback records that tool was replaced by its fallback.
func (m *Metrics) Fallback(tool string) {
	if m == nil {
		return
	}
	m.toolFallbacks.WithLabelValues(tool).Inc()
}

// CacheLookup records a cache hit or miss.
func (m *Metrics) CacheLookup(kind string, hit bool) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(kind, strconv.FormatBool(hit)).Inc()
}

// GateDowngrade records items downgraded for reason.
func (m *Metrics) GateDowngrade(reason string, items int) {
	if m == nil || items <= 0 {
		return
	}
	m.gateDowngrades.WithLabelValues(reason).Add(float64(items))
}

// Tokens records model token usage.
func (m *Metrics) Tokens(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.tokensTotal.Add(float64(n))
}

func registerCounterVec(reg prometheus.Registerer, c *prometheus.CounterVec) *prometheus.CounterVec {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

func registerHistogramVec(reg prometheus.Registerer, h *prometheus.HistogramVec) *prometheus.HistogramVec {
	if err := reg.Register(h); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing
			}
		}
		panic(err)
	}
	return h
}

func registerGauge(reg prometheus.Registerer, g prometheus.Gauge) prometheus.Gauge {
	if err := reg.Register(g); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(prometheus.Gauge); ok {
				return existing
			}
		}
		panic(err)
	}
	return g
}

func registerCounter(reg prometheus.Registerer, c prometheus.Counter) prometheus.Counter {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(prometheus.Counter); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}
