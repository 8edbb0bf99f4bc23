package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xswitch/xswitch/internal/common"
)

const namespace = "xswitch"

// Collector owns the engine's Prometheus metrics. A nil *Collector is valid
// and records nothing, so components can be built without metrics.
//
// Metrics:
//   - xswitch_reconcile_total{result}: reconcile passes by outcome
//   - xswitch_reconcile_duration_seconds: reconcile pass duration
//   - xswitch_rules_installed: declarative rules installed by the last pass
//   - xswitch_enforcement_mode{mode}: 1 for the current mode, 0 otherwise
//   - xswitch_fallback_transitions_total: switches into observe mode
//   - xswitch_observed_requests_total{outcome}: requests seen by the observer
type Collector struct {
	registry *prometheus.Registry

	reconcileTotal      *prometheus.CounterVec
	reconcileDuration   prometheus.Histogram
	rulesInstalled      prometheus.Gauge
	mode                *prometheus.GaugeVec
	fallbackTransitions prometheus.Counter
	observedRequests    *prometheus.CounterVec
}

// NewCollector registers all metrics with registry, or with a fresh
// registry when nil.
func NewCollector(registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	c := &Collector{
		registry: registry,
		reconcileTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconcile_total",
				Help:      "Total number of reconcile passes by result",
			},
			[]string{"result"},
		),
		reconcileDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "reconcile_duration_seconds",
				Help:      "Duration of reconcile passes in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
			},
		),
		rulesInstalled: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "rules_installed",
				Help:      "Number of declarative rules installed by the last successful pass",
			},
		),
		mode: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "enforcement_mode",
				Help:      "Current enforcement mode (1 = active)",
			},
			[]string{"mode"},
		),
		fallbackTransitions: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fallback_transitions_total",
				Help:      "Total number of switches into fallback observe mode",
			},
		),
		observedRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "observed_requests_total",
				Help:      "Total number of requests seen by the fallback observer by outcome",
			},
			[]string{"outcome"},
		),
	}
	registry.MustRegister(
		c.reconcileTotal,
		c.reconcileDuration,
		c.rulesInstalled,
		c.mode,
		c.fallbackTransitions,
		c.observedRequests,
	)
	c.SetMode(common.ModeDeclarative)
	return c
}

func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// RecordReconcile records one pass. result is "success" or "failure".
func (c *Collector) RecordReconcile(result string, seconds float64, installed int) {
	if c == nil {
		return
	}
	c.reconcileTotal.WithLabelValues(result).Inc()
	c.reconcileDuration.Observe(seconds)
	if result == "success" {
		c.rulesInstalled.Set(float64(installed))
	}
}

func (c *Collector) SetMode(mode common.Mode) {
	if c == nil {
		return
	}
	for _, m := range []common.Mode{common.ModeDeclarative, common.ModeFallbackObserve} {
		v := 0.0
		if m == mode {
			v = 1
		}
		c.mode.WithLabelValues(string(m)).Set(v)
	}
}

func (c *Collector) RecordFallback() {
	if c == nil {
		return
	}
	c.fallbackTransitions.Inc()
	c.rulesInstalled.Set(0)
	c.SetMode(common.ModeFallbackObserve)
}

// RecordObserved records one observed request. outcome is one of
// "matched", "unmatched", "ignored_origin" or "ignored_disabled".
func (c *Collector) RecordObserved(outcome string) {
	if c == nil {
		return
	}
	c.observedRequests.WithLabelValues(outcome).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}
