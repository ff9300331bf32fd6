// Package metrics exposes workflow and HTTP metrics to Prometheus.
package metrics

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var durationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// Metrics holds every collector the service registers. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry prometheus.Gatherer

	// Transitions by event kind and outcome (committed, unauthorized, illegal, ...)
	Transitions *prometheus.CounterVec
	// Version conflicts retried against the store
	StoreConflicts prometheus.Counter
	// Registration numbers by strategy and outcome
	Numbers *prometheus.CounterVec
	// Fan-out failures per downstream after retries
	FanoutFailures *prometheus.CounterVec
	FanoutLatency  *prometheus.HistogramVec
	// Notices where at least one downstream failed
	FanoutIncomplete prometheus.Counter
	// Reconciliation sweep outcomes
	Reconciled *prometheus.CounterVec

	HTTPRequests *prometheus.HistogramVec
	HTTPInFlight prometheus.Gauge
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.NewRegistry())
}

// NewWithRegistry registers all collectors on reg.
func NewWithRegistry(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "workflow_transitions_total",
			Help: "Lifecycle events handled, by event kind and outcome",
		}, []string{"event", "outcome"}),
		StoreConflicts: f.NewCounter(prometheus.CounterOpts{
			Name: "workflow_store_conflicts_total",
			Help: "Optimistic concurrency conflicts returned by the FHIR store",
		}),
		Numbers: f.NewCounterVec(prometheus.CounterOpts{
			Name: "workflow_registration_numbers_total",
			Help: "Registration number generation attempts, by strategy and outcome",
		}, []string{"strategy", "outcome"}),
		FanoutFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "workflow_fanout_failures_total",
			Help: "Downstream deliveries that failed after all attempts",
		}, []string{"downstream"}),
		FanoutLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "workflow_fanout_duration_seconds",
			Help:    "Duration of downstream deliveries",
			Buckets: durationBuckets,
		}, []string{"downstream"}),
		FanoutIncomplete: f.NewCounter(prometheus.CounterOpts{
			Name: "workflow_fanout_incomplete_total",
			Help: "Committed transitions whose fan-out failed for at least one downstream",
		}),
		Reconciled: f.NewCounterVec(prometheus.CounterOpts{
			Name: "workflow_reconcile_total",
			Help: "Search reconciliation attempts, by outcome",
		}, []string{"outcome"}),
		HTTPRequests: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_server_request_duration_seconds",
			Help:    "HTTP request duration by method, route and status",
			Buckets: durationBuckets,
		}, []string{"method", "route", "status"}),
		HTTPInFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "http_server_active_requests",
			Help: "Requests currently being served",
		}),
	}
}

func (m *Metrics) ObserveTransition(event, outcome string) {
	if m != nil {
		m.Transitions.WithLabelValues(event, outcome).Inc()
	}
}

func (m *Metrics) IncStoreConflict() {
	if m != nil {
		m.StoreConflicts.Inc()
	}
}

func (m *Metrics) ObserveNumber(strategy, outcome string) {
	if m != nil {
		m.Numbers.WithLabelValues(strategy, outcome).Inc()
	}
}

func (m *Metrics) ObserveFanout(downstream string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.FanoutLatency.WithLabelValues(downstream).Observe(d.Seconds())
	if err != nil {
		m.FanoutFailures.WithLabelValues(downstream).Inc()
	}
}

func (m *Metrics) IncFanoutIncomplete() {
	if m != nil {
		m.FanoutIncomplete.Inc()
	}
}

func (m *Metrics) ObserveReconcile(outcome string) {
	if m != nil {
		m.Reconciled.WithLabelValues(outcome).Inc()
	}
}

// Middleware records request duration per route.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if m == nil {
				return next(c)
			}
			m.HTTPInFlight.Inc()
			start := time.Now()
			err := next(c)
			m.HTTPInFlight.Dec()

			route := c.Path()
			if route == "" {
				route = c.Request().URL.Path
			}
			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			m.HTTPRequests.WithLabelValues(c.Request().Method, route, strconv.Itoa(status)).
				Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
}
