// Package metrics exposes cycle outcomes as Prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MahdiBaghbani/ldapmailsync/internal/reconcile"
)

// Cycle results.
const (
	ResultOK      = "ok"
	ResultPartial = "partial"
	ResultFailed  = "failed"
)

// Metrics holds the synchronizer collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	cycles       *prometheus.CounterVec
	duration     prometheus.Histogram
	entityErrors *prometheus.CounterVec
	operations   *prometheus.CounterVec
	tracked      prometheus.Gauge
	lastSuccess  prometheus.Gauge
}

// New registers the collectors, plus the Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		cycles: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ldapmailsync_cycles_total",
			Help: "Reconciliation cycles by result.",
		}, []string{"result"}),
		duration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "ldapmailsync_cycle_duration_seconds",
			Help:    "Wall time of reconciliation cycles.",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}),
		entityErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ldapmailsync_entity_errors_total",
			Help: "Per-entity failures by cycle phase.",
		}, []string{"phase"}),
		operations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ldapmailsync_operations_total",
			Help: "Convergence operations applied, by kind.",
		}, []string{"kind"}),
		tracked: f.NewGauge(prometheus.GaugeOpts{
			Name: "ldapmailsync_tracked_entities",
			Help: "Entities in the tracking store after the last cycle.",
		}),
		lastSuccess: f.NewGauge(prometheus.GaugeOpts{
			Name: "ldapmailsync_last_success_timestamp_seconds",
			Help: "Unix time the last cycle without failures finished.",
		}),
	}
}

// ObserveCycle records one cycle. rep is nil when the snapshot could not be
// fetched.
func (m *Metrics) ObserveCycle(rep *reconcile.Report, err error) {
	if rep == nil {
		m.cycles.WithLabelValues(ResultFailed).Inc()
		return
	}

	switch {
	case err != nil:
		m.cycles.WithLabelValues(ResultFailed).Inc()
	case !rep.OK():
		m.cycles.WithLabelValues(ResultPartial).Inc()
	default:
		m.cycles.WithLabelValues(ResultOK).Inc()
		m.lastSuccess.Set(float64(rep.FinishedAt.Unix()))
	}
	m.duration.Observe(rep.Duration().Seconds())

	for phase, n := range rep.ErrorsByPhase() {
		m.entityErrors.WithLabelValues(string(phase)).Add(float64(n))
	}

	for kind, n := range map[string]int{
		"created":         rep.Created,
		"mailbox_created": rep.MailboxesCreated,
		"updated":         rep.Updated,
		"deactivated":     rep.Deactivated,
		"stale":           rep.StaleIncremented,
		"granted":         rep.Granted,
		"revoked":         rep.Revoked,
		"sob_committed":   rep.SendOnBehalfCommitted,
	} {
		if n > 0 {
			m.operations.WithLabelValues(kind).Add(float64(n))
		}
	}
	if err == nil {
		m.tracked.Set(float64(rep.Tracked))
	}
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
