// Package metrics exposes Prometheus collectors for the lease and consensus core.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "stratum"

// Metrics holds every collector registered for one node.
type Metrics struct {
	registry *prometheus.Registry

	LeaseGrants    *prometheus.CounterVec // LeaseGrants counts grants by path (local, delegated, consensus, migrate)
	LeaseConflicts prometheus.Counter     // LeaseConflicts counts rejected grants
	LeaseRenewals  prometheus.Counter     // LeaseRenewals counts successful renewals
	LeaseFences    prometheus.Counter     // LeaseFences counts fence certificates recorded
	LeasesActive   prometheus.Gauge       // LeasesActive is the number of live leases in the table
	WriteRejects   *prometheus.CounterVec // WriteRejects counts gate rejections by reason

	RoundsCommitted prometheus.Counter   // RoundsCommitted counts rounds that reached a commit
	RoundsTimedOut  prometheus.Counter   // RoundsTimedOut counts rounds abandoned on timeout
	Equivocations   prometheus.Counter   // Equivocations counts conflicting shares detected
	RoundLatency    prometheus.Histogram // RoundLatency observes propose-to-commit time

	Merges          prometheus.Counter // Merges counts records changed by reconciliation
	MessagesFlooded prometheus.Counter // MessagesFlooded counts first-sight floods sent
	MessagesDropped prometheus.Counter // MessagesDropped counts duplicate deliveries
}

// New creates collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		LeaseGrants: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "lease", Name: "grants_total",
			Help: "Lease grants by path.",
		}, []string{"path"}),
		LeaseConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "lease", Name: "conflicts_total",
			Help: "Lease requests rejected by an existing holder.",
		}),
		LeaseRenewals: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "lease", Name: "renewals_total",
			Help: "Successful lease renewals.",
		}),
		LeaseFences: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "lease", Name: "fences_total",
			Help: "Fence certificates recorded.",
		}),
		LeasesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "lease", Name: "active",
			Help: "Live leases in the table.",
		}),
		WriteRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gate", Name: "rejects_total",
			Help: "Writes rejected by the lease gate.",
		}, []string{"reason"}),
		RoundsCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bft", Name: "rounds_committed_total",
			Help: "Rounds that reached a commit.",
		}),
		RoundsTimedOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bft", Name: "rounds_timed_out_total",
			Help: "Rounds abandoned on timeout.",
		}),
		Equivocations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bft", Name: "equivocations_total",
			Help: "Conflicting shares from one arbitrator in one round.",
		}),
		RoundLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "bft", Name: "round_seconds",
			Help:    "Time from propose to commit.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		Merges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "reconcile", Name: "merges_total",
			Help: "Records changed by reconciliation.",
		}),
		MessagesFlooded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "network", Name: "flooded_total",
			Help: "Messages flooded on first sight.",
		}),
		MessagesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "network", Name: "duplicates_total",
			Help: "Duplicate deliveries dropped.",
		}),
	}

	m.registry.MustRegister(
		m.LeaseGrants, m.LeaseConflicts, m.LeaseRenewals, m.LeaseFences, m.LeasesActive, m.WriteRejects,
		m.RoundsCommitted, m.RoundsTimedOut, m.Equivocations, m.RoundLatency,
		m.Merges, m.MessagesFlooded, m.MessagesDropped,
	)

	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Grant records a lease grant via path.
func (m *Metrics) Grant(path string) {
	if m != nil {
		m.LeaseGrants.WithLabelValues(path).Inc()
	}
}

// Conflict records a rejected grant.
func (m *Metrics) Conflict() {
	if m != nil {
		m.LeaseConflicts.Inc()
	}
}

// Renewal records a renewal.
func (m *Metrics) Renewal() {
	if m != nil {
		m.LeaseRenewals.Inc()
	}
}

// Fence records a fence certificate.
func (m *Metrics) Fence() {
	if m != nil {
		m.LeaseFences.Inc()
	}
}

// SetActive sets the live lease gauge.
func (m *Metrics) SetActive(n int) {
	if m != nil {
		m.LeasesActive.Set(float64(n))
	}
}

// WriteRejected records a gate rejection.
func (m *Metrics) WriteRejected(reason string) {
	if m != nil {
		m.WriteRejects.WithLabelValues(reason).Inc()
	}
}

// RoundCommitted records a committed round and its latency in seconds.
func (m *Metrics) RoundCommitted(seconds float64) {
	if m != nil {
		m.RoundsCommitted.Inc()
		m.RoundLatency.Observe(seconds)
	}
}

// RoundTimedOut records an abandoned round.
func (m *Metrics) RoundTimedOut() {
	if m != nil {
		m.RoundsTimedOut.Inc()
	}
}

// Equivocation records conflicting shares.
func (m *Metrics) Equivocation() {
	if m != nil {
		m.Equivocations.Inc()
	}
}

// Merged records n records changed by reconciliation.
func (m *Metrics) Merged(n int) {
	if m != nil && n > 0 {
		m.Merges.Add(float64(n))
	}
}

// Flooded records a first-sight flood.
func (m *Metrics) Flooded() {
	if m != nil {
		m.MessagesFlooded.Inc()
	}
}

// Duplicate records a dropped duplicate delivery.
func (m *Metrics) Duplicate() {
	if m != nil {
		m.MessagesDropped.Inc()
	}
}
