// ABOUTME: Prometheus instruments for the gateway.
// ABOUTME: Registered once at package init and shared by all components.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConnectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portcullis_connections_total",
		Help: "Connection attempts by final outcome",
	}, []string{"outcome"})

	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "portcullis_active_sessions",
		Help: "Sessions currently relaying",
	})

	PendingConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "portcullis_pending_connections",
		Help: "Connections awaiting an approval decision",
	})

	BytesRelayedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portcullis_bytes_relayed_total",
		Help: "Relayed bytes by direction",
	}, []string{"direction"})

	ApprovalWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "portcullis_approval_wait_seconds",
		Help:    "Time connections spent awaiting a decision",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})

	EventsPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portcullis_events_published_total",
		Help: "Status events published by kind",
	}, []string{"kind"})

	Observers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "portcullis_observers",
		Help: "Connected status observers",
	})

	ObserversDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "portcullis_observers_dropped_total",
		Help: "Observers dropped for falling behind",
	})

	ProbeFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "portcullis_probe_failures_total",
		Help: "Failed game server probes",
	})
)

// Outcome labels for ConnectionsTotal.
const (
	OutcomeActive      = "active"
	OutcomeRejected    = "rejected"
	OutcomeRateLimited = "rate_limited"
	OutcomeTimeout     = "timeout"
	OutcomeDuplicate   = "duplicate"
	OutcomeDialFailed  = "dial_failed"
	OutcomeShutdown    = "shutdown"
)
