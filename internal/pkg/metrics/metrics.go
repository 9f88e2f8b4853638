// Package metrics provides Prometheus metrics for the attendance agent
// (session lifecycle + sync + scheduler health). Scrapeable at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "attendance"

var (
	// SessionsStartedTotal counts session starts.
	SessionsStartedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Total number of sessions started.",
		},
	)

	// SessionsEndedTotal counts session ends by reason.
	SessionsEndedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_ended_total",
			Help:      "Total number of sessions ended, by end reason.",
		},
		[]string{"reason"},
	)

	// ValidationChecksTotal counts dual-factor validation outcomes.
	ValidationChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validation_checks_total",
			Help:      "Dual-factor validation outcomes by result (eligible, ip_only, location_only, neither).",
		},
		[]string{"result"},
	)

	// SyncSessionsTotal counts background-sync submissions by outcome.
	SyncSessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_sessions_total",
			Help:      "Background-sync submissions by outcome (synced, failed, deduped, overlap_dropped, auth_skipped).",
		},
		[]string{"outcome"},
	)

	// PendingQueueSize is the current number of sessions awaiting sync.
	PendingQueueSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_queue_size",
			Help:      "Number of ended sessions awaiting remote acknowledgment.",
		},
	)

	// SessionActive is 1 while a session is active, 0 otherwise.
	SessionActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_active",
			Help:      "Whether a session is currently active.",
		},
	)

	// LockTimeoutsTotal counts named-operation lock acquisition failures.
	LockTimeoutsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_timeouts_total",
			Help:      "Named-operation lock acquisitions that failed busy, by operation.",
		},
		[]string{"operation"},
	)

	// TickDurationSeconds is the background tick latency histogram.
	TickDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_duration_seconds",
			Help:      "Background scheduler tick duration in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2.5, 10), // 10ms to ~95s
		},
	)
)
