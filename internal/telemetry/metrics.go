// Package telemetry exposes the Prometheus collectors the match lifecycle
// engine's loops update as they run.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds the engine's Prometheus collectors, kept separate from
// the global default registry so tests can construct an isolated instance.
var Registry = prometheus.NewRegistry()

var (
	MatchesScheduled = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "matchengine",
		Subsystem: "scheduler",
		Name:      "matches_scheduled_total",
		Help:      "Total matches created by the scheduler loop.",
	})

	MatchesResolved = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "matchengine",
		Subsystem: "runner",
		Name:      "matches_resolved_total",
		Help:      "Total matches that reached a terminal state, by outcome.",
	}, []string{"outcome"})

	MatchCancelReasons = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "matchengine",
		Subsystem: "runner",
		Name:      "match_cancels_total",
		Help:      "Total match cancellations, by reason tag.",
	}, []string{"reason"})

	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "matchengine",
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Current depth of an emulation queue tier.",
	}, []string{"tier"})

	PromotedJobs = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "matchengine",
		Subsystem: "queue",
		Name:      "promoted_total",
		Help:      "Total deferred jobs promoted to an active queue.",
	})

	WorkerPoolActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "matchengine",
		Subsystem: "workerpool",
		Name:      "active_children",
		Help:      "Current number of running emulation child processes.",
	})

	BetsReconciled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "matchengine",
		Subsystem: "reconciler",
		Name:      "bets_reconciled_total",
		Help:      "Total bet rows transitioned by the reconciler, by new status.",
	}, []string{"status"})

	WatchdogKills = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "matchengine",
		Subsystem: "watchdog",
		Name:      "kills_total",
		Help:      "Total matches cancelled by the heartbeat watchdog, by reason.",
	}, []string{"reason"})

	LedgerCallDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "matchengine",
		Subsystem: "ledger",
		Name:      "call_duration_seconds",
		Help:      "Duration of ledger adapter calls.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"method", "outcome"})

	EventListenerLag = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "matchengine",
		Subsystem: "eventlistener",
		Name:      "block_lag",
		Help:      "Blocks between the ledger head and the last processed cursor.",
	})

	UploadsDrained = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "matchengine",
		Subsystem: "uploadretry",
		Name:      "drained_total",
		Help:      "Total failed_uploads rows the drain job moved out of retrying, by outcome.",
	}, []string{"outcome"})
)

func init() {
	Registry.MustRegister(
		MatchesScheduled,
		MatchesResolved,
		MatchCancelReasons,
		QueueDepth,
		PromotedJobs,
		WorkerPoolActive,
		BetsReconciled,
		WatchdogKills,
		LedgerCallDuration,
		EventListenerLag,
		UploadsDrained,
	)
}

// Handler returns the HTTP handler serving this registry's metrics in the
// Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
