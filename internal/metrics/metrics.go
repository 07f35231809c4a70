// Package metrics holds the prometheus collectors of the gating service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StageEvents counts lifecycle events by type (start, end) and outcome
	// (applied, duplicate, unknown, wrapper).
	StageEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "changegate_stage_events_total",
		Help: "Stage lifecycle events received, by type and outcome",
	}, []string{"type", "outcome"})

	// ResultsForwarded counts distinct results forwarded to the change system.
	ResultsForwarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "changegate_results_forwarded_total",
		Help: "Distinct stage results forwarded, by kind",
	}, []string{"kind"})

	// GateVerdicts counts gate evaluations by unit kind and verdict.
	GateVerdicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "changegate_gate_verdicts_total",
		Help: "Gate evaluations, by unit kind and verdict",
	}, []string{"unit", "verdict"})

	// Callbacks counts inbound decision callbacks by HTTP status.
	Callbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "changegate_callbacks_total",
		Help: "Inbound decision callbacks, by response status",
	}, []string{"status"})

	// TimersFired counts polling scheduler timers by kind.
	TimersFired = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "changegate_timers_fired_total",
		Help: "Polling scheduler timers fired, by kind",
	}, []string{"kind"})

	// ActiveWaits is the number of stage waits currently suspended.
	ActiveWaits = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "changegate_active_waits",
		Help: "Stage waits currently suspended",
	})

	// ChangeSystemRequests observes change-system call latency by operation.
	ChangeSystemRequests = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "changegate_change_system_request_seconds",
		Help:    "Change system request latency, by operation and outcome",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
	}, []string{"operation", "outcome"})
)
