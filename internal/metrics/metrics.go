/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package metrics defines Prometheus metrics for the control plane.
//
// Metric naming follows Prometheus conventions:
//   - velocity_ prefix for all custom metrics
//   - _total suffix for counters
//   - _seconds suffix for duration histograms
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// TasksTotal counts task executions by agent kind and terminal outcome.
	TasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "velocity_tasks_total",
			Help: "Total task executions by agent kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	// TaskDurationSeconds is a histogram of task duration by agent kind.
	TaskDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "velocity_task_duration_seconds",
			Help:    "Duration of task executions in seconds.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"kind"},
	)

	// EvidenceTotal counts committed evidence by source kind and disposition
	// (inserted or duplicate).
	EvidenceTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "velocity_evidence_total",
			Help: "Total evidence submissions by source and disposition.",
		},
		[]string{"source", "disposition"},
	)

	// HeartbeatsTotal counts heartbeats received by agent kind.
	HeartbeatsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "velocity_heartbeats_total",
			Help: "Total agent heartbeats received.",
		},
		[]string{"kind"},
	)

	// BreakerState reports each circuit breaker's state (0 closed, 1 half
	// open, 2 open).
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "velocity_breaker_state",
			Help: "Circuit breaker state per kind/target (0 closed, 1 half-open, 2 open).",
		},
		[]string{"kind", "target"},
	)

	// RateLimitedTotal counts rejected actions by tenant and action.
	RateLimitedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "velocity_rate_limited_total",
			Help: "Total actions rejected by the rate limiter.",
		},
		[]string{"tenant", "action"},
	)

	// TrustRecomputesTotal counts trust score recomputations by tenant.
	TrustRecomputesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "velocity_trust_recomputes_total",
			Help: "Total trust score recomputations.",
		},
		[]string{"tenant"},
	)

	// FleetAgents is the number of agents per lifecycle status.
	FleetAgents = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "velocity_fleet_agents",
			Help: "Number of agents per lifecycle status.",
		},
		[]string{"status"},
	)

	// SchedulerFiredTotal counts scheduler job fires by task kind.
	SchedulerFiredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "velocity_scheduler_fired_total",
			Help: "Total scheduler job fires.",
		},
		[]string{"task_kind"},
	)
)

// Register adds every metric to the given registry. Call once at startup
// with the registry backing the /metrics endpoint.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		TasksTotal,
		TaskDurationSeconds,
		EvidenceTotal,
		HeartbeatsTotal,
		BreakerState,
		RateLimitedTotal,
		TrustRecomputesTotal,
		FleetAgents,
		SchedulerFiredTotal,
	)
}

// RecordTask records one task execution.
func RecordTask(kind, outcome string, duration time.Duration) {
	TasksTotal.WithLabelValues(kind, outcome).Inc()
	TaskDurationSeconds.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordEvidence records one pipeline submission.
func RecordEvidence(source string, duplicate bool) {
	disposition := "inserted"
	if duplicate {
		disposition = "duplicate"
	}
	EvidenceTotal.WithLabelValues(source, disposition).Inc()
}

// RecordHeartbeat records one agent heartbeat.
func RecordHeartbeat(kind string) {
	HeartbeatsTotal.WithLabelValues(kind).Inc()
}

// RecordRateLimited records one rejected action.
func RecordRateLimited(tenant, action string) {
	RateLimitedTotal.WithLabelValues(tenant, action).Inc()
}

// RecordTrustRecompute records one trust score recomputation.
func RecordTrustRecompute(tenant string) {
	TrustRecomputesTotal.WithLabelValues(tenant).Inc()
}

// SetFleetGauge replaces the fleet status gauge from a summary snapshot.
func SetFleetGauge(summary map[string]int) {
	FleetAgents.Reset()
	for status, n := range summary {
		FleetAgents.WithLabelValues(status).Set(float64(n))
	}
}
