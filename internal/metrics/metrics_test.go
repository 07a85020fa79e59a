package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterAndRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	Register(reg)

	RecordTask("AWS", "completed", 2*time.Second)
	RecordTask("AWS", "failed", time.Second)
	RecordEvidence("AWS", false)
	RecordEvidence("AWS", true)
	RecordHeartbeat("AWS")
	RecordRateLimited("t-1", "probe.AWS")
	RecordTrustRecompute("t-1")

	if got := testutil.ToFloat64(TasksTotal.WithLabelValues("AWS", "completed")); got != 1 {
		t.Errorf("tasks completed: %v", got)
	}
	if got := testutil.ToFloat64(EvidenceTotal.WithLabelValues("AWS", "duplicate")); got != 1 {
		t.Errorf("duplicate evidence: %v", got)
	}
	if got := testutil.ToFloat64(RateLimitedTotal.WithLabelValues("t-1", "probe.AWS")); got != 1 {
		t.Errorf("rate limited: %v", got)
	}
}

func TestSetFleetGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(FleetAgents)

	SetFleetGauge(map[string]int{"RUNNING": 3, "ERROR": 1})
	if got := testutil.ToFloat64(FleetAgents.WithLabelValues("RUNNING")); got != 3 {
		t.Errorf("running gauge: %v", got)
	}

	// A fresh snapshot replaces stale statuses.
	SetFleetGauge(map[string]int{"RUNNING": 2})
	if got := testutil.ToFloat64(FleetAgents.WithLabelValues("ERROR")); got != 0 {
		t.Errorf("stale status should reset: %v", got)
	}
}
