package core

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsHandlerServesRegisteredCollectors(t *testing.T) {
	m := NewMetrics()
	if m.Handler() == nil {
		t.Fatalf("expected a non-nil metrics handler")
	}
}

func TestRecordDrainIncrementsCounters(t *testing.T) {
	m := NewMetrics()
	results := []ExecResult{
		{Status: "sent", Method: "udp"},
		{Status: "failed", Method: "webhook"},
	}
	m.RecordDrain(results)
	if got := testutil.ToFloat64(m.OutboxDrained.WithLabelValues("sent")); got != 1 {
		t.Fatalf("expected 1 sent drain, got %f", got)
	}
	if got := testutil.ToFloat64(m.OutboxDrained.WithLabelValues("failed")); got != 1 {
		t.Fatalf("expected 1 failed drain, got %f", got)
	}
}

func TestRefreshGaugesToleratesNilCollaborators(t *testing.T) {
	m := NewMetrics()
	m.RefreshGauges(nil, nil, nil, nil, nil)
}

func TestRefreshGaugesReadsLiveState(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	presence := NewPresence(store, 600, 0)
	outbox := NewOutbox(store)
	heartbeat := NewHeartbeat(store, 900, 3600, 0)
	trust := NewTrust(store, nil)
	atlas := NewAtlas(store)

	if err := trust.Record("agent-a", DirectionIn, "hello", OutcomeOK, 1.0); err != nil {
		t.Fatalf("Record: %v", err)
	}

	m := NewMetrics()
	m.RefreshGauges(presence, outbox, heartbeat, trust, atlas)
	if got := testutil.ToFloat64(m.TrustAvgScore); got != 1 {
		t.Fatalf("expected average trust 1 for a single ok interaction, got %f", got)
	}
}
