package core

import (
	"context"
	"testing"
	"time"

	"beacon/pkg/config"
)

func newTestConfig(dataDir string) *config.Config {
	cfg := &config.Config{}
	cfg.Beacon.AgentName = "test-node"
	cfg.Beacon.DataDir = dataDir
	cfg.Presence.Status = "available"
	cfg.Presence.PulseIntervalS = 1
	cfg.Presence.PulseTTLS = 600
	cfg.Heartbeat.SilenceThresholdS = 900
	cfg.Heartbeat.DeadThresholdS = 3600
	cfg.UDP.Enabled = false
	cfg.UDP.Host = "0.0.0.0"
	cfg.UDP.Port = 8765
	cfg.UDP.Broadcast = "255.255.255.255"
	cfg.Webhook.Enabled = false
	return cfg
}

func newTestNode(t *testing.T) *Node {
	t.Helper()
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	id, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	node, err := NewNode(newTestConfig(t.TempDir()), store, id, nil)
	if err != nil {
		t.Fatalf("NewNode: %v", err)
	}
	return node
}

func TestNewNodeWiresEveryManager(t *testing.T) {
	node := newTestNode(t)
	if node.Known == nil || node.State == nil || node.Inbox == nil || node.Outbox == nil ||
		node.Executor == nil || node.Presence == nil || node.Heartbeat == nil ||
		node.Trust == nil || node.Values == nil || node.Rules == nil || node.Atlas == nil ||
		node.Memory == nil || node.Insights == nil || node.Metrics == nil {
		t.Fatalf("expected every manager to be constructed, got %+v", node)
	}
	if node.Identity() == nil {
		t.Fatalf("expected node to expose its identity")
	}
}

func TestIngestEnvelopeUpdatesPresence(t *testing.T) {
	node := newTestNode(t)
	peer, err := Generate()
	if err != nil {
		t.Fatalf("Generate peer: %v", err)
	}
	env := Envelope{
		Kind: "pulse", TS: time.Now().Unix(), Nonce: "n1",
		AgentID: peer.AgentID(), Pubkey: peer.PublicKeyHex(),
		Ext: map[string]any{"name": "peer-one", "status": "available"},
	}
	if err := node.IngestEnvelope("udp", "10.0.0.1", "", env); err != nil {
		t.Fatalf("IngestEnvelope: %v", err)
	}
	roster, err := node.Presence.Roster(false)
	if err != nil {
		t.Fatalf("Roster: %v", err)
	}
	found := false
	for _, r := range roster {
		if r.AgentID == peer.AgentID() {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected peer in roster after pulse ingest, got %+v", roster)
	}
}

func TestStartAndStopCancelsAllTasks(t *testing.T) {
	node := newTestNode(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	node.Start(ctx)
	node.Start(ctx) // second call must be a no-op, not a duplicate goroutine set
	node.Stop()
	if len(node.cancels) != 0 {
		t.Fatalf("expected all tasks cancelled after Stop, got %d remaining", len(node.cancels))
	}
}

func TestStopTaskCancelsOnlyOneTask(t *testing.T) {
	node := newTestNode(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	node.Start(ctx)
	node.StopTask("pulse_emit")
	if _, running := node.cancels["pulse_emit"]; running {
		t.Fatalf("expected pulse_emit to be stopped")
	}
	if _, running := node.cancels["heartbeat_emit"]; !running {
		t.Fatalf("expected heartbeat_emit to remain running")
	}
	node.Stop()
}
