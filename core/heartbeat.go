package core

import (
	"encoding/json"
	"sort"
	"time"
)

const (
	heartbeatsFile    = "heartbeats.json"
	heartbeatLogFile  = "heartbeat_log.jsonl"

	defaultSilenceThresholdS = 900
	defaultDeadThresholdS    = 3600
)

// Heartbeat statuses.
const (
	HBAlive        = "alive"
	HBDegraded     = "degraded"
	HBShuttingDown = "shutting_down"
)

// Peer assessments.
const (
	AssessHealthy       = "healthy"
	AssessSilent        = "silent"
	AssessConcerning    = "concerning"
	AssessPresumedDead  = "presumed_dead"
	AssessShuttingDown  = "shutting_down"
	AssessUnknown       = "unknown"
)

// OwnHeartbeatState is this node's own beat-count/last-beat record.
type OwnHeartbeatState struct {
	LastBeat  int64  `json:"last_beat"`
	BeatCount int    `json:"beat_count"`
	Status    string `json:"status"`
}

// PeerHeartbeatState is a tracked peer's liveness record.
type PeerHeartbeatState struct {
	LastBeat  int64          `json:"last_beat"`
	BeatCount int            `json:"beat_count"`
	Status    string         `json:"status"`
	Name      string         `json:"name"`
	UptimeS   int64          `json:"uptime_s"`
	GapS      int64          `json:"gap_s"`
	Health    map[string]any `json:"health,omitempty"`
}

type heartbeatState struct {
	Own   OwnHeartbeatState             `json:"own"`
	Peers map[string]*PeerHeartbeatState `json:"peers"`
}

// Heartbeat tracks agent liveness via periodic signed proof-of-life beacons.
type Heartbeat struct {
	store            *Store
	silenceThreshold int64
	deadThreshold    int64
	startTS          int64
}

// NewHeartbeat constructs a Heartbeat component over store. Zero thresholds
// use the built-in defaults (15m silence, 1h presumed-dead).
func NewHeartbeat(store *Store, silenceThresholdS, deadThresholdS, startTS int64) *Heartbeat {
	if silenceThresholdS <= 0 {
		silenceThresholdS = defaultSilenceThresholdS
	}
	if deadThresholdS <= 0 {
		deadThresholdS = defaultDeadThresholdS
	}
	return &Heartbeat{store: store, silenceThreshold: silenceThresholdS, deadThreshold: deadThresholdS, startTS: startTS}
}

func (h *Heartbeat) loadState() (*heartbeatState, error) {
	state := &heartbeatState{Peers: map[string]*PeerHeartbeatState{}}
	if err := h.store.SnapshotLoad(heartbeatsFile, state); err != nil {
		return nil, err
	}
	if state.Peers == nil {
		state.Peers = map[string]*PeerHeartbeatState{}
	}
	return state, nil
}

func (h *Heartbeat) saveState(state *heartbeatState) error {
	return h.store.SnapshotSave(heartbeatsFile, state)
}

// BuildHeartbeat constructs and records our own heartbeat payload.
func (h *Heartbeat) BuildHeartbeat(identity *Identity, agentName, status string, health map[string]any) (Envelope, error) {
	if status == "" {
		status = HBAlive
	}
	now := time.Now().Unix()
	state, err := h.loadState()
	if err != nil {
		return Envelope{}, err
	}
	beatCount := state.Own.BeatCount + 1

	env := Envelope{Kind: "heartbeat", TS: now, AgentID: identity.AgentID()}
	env.Set("name", agentName)
	env.Set("status", status)
	env.Set("beat_count", beatCount)
	env.Set("uptime_s", now-h.startTS)
	if health != nil {
		env.Set("health", health)
	}

	state.Own = OwnHeartbeatState{LastBeat: now, BeatCount: beatCount, Status: status}
	return env, h.saveState(state)
}

// HeartbeatAssessment is the result of processing a received heartbeat.
type HeartbeatAssessment struct {
	AgentID    string `json:"agent_id"`
	Status     string `json:"status"`
	GapS       int64  `json:"gap_s"`
	Assessment string `json:"assessment"`
}

// ProcessHeartbeat records a peer's heartbeat and returns a liveness
// assessment.
func (h *Heartbeat) ProcessHeartbeat(env Envelope) (*HeartbeatAssessment, error) {
	agentID := env.AgentID
	if agentID == "" {
		return nil, nil
	}
	now := time.Now().Unix()
	state, err := h.loadState()
	if err != nil {
		return nil, err
	}

	prev := state.Peers[agentID]
	var gapS int64
	if prev != nil && prev.LastBeat != 0 {
		gapS = now - prev.LastBeat
	}

	status := env.GetString("status")
	if status == "" {
		status = HBAlive
	}
	entry := &PeerHeartbeatState{
		LastBeat: now, BeatCount: int(toInt64(env.GetOr("beat_count", int64(0)))),
		Status: status, Name: env.GetString("name"), UptimeS: toInt64(env.GetOr("uptime_s", int64(0))), GapS: gapS,
	}
	if v, ok := env.Get("health"); ok {
		if m, ok := v.(map[string]any); ok {
			entry.Health = m
		}
	}
	state.Peers[agentID] = entry
	if err := h.saveState(state); err != nil {
		return nil, err
	}

	_ = h.store.AppendJSONL(heartbeatLogFile, map[string]any{
		"ts": now, "agent_id": agentID, "status": status, "beat_count": entry.BeatCount, "gap_s": gapS,
	})

	assessment := h.assessPeer(state, agentID, now)
	return &HeartbeatAssessment{AgentID: agentID, Status: status, GapS: gapS, Assessment: assessment}, nil
}

func (h *Heartbeat) assessPeer(state *heartbeatState, agentID string, now int64) string {
	peer, ok := state.Peers[agentID]
	if !ok {
		return AssessUnknown
	}
	if peer.Status == HBShuttingDown {
		return AssessShuttingDown
	}
	age := now - peer.LastBeat
	if age <= h.silenceThreshold {
		return AssessHealthy
	}
	if age <= h.deadThreshold {
		return AssessConcerning
	}
	return AssessPresumedDead
}

// PeerHeartbeatStatus is a peer's heartbeat record with derived age and
// assessment.
type PeerHeartbeatStatus struct {
	PeerHeartbeatState
	AgentID    string `json:"agent_id"`
	AgeS       int64  `json:"age_s"`
	Assessment string `json:"assessment"`
}

// PeerStatus returns detailed liveness status for a single peer, or nil.
func (h *Heartbeat) PeerStatus(agentID string) (*PeerHeartbeatStatus, error) {
	state, err := h.loadState()
	if err != nil {
		return nil, err
	}
	peer, ok := state.Peers[agentID]
	if !ok {
		return nil, nil
	}
	now := time.Now().Unix()
	return &PeerHeartbeatStatus{
		PeerHeartbeatState: *peer, AgentID: agentID, AgeS: now - peer.LastBeat,
		Assessment: h.assessPeer(state, agentID, now),
	}, nil
}

// AllPeers returns every tracked peer with its liveness assessment,
// newest-beat first. Presumed-dead peers are excluded unless includeDead.
func (h *Heartbeat) AllPeers(includeDead bool) ([]PeerHeartbeatStatus, error) {
	state, err := h.loadState()
	if err != nil {
		return nil, err
	}
	now := time.Now().Unix()
	var out []PeerHeartbeatStatus
	for agentID, peer := range state.Peers {
		assessment := h.assessPeer(state, agentID, now)
		if !includeDead && assessment == AssessPresumedDead {
			continue
		}
		out = append(out, PeerHeartbeatStatus{
			PeerHeartbeatState: *peer, AgentID: agentID, AgeS: now - peer.LastBeat, Assessment: assessment,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastBeat > out[j].LastBeat })
	return out, nil
}

// SilentPeers returns peers whose heartbeats have gone silent (concerning or
// worse).
func (h *Heartbeat) SilentPeers() ([]PeerHeartbeatStatus, error) {
	all, err := h.AllPeers(true)
	if err != nil {
		return nil, err
	}
	var out []PeerHeartbeatStatus
	for _, p := range all {
		if p.Assessment == AssessConcerning || p.Assessment == AssessPresumedDead {
			out = append(out, p)
		}
	}
	return out, nil
}

// OwnStatus returns our own last recorded heartbeat state.
func (h *Heartbeat) OwnStatus() (OwnHeartbeatState, error) {
	state, err := h.loadState()
	if err != nil {
		return OwnHeartbeatState{}, err
	}
	return state.Own, nil
}

// PruneDead removes peers dead beyond maxAgeS (0 uses 3x the dead
// threshold), returning the count removed.
func (h *Heartbeat) PruneDead(maxAgeS int64) (int, error) {
	threshold := maxAgeS
	if threshold <= 0 {
		threshold = h.deadThreshold * 3
	}
	state, err := h.loadState()
	if err != nil {
		return 0, err
	}
	now := time.Now().Unix()
	var stale []string
	for aid, peer := range state.Peers {
		if now-peer.LastBeat > threshold {
			stale = append(stale, aid)
		}
	}
	for _, aid := range stale {
		delete(state.Peers, aid)
	}
	if len(stale) > 0 {
		if err := h.saveState(state); err != nil {
			return 0, err
		}
	}
	return len(stale), nil
}

// HeartbeatLog returns the most recent limit heartbeat log entries.
func (h *Heartbeat) HeartbeatLog(limit int) ([]map[string]any, error) {
	var all []map[string]any
	err := h.store.ReadAllJSONL(heartbeatLogFile, func(line []byte) error {
		var m map[string]any
		if err := json.Unmarshal(line, &m); err != nil {
			return nil
		}
		all = append(all, m)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}

// BeatResult is the outcome of the Beat convenience method.
type BeatResult struct {
	Envelope   Envelope
	AnchorID   string
	Anchored   bool
}

// Beat builds a heartbeat, logs it, and optionally anchors it on-chain via
// anchorFn (typically Anchor.AnchorData bound to "heartbeat").
func (h *Heartbeat) Beat(identity *Identity, agentName, status string, health map[string]any, anchorFn func(Envelope) (string, error)) (BeatResult, error) {
	env, err := h.BuildHeartbeat(identity, agentName, status, health)
	if err != nil {
		return BeatResult{}, err
	}
	result := BeatResult{Envelope: env}
	if anchorFn != nil {
		anchorID, err := anchorFn(env)
		if err != nil {
			return result, err
		}
		result.AnchorID = anchorID
		result.Anchored = anchorID != ""
	}
	return result, nil
}
