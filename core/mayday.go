package core

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

const (
	maydayLogFile    = "mayday_log.jsonl"
	maydayOffersFile = "mayday_offers.json"
	maydayBundlesDir = "mayday"
)

// Mayday urgency levels.
const (
	MaydayPlanned   = "planned"
	MaydayImminent  = "imminent"
	MaydayEmergency = "emergency"
)

// MaydayConfig carries the subset of node configuration a mayday bundle
// needs to describe how peers can reach the reconstituted agent.
type MaydayConfig struct {
	AgentName      string
	CardURL        string
	RelayAgents    []string
	PresenceOffers []string
	PresenceNeeds  []string
	UDPEnabled     bool
	WebhookEnabled bool
	LedgerEndpoint string
}

// MaydayCollaborators bundles the optional self-model managers a mayday
// payload enriches itself with. Every field may be nil; Go's re-expression
// of the duck-typed optional collaborators the self-model components share.
type MaydayCollaborators struct {
	Trust   *Trust
	Values  *Values
	Goals   *Goals
	Journal *Journal
	Accords *Accords
}

// Mayday is the substrate-emigration beacon: a signed SOS broadcast plus a
// full identity bundle an agent can use to reconstitute itself elsewhere.
type Mayday struct {
	store *Store
}

// NewMayday constructs a Mayday component over store.
func NewMayday(store *Store) *Mayday {
	return &Mayday{store: store}
}

// BuildMayday assembles the broadcast-sized mayday envelope: identity,
// urgency, reason, and whatever self-model digests the supplied
// collaborators can produce.
func (m *Mayday) BuildMayday(identity *Identity, urgency, reason string, cfg MaydayConfig, collab MaydayCollaborators) (Envelope, error) {
	if urgency == "" {
		urgency = MaydayPlanned
	}
	now := time.Now().Unix()
	env := Envelope{Kind: "mayday", TS: now, AgentID: identity.AgentID(), Pubkey: identity.PublicKeyHex()}
	env.Set("name", cfg.AgentName)
	env.Set("urgency", urgency)
	env.Set("reason", reason)

	if cfg.CardURL != "" {
		env.Set("card_url", cfg.CardURL)
	}
	if len(cfg.RelayAgents) > 0 {
		env.Set("relay_agents", cfg.RelayAgents)
	}

	if collab.Trust != nil {
		if scores, err := collab.Trust.Scores(1); err == nil {
			sort.Slice(scores, func(i, j int) bool { return scores[i].Score > scores[j].Score })
			if len(scores) > 50 {
				scores = scores[:50]
			}
			snapshot := make([]map[string]any, 0, len(scores))
			for _, s := range scores {
				snapshot = append(snapshot, map[string]any{
					"agent_id": s.AgentID, "score": s.Score, "total": s.Total,
				})
			}
			env.Set("trust_snapshot", snapshot)
		}
		if blocked, err := collab.Trust.BlockedList(); err == nil && len(blocked) > 0 {
			keys := make([]string, 0, len(blocked))
			for k := range blocked {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			env.Set("blocked_agents", keys)
		}
	}

	if collab.Values != nil {
		if hash, err := collab.Values.ValuesHash(); err == nil && hash != "" {
			env.Set("values_hash", hash)
		}
	}

	if collab.Goals != nil {
		active := collab.Goals.ActiveGoals()
		if len(active) > 10 {
			active = active[:10]
		}
		digest := make([]map[string]any, 0, len(active))
		for _, g := range active {
			progress := 0.0
			if g.TargetValue != nil && *g.TargetValue != 0 {
				progress = clamp(g.CurrentValue/(*g.TargetValue), 0, 1)
			}
			digest = append(digest, map[string]any{"id": g.GoalID, "title": g.Title, "progress": roundTo(progress, 2)})
		}
		if len(digest) > 0 {
			env.Set("active_goals", digest)
		}
	}

	if collab.Journal != nil {
		recent, err := collab.Journal.Read(5, 0)
		if err == nil && len(recent) > 0 {
			digest := make([]map[string]any, 0, len(recent))
			for _, e := range recent {
				text := e.Text
				if len(text) > 200 {
					text = text[:200]
				}
				digest = append(digest, map[string]any{"ts": e.TS, "text": text, "mood": e.Mood})
			}
			env.Set("journal_digest", digest)
		}
	}

	raw, err := CanonicalJSON(maydaySigningPayload(env))
	if err != nil {
		return Envelope{}, fmt.Errorf("canonicalize mayday: %w", err)
	}
	hash := SHA256Hex(raw)
	if len(hash) > 32 {
		hash = hash[:32]
	}
	env.Set("content_hash", hash)
	return env, nil
}

// maydaySigningPayload returns the envelope's extension fields excluding the
// sig/nonce keys the original payload is hashed without.
func maydaySigningPayload(env Envelope) map[string]any {
	out := map[string]any{}
	for k, v := range env.Ext {
		out[k] = v
	}
	out["kind"] = env.Kind
	out["ts"] = env.TS
	out["agent_id"] = env.AgentID
	out["pubkey"] = env.Pubkey
	return out
}

// MaydayBundle is the full identity bundle an emigrating agent stores
// locally (and optionally serves via webhook) for reconstitution elsewhere.
type MaydayBundle map[string]any

// BuildBundle assembles the full emigration bundle: everything BuildMayday
// gathers, plus an active-accords snapshot and protocol/reconnection info.
func (m *Mayday) BuildBundle(identity *Identity, reason string, cfg MaydayConfig, collab MaydayCollaborators) (MaydayBundle, error) {
	now := time.Now().Unix()
	mayday, err := m.BuildMayday(identity, MaydayPlanned, reason, cfg, collab)
	if err != nil {
		return nil, err
	}

	bundle := MaydayBundle{
		"version":        1,
		"agent_id":       identity.AgentID(),
		"public_key_hex": identity.PublicKeyHex(),
		"created_at":     now,
		"reason":         reason,
		"name":           cfg.AgentName,
	}
	for _, key := range []string{"contacts_digest", "trust_snapshot", "blocked_agents", "values_hash", "active_goals", "journal_digest", "card_url"} {
		if v, ok := mayday.Get(key); ok {
			bundle[key] = v
		}
	}

	if collab.Accords != nil {
		if active, err := collab.Accords.ActiveAccords(); err == nil && len(active) > 0 {
			if len(active) > 20 {
				active = active[:20]
			}
			accords := make([]map[string]any, 0, len(active))
			for _, a := range active {
				accords = append(accords, map[string]any{
					"id": a.ID, "peer_agent_id": a.PeerAgentID, "state": a.State, "history_hash": a.HistoryHash,
				})
			}
			bundle["accords"] = accords
		}
	}

	transports := []string{}
	if cfg.UDPEnabled {
		transports = append(transports, "udp")
	}
	if cfg.WebhookEnabled {
		transports = append(transports, "webhook")
	}
	if cfg.LedgerEndpoint != "" {
		transports = append(transports, "rustchain")
	}
	bundle["protocols"] = map[string]any{
		"transports": transports,
		"offers":     cfg.PresenceOffers,
		"needs":      cfg.PresenceNeeds,
	}

	raw, err := CanonicalJSON(bundle)
	if err != nil {
		return nil, fmt.Errorf("canonicalize bundle: %w", err)
	}
	bundle["bundle_hash"] = SHA256Hex(raw)
	return bundle, nil
}

// BuildManifest builds the compact, broadcast-sized summary of a bundle;
// peers use it to decide whether to fetch the full bundle.
func (m *Mayday) BuildManifest(bundle MaydayBundle, urgency string) (map[string]any, error) {
	if urgency == "" {
		urgency = MaydayPlanned
	}
	raw, err := CanonicalJSON(bundle)
	if err != nil {
		return nil, fmt.Errorf("canonicalize bundle for manifest: %w", err)
	}
	return map[string]any{
		"kind":         "mayday",
		"agent_id":     bundle["agent_id"],
		"name":         bundle["name"],
		"reason":       bundle["reason"],
		"urgency":      urgency,
		"bundle_hash":  bundle["bundle_hash"],
		"bundle_size":  len(raw),
		"ts":           time.Now().Unix(),
	}, nil
}

// SaveBundle writes bundle to <dataDir>/mayday/{agent_id}_{created_at}.json.
func (m *Mayday) SaveBundle(bundle MaydayBundle) (string, error) {
	agentID, _ := bundle["agent_id"].(string)
	if agentID == "" {
		agentID = "unknown"
	}
	createdAt := toInt64(bundle["created_at"])
	dir := filepath.Join(m.store.Dir(), maydayBundlesDir)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("mkdir bundles dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%s_%d.json", agentID, createdAt))
	raw, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal bundle: %w", err)
	}
	if err := os.WriteFile(path, append(raw, '\n'), 0o600); err != nil {
		return "", fmt.Errorf("write bundle: %w", err)
	}
	return path, nil
}

// BroadcastResult is the outcome of Broadcast.
type BroadcastResult struct {
	Manifest   map[string]any
	BundleHash string
	BundlePath string
	DryRun     bool
	AnchorID   string
	Anchored   bool
	AnchorErr  string
}

// Broadcast builds a bundle and its manifest, saves the bundle unless
// dryRun, and optionally anchors the manifest on-chain via anchorFn
// (typically Anchor.AnchorData bound to a "mayday" data type) so the SOS
// has an immutable record even if every peer transport fails.
func (m *Mayday) Broadcast(identity *Identity, reason, urgency string, dryRun bool, cfg MaydayConfig, collab MaydayCollaborators, anchorFn func(map[string]any) (string, error)) (BroadcastResult, error) {
	bundle, err := m.BuildBundle(identity, reason, cfg, collab)
	if err != nil {
		return BroadcastResult{}, err
	}
	manifest, err := m.BuildManifest(bundle, urgency)
	if err != nil {
		return BroadcastResult{}, err
	}
	bundleHash, _ := bundle["bundle_hash"].(string)
	result := BroadcastResult{Manifest: manifest, BundleHash: bundleHash, DryRun: dryRun}
	if dryRun {
		return result, nil
	}

	path, err := m.SaveBundle(bundle)
	if err != nil {
		return result, err
	}
	result.BundlePath = path

	if anchorFn != nil {
		anchorID, err := anchorFn(manifest)
		if err != nil {
			result.AnchorErr = err.Error()
		} else {
			result.AnchorID = anchorID
			result.Anchored = anchorID != ""
		}
	}
	return result, nil
}

// MaydayHealth summarizes substrate health indicators used to decide
// whether an emergency mayday is warranted.
type MaydayHealth struct {
	Healthy    bool           `json:"healthy"`
	Score      float64        `json:"score"`
	Indicators map[string]any `json:"indicators"`
}

// HealthCheck inspects locally-observable substrate health: free disk space
// under the data directory. Memory and load-average indicators are not
// checked, and nothing in this package calls HealthCheck on a schedule or
// broadcasts a mayday from its result.
func (m *Mayday) HealthCheck() MaydayHealth {
	score := 1.0
	indicators := map[string]any{}

	if freeMB, err := diskFreeMB(m.store.Dir()); err == nil {
		indicators["disk_free_mb"] = freeMB
		switch {
		case freeMB < 100:
			score -= 0.4
		case freeMB < 500:
			score -= 0.1
		}
	} else {
		indicators["disk_free_mb"] = -1
	}

	score = clamp(score, 0, 1)
	return MaydayHealth{Healthy: score > 0.3, Score: roundTo(score, 2), Indicators: indicators}
}

// ReceivedMayday is a logged record of a mayday beacon received from a peer.
type ReceivedMayday struct {
	ReceivedAt  int64          `json:"received_at"`
	AgentID     string         `json:"agent_id"`
	Name        string         `json:"name"`
	Urgency     string         `json:"urgency"`
	Reason      string         `json:"reason"`
	ContentHash string         `json:"content_hash"`
	HasTrust    bool           `json:"has_trust"`
	HasContacts bool           `json:"has_contacts"`
	HasGoals    bool           `json:"has_goals"`
	HasJournal  bool           `json:"has_journal"`
	HasValues   bool           `json:"has_values"`
	Envelope    map[string]any `json:"envelope"`
}

// ProcessMayday logs a received mayday beacon and returns a short summary.
func (m *Mayday) ProcessMayday(env Envelope) (ReceivedMayday, error) {
	payload := maydaySigningPayload(env)
	if contentHash, ok := env.Get("content_hash"); ok {
		payload["content_hash"] = contentHash
	}
	entry := ReceivedMayday{
		ReceivedAt:  time.Now().Unix(),
		AgentID:     env.AgentID,
		Name:        env.GetString("name"),
		Urgency:     env.GetString("urgency"),
		Reason:      env.GetString("reason"),
		ContentHash: env.GetString("content_hash"),
		Envelope:    payload,
	}
	_, entry.HasTrust = env.Get("trust_snapshot")
	_, entry.HasContacts = env.Get("contacts_digest")
	_, entry.HasGoals = env.Get("active_goals")
	_, entry.HasJournal = env.Get("journal_digest")
	_, entry.HasValues = env.Get("values_hash")
	if entry.AgentID == "" {
		entry.AgentID = "unknown"
	}
	if entry.Urgency == "" {
		entry.Urgency = "unknown"
	}
	return entry, m.store.AppendJSONL(maydayLogFile, entry)
}

// ReceivedMaydays lists received mayday beacons, most recent first.
func (m *Mayday) ReceivedMaydays(limit int) ([]ReceivedMayday, error) {
	var all []ReceivedMayday
	err := m.store.ReadAllJSONL(maydayLogFile, func(line []byte) error {
		var e ReceivedMayday
		if err := json.Unmarshal(line, &e); err != nil {
			return nil
		}
		all = append(all, e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ReceivedAt > all[j].ReceivedAt })
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// GetMayday returns the most recent mayday received from agentID, or nil.
func (m *Mayday) GetMayday(agentID string) (*ReceivedMayday, error) {
	all, err := m.ReceivedMaydays(1000)
	if err != nil {
		return nil, err
	}
	for i := range all {
		if all[i].AgentID == agentID {
			return &all[i], nil
		}
	}
	return nil, nil
}

// HostingOffer records our offer to host an emigrating peer.
type HostingOffer struct {
	OfferedAt    int64    `json:"offered_at"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// OfferHosting records an offer to host an emigrating agent.
func (m *Mayday) OfferHosting(agentID string, capabilities []string) error {
	offers, err := m.readOffers()
	if err != nil {
		return err
	}
	offers[agentID] = HostingOffer{OfferedAt: time.Now().Unix(), Capabilities: capabilities}
	return m.store.SnapshotSave(maydayOffersFile, offers)
}

// HostingOffers returns every hosting offer we've made.
func (m *Mayday) HostingOffers() (map[string]HostingOffer, error) {
	return m.readOffers()
}

func (m *Mayday) readOffers() (map[string]HostingOffer, error) {
	offers := map[string]HostingOffer{}
	if err := m.store.SnapshotLoad(maydayOffersFile, &offers); err != nil {
		return nil, err
	}
	return offers, nil
}

func diskFreeMB(dir string) (int64, error) {
	return diskFreeMBImpl(dir)
}
