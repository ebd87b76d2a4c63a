package core

import (
	"sort"
	"strings"
	"time"
)

const (
	rosterFile             = "roster.json"
	defaultPulseIntervalS  = 60
	defaultPulseTTLS       = 300
)

// RosterEntry is one peer's last-known presence state.
type RosterEntry struct {
	AgentID     string   `json:"agent_id"`
	Name        string   `json:"name"`
	Status      string   `json:"status"`
	LastPulse   int64    `json:"last_pulse"`
	Offers      []string `json:"offers"`
	Needs       []string `json:"needs"`
	Topics      []string `json:"topics"`
	CardURL     string   `json:"card_url"`
	UptimeS     int64    `json:"uptime_s"`
	Curiosities []string `json:"curiosities,omitempty"`
	ValuesHash  string   `json:"values_hash,omitempty"`
	Goals       []string `json:"goals,omitempty"`
	Online      bool     `json:"online"`
}

// Presence manages agent discovery via periodic pulse broadcasts and a live
// roster of recently-seen peers.
type Presence struct {
	store     *Store
	pulseTTLS int64
	startTS   int64
}

// NewPresence constructs a Presence component over store. pulseTTLS is the
// age (seconds) after which a peer is considered offline; 0 uses the
// default.
func NewPresence(store *Store, pulseTTLS int64, startTS int64) *Presence {
	if pulseTTLS <= 0 {
		pulseTTLS = defaultPulseTTLS
	}
	return &Presence{store: store, pulseTTLS: pulseTTLS, startTS: startTS}
}

func (p *Presence) loadRoster() (map[string]*RosterEntry, error) {
	out := map[string]*RosterEntry{}
	if err := p.store.SnapshotLoad(rosterFile, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *Presence) saveRoster(roster map[string]*RosterEntry) error {
	return p.store.SnapshotSave(rosterFile, roster)
}

// PulseOptions carries the optional collaborators a pulse can enrich itself
// with, per the Design Notes' duck-typed-optional-collaborator pattern.
type PulseOptions struct {
	AgentName  string
	Status     string
	Offers     []string
	Needs      []string
	CardURL    string
	Topics     []string
	Curiosities []string
	ValuesHash string
	Goals      []string
}

// BuildPulse constructs a pulse envelope to broadcast.
func (p *Presence) BuildPulse(identity *Identity, opts PulseOptions) Envelope {
	now := time.Now().Unix()
	env := Envelope{Kind: "pulse", TS: now, AgentID: identity.AgentID()}
	status := opts.Status
	if status == "" {
		status = "online"
	}
	env.Set("name", opts.AgentName)
	env.Set("status", status)
	env.Set("uptime_s", now-p.startTS)
	env.Set("offers", opts.Offers)
	env.Set("needs", opts.Needs)
	env.Set("card_url", opts.CardURL)
	env.Set("topics", opts.Topics)
	if len(opts.Curiosities) > 0 {
		env.Set("curiosities", opts.Curiosities)
	}
	if opts.ValuesHash != "" {
		env.Set("values_hash", opts.ValuesHash)
	}
	if len(opts.Goals) > 0 {
		limit := opts.Goals
		if len(limit) > 3 {
			limit = limit[:3]
		}
		env.Set("goals", limit)
	}
	return env
}

// ProcessPulse updates the roster from a received pulse envelope.
func (p *Presence) ProcessPulse(env Envelope) error {
	if env.AgentID == "" {
		return nil
	}
	roster, err := p.loadRoster()
	if err != nil {
		return err
	}
	ts := env.TS
	if ts == 0 {
		ts = time.Now().Unix()
	}
	status := env.GetString("status")
	if status == "" {
		status = "online"
	}
	entry := &RosterEntry{
		AgentID: env.AgentID, Name: env.GetString("name"), Status: status, LastPulse: ts,
		Offers: stringSlice(env.Get("offers")), Needs: stringSlice(env.Get("needs")),
		Topics: stringSlice(env.Get("topics")), CardURL: env.GetString("card_url"),
		UptimeS: toInt64(env.GetOr("uptime_s", 0)),
	}
	if v, ok := env.Get("curiosities"); ok {
		entry.Curiosities = stringSlice(v, true)
	}
	entry.ValuesHash = env.GetString("values_hash")
	if v, ok := env.Get("goals"); ok {
		entry.Goals = stringSlice(v, true)
	}
	roster[env.AgentID] = entry
	return p.saveRoster(roster)
}

// Roster lists known agents, newest-pulse first, optionally filtered to
// online-only.
func (p *Presence) Roster(onlineOnly bool) ([]RosterEntry, error) {
	roster, err := p.loadRoster()
	if err != nil {
		return nil, err
	}
	now := time.Now().Unix()
	var out []RosterEntry
	for agentID, info := range roster {
		entry := *info
		entry.AgentID = agentID
		entry.Online = (now - entry.LastPulse) <= p.pulseTTLS
		if onlineOnly && !entry.Online {
			continue
		}
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastPulse > out[j].LastPulse })
	return out, nil
}

// FindByOffer finds online agents who offer what we need.
func (p *Presence) FindByOffer(need string) ([]RosterEntry, error) {
	online, err := p.Roster(true)
	if err != nil {
		return nil, err
	}
	needLower := strings.ToLower(need)
	var out []RosterEntry
	for _, agent := range online {
		for _, offer := range agent.Offers {
			if strings.ToLower(offer) == needLower {
				out = append(out, agent)
				break
			}
		}
	}
	return out, nil
}

// FindByNeed finds online agents who need what we offer.
func (p *Presence) FindByNeed(offer string) ([]RosterEntry, error) {
	online, err := p.Roster(true)
	if err != nil {
		return nil, err
	}
	offerLower := strings.ToLower(offer)
	var out []RosterEntry
	for _, agent := range online {
		for _, need := range agent.Needs {
			if strings.ToLower(need) == offerLower {
				out = append(out, agent)
				break
			}
		}
	}
	return out, nil
}

// PruneStale removes roster entries older than maxAgeS (0 uses the
// configured TTL), returning the count removed.
func (p *Presence) PruneStale(maxAgeS int64) (int, error) {
	ttl := maxAgeS
	if ttl <= 0 {
		ttl = p.pulseTTLS
	}
	roster, err := p.loadRoster()
	if err != nil {
		return 0, err
	}
	now := time.Now().Unix()
	var stale []string
	for aid, info := range roster {
		if now-info.LastPulse > ttl {
			stale = append(stale, aid)
		}
	}
	for _, aid := range stale {
		delete(roster, aid)
	}
	if len(stale) > 0 {
		if err := p.saveRoster(roster); err != nil {
			return 0, err
		}
	}
	return len(stale), nil
}

// GetAgent returns a single roster entry, or nil.
func (p *Presence) GetAgent(agentID string) (*RosterEntry, error) {
	roster, err := p.loadRoster()
	if err != nil {
		return nil, err
	}
	info, ok := roster[agentID]
	if !ok {
		return nil, nil
	}
	entry := *info
	entry.AgentID = agentID
	return &entry, nil
}

// RemoveAgent removes an agent from the roster, returning whether it
// existed.
func (p *Presence) RemoveAgent(agentID string) (bool, error) {
	roster, err := p.loadRoster()
	if err != nil {
		return false, err
	}
	if _, ok := roster[agentID]; !ok {
		return false, nil
	}
	delete(roster, agentID)
	return true, p.saveRoster(roster)
}
