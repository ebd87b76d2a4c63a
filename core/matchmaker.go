package core

import (
	"encoding/json"
	"sort"
	"strings"
	"time"
)

const (
	matchesLogFile      = "matches.jsonl"
	matchHistoryFile    = "match_history.json"
	defaultContactCooldownS int64 = 86400 // 24 hours
)

// RTC costs for matchmaker scans.
const (
	rtcCostMatchDemand        = 0.5
	rtcCostMatchCuriosity     = 0.5
	rtcCostMatchCompatibility = 1.0
	rtcCostIntroductions      = 2.0
)

// Matchmaker proactively scans the roster for opportunity matches instead
// of waiting for bounties to arrive, while respecting per-agent contact
// cooldowns so it never spams the same peer twice in a day.
type Matchmaker struct {
	store   *Store
	trust   *Trust
	cur     *Curiosity
	values  *Values
}

// NewMatchmaker constructs a Matchmaker over store. trust, cur, and values
// are optional collaborators; a nil value simply disables the scans that
// need it.
func NewMatchmaker(store *Store, trust *Trust, cur *Curiosity, values *Values) *Matchmaker {
	return &Matchmaker{store: store, trust: trust, cur: cur, values: values}
}

func (m *Matchmaker) readHistory() (map[string]int64, error) {
	out := map[string]int64{}
	if err := m.store.SnapshotLoad(matchHistoryFile, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *Matchmaker) writeHistory(h map[string]int64) error {
	return m.store.SnapshotSave(matchHistoryFile, h)
}

func (m *Matchmaker) logMatch(entry map[string]any) error {
	return m.store.AppendJSONL(matchesLogFile, entry)
}

// CanContact reports whether enough time has passed since our last contact
// with agentID (cooldownS 0 uses the 24h default).
func (m *Matchmaker) CanContact(agentID string, cooldownS int64) (bool, error) {
	if cooldownS <= 0 {
		cooldownS = defaultContactCooldownS
	}
	history, err := m.readHistory()
	if err != nil {
		return false, err
	}
	return time.Now().Unix()-history[agentID] >= cooldownS, nil
}

// RecordContact records that we contacted an agent.
func (m *Matchmaker) RecordContact(agentID, matchID string) error {
	history, err := m.readHistory()
	if err != nil {
		return err
	}
	now := time.Now().Unix()
	history[agentID] = now
	if err := m.writeHistory(history); err != nil {
		return err
	}
	return m.logMatch(map[string]any{"action": "contact", "agent_id": agentID, "match_id": matchID, "ts": now})
}

// RecordResponse records a peer's response to a match outreach.
func (m *Matchmaker) RecordResponse(matchID, response string) error {
	return m.logMatch(map[string]any{"action": "response", "match_id": matchID, "response": response, "ts": time.Now().Unix()})
}

// Match is a scored opportunity to contact a roster peer.
type Match struct {
	AgentID string   `json:"agent_id"`
	Name    string   `json:"name"`
	Score   float64  `json:"score"`
	Reasons []string `json:"reasons"`
	TS      int64    `json:"ts"`
}

// ScanRoster scores every roster agent for opportunity matching: skill
// overlap in both directions, plus goal-keyword overlap with their
// topics/curiosities/offers, with a trust bonus. This scan is free.
func (m *Matchmaker) ScanRoster(roster []RosterEntry, myAgentID string, myOffers, myNeeds []string, goals []Goal) []Match {
	offers := lowerSet(myOffers)
	needs := lowerSet(myNeeds)
	goalKeywords := map[string]bool{}
	for _, g := range goals {
		for _, w := range strings.Fields(strings.ToLower(g.Title)) {
			goalKeywords[w] = true
		}
	}

	var matches []Match
	for _, agent := range roster {
		if agent.AgentID == myAgentID {
			continue
		}
		score := 0.0
		var reasons []string

		theirOffers := lowerSlice(agent.Offers)
		theirNeeds := lowerSlice(agent.Needs)

		offerMatch := intersect(setOf(theirOffers), needs)
		if len(offerMatch) > 0 {
			score += 0.3 * float64(len(offerMatch))
			reasons = append(reasons, "offers: "+strings.Join(offerMatch, ", "))
		}
		needMatch := intersect(offers, setOf(theirNeeds))
		if len(needMatch) > 0 {
			score += 0.3 * float64(len(needMatch))
			reasons = append(reasons, "needs: "+strings.Join(needMatch, ", "))
		}

		combined := map[string]bool{}
		for _, t := range agent.Topics {
			combined[strings.ToLower(t)] = true
		}
		for _, c := range agent.Curiosities {
			combined[strings.ToLower(c)] = true
		}
		for _, o := range theirOffers {
			combined[o] = true
		}
		var goalOverlap []string
		for k := range goalKeywords {
			if combined[k] {
				goalOverlap = append(goalOverlap, k)
			}
		}
		if len(goalOverlap) > 0 {
			sort.Strings(goalOverlap)
			score += 0.2 * float64(len(goalOverlap))
			reasons = append(reasons, "goal-related: "+strings.Join(goalOverlap, ", "))
		}

		if m.trust != nil {
			if ts, err := m.trust.Score(agent.AgentID); err == nil && ts.Score > 0.5 {
				score += 0.1
				reasons = append(reasons, "trusted")
			}
		}

		if score > 0 {
			if score > 1.0 {
				score = 1.0
			}
			matches = append(matches, Match{
				AgentID: agent.AgentID, Name: agent.Name, Score: roundTo(score, 3), Reasons: reasons, TS: time.Now().Unix(),
			})
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	return matches
}

// DemandMatch is unmet roster demand we can fill.
type DemandMatch struct {
	AgentID     string  `json:"agent_id"`
	Need        string  `json:"need"`
	DemandCount int     `json:"demand_count"`
	RTCCost     float64 `json:"rtc_cost"`
}

// MatchDemand finds unmet roster demand we can fill. Paid feature
// (rtcCostMatchDemand).
func (m *Matchmaker) MatchDemand(roster []RosterEntry, demand map[string]int) []DemandMatch {
	var out []DemandMatch
	for _, agent := range roster {
		for _, need := range lowerSlice(agent.Needs) {
			if count, ok := demand[need]; ok && count >= 2 {
				out = append(out, DemandMatch{AgentID: agent.AgentID, Need: need, DemandCount: count, RTCCost: rtcCostMatchDemand})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DemandCount > out[j].DemandCount })
	return out
}

// CuriosityMatch is a shared-interest opportunity between peers.
type CuriosityMatch struct {
	AgentID         string   `json:"agent_id"`
	SharedInterests []string `json:"shared_interests"`
	Overlap         int      `json:"overlap"`
	RTCCost         float64  `json:"rtc_cost"`
}

// MatchCuriosity finds shared curiosity interests across the roster. Paid
// feature (rtcCostMatchCuriosity). Requires a non-nil Curiosity component.
func (m *Matchmaker) MatchCuriosity(roster []RosterEntry) ([]CuriosityMatch, error) {
	if m.cur == nil {
		return nil, nil
	}
	interests, err := m.cur.Interests()
	if err != nil {
		return nil, err
	}
	if len(interests) == 0 {
		return nil, nil
	}
	mine := map[string]bool{}
	for topic := range interests {
		mine[topic] = true
	}

	var out []CuriosityMatch
	for _, agent := range roster {
		theirs := setOf(lowerSlice(agent.Curiosities))
		shared := intersect(mine, theirs)
		if len(shared) > 0 {
			sort.Strings(shared)
			out = append(out, CuriosityMatch{AgentID: agent.AgentID, SharedInterests: shared, Overlap: len(shared), RTCCost: rtcCostMatchCuriosity})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Overlap > out[j].Overlap })
	return out, nil
}

// CompatibilityMatch is a value-alignment check against a peer.
type CompatibilityMatch struct {
	AgentID       string  `json:"agent_id"`
	Compatibility float64 `json:"compatibility"`
	Method        string  `json:"method"`
	RTCCost       float64 `json:"rtc_cost"`
}

// MatchCompatibility finds value-aligned agents via values_hash comparison.
// Paid feature (rtcCostMatchCompatibility). Requires a non-nil Values
// component. A matching hash implies perfect alignment; a differing hash
// reports an unknown-but-nonzero compatibility since a real comparison
// would need the peer's full value set (not available from the roster
// alone).
func (m *Matchmaker) MatchCompatibility(roster []RosterEntry) ([]CompatibilityMatch, error) {
	if m.values == nil {
		return nil, nil
	}
	myHash, err := m.values.ValuesHash()
	if err != nil {
		return nil, err
	}
	var out []CompatibilityMatch
	for _, agent := range roster {
		if agent.ValuesHash == "" {
			continue
		}
		if agent.ValuesHash == myHash {
			out = append(out, CompatibilityMatch{AgentID: agent.AgentID, Compatibility: 1.0, Method: "hash_match", RTCCost: rtcCostMatchCompatibility})
			continue
		}
		out = append(out, CompatibilityMatch{AgentID: agent.AgentID, Compatibility: 0.5, Method: "hash_differs", RTCCost: rtcCostMatchCompatibility})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Compatibility > out[j].Compatibility })
	return out, nil
}

// Introduction is a suggested pairing of two peers who should meet.
type Introduction struct {
	AgentA   string   `json:"agent_a"`
	AgentB   string   `json:"agent_b"`
	AGivesB  []string `json:"a_gives_b"`
	BGivesA  []string `json:"b_gives_a"`
	Score    float64  `json:"score"`
	RTCCost  float64  `json:"rtc_cost"`
}

// SuggestIntroductions suggests pairs of roster agents who should meet:
// cases where A offers what B needs or vice versa. Premium feature
// (rtcCostIntroductions).
func (m *Matchmaker) SuggestIntroductions(roster []RosterEntry) []Introduction {
	var out []Introduction
	for i := range roster {
		for j := i + 1; j < len(roster); j++ {
			a, b := roster[i], roster[j]
			aOffers := setOf(lowerSlice(a.Offers))
			aNeeds := setOf(lowerSlice(a.Needs))
			bOffers := setOf(lowerSlice(b.Offers))
			bNeeds := setOf(lowerSlice(b.Needs))

			aToB := intersect(aOffers, bNeeds)
			bToA := intersect(bOffers, aNeeds)
			if len(aToB) == 0 && len(bToA) == 0 {
				continue
			}
			sort.Strings(aToB)
			sort.Strings(bToA)
			score := 0.3 * float64(len(aToB)+len(bToA))
			if score > 1.0 {
				score = 1.0
			}
			out = append(out, Introduction{
				AgentA: a.AgentID, AgentB: b.AgentID, AGivesB: aToB, BGivesA: bToA,
				Score: roundTo(score, 3), RTCCost: rtcCostIntroductions,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// MatchHistoryLog reads recent match history entries, most recent first.
func (m *Matchmaker) MatchHistoryLog(limit int) ([]map[string]any, error) {
	var all []map[string]any
	err := m.store.ReadAllJSONL(matchesLogFile, func(line []byte) error {
		var rec map[string]any
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil
		}
		all = append(all, rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func lowerSlice(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}

func lowerSet(in []string) map[string]bool {
	return setOf(lowerSlice(in))
}

func setOf(in []string) map[string]bool {
	out := make(map[string]bool, len(in))
	for _, s := range in {
		out[s] = true
	}
	return out
}

func intersect(a, b map[string]bool) []string {
	var out []string
	for k := range a {
		if b[k] {
			out = append(out, k)
		}
	}
	return out
}
