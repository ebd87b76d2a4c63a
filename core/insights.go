package core

import (
	"sort"
	"strings"
	"sync"
	"time"
)

const insightsCacheTTL = 300 * time.Second

// RTC costs for paid insight queries.
const (
	RTCCostTrends        = 0.5
	RTCCostCompatibility = 1.0
	RTCCostContacts      = 1.0
	RTCCostSkills        = 0.5
)

// ContactTiming is the best-observed hour to reach an agent, with a
// confidence derived from how much history backs the estimate.
type ContactTiming struct {
	AgentID    string `json:"agent_id"`
	BestHour   int    `json:"best_hour"`
	Confidence float64 `json:"confidence"`
	Samples    int    `json:"samples"`
}

// SuccessPattern is a topic's historical win rate across completed tasks.
type SuccessPattern struct {
	Topic   string  `json:"topic"`
	Wins    int     `json:"wins"`
	Losses  int     `json:"losses"`
	Total   int     `json:"total"`
	WinRate float64 `json:"win_rate"`
}

// CompatibilityPrediction estimates how well a roster agent is likely to
// work out based on past outcomes.
type CompatibilityPrediction struct {
	AgentID     string  `json:"agent_id"`
	Score       float64 `json:"score"`
	Samples     int     `json:"samples"`
	RTCCost     float64 `json:"rtc_cost"`
}

// ContactSuggestion combines compatibility with timing to recommend who to
// reach out to right now.
type ContactSuggestion struct {
	AgentID string  `json:"agent_id"`
	Score   float64 `json:"score"`
	Reason  string  `json:"reason"`
	RTCCost float64 `json:"rtc_cost"`
}

// SkillInvestment ranks a skill by demand times historical win rate, as a
// signal for where to invest learning effort.
type SkillInvestment struct {
	Skill   string  `json:"skill"`
	Demand  int     `json:"demand"`
	WinRate float64 `json:"win_rate"`
	Score   float64 `json:"score"`
	RTCCost float64 `json:"rtc_cost"`
}

type insightsSnapshot struct {
	contactTimings  map[string]ContactTiming
	topicTrends     []TopicVelocity
	successPatterns []SuccessPattern
}

// Insights derives read-only patterns and trends from an agent's
// accumulated inbox/interaction/task logs: it never writes to them, only to
// its own analysis cache.
type Insights struct {
	store  *Store
	memory *Memory

	mu      sync.Mutex
	cached  *insightsSnapshot
	builtAt time.Time
}

// NewInsights constructs an Insights component. memory supplies the raw log
// readers it shares with Memory so both stay consistent.
func NewInsights(store *Store, memory *Memory) *Insights {
	return &Insights{store: store, memory: memory}
}

// Analyze rebuilds the cached snapshot if it's older than the cache TTL, or
// if force is set. Callers rarely need to call this directly — the
// accessor methods do it on demand.
func (in *Insights) Analyze(force bool) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if !force && in.cached != nil && time.Since(in.builtAt) < insightsCacheTTL {
		return nil
	}
	snapshot, err := in.rebuild()
	if err != nil {
		return err
	}
	in.cached = snapshot
	in.builtAt = time.Now()
	return nil
}

func (in *Insights) snapshot() (*insightsSnapshot, error) {
	if err := in.Analyze(false); err != nil {
		return nil, err
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.cached, nil
}

func (in *Insights) rebuild() (*insightsSnapshot, error) {
	inbox, err := in.memory.readInbox()
	if err != nil {
		return nil, err
	}

	timings := map[string][]int{}
	for _, rec := range inbox {
		if rec.Envelope.AgentID == "" || rec.Envelope.TS == 0 {
			continue
		}
		hour := time.Unix(rec.Envelope.TS, 0).UTC().Hour()
		timings[rec.Envelope.AgentID] = append(timings[rec.Envelope.AgentID], hour)
	}
	contactTimings := map[string]ContactTiming{}
	for agentID, hours := range timings {
		best, confidence := bestHour(hours)
		contactTimings[agentID] = ContactTiming{AgentID: agentID, BestHour: best, Confidence: confidence, Samples: len(hours)}
	}

	topicTrends, err := in.memory.TopicVelocity(7)
	if err != nil {
		return nil, err
	}

	taskStates, err := in.memory.readTaskStates()
	if err != nil {
		return nil, err
	}
	successPatterns := successPatternsFromTasks(taskStates)

	return &insightsSnapshot{contactTimings: contactTimings, topicTrends: topicTrends, successPatterns: successPatterns}, nil
}

func bestHour(hours []int) (int, float64) {
	counts := map[int]int{}
	for _, h := range hours {
		counts[h]++
	}
	best, bestCount := 0, -1
	for h, c := range counts {
		if c > bestCount || (c == bestCount && h < best) {
			best, bestCount = h, c
		}
	}
	total := len(hours)
	confidence := 0.0
	if total > 0 {
		confidence = roundTo(float64(bestCount)/float64(total), 2)
	}
	return best, confidence
}

var taskWinStates = map[string]bool{TaskPaid: true, TaskConfirmed: true, TaskDelivered: true}
var taskLossStates = map[string]bool{TaskCancelled: true, TaskRejected: true}

func successPatternsFromTasks(taskStates map[string]map[string]any) []SuccessPattern {
	byTopic := map[string]*SuccessPattern{}
	for _, state := range taskStates {
		text, _ := state["text"].(string)
		topic := topicFromText(text)
		taskState, _ := state["state"].(string)

		entry, ok := byTopic[topic]
		if !ok {
			entry = &SuccessPattern{Topic: topic}
			byTopic[topic] = entry
		}
		switch {
		case taskWinStates[taskState]:
			entry.Wins++
		case taskLossStates[taskState]:
			entry.Losses++
		default:
			continue
		}
	}
	out := make([]SuccessPattern, 0, len(byTopic))
	for _, entry := range byTopic {
		entry.Total = entry.Wins + entry.Losses
		if entry.Total < 2 {
			continue
		}
		entry.WinRate = roundTo(float64(entry.Wins)/float64(entry.Total), 2)
		out = append(out, *entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WinRate > out[j].WinRate })
	return out
}

// topicFromText picks the first word of a task's free-text description as a
// coarse topic label; tasks don't carry a dedicated topic field.
func topicFromText(text string) string {
	fields := strings.Fields(strings.ToLower(text))
	if len(fields) == 0 {
		return "general"
	}
	return strings.Trim(fields[0], ".,!?:;")
}

// ContactTiming returns the best-observed contact hour for agentID, or the
// zero value if no history exists.
func (in *Insights) ContactTiming(agentID string) (ContactTiming, error) {
	snap, err := in.snapshot()
	if err != nil {
		return ContactTiming{}, err
	}
	return snap.contactTimings[agentID], nil
}

// TopicTrends returns every observed topic's velocity over the given
// window (0 defaults to 7 days).
func (in *Insights) TopicTrends(days int) ([]TopicVelocity, error) {
	if days <= 0 || days == 7 {
		snap, err := in.snapshot()
		if err != nil {
			return nil, err
		}
		return snap.topicTrends, nil
	}
	return in.memory.TopicVelocity(days)
}

// SuccessPatterns returns every topic with at least two resolved tasks,
// ranked by win rate descending.
func (in *Insights) SuccessPatterns() ([]SuccessPattern, error) {
	snap, err := in.snapshot()
	if err != nil {
		return nil, err
	}
	return snap.successPatterns, nil
}

// CompatibilityPredictions scores every agent in roster by its historical
// positive-outcome ratio. Requires at least two interactions; paid feature.
func (in *Insights) CompatibilityPredictions(roster []RosterEntry) ([]CompatibilityPrediction, error) {
	var out []CompatibilityPrediction
	for _, peer := range roster {
		summary, err := in.memory.Contact(peer.AgentID)
		if err != nil {
			return nil, err
		}
		if summary.Interactions < 2 {
			continue
		}
		positive := 0
		for outcome, count := range summary.Outcomes {
			if positiveOutcomes[InteractionOutcome(outcome)] {
				positive += count
			}
		}
		out = append(out, CompatibilityPrediction{
			AgentID: peer.AgentID, Score: roundTo(float64(positive)/float64(summary.Interactions), 2),
			Samples: summary.Interactions, RTCCost: RTCCostCompatibility,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out, nil
}

// SuggestContacts ranks roster agents to reach out to now, boosting
// candidates whose best contact hour is within one hour of the current
// time. Paid feature.
func (in *Insights) SuggestContacts(roster []RosterEntry) ([]ContactSuggestion, error) {
	compat, err := in.CompatibilityPredictions(roster)
	if err != nil {
		return nil, err
	}
	currentHour := time.Now().UTC().Hour()
	out := make([]ContactSuggestion, 0, len(compat))
	for _, c := range compat {
		timing, err := in.ContactTiming(c.AgentID)
		if err != nil {
			return nil, err
		}
		score := c.Score
		reason := "positive history"
		if timing.Samples > 0 && hourDistance(currentHour, timing.BestHour) <= 1 {
			score += 0.2
			reason = "positive history, good contact window"
		}
		out = append(out, ContactSuggestion{AgentID: c.AgentID, Score: roundTo(score, 2), Reason: reason, RTCCost: RTCCostContacts})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out, nil
}

func hourDistance(a, b int) int {
	d := a - b
	if d < 0 {
		d = -d
	}
	if d > 12 {
		d = 24 - d
	}
	return d
}

// SuggestSkillInvestment ranks skills by demand times observed win rate, for
// prioritizing learning effort. Paid feature.
func (in *Insights) SuggestSkillInvestment(demand []CountEntry) ([]SkillInvestment, error) {
	patterns, err := in.SuccessPatterns()
	if err != nil {
		return nil, err
	}
	winRates := map[string]float64{}
	for _, p := range patterns {
		winRates[p.Topic] = p.WinRate
	}

	out := make([]SkillInvestment, 0, len(demand))
	for _, d := range demand {
		winRate := winRates[d.Key]
		if winRate == 0 {
			winRate = 0.5
		}
		out = append(out, SkillInvestment{
			Skill: d.Key, Demand: d.Count, WinRate: winRate,
			Score: roundTo(float64(d.Count)*winRate, 2), RTCCost: RTCCostSkills,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > 10 {
		out = out[:10]
	}
	return out, nil
}
