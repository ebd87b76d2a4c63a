package core

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"
)

const memoryProfileTTL = 60 * time.Second

// MemoryProfile is an agent's self-knowledge snapshot, rebuilt from its own
// accumulated logs: who it talks to, what's in demand, when it's active.
type MemoryProfile struct {
	TotalIn       int            `json:"total_in"`
	TotalOut      int            `json:"total_out"`
	RTCReceived   float64        `json:"rtc_received"`
	RTCSent       float64        `json:"rtc_sent"`
	ActiveTasks   int            `json:"active_tasks"`
	CompletedTasks int           `json:"completed_tasks"`
	TopContacts   []CountEntry   `json:"top_contacts"`
	TopTopics     []CountEntry   `json:"top_topics"`
	Demand        []CountEntry   `json:"demand"`
	ActiveHours   []int          `json:"active_hours"`

	GoalActiveCount   int      `json:"goal_active_count,omitempty"`
	GoalAchievedCount int      `json:"goal_achieved_count,omitempty"`
	GoalTitles        []string `json:"goal_titles,omitempty"`

	JournalEntryCount int            `json:"journal_entry_count,omitempty"`
	JournalMoods      map[string]int `json:"journal_moods,omitempty"`
	JournalTags       []string       `json:"journal_tags,omitempty"`

	CuriosityActive   int `json:"curiosity_active,omitempty"`
	CuriosityExplored int `json:"curiosity_explored,omitempty"`
	CuriosityCount    int `json:"curiosity_count,omitempty"`

	ValuesHash     string   `json:"values_hash,omitempty"`
	Principles     []string `json:"principles,omitempty"`
	BoundaryCount  int      `json:"boundary_count,omitempty"`
	Aesthetics     []string `json:"aesthetics,omitempty"`

	BuiltAt int64 `json:"built_at"`
}

// CountEntry is a (key, count) pair used for every ranked list a profile
// exposes (contacts, topics, demand).
type CountEntry struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

// ContactSummary is an agent's interaction history with a single contact.
type ContactSummary struct {
	AgentID     string         `json:"agent_id"`
	Interactions int           `json:"interactions"`
	RTCTotal    float64        `json:"rtc_total"`
	Outcomes    map[string]int `json:"outcomes"`
	LastTS      int64          `json:"last_ts"`
	InboxCount  int            `json:"inbox_count"`
}

// ResponseTimeStats is the gap between consecutive interactions with an
// agent.
type ResponseTimeStats struct {
	AgentID   string  `json:"agent_id"`
	AvgS      float64 `json:"avg_s"`
	FastestS  int64   `json:"fastest_s"`
	SlowestS  int64   `json:"slowest_s"`
	Samples   int     `json:"samples"`
}

// TopicVelocity is the recent-vs-older frequency trend for a topic.
type TopicVelocity struct {
	Topic    string  `json:"topic"`
	Recent   int     `json:"recent"`
	Older    int     `json:"older"`
	Trend    string  `json:"trend"`
	Velocity float64 `json:"velocity"`
}

// RuleSuggestion is an automation Memory thinks is worth adopting.
type RuleSuggestion struct {
	Kind        string  `json:"kind"`
	AgentID     string  `json:"agent_id,omitempty"`
	Skill       string  `json:"skill,omitempty"`
	Confidence  float64 `json:"confidence"`
	Reason      string  `json:"reason"`
}

// Memory builds an agent's self-knowledge profile by reading back its own
// inbox, outbox, trust, and task logs. It never writes to those logs —
// only to its own profile cache.
type Memory struct {
	store *Store
	trust *Trust
	tasks *Tasks

	goals     *Goals
	journal   *Journal
	curiosity *Curiosity
	values    *Values

	mu      sync.Mutex
	cached  *MemoryProfile
	builtAt time.Time
}

// NewMemory constructs a Memory component. goals, journal, curiosity, and
// values are optional enrichment collaborators; any may be nil.
func NewMemory(store *Store, trust *Trust, tasks *Tasks, goals *Goals, journal *Journal, curiosity *Curiosity, values *Values) *Memory {
	return &Memory{store: store, trust: trust, tasks: tasks, goals: goals, journal: journal, curiosity: curiosity, values: values}
}

// Profile returns the cached profile, rebuilding it if stale or absent.
func (m *Memory) Profile() (MemoryProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cached != nil && time.Since(m.builtAt) < memoryProfileTTL {
		return *m.cached, nil
	}
	profile, err := m.rebuild()
	if err != nil {
		return MemoryProfile{}, err
	}
	m.cached = &profile
	m.builtAt = time.Now()
	return profile, nil
}

func (m *Memory) rebuild() (MemoryProfile, error) {
	inbox, err := m.readInbox()
	if err != nil {
		return MemoryProfile{}, err
	}
	outbox, err := m.readOutbox()
	if err != nil {
		return MemoryProfile{}, err
	}
	interactions, err := m.readInteractions()
	if err != nil {
		return MemoryProfile{}, err
	}
	taskStates, err := m.readTaskStates()
	if err != nil {
		return MemoryProfile{}, err
	}

	profile := MemoryProfile{TotalIn: len(inbox), TotalOut: len(outbox), BuiltAt: time.Now().Unix()}

	for _, i := range interactions {
		if i.Dir == DirectionIn {
			profile.RTCReceived += i.RTC
		} else {
			profile.RTCSent += i.RTC
		}
	}

	for _, state := range taskStates {
		taskState, _ := state["state"].(string)
		switch taskState {
		case TaskPaid:
			profile.CompletedTasks++
		case TaskCancelled, TaskRejected:
			// neither active nor completed
		default:
			profile.ActiveTasks++
		}
	}

	contactCounts := map[string]int{}
	for _, rec := range inbox {
		if rec.Envelope.AgentID != "" {
			contactCounts[rec.Envelope.AgentID]++
		}
	}
	for _, i := range interactions {
		if i.AgentID != "" {
			contactCounts[i.AgentID]++
		}
	}
	profile.TopContacts = topEntries(contactCounts, 20)

	topicCounts := map[string]int{}
	demandCounts := map[string]int{}
	hourCounts := map[int]int{}
	for _, rec := range inbox {
		for _, t := range stringSlice(rec.Envelope.Get("topics")) {
			topicCounts[strings.ToLower(t)]++
		}
		for _, t := range stringSlice(rec.Envelope.Get("offers")) {
			topicCounts[strings.ToLower(t)]++
		}
		kind := rec.Envelope.Kind
		if kind == "want" || kind == "bounty" {
			for _, need := range stringSlice(rec.Envelope.Get("needs")) {
				demandCounts[strings.ToLower(need)]++
			}
		}
		if rec.Envelope.TS > 0 {
			hourCounts[time.Unix(rec.Envelope.TS, 0).UTC().Hour()]++
		}
	}
	for _, item := range outbox {
		if item.CreatedAt > 0 {
			hourCounts[time.Unix(item.CreatedAt, 0).UTC().Hour()]++
		}
	}
	profile.TopTopics = topEntries(topicCounts, 20)
	profile.Demand = topEntries(demandCounts, 20)
	profile.ActiveHours = topHours(hourCounts, 8)

	if m.goals != nil {
		active := m.goals.ActiveGoals()
		profile.GoalActiveCount = len(active)
		titles := make([]string, 0, len(active))
		for _, g := range active {
			titles = append(titles, g.Title)
		}
		if len(titles) > 5 {
			titles = titles[:5]
		}
		profile.GoalTitles = titles
		if achieved, err := m.goals.ListGoals(GoalAchieved); err == nil {
			profile.GoalAchievedCount = len(achieved)
		}
	}

	if m.journal != nil {
		if count, err := m.journal.Count(); err == nil {
			profile.JournalEntryCount = count
		}
		if moods, err := m.journal.Moods(); err == nil {
			profile.JournalMoods = moods
		}
		if tags, err := m.journal.RecentTags(10); err == nil {
			for _, t := range tags {
				profile.JournalTags = append(profile.JournalTags, t.Tag)
			}
		}
	}

	if m.curiosity != nil {
		if interests, err := m.curiosity.Interests(); err == nil {
			profile.CuriosityActive = len(interests)
			profile.CuriosityCount += len(interests)
		}
		if explored, err := m.curiosity.Explored(); err == nil {
			profile.CuriosityExplored = len(explored)
			profile.CuriosityCount += len(explored)
		}
	}

	if m.values != nil {
		if hash, err := m.values.ValuesHash(); err == nil {
			profile.ValuesHash = hash
		}
		for name := range m.values.Principles() {
			profile.Principles = append(profile.Principles, name)
		}
		sort.Strings(profile.Principles)
		profile.BoundaryCount = len(m.values.Boundaries())
		for key := range m.values.Aesthetics() {
			profile.Aesthetics = append(profile.Aesthetics, key)
		}
		sort.Strings(profile.Aesthetics)
	}

	return profile, nil
}

func (m *Memory) readInbox() ([]InboxRecord, error) {
	var out []InboxRecord
	err := m.store.ReadAllJSONL(inboxLogFile, func(line []byte) error {
		var rec InboxRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil
		}
		out = append(out, rec)
		return nil
	})
	return out, err
}

func (m *Memory) readOutbox() ([]OutboxItem, error) {
	var out []OutboxItem
	err := m.store.ReadAllJSONL(outboxLogFile, func(line []byte) error {
		var item OutboxItem
		if err := json.Unmarshal(line, &item); err != nil {
			return nil
		}
		out = append(out, item)
		return nil
	})
	return out, err
}

func (m *Memory) readInteractions() ([]Interaction, error) {
	var out []Interaction
	err := m.store.ReadAllJSONL(interactionsLogFile, func(line []byte) error {
		var i Interaction
		if err := json.Unmarshal(line, &i); err != nil {
			return nil
		}
		out = append(out, i)
		return nil
	})
	return out, err
}

// readTaskStates folds the raw tasks.jsonl event log to one map per task_id,
// keeping only the latest field values, mirroring Tasks.buildTaskState but
// across every task at once.
func (m *Memory) readTaskStates() (map[string]map[string]any, error) {
	states := map[string]map[string]any{}
	err := m.store.ReadAllJSONL(tasksLogFile, func(line []byte) error {
		var event map[string]any
		if err := json.Unmarshal(line, &event); err != nil {
			return nil
		}
		taskID, _ := event["task_id"].(string)
		if taskID == "" {
			return nil
		}
		state, ok := states[taskID]
		if !ok {
			state = map[string]any{}
			states[taskID] = state
		}
		for k, v := range event {
			state[k] = v
		}
		return nil
	})
	return states, err
}

func topEntries(counts map[string]int, limit int) []CountEntry {
	out := make([]CountEntry, 0, len(counts))
	for k, c := range counts {
		out = append(out, CountEntry{Key: k, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Key < out[j].Key
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func topHours(counts map[int]int, limit int) []int {
	type pair struct {
		hour, count int
	}
	pairs := make([]pair, 0, len(counts))
	for h, c := range counts {
		pairs = append(pairs, pair{h, c})
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].count != pairs[j].count {
			return pairs[i].count > pairs[j].count
		}
		return pairs[i].hour < pairs[j].hour
	})
	if limit > 0 && len(pairs) > limit {
		pairs = pairs[:limit]
	}
	out := make([]int, len(pairs))
	for i, p := range pairs {
		out[i] = p.hour
	}
	sort.Ints(out)
	return out
}

// Contact returns a detailed interaction summary for a single agent.
func (m *Memory) Contact(agentID string) (ContactSummary, error) {
	interactions, err := m.readInteractions()
	if err != nil {
		return ContactSummary{}, err
	}
	inbox, err := m.readInbox()
	if err != nil {
		return ContactSummary{}, err
	}
	summary := ContactSummary{AgentID: agentID, Outcomes: map[string]int{}}
	for _, i := range interactions {
		if i.AgentID != agentID {
			continue
		}
		summary.Interactions++
		summary.RTCTotal += i.RTC
		summary.Outcomes[string(i.Outcome)]++
		if i.TS > summary.LastTS {
			summary.LastTS = i.TS
		}
	}
	for _, rec := range inbox {
		if rec.Envelope.AgentID == agentID {
			summary.InboxCount++
		}
	}
	return summary, nil
}

// Contacts returns the top-N contacts by interaction+inbox frequency.
func (m *Memory) Contacts(limit int) ([]CountEntry, error) {
	profile, err := m.Profile()
	if err != nil {
		return nil, err
	}
	contacts := profile.TopContacts
	if limit > 0 && len(contacts) > limit {
		contacts = contacts[:limit]
	}
	return contacts, nil
}

// DemandSignals returns the top unmet demand topics seen in inbound
// want/bounty envelopes within the last `days` days.
func (m *Memory) DemandSignals(days int) ([]CountEntry, error) {
	if days <= 0 {
		days = 7
	}
	cutoff := time.Now().Add(-time.Duration(days) * 24 * time.Hour).Unix()
	inbox, err := m.readInbox()
	if err != nil {
		return nil, err
	}
	demand := map[string]int{}
	for _, rec := range inbox {
		if rec.Envelope.TS < cutoff {
			continue
		}
		kind := rec.Envelope.Kind
		if kind != "want" && kind != "bounty" {
			continue
		}
		for _, need := range stringSlice(rec.Envelope.Get("needs")) {
			demand[strings.ToLower(need)]++
		}
	}
	return topEntries(demand, 0), nil
}

// SkillGaps returns demand signals not covered by myOffers.
func (m *Memory) SkillGaps(myOffers []string) ([]CountEntry, error) {
	demand, err := m.DemandSignals(7)
	if err != nil {
		return nil, err
	}
	offered := map[string]bool{}
	for _, o := range myOffers {
		offered[strings.ToLower(o)] = true
	}
	var gaps []CountEntry
	for _, d := range demand {
		if !offered[d.Key] {
			gaps = append(gaps, d)
		}
	}
	return gaps, nil
}

// AgentResponseTimes computes the average/fastest/slowest gap between
// consecutive interactions for every agent with at least two interactions.
func (m *Memory) AgentResponseTimes() ([]ResponseTimeStats, error) {
	interactions, err := m.readInteractions()
	if err != nil {
		return nil, err
	}
	byAgent := map[string][]int64{}
	for _, i := range interactions {
		byAgent[i.AgentID] = append(byAgent[i.AgentID], i.TS)
	}
	var out []ResponseTimeStats
	for agentID, timestamps := range byAgent {
		if len(timestamps) < 2 {
			continue
		}
		sort.Slice(timestamps, func(i, j int) bool { return timestamps[i] < timestamps[j] })
		var sum int64
		fastest, slowest := int64(-1), int64(-1)
		for i := 1; i < len(timestamps); i++ {
			gap := timestamps[i] - timestamps[i-1]
			sum += gap
			if fastest < 0 || gap < fastest {
				fastest = gap
			}
			if gap > slowest {
				slowest = gap
			}
		}
		samples := len(timestamps) - 1
		out = append(out, ResponseTimeStats{
			AgentID: agentID, AvgS: roundTo(float64(sum)/float64(samples), 1),
			FastestS: fastest, SlowestS: slowest, Samples: samples,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}

// TopicVelocity compares each topic's frequency in the most recent `days`
// window against the window immediately before it.
func (m *Memory) TopicVelocity(days int) ([]TopicVelocity, error) {
	if days <= 0 {
		days = 7
	}
	window := time.Duration(days) * 24 * time.Hour
	now := time.Now()
	recentCutoff := now.Add(-window).Unix()
	olderCutoff := now.Add(-2 * window).Unix()

	inbox, err := m.readInbox()
	if err != nil {
		return nil, err
	}
	recent := map[string]int{}
	older := map[string]int{}
	for _, rec := range inbox {
		topics := stringSlice(rec.Envelope.Get("topics"))
		switch {
		case rec.Envelope.TS >= recentCutoff:
			for _, t := range topics {
				recent[strings.ToLower(t)]++
			}
		case rec.Envelope.TS >= olderCutoff:
			for _, t := range topics {
				older[strings.ToLower(t)]++
			}
		}
	}

	allTopics := map[string]bool{}
	for t := range recent {
		allTopics[t] = true
	}
	for t := range older {
		allTopics[t] = true
	}
	out := make([]TopicVelocity, 0, len(allTopics))
	for topic := range allTopics {
		r, o := recent[topic], older[topic]
		trend := "steady"
		if r > o {
			trend = "rising"
		} else if r < o {
			trend = "falling"
		}
		velocity := float64(r - o)
		if o > 0 {
			velocity = roundTo(float64(r-o)/float64(o), 2)
		}
		out = append(out, TopicVelocity{Topic: topic, Recent: r, Older: o, Trend: trend, Velocity: velocity})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Recent > out[j].Recent })
	return out, nil
}

// SuggestRules proposes auto-ack and auto-offer rule candidates based on
// observed interaction history: auto-ack for agents with a consistently
// positive track record, auto-offer for skills in sustained high demand.
func (m *Memory) SuggestRules(myOffers []string) ([]RuleSuggestion, error) {
	interactions, err := m.readInteractions()
	if err != nil {
		return nil, err
	}
	byAgent := map[string][]Interaction{}
	for _, i := range interactions {
		byAgent[i.AgentID] = append(byAgent[i.AgentID], i)
	}

	var suggestions []RuleSuggestion
	for agentID, list := range byAgent {
		if len(list) < 5 {
			continue
		}
		positive := 0
		for _, i := range list {
			if positiveOutcomes[i.Outcome] {
				positive++
			}
		}
		ratio := float64(positive) / float64(len(list))
		if ratio >= 0.8 {
			suggestions = append(suggestions, RuleSuggestion{
				Kind: "auto_ack", AgentID: agentID, Confidence: roundTo(ratio, 2),
				Reason: "consistently positive interaction history",
			})
		}
	}

	demand, err := m.DemandSignals(7)
	if err != nil {
		return nil, err
	}
	offered := map[string]bool{}
	for _, o := range myOffers {
		offered[strings.ToLower(o)] = true
	}
	for _, d := range demand {
		if offered[d.Key] && d.Count >= 3 {
			suggestions = append(suggestions, RuleSuggestion{
				Kind: "auto_offer", Skill: d.Key, Confidence: roundTo(float64(d.Count)/10.0, 2),
				Reason: "high demand for a skill already offered",
			})
		}
	}

	sort.Slice(suggestions, func(i, j int) bool { return suggestions[i].Confidence > suggestions[j].Confidence })
	return suggestions, nil
}
