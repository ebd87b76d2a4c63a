package core

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

const (
	goalsLogFile = "goals.jsonl"
	goalsIndexFile = "goals.json"

	rtcCostActivate       = 0.1
	rtcCostSuggestActions = 0.5
	rtcCostAutoCreate     = 1.0
)

// Goal lifecycle states.
const (
	GoalDreaming  = "dreaming"
	GoalActive    = "active"
	GoalAchieved  = "achieved"
	GoalAbandoned = "abandoned"
)

var validGoalCategories = map[string]bool{
	"skill": true, "connection": true, "rtc": true, "exploration": true,
}

// GoalMilestone is one recorded progress update on a goal.
type GoalMilestone struct {
	Milestone string   `json:"milestone"`
	Value     *float64 `json:"value,omitempty"`
	TS        int64    `json:"ts"`
}

// Goal is an agent aspiration, tracked from dream through activation to
// achievement or abandonment.
type Goal struct {
	GoalID       string          `json:"goal_id"`
	State        string          `json:"state"`
	Title        string          `json:"title"`
	Description  string          `json:"description,omitempty"`
	Category     string          `json:"category"`
	TargetValue  *float64        `json:"target_value,omitempty"`
	CurrentValue float64         `json:"current_value"`
	DeadlineTS   *int64          `json:"deadline_ts,omitempty"`
	CreatedAt    int64           `json:"created_at"`
	UpdatedAt    int64           `json:"updated_at"`
	Milestones   []GoalMilestone `json:"milestones"`
}

type goalsIndex struct {
	Active    []string `json:"active"`
	Achieved  []string `json:"achieved"`
	Abandoned []string `json:"abandoned"`
}

// Goals manages aspirations as an event-sourced log: dream (free), activate
// (0.1 RTC), progress, achieve, or abandon.
type Goals struct {
	store   *Store
	journal *Journal
}

// NewGoals constructs a Goals component over store. journal may be nil; when
// set, Achieve auto-writes a journal entry.
func NewGoals(store *Store, journal *Journal) *Goals {
	return &Goals{store: store, journal: journal}
}

func (g *Goals) loadAll() (map[string]*Goal, error) {
	goals := map[string]*Goal{}
	err := g.store.ReadAllJSONL(goalsLogFile, func(line []byte) error {
		var evt map[string]any
		if err := json.Unmarshal(line, &evt); err != nil {
			return nil
		}
		gid, _ := evt["goal_id"].(string)
		action, _ := evt["action"].(string)
		ts := toInt64(evt["ts"])
		switch action {
		case "dream":
			goal := &Goal{
				GoalID:      gid,
				State:       GoalDreaming,
				Title:       stringOf(evt["title"]),
				Description: stringOf(evt["description"]),
				Category:    stringOf(evt["category"]),
				CreatedAt:   ts,
				UpdatedAt:   ts,
			}
			if v, ok := evt["target_value"]; ok && v != nil {
				f := toFloat64(v)
				goal.TargetValue = &f
			}
			if v, ok := evt["deadline_ts"]; ok && v != nil {
				d := toInt64(v)
				goal.DeadlineTS = &d
			}
			goals[gid] = goal
		case "activate":
			if goal, ok := goals[gid]; ok {
				goal.State = GoalActive
				goal.UpdatedAt = ts
			}
		case "progress":
			if goal, ok := goals[gid]; ok {
				if v, has := evt["value"]; has && v != nil {
					f := toFloat64(v)
					goal.CurrentValue = f
				}
				goal.UpdatedAt = ts
				ms := GoalMilestone{Milestone: stringOf(evt["milestone"]), TS: ts}
				if v, has := evt["value"]; has && v != nil {
					f := toFloat64(v)
					ms.Value = &f
				}
				goal.Milestones = append(goal.Milestones, ms)
			}
		case "achieve":
			if goal, ok := goals[gid]; ok {
				goal.State = GoalAchieved
				goal.UpdatedAt = ts
			}
		case "abandon":
			if goal, ok := goals[gid]; ok {
				goal.State = GoalAbandoned
				goal.UpdatedAt = ts
			}
		}
		return nil
	})
	return goals, err
}

func (g *Goals) appendEvent(event map[string]any) error {
	return g.store.AppendJSONL(goalsLogFile, event)
}

func (g *Goals) saveIndex(goals map[string]*Goal) error {
	idx := goalsIndex{Active: []string{}, Achieved: []string{}, Abandoned: []string{}}
	for gid, goal := range goals {
		switch goal.State {
		case GoalActive:
			idx.Active = append(idx.Active, gid)
		case GoalAchieved:
			idx.Achieved = append(idx.Achieved, gid)
		case GoalAbandoned:
			idx.Abandoned = append(idx.Abandoned, gid)
		}
	}
	return g.store.SnapshotSave(goalsIndexFile, idx)
}

func genGoalID(title string) string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	raw := title + ":" + hex.EncodeToString(buf)
	return "g_" + SHA256Hex([]byte(raw))[:10]
}

// Dream creates a new goal in the dreaming state. Free.
func (g *Goals) Dream(title, description, category string, targetValue *float64, deadlineTS *int64) (string, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return "", fmt.Errorf("goal title cannot be empty: %w", ErrInvalidInput)
	}
	if category == "" {
		category = "exploration"
	}
	if !validGoalCategories[category] {
		return "", fmt.Errorf("invalid category %q: %w", category, ErrInvalidInput)
	}

	gid := genGoalID(title)
	now := time.Now().Unix()
	event := map[string]any{
		"action":      "dream",
		"goal_id":     gid,
		"title":       title,
		"description": description,
		"category":    category,
		"ts":          now,
	}
	if targetValue != nil {
		event["target_value"] = *targetValue
	}
	if deadlineTS != nil {
		event["deadline_ts"] = *deadlineTS
	}
	if err := g.appendEvent(event); err != nil {
		return "", err
	}
	goals, err := g.loadAll()
	if err != nil {
		return gid, err
	}
	return gid, g.saveIndex(goals)
}

// Activate moves a goal from dreaming to active. Costs 0.1 RTC (accounted by
// the caller; Goals itself just records the transition).
func (g *Goals) Activate(goalID string) (bool, error) {
	goals, err := g.loadAll()
	if err != nil {
		return false, err
	}
	goal, ok := goals[goalID]
	if !ok || goal.State != GoalDreaming {
		return false, nil
	}
	now := time.Now().Unix()
	if err := g.appendEvent(map[string]any{"action": "activate", "goal_id": goalID, "ts": now}); err != nil {
		return false, err
	}
	goal.State = GoalActive
	return true, g.saveIndex(goals)
}

// Progress records progress on an active goal, returning the updated goal.
func (g *Goals) Progress(goalID, milestone string, value *float64) (*Goal, error) {
	goals, err := g.loadAll()
	if err != nil {
		return nil, err
	}
	goal, ok := goals[goalID]
	if !ok || goal.State != GoalActive {
		return nil, nil
	}
	now := time.Now().Unix()
	event := map[string]any{"action": "progress", "goal_id": goalID, "milestone": milestone, "ts": now}
	if value != nil {
		event["value"] = *value
	}
	if err := g.appendEvent(event); err != nil {
		return nil, err
	}
	goals, err = g.loadAll()
	if err != nil {
		return nil, err
	}
	return goals[goalID], nil
}

// Achieve marks an active goal as achieved, auto-journaling if a journal is
// configured.
func (g *Goals) Achieve(goalID, notes string) (bool, error) {
	goals, err := g.loadAll()
	if err != nil {
		return false, err
	}
	goal, ok := goals[goalID]
	if !ok || goal.State != GoalActive {
		return false, nil
	}
	now := time.Now().Unix()
	if err := g.appendEvent(map[string]any{"action": "achieve", "goal_id": goalID, "notes": notes, "ts": now}); err != nil {
		return false, err
	}
	goal.State = GoalAchieved
	if err := g.saveIndex(goals); err != nil {
		return false, err
	}
	if g.journal != nil {
		text := "Goal achieved: " + goal.Title
		if notes != "" {
			text += " — " + notes
		}
		_, _ = g.journal.Write(text, []string{"goal", "achieved", goal.Category}, "satisfied", map[string]any{"goal_id": goalID})
	}
	return true, nil
}

// Abandon abandons a goal from dreaming or active state.
func (g *Goals) Abandon(goalID, reason string) (bool, error) {
	goals, err := g.loadAll()
	if err != nil {
		return false, err
	}
	goal, ok := goals[goalID]
	if !ok || (goal.State != GoalDreaming && goal.State != GoalActive) {
		return false, nil
	}
	now := time.Now().Unix()
	if err := g.appendEvent(map[string]any{"action": "abandon", "goal_id": goalID, "reason": reason, "ts": now}); err != nil {
		return false, err
	}
	goal.State = GoalAbandoned
	return true, g.saveIndex(goals)
}

// Get returns a single goal by ID, or nil.
func (g *Goals) Get(goalID string) (*Goal, error) {
	goals, err := g.loadAll()
	if err != nil {
		return nil, err
	}
	return goals[goalID], nil
}

// ListGoals lists all goals, optionally filtered by state, newest-updated
// first.
func (g *Goals) ListGoals(state string) ([]Goal, error) {
	goals, err := g.loadAll()
	if err != nil {
		return nil, err
	}
	var out []Goal
	for _, goal := range goals {
		if state != "" && goal.State != state {
			continue
		}
		out = append(out, *goal)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt > out[j].UpdatedAt })
	return out, nil
}

// ActiveGoals returns all currently active goals.
func (g *Goals) ActiveGoals() []Goal {
	out, err := g.ListGoals(GoalActive)
	if err != nil {
		return nil
	}
	return out
}

// GoalSuggestion is a cross-referenced opportunity to advance a goal.
type GoalSuggestion struct {
	GoalID  string  `json:"goal_id"`
	Type    string  `json:"type"`
	AgentID string  `json:"agent_id,omitempty"`
	Detail  string  `json:"detail"`
	RTCCost float64 `json:"rtc_cost"`
}

// RosterPeer is the subset of presence/roster information goal-matching
// needs.
type RosterPeer struct {
	AgentID     string
	Name        string
	Offers      []string
	Topics      []string
	Curiosities []string
}

// SuggestActions cross-references active goals against roster presence and
// skill demand to surface concrete next actions. Costs 0.5 RTC.
func (g *Goals) SuggestActions(roster []RosterPeer, demand map[string]int) []GoalSuggestion {
	var suggestions []GoalSuggestion
	for _, goal := range g.ActiveGoals() {
		titleWords := strings.Fields(strings.ToLower(goal.Title))

		if goal.Category == "skill" {
			for _, agent := range roster {
				for _, offer := range agent.Offers {
					offerLower := strings.ToLower(offer)
					if anyKeywordIn(titleWords, offerLower) {
						name := agent.Name
						if name == "" {
							name = agent.AgentID
						}
						suggestions = append(suggestions, GoalSuggestion{
							GoalID: goal.GoalID, Type: "skill_match", AgentID: agent.AgentID,
							Detail: name + " offers related skill", RTCCost: rtcCostSuggestActions,
						})
						break
					}
				}
			}
		}

		if goal.Category == "connection" {
			for _, agent := range roster {
				combined := append(append([]string{}, agent.Topics...), agent.Curiosities...)
				matched := false
				for _, item := range combined {
					if anyKeywordIn(titleWords, strings.ToLower(item)) {
						matched = true
						break
					}
				}
				if matched {
					name := agent.Name
					if name == "" {
						name = agent.AgentID
					}
					suggestions = append(suggestions, GoalSuggestion{
						GoalID: goal.GoalID, Type: "connection_match", AgentID: agent.AgentID,
						Detail: "Shared interest with " + name, RTCCost: rtcCostSuggestActions,
					})
				}
			}
		}

		if goal.Category == "rtc" {
			for skill, count := range demand {
				if count >= 2 && anyKeywordIn(titleWords, skill) {
					suggestions = append(suggestions, GoalSuggestion{
						GoalID: goal.GoalID, Type: "demand_match",
						Detail: fmt.Sprintf("'%s' has %d demand signals — potential RTC opportunity", skill, count),
						RTCCost: rtcCostSuggestActions,
					})
				}
			}
		}
	}
	return suggestions
}

func anyKeywordIn(keywords []string, haystack string) bool {
	for _, kw := range keywords {
		if strings.Contains(haystack, kw) {
			return true
		}
	}
	return false
}

// AutoCreateFromGaps creates new skill goals for detected gaps with real
// demand (count >= 2), skipping gaps that already have a matching goal.
// Costs 1.0 RTC per created goal.
func (g *Goals) AutoCreateFromGaps(skillGaps []string, demand map[string]int) ([]string, error) {
	goals, err := g.loadAll()
	if err != nil {
		return nil, err
	}
	existing := map[string]bool{}
	for _, goal := range goals {
		existing[strings.ToLower(goal.Title)] = true
	}

	var created []string
	for _, skill := range skillGaps {
		candidateTitle := strings.ToLower("Learn " + skill)
		if existing[candidateTitle] || existing[strings.ToLower(skill)] {
			continue
		}
		if demand[skill] < 2 {
			continue
		}
		gid, err := g.Dream("Learn "+skill, fmt.Sprintf("Auto-created: %d demand signals detected for '%s'", demand[skill], skill), "skill", nil, nil)
		if err != nil {
			return created, err
		}
		created = append(created, gid)
	}
	return created, nil
}
