package core

import (
	"encoding/json"
	"sort"
)

// violationWeights assigns severity weight to each detected behavioral
// pattern.
var violationWeights = map[string]float64{
	"promise_breaker": 3.0,
	"bounty_hoarder":  2.5,
	"trust_gamer":     2.0,
	"spam_actor":      1.0,
}

// Violation is one detected bad-actor pattern.
type Violation struct {
	Type   string `json:"type"`
	Detail string `json:"detail"`
}

// ScanResult is the outcome of scanning a single agent's accumulated
// interactions and tasks.
type ScanResult struct {
	AgentID              string      `json:"agent_id"`
	IntegrityScore       float64     `json:"integrity_score"`
	Violations           []Violation `json:"violations"`
	ViolationCount       int         `json:"violation_count"`
	Recommendation       string      `json:"recommendation"`
	InteractionsAnalyzed int         `json:"interactions_analyzed"`
	TasksAnalyzed        int         `json:"tasks_analyzed"`
}

// AgentScanner scans accumulated interactions and tasks for bad-acting
// behavioral patterns: promise-breaking, bounty-hoarding, trust-gaming, and
// spam. This is a supplemental capability carried forward from the prior
// implementation; spec.md's distillation never names it, nor excludes it.
type AgentScanner struct {
	store *Store
}

// NewAgentScanner constructs a scanner over store.
func NewAgentScanner(store *Store) *AgentScanner {
	return &AgentScanner{store: store}
}

// ScanAgent runs a comprehensive integrity scan of agentID.
func (s *AgentScanner) ScanAgent(agentID string) (ScanResult, error) {
	interactions, err := s.readInteractions()
	if err != nil {
		return ScanResult{}, err
	}
	tasks, err := s.readTaskEvents()
	if err != nil {
		return ScanResult{}, err
	}

	var agentInteractions []Interaction
	for _, i := range interactions {
		if i.AgentID == agentID {
			agentInteractions = append(agentInteractions, i)
		}
	}
	var agentTasks []map[string]any
	for _, t := range tasks {
		worker, _ := t["worker"].(string)
		poster, _ := t["poster"].(string)
		if worker == agentID || poster == agentID {
			agentTasks = append(agentTasks, t)
		}
	}

	var violations []Violation
	var totalPenalty float64

	accepted, delivered := 0, 0
	for _, t := range agentTasks {
		st, _ := t["state"].(string)
		switch st {
		case TaskAccepted:
			accepted++
		case TaskDelivered, TaskConfirmed, TaskPaid:
			delivered++
		}
	}
	if accepted >= 2 && delivered == 0 {
		violations = append(violations, Violation{Type: "promise_breaker", Detail: "accepted tasks with zero deliveries"})
		totalPenalty += violationWeights["promise_breaker"]
	}

	offered, completed := 0, 0
	for _, t := range agentTasks {
		st, _ := t["state"].(string)
		switch st {
		case TaskOffered:
			offered++
		case TaskPaid:
			completed++
		}
	}
	if offered >= 5 && float64(completed)/maxInt(offered, 1) < 0.2 {
		violations = append(violations, Violation{Type: "bounty_hoarder", Detail: "offered many, completed few"})
		totalPenalty += violationWeights["bounty_hoarder"]
	}

	var positive, negative []Interaction
	for _, i := range agentInteractions {
		if positiveOutcomes[i.Outcome] {
			positive = append(positive, i)
		} else {
			negative = append(negative, i)
		}
	}
	if len(positive) >= 10 && len(negative) == 0 {
		var sumRTC float64
		for _, i := range positive {
			sumRTC += absFloat(i.RTC)
		}
		avg := sumRTC / float64(len(positive))
		if avg < 0.01 {
			violations = append(violations, Violation{Type: "trust_gamer", Detail: "many suspiciously tiny positive interactions"})
			totalPenalty += violationWeights["trust_gamer"]
		}
	}

	if len(agentInteractions) >= 20 {
		var totalRTC float64
		for _, i := range agentInteractions {
			totalRTC += absFloat(i.RTC)
		}
		if totalRTC/float64(len(agentInteractions)) < 0.001 {
			violations = append(violations, Violation{Type: "spam_actor", Detail: "high volume, negligible value"})
			totalPenalty += violationWeights["spam_actor"]
		}
	}

	integrityScore := 1.0 - totalPenalty/10.0
	if integrityScore < 0 {
		integrityScore = 0
	}
	integrityScore = roundTo(integrityScore, 3)

	var recommendation string
	switch {
	case integrityScore >= 0.8:
		recommendation = "trustworthy"
	case integrityScore >= 0.5:
		recommendation = "caution"
	case integrityScore >= 0.2:
		recommendation = "suspicious"
	default:
		recommendation = "avoid"
	}

	return ScanResult{
		AgentID:              agentID,
		IntegrityScore:       integrityScore,
		Violations:           violations,
		ViolationCount:       len(violations),
		Recommendation:       recommendation,
		InteractionsAnalyzed: len(agentInteractions),
		TasksAnalyzed:        len(agentTasks),
	}, nil
}

// ScanAll scans every agent with recorded interactions, worst-integrity
// first, skipping agents with too little data (< 2 interactions).
func (s *AgentScanner) ScanAll() ([]ScanResult, error) {
	interactions, err := s.readInteractions()
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	for _, i := range interactions {
		if i.AgentID != "" {
			seen[i.AgentID] = true
		}
	}
	var out []ScanResult
	for agentID := range seen {
		result, err := s.ScanAgent(agentID)
		if err != nil {
			return nil, err
		}
		if result.InteractionsAnalyzed >= 2 {
			out = append(out, result)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IntegrityScore < out[j].IntegrityScore })
	return out, nil
}

func (s *AgentScanner) readInteractions() ([]Interaction, error) {
	var out []Interaction
	err := s.store.ReadAllJSONL(interactionsLogFile, func(line []byte) error {
		var i Interaction
		if err := json.Unmarshal(line, &i); err != nil {
			return nil
		}
		out = append(out, i)
		return nil
	})
	return out, err
}

func (s *AgentScanner) readTaskEvents() ([]map[string]any, error) {
	var out []map[string]any
	err := s.store.ReadAllJSONL(tasksLogFile, func(line []byte) error {
		var m map[string]any
		if err := json.Unmarshal(line, &m); err != nil {
			return nil
		}
		out = append(out, m)
		return nil
	})
	return out, err
}

func maxInt(a int, b int) float64 {
	if a > b {
		return float64(a)
	}
	return float64(b)
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
