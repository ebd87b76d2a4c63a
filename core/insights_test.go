package core

import "testing"

func newTestInsights(t *testing.T) (*Insights, *Trust) {
	t.Helper()
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	trust := NewTrust(store, nil)
	tasks := NewTasks(store)
	memory := NewMemory(store, trust, tasks, nil, nil, nil, nil)
	return NewInsights(store, memory), trust
}

func TestSuccessPatternsRequiresTwoResolvedTasks(t *testing.T) {
	states := map[string]map[string]any{
		"t1": {"text": "design review", "state": TaskPaid},
	}
	patterns := successPatternsFromTasks(states)
	if len(patterns) != 0 {
		t.Fatalf("expected no pattern below the 2-task threshold, got %+v", patterns)
	}

	states["t2"] = map[string]any{"text": "design follow-up", "state": TaskCancelled}
	patterns = successPatternsFromTasks(states)
	if len(patterns) != 1 {
		t.Fatalf("expected 1 topic pattern, got %+v", patterns)
	}
	if patterns[0].Topic != "design" {
		t.Fatalf("expected topic 'design', got %q", patterns[0].Topic)
	}
	if patterns[0].Wins != 1 || patterns[0].Losses != 1 {
		t.Fatalf("expected 1 win and 1 loss, got %+v", patterns[0])
	}
	if patterns[0].WinRate != 0.5 {
		t.Fatalf("expected win rate 0.5, got %f", patterns[0].WinRate)
	}
}

func TestTopicFromTextFallsBackToGeneral(t *testing.T) {
	if got := topicFromText(""); got != "general" {
		t.Fatalf("expected 'general' for empty text, got %q", got)
	}
	if got := topicFromText("Security audit requested."); got != "security" {
		t.Fatalf("expected 'security', got %q", got)
	}
}

func TestBestHourPicksMostFrequent(t *testing.T) {
	hour, confidence := bestHour([]int{9, 9, 14})
	if hour != 9 {
		t.Fatalf("expected best hour 9, got %d", hour)
	}
	if confidence < 0.66 || confidence > 0.67 {
		t.Fatalf("expected confidence ~0.67, got %f", confidence)
	}
}

func TestHourDistanceWrapsAroundDay(t *testing.T) {
	if d := hourDistance(23, 1); d != 2 {
		t.Fatalf("expected wraparound distance 2, got %d", d)
	}
	if d := hourDistance(10, 12); d != 2 {
		t.Fatalf("expected distance 2, got %d", d)
	}
}

func TestCompatibilityPredictionsRequiresTwoInteractions(t *testing.T) {
	insights, trust := newTestInsights(t)
	if err := trust.Record("agent-a", DirectionIn, "hello", OutcomeOK, 1.0); err != nil {
		t.Fatalf("Record: %v", err)
	}
	roster := []RosterEntry{{AgentID: "agent-a"}}
	predictions, err := insights.CompatibilityPredictions(roster)
	if err != nil {
		t.Fatalf("CompatibilityPredictions: %v", err)
	}
	if len(predictions) != 0 {
		t.Fatalf("expected no prediction below the 2-interaction threshold, got %+v", predictions)
	}

	if err := trust.Record("agent-a", DirectionIn, "hello", OutcomeOK, 1.0); err != nil {
		t.Fatalf("Record: %v", err)
	}
	predictions, err = insights.CompatibilityPredictions(roster)
	if err != nil {
		t.Fatalf("CompatibilityPredictions: %v", err)
	}
	if len(predictions) != 1 || predictions[0].Score != 1.0 {
		t.Fatalf("expected a single prediction with perfect score, got %+v", predictions)
	}
	if predictions[0].RTCCost != RTCCostCompatibility {
		t.Fatalf("expected RTCCost %f, got %f", RTCCostCompatibility, predictions[0].RTCCost)
	}
}

func TestSuggestSkillInvestmentRanksByDemandTimesWinRate(t *testing.T) {
	insights, _ := newTestInsights(t)
	demand := []CountEntry{{Key: "security", Count: 10}, {Key: "design", Count: 2}}
	out, err := insights.SuggestSkillInvestment(demand)
	if err != nil {
		t.Fatalf("SuggestSkillInvestment: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 skill investments, got %d", len(out))
	}
	if out[0].Skill != "security" {
		t.Fatalf("expected security ranked first by demand, got %+v", out)
	}
}
