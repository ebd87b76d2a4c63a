package core

import "testing"

func newTestMemory(t *testing.T) (*Memory, *Store, *Trust) {
	t.Helper()
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	trust := NewTrust(store, nil)
	tasks := NewTasks(store)
	return NewMemory(store, trust, tasks, nil, nil, nil, nil), store, trust
}

func TestMemoryProfileCountsInteractions(t *testing.T) {
	memory, _, trust := newTestMemory(t)
	if err := trust.Record("agent-a", DirectionIn, "hello", OutcomeOK, 1.5); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := trust.Record("agent-b", DirectionOut, "hello", OutcomePaid, 2.0); err != nil {
		t.Fatalf("Record: %v", err)
	}

	profile, err := memory.Profile()
	if err != nil {
		t.Fatalf("Profile: %v", err)
	}
	if profile.RTCReceived != 1.5 {
		t.Fatalf("expected RTCReceived 1.5, got %f", profile.RTCReceived)
	}
	if profile.RTCSent != 2.0 {
		t.Fatalf("expected RTCSent 2.0, got %f", profile.RTCSent)
	}
}

func TestMemoryProfileIsCached(t *testing.T) {
	memory, _, trust := newTestMemory(t)
	if err := trust.Record("agent-a", DirectionIn, "hello", OutcomeOK, 1.0); err != nil {
		t.Fatalf("Record: %v", err)
	}
	first, err := memory.Profile()
	if err != nil {
		t.Fatalf("Profile: %v", err)
	}
	if err := trust.Record("agent-b", DirectionIn, "hello", OutcomeOK, 5.0); err != nil {
		t.Fatalf("Record: %v", err)
	}
	second, err := memory.Profile()
	if err != nil {
		t.Fatalf("Profile: %v", err)
	}
	if second.RTCReceived != first.RTCReceived {
		t.Fatalf("expected profile to stay cached within TTL: %f vs %f", first.RTCReceived, second.RTCReceived)
	}
}

func TestMemoryContactSummarizesHistory(t *testing.T) {
	memory, _, trust := newTestMemory(t)
	for i := 0; i < 3; i++ {
		if err := trust.Record("agent-a", DirectionIn, "hello", OutcomeOK, 1.0); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	summary, err := memory.Contact("agent-a")
	if err != nil {
		t.Fatalf("Contact: %v", err)
	}
	if summary.Interactions != 3 {
		t.Fatalf("expected 3 interactions, got %d", summary.Interactions)
	}
	if summary.RTCTotal != 3.0 {
		t.Fatalf("expected RTCTotal 3.0, got %f", summary.RTCTotal)
	}
	if summary.Outcomes[string(OutcomeOK)] != 3 {
		t.Fatalf("expected 3 ok outcomes, got %d", summary.Outcomes[string(OutcomeOK)])
	}
}

func TestMemorySuggestRulesRequiresHistory(t *testing.T) {
	memory, _, trust := newTestMemory(t)
	for i := 0; i < 4; i++ {
		if err := trust.Record("agent-a", DirectionIn, "hello", OutcomeOK, 1.0); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	suggestions, err := memory.SuggestRules(nil)
	if err != nil {
		t.Fatalf("SuggestRules: %v", err)
	}
	if len(suggestions) != 0 {
		t.Fatalf("expected no suggestions below 5-interaction threshold, got %d", len(suggestions))
	}

	if err := trust.Record("agent-a", DirectionIn, "hello", OutcomeOK, 1.0); err != nil {
		t.Fatalf("Record: %v", err)
	}
	suggestions, err = memory.SuggestRules(nil)
	if err != nil {
		t.Fatalf("SuggestRules: %v", err)
	}
	found := false
	for _, s := range suggestions {
		if s.Kind == "auto_ack" && s.AgentID == "agent-a" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected an auto_ack suggestion for agent-a, got %+v", suggestions)
	}
}

func TestAgentResponseTimesRequiresTwoInteractions(t *testing.T) {
	memory, _, trust := newTestMemory(t)
	if err := trust.Record("agent-a", DirectionIn, "hello", OutcomeOK, 1.0); err != nil {
		t.Fatalf("Record: %v", err)
	}
	stats, err := memory.AgentResponseTimes()
	if err != nil {
		t.Fatalf("AgentResponseTimes: %v", err)
	}
	if len(stats) != 0 {
		t.Fatalf("expected no response time stats with a single interaction, got %+v", stats)
	}
}
