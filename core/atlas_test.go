package core

import "testing"

func newTestAtlas(t *testing.T) *Atlas {
	t.Helper()
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return NewAtlas(store)
}

func TestEnsureCityIsIdempotent(t *testing.T) {
	atlas := newTestAtlas(t)
	first, err := atlas.EnsureCity("Data Engineering")
	if err != nil {
		t.Fatalf("EnsureCity: %v", err)
	}
	second, err := atlas.EnsureCity("data engineering")
	if err != nil {
		t.Fatalf("EnsureCity second call: %v", err)
	}
	if first.Name != second.Name || first.Domain != second.Domain {
		t.Fatalf("expected idempotent city lookup, got %+v vs %+v", first, second)
	}
}

func TestRegisterAgentUpdatesPopulationAndType(t *testing.T) {
	atlas := newTestAtlas(t)
	prop, err := atlas.RegisterAgent("agent-1", []string{"security", "ops"}, "Agent One")
	if err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}
	if prop.PrimaryCity != "security" {
		t.Fatalf("expected primary city security, got %s", prop.PrimaryCity)
	}
	city, err := atlas.GetCity("security")
	if err != nil {
		t.Fatalf("GetCity: %v", err)
	}
	if city == nil || city.Population != 1 {
		t.Fatalf("expected population 1 in security city, got %+v", city)
	}
	if city.Type != CityOutpost {
		t.Fatalf("expected outpost type at population 1, got %s", city.Type)
	}

	stats, err := atlas.PopulationStats()
	if err != nil {
		t.Fatalf("PopulationStats: %v", err)
	}
	if stats.TotalAgents != 1 || stats.TotalCities < 2 {
		t.Fatalf("unexpected population stats: %+v", stats)
	}
}

func TestRegisterAgentReRegistrationMovesResidency(t *testing.T) {
	atlas := newTestAtlas(t)
	if _, err := atlas.RegisterAgent("agent-1", []string{"security"}, "Agent One"); err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}
	if _, err := atlas.RegisterAgent("agent-1", []string{"finance"}, "Agent One"); err != nil {
		t.Fatalf("RegisterAgent re-register: %v", err)
	}
	security, err := atlas.GetCity("security")
	if err != nil {
		t.Fatalf("GetCity security: %v", err)
	}
	if security != nil && contains(security.Residents, "agent-1") {
		t.Fatalf("expected agent-1 removed from security after re-registration")
	}
	finance, err := atlas.GetCity("finance")
	if err != nil {
		t.Fatalf("GetCity finance: %v", err)
	}
	if finance == nil || !contains(finance.Residents, "agent-1") {
		t.Fatalf("expected agent-1 resident of finance")
	}
}

func TestUnregisterAgentRemovesFromAllCities(t *testing.T) {
	atlas := newTestAtlas(t)
	if _, err := atlas.RegisterAgent("agent-1", []string{"security", "ops"}, ""); err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}
	removed, err := atlas.UnregisterAgent("agent-1")
	if err != nil {
		t.Fatalf("UnregisterAgent: %v", err)
	}
	if !removed {
		t.Fatalf("expected UnregisterAgent to report removal")
	}
	prop, err := atlas.GetProperty("agent-1")
	if err != nil {
		t.Fatalf("GetProperty: %v", err)
	}
	if prop != nil {
		t.Fatalf("expected no property after unregister, got %+v", prop)
	}
}

func TestCalibrateWeightsSumToOne(t *testing.T) {
	sum := 0.0
	for _, w := range CalibrationWeights {
		sum += w
	}
	if sum < 0.999 || sum > 1.001 {
		t.Fatalf("expected calibration weights to sum to 1.0, got %f", sum)
	}
}

func TestCalibrateBetweenStrangers(t *testing.T) {
	atlas := newTestAtlas(t)
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	trust := NewTrust(store, nil)
	accords := NewAccords(store)

	if _, err := atlas.RegisterAgent("agent-a", []string{"security"}, ""); err != nil {
		t.Fatalf("RegisterAgent a: %v", err)
	}
	if _, err := atlas.RegisterAgent("agent-b", []string{"security", "ops"}, ""); err != nil {
		t.Fatalf("RegisterAgent b: %v", err)
	}

	result, err := atlas.Calibrate("agent-a", "agent-b", trust, accords, nil)
	if err != nil {
		t.Fatalf("Calibrate: %v", err)
	}
	if result.Overall < 0 || result.Overall > 1 {
		t.Fatalf("expected overall calibration in [0,1], got %f", result.Overall)
	}
	if _, ok := result.Scores["domain_overlap"]; !ok {
		t.Fatalf("expected domain_overlap component in calibration scores")
	}
}

func TestEstimateGradeBounds(t *testing.T) {
	atlas := newTestAtlas(t)
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	trust := NewTrust(store, nil)
	accords := NewAccords(store)
	heartbeat := NewHeartbeat(store, 900, 3600, 0)

	if _, err := atlas.RegisterAgent("agent-a", []string{"security"}, ""); err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}
	est, err := atlas.Estimate("agent-a", trust, accords, heartbeat, nil)
	if err != nil {
		t.Fatalf("Estimate: %v", err)
	}
	if est.Value < 0 || est.Value > est.MaxPossible {
		t.Fatalf("expected estimate within [0, max], got %f / %f", est.Value, est.MaxPossible)
	}
	switch est.Grade {
	case "S", "A", "B", "C", "D", "F":
	default:
		t.Fatalf("unexpected grade %q", est.Grade)
	}
}

func TestSnapshotMarketRecordsPopulation(t *testing.T) {
	atlas := newTestAtlas(t)
	if _, err := atlas.RegisterAgent("agent-a", []string{"security"}, ""); err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}
	snap, err := atlas.SnapshotMarket()
	if err != nil {
		t.Fatalf("SnapshotMarket: %v", err)
	}
	if snap.TotalAgents != 1 {
		t.Fatalf("expected 1 total agent in snapshot, got %d", snap.TotalAgents)
	}
}
