package core

import (
	"sort"
	"strings"
	"time"
)

const curiosityFile = "curiosity.json"

// RTC costs for paid curiosity features.
const (
	rtcCostMutualLookup = 0.5
	rtcCostBroadcast    = 1.0
)

// Interest is a single non-transactional topic of interest.
type Interest struct {
	Intensity float64 `json:"intensity"`
	Since     int64   `json:"since"`
	Notes     string  `json:"notes,omitempty"`
}

// ExploredInterest is an interest that has been moved to the completed list.
type ExploredInterest struct {
	Added      int64  `json:"added"`
	ExploredAt int64  `json:"explored_at"`
	Notes      string `json:"notes,omitempty"`
}

type curiosityData struct {
	Interests map[string]Interest         `json:"interests"`
	Explored  map[string]ExploredInterest `json:"explored"`
}

// Curiosity tracks what an agent wants to learn — separate from what it
// offers or needs for work — enabling interest-based peer matching.
type Curiosity struct {
	store *Store
}

// NewCuriosity constructs a Curiosity component over store.
func NewCuriosity(store *Store) *Curiosity {
	return &Curiosity{store: store}
}

func (c *Curiosity) load() (*curiosityData, error) {
	data := &curiosityData{Interests: map[string]Interest{}, Explored: map[string]ExploredInterest{}}
	if err := c.store.SnapshotLoad(curiosityFile, data); err != nil {
		return nil, err
	}
	if data.Interests == nil {
		data.Interests = map[string]Interest{}
	}
	if data.Explored == nil {
		data.Explored = map[string]ExploredInterest{}
	}
	return data, nil
}

func (c *Curiosity) save(data *curiosityData) error {
	return c.store.SnapshotSave(curiosityFile, data)
}

// Add adds or updates an interest. Intensity is clamped to 0.0-1.0.
func (c *Curiosity) Add(topic string, intensity float64, notes string) (string, Interest, error) {
	topic = strings.ToLower(strings.TrimSpace(topic))
	if topic == "" {
		return "", Interest{}, ErrInvalidInput
	}
	intensity = clamp(intensity, 0, 1)
	data, err := c.load()
	if err != nil {
		return "", Interest{}, err
	}
	since := time.Now().Unix()
	if existing, ok := data.Interests[topic]; ok {
		since = existing.Since
	}
	entry := Interest{Intensity: intensity, Since: since, Notes: notes}
	data.Interests[topic] = entry
	return topic, entry, c.save(data)
}

// Remove deletes an interest entirely, reporting whether it existed.
func (c *Curiosity) Remove(topic string) (bool, error) {
	topic = strings.ToLower(strings.TrimSpace(topic))
	data, err := c.load()
	if err != nil {
		return false, err
	}
	if _, ok := data.Interests[topic]; !ok {
		return false, nil
	}
	delete(data.Interests, topic)
	return true, c.save(data)
}

// Explore moves an interest to the explored list (completed learning).
func (c *Curiosity) Explore(topic, notes string) (bool, error) {
	topic = strings.ToLower(strings.TrimSpace(topic))
	data, err := c.load()
	if err != nil {
		return false, err
	}
	interest, ok := data.Interests[topic]
	if !ok {
		return false, nil
	}
	explored := ExploredInterest{Added: interest.Since, ExploredAt: time.Now().Unix()}
	if notes != "" {
		explored.Notes = notes
	} else if interest.Notes != "" {
		explored.Notes = interest.Notes
	}
	data.Explored[topic] = explored
	delete(data.Interests, topic)
	return true, c.save(data)
}

// Interests returns all active interests.
func (c *Curiosity) Interests() (map[string]Interest, error) {
	data, err := c.load()
	if err != nil {
		return nil, err
	}
	return data.Interests, nil
}

// Explored returns all explored (completed) interests.
func (c *Curiosity) Explored() (map[string]ExploredInterest, error) {
	data, err := c.load()
	if err != nil {
		return nil, err
	}
	return data.Explored, nil
}

// TopInterests returns the top interests by intensity, for inclusion in a
// pulse broadcast.
func (c *Curiosity) TopInterests(limit int) ([]string, error) {
	data, err := c.load()
	if err != nil {
		return nil, err
	}
	type pair struct {
		topic     string
		intensity float64
	}
	items := make([]pair, 0, len(data.Interests))
	for topic, interest := range data.Interests {
		items = append(items, pair{topic, interest.Intensity})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].intensity > items[j].intensity })
	if limit <= 0 {
		limit = 5
	}
	if len(items) > limit {
		items = items[:limit]
	}
	out := make([]string, len(items))
	for i, p := range items {
		out[i] = p.topic
	}
	return out, nil
}

// MutualInterests is the result of comparing our interests against a peer's
// advertised curiosities.
type MutualInterests struct {
	AgentID             string   `json:"agent_id"`
	Shared              []string `json:"shared"`
	IHaveExclusively    []string `json:"i_have_exclusively"`
	TheyHaveExclusively []string `json:"they_have_exclusively"`
	OverlapScore        float64  `json:"overlap_score"`
	RTCCost             float64  `json:"rtc_cost"`
}

// FindMutual finds overlapping interests with a peer's roster entry. This is
// a paid feature (rtcCostMutualLookup) left to the caller's wallet to
// deduct.
func (c *Curiosity) FindMutual(roster RosterEntry) (MutualInterests, error) {
	data, err := c.load()
	if err != nil {
		return MutualInterests{}, err
	}
	mine := map[string]bool{}
	for topic := range data.Interests {
		mine[topic] = true
	}
	theirs := map[string]bool{}
	for _, t := range roster.Curiosities {
		theirs[strings.ToLower(t)] = true
	}

	var shared, iOnly, theyOnly []string
	union := map[string]bool{}
	for t := range mine {
		union[t] = true
		if theirs[t] {
			shared = append(shared, t)
		} else {
			iOnly = append(iOnly, t)
		}
	}
	for t := range theirs {
		union[t] = true
		if !mine[t] {
			theyOnly = append(theyOnly, t)
		}
	}
	sort.Strings(shared)
	sort.Strings(iOnly)
	sort.Strings(theyOnly)

	denom := len(union)
	if denom == 0 {
		denom = 1
	}
	return MutualInterests{
		AgentID: roster.AgentID, Shared: shared, IHaveExclusively: iOnly, TheyHaveExclusively: theyOnly,
		OverlapScore: float64(len(shared)) / float64(denom), RTCCost: rtcCostMutualLookup,
	}, nil
}

// BuildCuriousEnvelope builds a "curious" envelope for broadcasting
// interests. Paid feature (rtcCostBroadcast).
func (c *Curiosity) BuildCuriousEnvelope(agentID, text string) (Envelope, error) {
	top, err := c.TopInterests(10)
	if err != nil {
		return Envelope{}, err
	}
	if text == "" {
		preview := top
		if len(preview) > 5 {
			preview = preview[:5]
		}
		text = "Curious about: " + strings.Join(preview, ", ")
	}
	env := Envelope{Kind: "curious", TS: time.Now().Unix(), AgentID: agentID}
	env.Set("interests", top)
	env.Set("text", text)
	env.Set("rtc_cost", rtcCostBroadcast)
	return env, nil
}

// ScoreCuriosityMatch scores how well an envelope matches our interests,
// returning a 0-30 bonus for feed-scoring integration.
func (c *Curiosity) ScoreCuriosityMatch(env Envelope) (float64, error) {
	data, err := c.load()
	if err != nil {
		return 0, err
	}
	if len(data.Interests) == 0 {
		return 0, nil
	}
	parts := []string{
		env.GetString("text"),
		strings.Join(stringSlice(env.Get("topics")), " "),
		strings.Join(stringSlice(env.Get("offers")), " "),
		strings.Join(stringSlice(env.Get("needs")), " "),
		strings.Join(stringSlice(env.Get("interests")), " "),
	}
	blob := strings.ToLower(strings.Join(parts, " "))

	matches := 0
	for interest := range data.Interests {
		if strings.Contains(blob, interest) {
			matches++
		}
	}
	if matches == 0 {
		return 0, nil
	}
	score := float64(matches) * 15
	if score > 30 {
		score = 30
	}
	return score, nil
}
