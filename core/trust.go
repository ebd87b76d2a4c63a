package core

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	interactionsLogFile = "interactions.jsonl"
	blockedFile         = "blocked.json"
	trustRecencyWindow  = 30 * 24 * time.Hour
)

// InteractionDirection is the direction of a recorded interaction.
type InteractionDirection string

const (
	DirectionIn  InteractionDirection = "in"
	DirectionOut InteractionDirection = "out"
)

// InteractionOutcome classifies a recorded interaction for scoring.
type InteractionOutcome string

const (
	OutcomeOK        InteractionOutcome = "ok"
	OutcomeDelivered InteractionOutcome = "delivered"
	OutcomePaid      InteractionOutcome = "paid"
	OutcomeSpam      InteractionOutcome = "spam"
	OutcomeScam      InteractionOutcome = "scam"
	OutcomeTimeout   InteractionOutcome = "timeout"
	OutcomeRejected  InteractionOutcome = "rejected"
)

var positiveOutcomes = map[InteractionOutcome]bool{
	OutcomeOK: true, OutcomeDelivered: true, OutcomePaid: true,
}

// Interaction is one append-only trust-log entry.
type Interaction struct {
	TS      int64                `json:"ts"`
	AgentID string               `json:"agent_id"`
	Dir     InteractionDirection `json:"dir"`
	Kind    string               `json:"kind"`
	Outcome InteractionOutcome   `json:"outcome"`
	RTC     float64              `json:"rtc,omitempty"`
}

// TrustScore summarizes an agent's interaction history.
type TrustScore struct {
	Score     float64 `json:"score"`
	Total     int     `json:"total"`
	Positive  int     `json:"positive"`
	Negative  int     `json:"negative"`
	RTCVolume float64 `json:"rtc_volume"`
}

// Trust tracks per-peer interaction logs, recency-weighted scoring, and a
// persistent blocklist.
type Trust struct {
	store  *Store
	logger *logrus.Logger
}

// NewTrust constructs a Trust component over store.
func NewTrust(store *Store, logger *logrus.Logger) *Trust {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Trust{store: store, logger: logger}
}

// Record appends an interaction for agent.
func (t *Trust) Record(agentID string, dir InteractionDirection, kind string, outcome InteractionOutcome, rtc float64) error {
	if agentID == "" {
		return fmt.Errorf("agent id required: %w", ErrInvalidInput)
	}
	interaction := Interaction{TS: time.Now().Unix(), AgentID: agentID, Dir: dir, Kind: kind, Outcome: outcome, RTC: rtc}
	return t.store.AppendJSONL(interactionsLogFile, interaction)
}

func (t *Trust) interactionsFor(agentID string) ([]Interaction, error) {
	var out []Interaction
	err := t.store.ReadAllJSONL(interactionsLogFile, func(line []byte) error {
		var i Interaction
		if err := json.Unmarshal(line, &i); err != nil {
			return nil
		}
		if agentID == "" || i.AgentID == agentID {
			out = append(out, i)
		}
		return nil
	})
	return out, err
}

func recencyWeight(ts int64, now time.Time) float64 {
	age := now.Sub(time.Unix(ts, 0))
	if age <= trustRecencyWindow {
		return 1.0
	}
	return 0.5
}

// Score computes the recency-weighted trust score for agentID, clamped to
// [-1, 1].
func (t *Trust) Score(agentID string) (TrustScore, error) {
	interactions, err := t.interactionsFor(agentID)
	if err != nil {
		return TrustScore{}, err
	}
	now := time.Now()
	var positiveWeighted, negativeWeighted, rtcVolume float64
	var positive, negative int
	for _, i := range interactions {
		w := recencyWeight(i.TS, now)
		if positiveOutcomes[i.Outcome] {
			positiveWeighted += w
			positive++
		} else {
			negativeWeighted += w
			negative++
		}
		rtcVolume += i.RTC
	}
	total := len(interactions)
	score := 0.0
	if total > 0 {
		score = (positiveWeighted - 3*negativeWeighted) / math.Max(float64(total), 1)
	}
	score = clamp(score, -1, 1)
	return TrustScore{Score: score, Total: total, Positive: positive, Negative: negative, RTCVolume: rtcVolume}, nil
}

// RankedScore pairs an agent ID with its TrustScore for Scores' output.
type RankedScore struct {
	AgentID string
	TrustScore
}

// Scores ranks all peers with at least minInteractions recorded
// interactions, highest score first.
func (t *Trust) Scores(minInteractions int) ([]RankedScore, error) {
	byAgent := map[string][]Interaction{}
	err := t.store.ReadAllJSONL(interactionsLogFile, func(line []byte) error {
		var i Interaction
		if err := json.Unmarshal(line, &i); err != nil {
			return nil
		}
		byAgent[i.AgentID] = append(byAgent[i.AgentID], i)
		return nil
	})
	if err != nil {
		return nil, err
	}
	var out []RankedScore
	for agentID := range byAgent {
		score, err := t.Score(agentID)
		if err != nil {
			return nil, err
		}
		if score.Total < minInteractions {
			continue
		}
		out = append(out, RankedScore{AgentID: agentID, TrustScore: score})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out, nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Block records agentID as blocked with reason.
func (t *Trust) Block(agentID, reason string) error {
	blocked, err := t.readBlocked()
	if err != nil {
		return err
	}
	blocked[agentID] = reason
	return t.store.SnapshotSave(blockedFile, blocked)
}

// Unblock removes agentID from the blocklist.
func (t *Trust) Unblock(agentID string) error {
	blocked, err := t.readBlocked()
	if err != nil {
		return err
	}
	delete(blocked, agentID)
	return t.store.SnapshotSave(blockedFile, blocked)
}

// IsBlocked reports whether agentID is currently blocked.
func (t *Trust) IsBlocked(agentID string) (bool, error) {
	blocked, err := t.readBlocked()
	if err != nil {
		return false, err
	}
	_, ok := blocked[agentID]
	return ok, nil
}

// BlockedList returns the full blocklist mapping.
func (t *Trust) BlockedList() (map[string]string, error) {
	return t.readBlocked()
}

func (t *Trust) readBlocked() (map[string]string, error) {
	blocked := map[string]string{}
	if err := t.store.SnapshotLoad(blockedFile, &blocked); err != nil {
		return nil, err
	}
	return blocked, nil
}
