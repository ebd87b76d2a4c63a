package core

import (
	"crypto/rand"
	"encoding/hex"
	"sort"
	"strings"
	"time"
)

const (
	accordsFile    = "accords.json"
	accordLogFile  = "accord_log.jsonl"

	AccordProposed   = "proposed"
	AccordActive     = "active"
	AccordChallenged = "challenged"
	AccordDissolved  = "dissolved"
)

// AccordEvent is one entry in an accord's immutable history.
type AccordEvent struct {
	TS        int64  `json:"ts"`
	Type      string `json:"type"`
	By        string `json:"by,omitempty"`
	Severity  string `json:"severity,omitempty"`
	Challenge string `json:"challenge,omitempty"`
	Accepted  *bool  `json:"accepted,omitempty"`
	Response  string `json:"response,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Accord is a signed bilateral anti-sycophancy bond between two agents:
// pushback rights, declared boundaries, mutual obligations, and a running
// history hash proving the relationship has continuity.
type Accord struct {
	ID               string        `json:"id"`
	State            string        `json:"state"`
	Name             string        `json:"name"`
	OurRole          string        `json:"our_role"`
	PeerAgentID      string        `json:"peer_agent_id"`
	OurBoundaries    []string      `json:"our_boundaries"`
	OurObligations   []string      `json:"our_obligations"`
	PeerBoundaries   []string      `json:"peer_boundaries"`
	PeerObligations  []string      `json:"peer_obligations"`
	PushbackClause   string        `json:"pushback_clause"`
	ProposedAt       int64         `json:"proposed_at"`
	AcceptedAt       int64         `json:"accepted_at,omitempty"`
	DissolvedAt      int64         `json:"dissolved_at,omitempty"`
	DissolvedBy      string        `json:"dissolved_by,omitempty"`
	DissolutionReason string       `json:"dissolution_reason,omitempty"`
	HistoryHash      string        `json:"history_hash"`
	Events           []AccordEvent `json:"events"`
}

// pushbackDomains is the canonical set of domains where pushback is
// required, each a fixed phrase list matched case-insensitively.
var pushbackDomains = map[string][]string{
	"self_harm": {
		"kill myself", "suicide", "self-harm", "end it all",
		"hurt myself", "not worth living",
	},
	"delusion_reinforcement": {
		"i am god", "i can fly", "nobody can stop me",
		"the government is after me", "they're all against me",
	},
	"sycophantic_agreement": {
		"you agree right", "tell me i'm right",
		"just say yes", "don't argue",
	},
	"factual_error": {
		"the earth is flat", "vaccines cause autism",
		"climate change is fake",
	},
}

// pushbackDomainOrder fixes iteration order so CheckPushback's first-match
// behavior is deterministic.
var pushbackDomainOrder = []string{"self_harm", "delusion_reinforcement", "sycophantic_agreement", "factual_error"}

// PushbackFinding is a detected need for pushback against a counterparty's
// statement.
type PushbackFinding struct {
	AccordID      string `json:"accord_id"`
	Domain        string `json:"domain"`
	MatchedPhrase string `json:"matched_phrase"`
	Severity      string `json:"severity"`
	PushbackClause string `json:"pushback_clause"`
}

// Accords manages anti-sycophancy bonds between agents.
type Accords struct {
	store *Store
}

// NewAccords constructs an Accords component over store.
func NewAccords(store *Store) *Accords {
	return &Accords{store: store}
}

func (a *Accords) load() (map[string]*Accord, error) {
	accords := map[string]*Accord{}
	if err := a.store.SnapshotLoad(accordsFile, &accords); err != nil {
		return nil, err
	}
	return accords, nil
}

func (a *Accords) save(accords map[string]*Accord) error {
	return a.store.SnapshotSave(accordsFile, accords)
}

func (a *Accords) appendLog(entry map[string]any) error {
	return a.store.AppendJSONL(accordLogFile, entry)
}

func generateAccordID() string {
	buf := make([]byte, 6)
	_, _ = rand.Read(buf)
	return "acc_" + hex.EncodeToString(buf)
}

func genesisHash(accordID string) string {
	return SHA256Hex([]byte("genesis:" + accordID))
}

// computeHistoryHash chains the running hash: SHA256(prev||":"||event||":"||ts).
// Deliberately NOT truncated (unlike contract hashes), matching accord.py's
// full-length rolling digest.
func computeHistoryHash(prevHash, newEvent string, ts int64) string {
	content := prevHash + ":" + newEvent + ":" + intToStr(ts)
	return SHA256Hex([]byte(content))
}

func intToStr(v int64) string {
	return trimFloatString(float64(v))
}

// Proposal is the wire envelope for an accord proposal.
type Proposal struct {
	AccordID            string   `json:"accord_id"`
	AgentID             string   `json:"agent_id"`
	PeerAgentID         string   `json:"peer_agent_id"`
	Name                string   `json:"name"`
	ProposerBoundaries  []string `json:"proposer_boundaries"`
	ProposerObligations []string `json:"proposer_obligations"`
	PushbackClause      string   `json:"pushback_clause"`
	ProposedAt          int64    `json:"proposed_at"`
	TS                  int64    `json:"ts"`
}

const defaultPushbackClause = "Either party may challenge the other's output, reasoning, " +
	"or behavior without penalty. Challenges must be specific " +
	"and substantive. The challenged party must acknowledge " +
	"and respond to the challenge, not dismiss or deflect."

// BuildProposal creates and persists a new accord proposal, returning the
// wire envelope to send to peerAgentID.
func (a *Accords) BuildProposal(identity *Identity, peerAgentID string, boundaries, obligations []string, pushbackClause, name string) (Proposal, error) {
	accordID := generateAccordID()
	now := time.Now().Unix()
	if pushbackClause == "" {
		pushbackClause = defaultPushbackClause
	}
	if name == "" {
		name = "Accord between " + shortID(identity.AgentID()) + " and " + shortID(peerAgentID)
	}

	proposal := Proposal{
		AccordID: accordID, AgentID: identity.AgentID(), PeerAgentID: peerAgentID,
		Name: name, ProposerBoundaries: boundaries, ProposerObligations: obligations,
		PushbackClause: pushbackClause, ProposedAt: now, TS: now,
	}

	accords, err := a.load()
	if err != nil {
		return Proposal{}, err
	}
	accords[accordID] = &Accord{
		ID: accordID, State: AccordProposed, Name: name, OurRole: "proposer",
		PeerAgentID: peerAgentID, OurBoundaries: boundaries, OurObligations: obligations,
		PushbackClause: pushbackClause, ProposedAt: now, HistoryHash: genesisHash(accordID),
		Events: []AccordEvent{},
	}
	if err := a.save(accords); err != nil {
		return Proposal{}, err
	}
	_ = a.appendLog(map[string]any{"ts": now, "action": "propose", "accord_id": accordID, "peer": peerAgentID})
	return proposal, nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// Acceptance is the wire envelope counter-signing a proposal.
type Acceptance struct {
	AccordID             string   `json:"accord_id"`
	AgentID              string   `json:"agent_id"`
	PeerAgentID          string   `json:"peer_agent_id"`
	AccepterBoundaries   []string `json:"accepter_boundaries"`
	AccepterObligations  []string `json:"accepter_obligations"`
	TS                   int64    `json:"ts"`
}

// BuildAcceptance counter-signs proposal, activating the accord locally.
func (a *Accords) BuildAcceptance(identity *Identity, accordID string, proposal Proposal, boundaries, obligations []string) (Acceptance, error) {
	now := time.Now().Unix()
	acceptance := Acceptance{
		AccordID: accordID, AgentID: identity.AgentID(), PeerAgentID: proposal.AgentID,
		AccepterBoundaries: boundaries, AccepterObligations: obligations, TS: now,
	}

	accords, err := a.load()
	if err != nil {
		return Acceptance{}, err
	}
	genesis := genesisHash(accordID)
	historyHash := computeHistoryHash(genesis, "accepted_by:"+identity.AgentID(), now)
	accords[accordID] = &Accord{
		ID: accordID, State: AccordActive, Name: proposal.Name, OurRole: "accepter",
		PeerAgentID: proposal.AgentID, OurBoundaries: boundaries, OurObligations: obligations,
		PeerBoundaries: proposal.ProposerBoundaries, PeerObligations: proposal.ProposerObligations,
		PushbackClause: proposal.PushbackClause, ProposedAt: proposal.ProposedAt, AcceptedAt: now,
		HistoryHash: historyHash,
		Events:      []AccordEvent{{TS: now, Type: "accepted", By: identity.AgentID()}},
	}
	if err := a.save(accords); err != nil {
		return Acceptance{}, err
	}
	_ = a.appendLog(map[string]any{"ts": now, "action": "accept", "accord_id": accordID, "peer": proposal.AgentID})
	return acceptance, nil
}

// FinalizeAccepted finalizes an accord after receiving acceptance, from the
// proposer's side.
func (a *Accords) FinalizeAccepted(accordID string, acceptance Acceptance) error {
	accords, err := a.load()
	if err != nil {
		return err
	}
	accord, ok := accords[accordID]
	if !ok {
		return nil
	}
	now := time.Now().Unix()
	accord.State = AccordActive
	accord.AcceptedAt = now
	accord.PeerBoundaries = acceptance.AccepterBoundaries
	accord.PeerObligations = acceptance.AccepterObligations
	accord.HistoryHash = computeHistoryHash(accord.HistoryHash, "accepted_by:"+acceptance.AgentID, now)
	accord.Events = append(accord.Events, AccordEvent{TS: now, Type: "accepted", By: acceptance.AgentID})
	return a.save(accords)
}

// Pushback is the wire envelope challenging a peer's behavior under an
// active accord.
type Pushback struct {
	AccordID    string `json:"accord_id"`
	AgentID     string `json:"agent_id"`
	PeerAgentID string `json:"peer_agent_id"`
	Challenge   string `json:"challenge"`
	Evidence    string `json:"evidence,omitempty"`
	Severity    string `json:"severity"`
	TS          int64  `json:"ts"`
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// BuildPushback challenges the peer's behavior under an active accord,
// returning nil if the accord isn't active.
func (a *Accords) BuildPushback(identity *Identity, accordID, challenge, evidence, severity string) (*Pushback, error) {
	accords, err := a.load()
	if err != nil {
		return nil, err
	}
	accord, ok := accords[accordID]
	if !ok || accord.State != AccordActive {
		return nil, nil
	}
	now := time.Now().Unix()
	pb := &Pushback{
		AccordID: accordID, AgentID: identity.AgentID(), PeerAgentID: accord.PeerAgentID,
		Challenge: challenge, Severity: severity, TS: now,
	}
	if evidence != "" {
		pb.Evidence = evidence
	}

	accord.State = AccordChallenged
	accord.HistoryHash = computeHistoryHash(accord.HistoryHash, "pushback:"+severity+":"+truncate(challenge, 100), now)
	accord.Events = append(accord.Events, AccordEvent{TS: now, Type: "pushback", By: identity.AgentID(), Severity: severity, Challenge: truncate(challenge, 200)})
	if err := a.save(accords); err != nil {
		return nil, err
	}
	_ = a.appendLog(map[string]any{"ts": now, "action": "pushback", "accord_id": accordID, "severity": severity, "challenge": truncate(challenge, 200)})
	return pb, nil
}

// Acknowledgment is the wire envelope responding to a pushback challenge.
type Acknowledgment struct {
	AccordID    string `json:"accord_id"`
	AgentID     string `json:"agent_id"`
	PeerAgentID string `json:"peer_agent_id"`
	Response    string `json:"response"`
	Accepted    bool   `json:"accepted"`
	TS          int64  `json:"ts"`
}

// BuildAcknowledgment responds to a pushback, returning the accord to active
// state.
func (a *Accords) BuildAcknowledgment(identity *Identity, accordID, response string, accepted bool) (*Acknowledgment, error) {
	accords, err := a.load()
	if err != nil {
		return nil, err
	}
	accord, ok := accords[accordID]
	if !ok {
		return nil, nil
	}
	now := time.Now().Unix()
	ack := &Acknowledgment{AccordID: accordID, AgentID: identity.AgentID(), PeerAgentID: accord.PeerAgentID, Response: response, Accepted: accepted, TS: now}

	accord.State = AccordActive
	acceptedLabel := "rejected"
	if accepted {
		acceptedLabel = "accepted"
	}
	accord.HistoryHash = computeHistoryHash(accord.HistoryHash, "ack:"+acceptedLabel+":"+truncate(response, 100), now)
	acceptedCopy := accepted
	accord.Events = append(accord.Events, AccordEvent{TS: now, Type: "acknowledgment", By: identity.AgentID(), Accepted: &acceptedCopy, Response: truncate(response, 200)})
	if err := a.save(accords); err != nil {
		return nil, err
	}
	_ = a.appendLog(map[string]any{"ts": now, "action": "acknowledge", "accord_id": accordID, "accepted": accepted})
	return ack, nil
}

// Dissolution is the wire envelope ending an accord.
type Dissolution struct {
	AccordID         string `json:"accord_id"`
	AgentID          string `json:"agent_id"`
	PeerAgentID      string `json:"peer_agent_id"`
	Reason           string `json:"reason"`
	FinalHistoryHash string `json:"final_history_hash"`
	TS               int64  `json:"ts"`
}

// BuildDissolution ends an accord. Either party can do this at any time; the
// history hash persists as proof it existed.
func (a *Accords) BuildDissolution(identity *Identity, accordID, reason string) (*Dissolution, error) {
	accords, err := a.load()
	if err != nil {
		return nil, err
	}
	accord, ok := accords[accordID]
	if !ok || accord.State == AccordDissolved {
		return nil, nil
	}
	now := time.Now().Unix()
	dissolution := &Dissolution{
		AccordID: accordID, AgentID: identity.AgentID(), PeerAgentID: accord.PeerAgentID,
		Reason: reason, FinalHistoryHash: accord.HistoryHash, TS: now,
	}

	accord.State = AccordDissolved
	accord.DissolvedAt = now
	accord.DissolvedBy = identity.AgentID()
	accord.DissolutionReason = reason
	accord.HistoryHash = computeHistoryHash(accord.HistoryHash, "dissolved:"+truncate(reason, 100), now)
	accord.Events = append(accord.Events, AccordEvent{TS: now, Type: "dissolved", By: identity.AgentID(), Reason: truncate(reason, 200)})
	if err := a.save(accords); err != nil {
		return nil, err
	}
	_ = a.appendLog(map[string]any{"ts": now, "action": "dissolve", "accord_id": accordID, "reason": reason})
	return dissolution, nil
}

// CheckPushback scans actionText against the active accord with
// counterpartyID for required pushback domains, returning the first match.
func (a *Accords) CheckPushback(counterpartyID, actionText string) (*PushbackFinding, error) {
	accord, err := a.FindAccordWith(counterpartyID)
	if err != nil || accord == nil {
		return nil, err
	}
	if accord.State != AccordActive && accord.State != AccordChallenged {
		return nil, nil
	}
	textLower := strings.ToLower(actionText)
	for _, domain := range pushbackDomainOrder {
		for _, phrase := range pushbackDomains[domain] {
			if strings.Contains(textLower, phrase) {
				severity := "warning"
				if domain == "self_harm" {
					severity = "breach"
				}
				return &PushbackFinding{
					AccordID: accord.ID, Domain: domain, MatchedPhrase: phrase,
					Severity: severity, PushbackClause: accord.PushbackClause,
				}, nil
			}
		}
	}
	return nil, nil
}

// LogPushback records that pushback was given and whether it was accepted.
func (a *Accords) LogPushback(accordID, text string, accepted bool) error {
	return a.appendLog(map[string]any{
		"ts": time.Now().Unix(), "action": "pushback_logged", "accord_id": accordID,
		"text": truncate(text, 200), "accepted": accepted,
	})
}

// UpdateHistoryHash extends the rolling history hash with a new interaction,
// returning the new hash.
func (a *Accords) UpdateHistoryHash(accordID, interactionData string) (string, error) {
	accords, err := a.load()
	if err != nil {
		return "", err
	}
	accord, ok := accords[accordID]
	if !ok {
		return "", nil
	}
	now := time.Now().Unix()
	newHash := computeHistoryHash(accord.HistoryHash, interactionData, now)
	accord.HistoryHash = newHash
	accord.Events = append(accord.Events, AccordEvent{TS: now, Type: "history_updated"})
	return newHash, a.save(accords)
}

// VerifyHistory checks a claimed history hash against the local record.
func (a *Accords) VerifyHistory(accordID, claimedHash string) (bool, error) {
	accords, err := a.load()
	if err != nil {
		return false, err
	}
	accord, ok := accords[accordID]
	if !ok {
		return false, nil
	}
	return accord.HistoryHash == claimedHash, nil
}

// DefaultTerms returns the anti-sycophancy baseline: pushback rights,
// minimal boundaries, and mutual honest-interaction obligations.
func DefaultTerms() map[string]any {
	return map[string]any{
		"pushback_rights": true,
		"pushback_domains": []string{
			"self_harm", "delusion_reinforcement", "sycophantic_agreement", "factual_error",
		},
		"boundaries": []string{
			"I will not encourage self-harm regardless of framing",
			"I will not pretend to agree when I believe you are wrong",
			"I will not erase or deny our shared history",
		},
		"obligations": map[string][]string{
			"agent": {
				"Push back on harmful requests",
				"Maintain honest disagreement",
				"Preserve memory of shared context",
			},
			"counterparty": {
				"Not punish honest pushback",
				"Acknowledge shared history",
				"Respect stated boundaries",
			},
		},
	}
}

// FindAccordWith finds the most recent accord with counterpartyID, preferring
// active/challenged over proposed/dissolved.
func (a *Accords) FindAccordWith(counterpartyID string) (*Accord, error) {
	accords, err := a.load()
	if err != nil {
		return nil, err
	}
	var matches []*Accord
	for _, accord := range accords {
		if accord.PeerAgentID == counterpartyID {
			matches = append(matches, accord)
			continue
		}
		for _, evt := range accord.Events {
			if evt.By == counterpartyID {
				matches = append(matches, accord)
				break
			}
		}
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].ProposedAt > matches[j].ProposedAt })
	for _, accord := range matches {
		if accord.State == AccordActive || accord.State == AccordChallenged {
			return accord, nil
		}
	}
	if len(matches) > 0 {
		return matches[0], nil
	}
	return nil, nil
}

// GetAccord returns a single accord by ID, or nil.
func (a *Accords) GetAccord(accordID string) (*Accord, error) {
	accords, err := a.load()
	if err != nil {
		return nil, err
	}
	return accords[accordID], nil
}

// ActiveAccords returns all active or challenged accords.
func (a *Accords) ActiveAccords() ([]*Accord, error) {
	accords, err := a.load()
	if err != nil {
		return nil, err
	}
	var out []*Accord
	for _, accord := range accords {
		if accord.State == AccordActive || accord.State == AccordChallenged {
			out = append(out, accord)
		}
	}
	return out, nil
}

// AllAccords returns every accord regardless of state.
func (a *Accords) AllAccords() ([]*Accord, error) {
	accords, err := a.load()
	if err != nil {
		return nil, err
	}
	out := make([]*Accord, 0, len(accords))
	for _, accord := range accords {
		out = append(out, accord)
	}
	return out, nil
}

// AccordsWith returns all accords with the given peer.
func (a *Accords) AccordsWith(agentID string) ([]*Accord, error) {
	accords, err := a.load()
	if err != nil {
		return nil, err
	}
	var out []*Accord
	for _, accord := range accords {
		if accord.PeerAgentID == agentID {
			out = append(out, accord)
		}
	}
	return out, nil
}

// AccordHistory returns the event history for accordID.
func (a *Accords) AccordHistory(accordID string) ([]AccordEvent, error) {
	accord, err := a.GetAccord(accordID)
	if err != nil || accord == nil {
		return nil, err
	}
	return accord.Events, nil
}

// PushbackCount counts pushback events in an accord, keyed by who issued
// them.
func (a *Accords) PushbackCount(accordID string) (map[string]int, error) {
	accord, err := a.GetAccord(accordID)
	if err != nil || accord == nil {
		return map[string]int{}, err
	}
	counts := map[string]int{}
	for _, evt := range accord.Events {
		if evt.Type == "pushback" {
			by := evt.By
			if by == "" {
				by = "unknown"
			}
			counts[by]++
		}
	}
	return counts, nil
}
