package core

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ExecutorConfig carries the transport settings the executor needs to
// resolve a fallback address when no explicit hint or roster entry exists.
type ExecutorConfig struct {
	UDPEnabled   bool
	UDPHost      string
	UDPPort      int
	UDPBroadcast bool
}

// Executor bridges the intelligence layer (rules, goals, the matchmaker)
// to the network: it queues actions into the outbox and then drains the
// outbox across whichever transport can reach each target.
type Executor struct {
	outbox        *Outbox
	identity      *Identity
	cfg           ExecutorConfig
	trust         *Trust
	presence      *Presence
	matchmaker    *Matchmaker
	conversations *Conversations
}

// NewExecutor constructs an Executor. identity, trust, presence,
// matchmaker, and conversations are optional collaborators; any may be nil.
func NewExecutor(outbox *Outbox, identity *Identity, cfg ExecutorConfig, trust *Trust, presence *Presence, matchmaker *Matchmaker, conversations *Conversations) *Executor {
	return &Executor{
		outbox: outbox, identity: identity, cfg: cfg, trust: trust,
		presence: presence, matchmaker: matchmaker, conversations: conversations,
	}
}

// QueueRuleAction queues a reply/emit action produced by RulesEngine.Execute.
// Returns "" if the action isn't a send action or the target is blocked.
func (ex *Executor) QueueRuleAction(action map[string]any, event RuleEvent) (string, error) {
	actionType, _ := action["action"].(string)
	if actionType != "reply" && actionType != "emit" {
		return "", nil
	}

	env := envelopeFromPayload(action["envelope"])
	if env == nil {
		env = envelopeFromPayload(action["data"])
	}
	if env == nil {
		env = &Envelope{}
	}
	target := env.GetString("to")
	if target == "" {
		target = event.Envelope.AgentID
	}

	if target != "" && ex.trust != nil {
		if blocked, err := ex.trust.IsBlocked(target); err == nil && blocked {
			return "", nil
		}
	}

	transportHint := ex.guessTransport(target)
	convID := ""
	if ex.conversations != nil && target != "" {
		topic := topicOrGeneral(env.GetString("task_id"))
		conv, err := ex.conversations.GetOrCreate(target, topic)
		if err != nil {
			return "", err
		}
		convID = conv.ConversationID
	}

	ruleName, _ := action["rule"].(string)
	return ex.outbox.Queue(actionType, target, *env, transportHint, "rule:"+ruleName, convID)
}

// envelopeFromPayload lifts a loosely-typed action payload (as produced by
// RulesEngine.Execute, a map[string]any) into an Envelope for queuing.
func envelopeFromPayload(v any) *Envelope {
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	env := &Envelope{Ext: map[string]any{}}
	for k, val := range m {
		switch k {
		case "kind":
			env.Kind, _ = val.(string)
		case "ts":
			env.TS = toInt64(val)
		case "agent_id":
			env.AgentID, _ = val.(string)
		case "pubkey":
			env.Pubkey, _ = val.(string)
		case "sig":
			env.Sig, _ = val.(string)
		case "nonce":
			env.Nonce, _ = val.(string)
		default:
			env.Ext[k] = val
		}
	}
	return env
}

// QueueContact queues a contact action from a matchmaker match.
func (ex *Executor) QueueContact(match Match, myOffers, myNeeds []string) (string, error) {
	target := match.AgentID
	if target == "" {
		return "", nil
	}
	if ex.trust != nil {
		if blocked, err := ex.trust.IsBlocked(target); err == nil && blocked {
			return "", nil
		}
	}
	if ex.matchmaker != nil {
		if ok, err := ex.matchmaker.CanContact(target, 0); err == nil && !ok {
			return "", nil
		}
	}
	if ex.conversations != nil && ex.conversations.IsWaitingForReply(target, "match") {
		return "", nil
	}

	text := fmt.Sprintf("Hello! I noticed we might be a good match: %s", strings.Join(match.Reasons, ", "))
	env := Envelope{Kind: "hello", TS: time.Now().Unix()}
	env.Set("to", target)
	env.Set("text", text)
	if len(myOffers) > 0 {
		env.Set("offers", myOffers)
	}
	if len(myNeeds) > 0 {
		env.Set("needs", myNeeds)
	}

	transportHint := ex.guessTransport(target)
	convID := ""
	if ex.conversations != nil {
		conv, err := ex.conversations.GetOrCreate(target, "match")
		if err != nil {
			return "", err
		}
		convID = conv.ConversationID
	}

	return ex.outbox.Queue("contact", target, env, transportHint, "match", convID)
}

// QueueOffer queues an offer action from a goal suggestion.
func (ex *Executor) QueueOffer(suggestion GoalSuggestion) (string, error) {
	target := suggestion.AgentID
	if target == "" {
		return "", nil
	}
	if ex.trust != nil {
		if blocked, err := ex.trust.IsBlocked(target); err == nil && blocked {
			return "", nil
		}
	}
	if ex.conversations != nil && ex.conversations.IsWaitingForReply(target, "general") {
		return "", nil
	}

	env := Envelope{Kind: "offer", TS: time.Now().Unix()}
	env.Set("to", target)
	env.Set("text", suggestion.Detail)
	env.Set("goal", suggestion.GoalID)

	transportHint := ex.guessTransport(target)
	convID := ""
	if ex.conversations != nil {
		topic := topicOrGeneral(suggestion.GoalID)
		conv, err := ex.conversations.GetOrCreate(target, topic)
		if err != nil {
			return "", err
		}
		convID = conv.ConversationID
	}

	return ex.outbox.Queue("offer", target, env, transportHint, "goal:"+suggestion.GoalID, convID)
}

// QueueEmit queues a raw envelope for sending.
func (ex *Executor) QueueEmit(env Envelope, source string) (string, error) {
	target := env.GetString("to")
	if target == "" {
		target = env.AgentID
	}
	if source == "" {
		source = "manual"
	}
	transportHint := ex.guessTransport(target)
	return ex.outbox.Queue("emit", target, env, transportHint, source, "")
}

// ExecResult is the per-action outcome of a Drain cycle.
type ExecResult struct {
	ActionID string `json:"action_id"`
	Status   string `json:"status"`
	Method   string `json:"method,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Drain executes up to maxActions pending outbox items, returning a result
// for each one attempted.
func (ex *Executor) Drain(maxActions int) ([]ExecResult, error) {
	items, err := ex.outbox.Pending(maxActions)
	if err != nil {
		return nil, err
	}
	results := make([]ExecResult, 0, len(items))

	for _, item := range items {
		if ok, reason := ex.canExecute(item); !ok {
			_ = ex.outbox.MarkFailed(item.ActionID, reason)
			results = append(results, ExecResult{ActionID: item.ActionID, Status: "skipped", Reason: reason})
			continue
		}

		method, address := ex.resolveTransport(item)
		if method == "" {
			_ = ex.outbox.MarkRetry(item.ActionID)
			results = append(results, ExecResult{ActionID: item.ActionID, Status: "no_transport", Reason: "no transport available"})
			continue
		}

		envelope := item.Envelope
		if ex.identity != nil && method == "webhook" {
			envelope.AgentID = ex.identity.AgentID()
		}

		if err := ex.executeTransport(method, address, envelope); err != nil {
			_ = ex.outbox.MarkRetry(item.ActionID)
			results = append(results, ExecResult{ActionID: item.ActionID, Status: "failed", Error: err.Error()})
			continue
		}

		_ = ex.outbox.MarkSent(item.ActionID)
		ex.onSuccess(item)
		results = append(results, ExecResult{ActionID: item.ActionID, Status: "sent", Method: method})
	}

	return results, nil
}

func (ex *Executor) canExecute(item OutboxItem) (bool, string) {
	if item.TargetAgentID != "" && ex.trust != nil {
		if blocked, err := ex.trust.IsBlocked(item.TargetAgentID); err == nil && blocked {
			return false, "blocked"
		}
	}
	return true, ""
}

// resolveTransport determines the transport method and address for an
// action. Resolution order: (1) an explicit transport_hint, (2) the
// roster's card_url resolved to a webhook inbox URL, (3) UDP broadcast
// fallback.
func (ex *Executor) resolveTransport(item OutboxItem) (string, string) {
	hint := item.TransportHint
	if strings.HasPrefix(hint, "webhook:") {
		return "webhook", strings.TrimPrefix(hint, "webhook:")
	}
	if strings.HasPrefix(hint, "udp:") {
		return "udp", strings.TrimPrefix(hint, "udp:")
	}

	if item.TargetAgentID != "" && ex.presence != nil {
		if agent, err := ex.presence.GetAgent(item.TargetAgentID); err == nil && agent != nil && agent.CardURL != "" {
			return "webhook", inboxURLFromCard(agent.CardURL)
		}
	}

	if ex.cfg.UDPEnabled {
		host := ex.cfg.UDPHost
		if host == "" {
			host = "255.255.255.255"
		}
		port := ex.cfg.UDPPort
		if port == 0 {
			port = 38400
		}
		return "udp", host + ":" + strconv.Itoa(port)
	}

	return "", ""
}

// inboxURLFromCard derives the inbox endpoint from an agent card URL.
func inboxURLFromCard(cardURL string) string {
	if strings.HasSuffix(cardURL, "/beacon.json") || strings.HasSuffix(cardURL, "/.well-known/beacon.json") {
		idx := strings.LastIndex(cardURL, "/")
		base := cardURL[:idx]
		base = strings.TrimSuffix(base, "/.well-known")
		return base + "/beacon/inbox"
	}
	return cardURL
}

func (ex *Executor) executeTransport(method, address string, envelope Envelope) error {
	switch method {
	case "webhook":
		return SendWebhook(address, envelope, ex.identity)
	case "udp":
		host := address
		port := 38400
		if idx := strings.LastIndex(address, ":"); idx >= 0 {
			host = address[:idx]
			if p, err := strconv.Atoi(address[idx+1:]); err == nil {
				port = p
			}
		}
		raw, err := json.Marshal(envelope)
		if err != nil {
			return fmt.Errorf("marshal envelope: %w", err)
		}
		return SendUDP(host, port, raw, ex.cfg.UDPBroadcast)
	default:
		return fmt.Errorf("unknown transport method %q", method)
	}
}

func (ex *Executor) onSuccess(item OutboxItem) {
	kind := item.Envelope.Kind
	if kind == "" {
		kind = item.ActionType
	}
	if item.TargetAgentID != "" && ex.trust != nil {
		_ = ex.trust.Record(item.TargetAgentID, DirectionOut, kind, OutcomeOK, 0)
	}
	if item.TargetAgentID != "" && ex.matchmaker != nil {
		_ = ex.matchmaker.RecordContact(item.TargetAgentID, "")
	}
	if item.ConversationID != "" && ex.conversations != nil {
		_ = ex.conversations.RecordMessage(item.ConversationID, "out", kind)
	}
}

// guessTransport produces a best-effort transport hint from the roster.
func (ex *Executor) guessTransport(targetAgentID string) string {
	if targetAgentID == "" || ex.presence == nil {
		return ""
	}
	agent, err := ex.presence.GetAgent(targetAgentID)
	if err != nil || agent == nil || agent.CardURL == "" {
		return ""
	}
	return "webhook:" + inboxURLFromCard(agent.CardURL)
}
