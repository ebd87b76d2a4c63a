package core

import (
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	rulesFile      = "rules.json"
	rulesLogFile   = "rules_log.jsonl"
	ruleCooldownS  = 60
)

// Rule is a declarative match+action pair.
type Rule struct {
	Name     string         `json:"name"`
	When     map[string]any `json:"when"`
	Then     map[string]any `json:"then"`
	Disabled bool           `json:"disabled,omitempty"`
}

// RuleEvent is the context a rule is matched against: an envelope plus the
// ambient metadata (verified, platform, feed score) rules can condition on.
type RuleEvent struct {
	Envelope Envelope
	Verified *bool
	Platform string
	Score    float64
}

// RuleMatch is one rule (or the synthetic boundary-enforcement pseudo-rule)
// whose conditions matched an event.
type RuleMatch struct {
	Rule             string
	Action           map[string]any
	Event            RuleEvent
	BoundaryViolated string
}

// RulesEngine evaluates incoming events against declarative rules with
// cooldown and boundary-precedence enforcement.
type RulesEngine struct {
	store     *Store
	values    *Values
	trust     *Trust
	goals     *Goals

	mu        sync.Mutex
	rules     []Rule
	cooldowns map[string]time.Time
}

type rulesSnapshot struct {
	Rules []Rule `json:"rules"`
}

// NewRulesEngine loads (or initializes) rules.json. trust, values and goals
// may be nil; when a collaborator is absent, the predicates that consult it
// (min_trust/max_trust, values_match, goal_active, goal_progress) are
// skipped, so they do not stop a rule from matching.
func NewRulesEngine(store *Store, values *Values, trust *Trust, goals *Goals) (*RulesEngine, error) {
	re := &RulesEngine{store: store, values: values, trust: trust, goals: goals, cooldowns: map[string]time.Time{}}
	var snap rulesSnapshot
	if err := store.SnapshotLoad(rulesFile, &snap); err != nil {
		return nil, err
	}
	re.rules = snap.Rules
	return re, nil
}

func (re *RulesEngine) save() error {
	return re.store.SnapshotSave(rulesFile, rulesSnapshot{Rules: re.rules})
}

// Rules returns a copy of all configured rules.
func (re *RulesEngine) Rules() []Rule {
	re.mu.Lock()
	defer re.mu.Unlock()
	out := make([]Rule, len(re.rules))
	copy(out, re.rules)
	return out
}

// AddRule appends a new rule.
func (re *RulesEngine) AddRule(r Rule) error {
	re.mu.Lock()
	re.rules = append(re.rules, r)
	re.mu.Unlock()
	return re.save()
}

// RemoveRule removes a rule by name, returning whether it existed.
func (re *RulesEngine) RemoveRule(name string) (bool, error) {
	re.mu.Lock()
	defer re.mu.Unlock()
	before := len(re.rules)
	kept := re.rules[:0:0]
	for _, r := range re.rules {
		if r.Name != name {
			kept = append(kept, r)
		}
	}
	re.rules = kept
	if len(re.rules) == before {
		return false, nil
	}
	return true, re.save()
}

// SetRuleEnabled enables or disables a rule by name, returning whether it
// was found.
func (re *RulesEngine) SetRuleEnabled(name string, enabled bool) (bool, error) {
	re.mu.Lock()
	defer re.mu.Unlock()
	for i := range re.rules {
		if re.rules[i].Name == name {
			re.rules[i].Disabled = !enabled
			return true, re.save()
		}
	}
	return false, nil
}

func (re *RulesEngine) matchCondition(when map[string]any, evt RuleEvent) bool {
	env := evt.Envelope

	if expected, ok := when["kind"]; ok {
		if !matchStringOrList(expected, env.Kind) {
			return false
		}
	}
	if expected, ok := when["agent_id"]; ok {
		if !matchStringOrList(expected, env.AgentID) {
			return false
		}
	}

	rtc := toFloat64(env.GetOr("reward_rtc", 0.0))
	if minRTC, ok := when["min_rtc"]; ok && rtc < toFloat64(minRTC) {
		return false
	}
	if maxRTC, ok := when["max_rtc"]; ok && rtc > toFloat64(maxRTC) {
		return false
	}

	if re.trust != nil {
		if _, hasMin := when["min_trust"]; hasMin {
			if !re.trustInRange(env.AgentID, when) {
				return false
			}
		} else if _, hasMax := when["max_trust"]; hasMax {
			if !re.trustInRange(env.AgentID, when) {
				return false
			}
		}
	}

	if minScore, ok := when["min_score"]; ok && evt.Score < toFloat64(minScore) {
		return false
	}

	if rawTopics, ok := when["topic_match"]; ok {
		var topics []string
		switch t := rawTopics.(type) {
		case string:
			topics = []string{t}
		case []string:
			topics = t
		}
		blob := strings.ToLower(strings.Join([]string{
			env.GetString("text"),
			strings.Join(stringSlice(env.Get("links")), " "),
			env.GetString("bounty_url"),
		}, " "))
		found := false
		for _, t := range topics {
			if strings.Contains(blob, strings.ToLower(t)) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if expected, ok := when["verified"]; ok {
		expectedBool, isBool := expected.(bool)
		if isBool {
			actual := evt.Verified != nil && *evt.Verified
			if actual != expectedBool {
				return false
			}
		}
	}

	if expected, ok := when["platform"]; ok {
		if s, isStr := expected.(string); isStr && evt.Platform != s {
			return false
		}
	}

	if expected, ok := when["task_state"]; ok {
		if s, isStr := expected.(string); isStr && env.GetString("state") != s {
			return false
		}
	}

	if minCompat, ok := when["values_match"]; ok && re.values != nil {
		otherValues := env.GetOr("values", nil)
		if principlesMap, isMap := otherValues.(map[string]any); isMap && len(principlesMap) > 0 {
			theirPrincipals := decodeOtherPrincipals(principlesMap)
			if re.values.Compatibility(theirPrincipals) < toFloat64(minCompat) {
				return false
			}
		}
	}

	if goalActive, ok := when["goal_active"].(bool); ok && re.goals != nil {
		hasActive := len(re.goals.ActiveGoals()) > 0
		if goalActive != hasActive {
			return false
		}
	}

	if keyword, ok := when["goal_progress"].(string); ok && re.goals != nil {
		keyword = strings.ToLower(keyword)
		found := false
		for _, g := range re.goals.ActiveGoals() {
			if strings.Contains(strings.ToLower(g.Title), keyword) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	return true
}

func decodeOtherPrincipals(raw map[string]any) map[string]Principle {
	out := map[string]Principle{}
	if principlesRaw, ok := raw["principles"].(map[string]any); ok {
		for name, v := range principlesRaw {
			if pm, ok := v.(map[string]any); ok {
				out[name] = Principle{Weight: toFloat64(pm["weight"]), Text: stringOf(pm["text"])}
			}
		}
	}
	return out
}

func stringOf(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func (re *RulesEngine) trustInRange(agentID string, when map[string]any) bool {
	if agentID == "" {
		return true
	}
	score, err := re.trust.Score(agentID)
	if err != nil {
		return true
	}
	if minTrust, ok := when["min_trust"]; ok && score.Score < toFloat64(minTrust) {
		return false
	}
	if maxTrust, ok := when["max_trust"]; ok && score.Score > toFloat64(maxTrust) {
		return false
	}
	return true
}

func matchStringOrList(expected any, actual string) bool {
	switch t := expected.(type) {
	case string:
		return actual == t
	case []string:
		return contains(t, actual)
	case []any:
		for _, e := range t {
			if s, ok := e.(string); ok && s == actual {
				return true
			}
		}
		return false
	default:
		return true
	}
}

func (re *RulesEngine) cooldownKey(ruleName, agentID string) string {
	return ruleName + ":" + agentID
}

func (re *RulesEngine) isCooledDown(ruleName, agentID string) bool {
	re.mu.Lock()
	defer re.mu.Unlock()
	last, ok := re.cooldowns[re.cooldownKey(ruleName, agentID)]
	if !ok {
		return false
	}
	return time.Since(last) < ruleCooldownS*time.Second
}

func (re *RulesEngine) markFired(ruleName, agentID string) {
	re.mu.Lock()
	re.cooldowns[re.cooldownKey(ruleName, agentID)] = time.Now()
	re.mu.Unlock()
}

// Evaluate finds all rules matching evt. Boundary enforcement short-circuits:
// if the values component reports a violated boundary, the only match
// returned is the synthetic _boundary_enforcement log action.
func (re *RulesEngine) Evaluate(evt RuleEvent) []RuleMatch {
	if re.values != nil {
		if violated := re.values.CheckBoundaries(evt.Envelope); violated != "" {
			return []RuleMatch{{
				Rule:             "_boundary_enforcement",
				Action:           map[string]any{"action": "log", "message": "Boundary violated: " + violated},
				Event:            evt,
				BoundaryViolated: violated,
			}}
		}
	}

	re.mu.Lock()
	rules := make([]Rule, len(re.rules))
	copy(rules, re.rules)
	re.mu.Unlock()

	var matches []RuleMatch
	for _, r := range rules {
		if r.Disabled {
			continue
		}
		if !re.matchCondition(r.When, evt) {
			continue
		}
		if re.isCooledDown(r.Name, evt.Envelope.AgentID) {
			continue
		}
		matches = append(matches, RuleMatch{Rule: r.Name, Action: r.Then, Event: evt})
	}
	return matches
}

func substituteVars(text string, env Envelope) string {
	replacements := map[string]string{
		"$from":       env.GetString("from"),
		"$agent_id":   env.AgentID,
		"$kind":       env.Kind,
		"$nonce":      env.Nonce,
		"$reward_rtc": toStringAny(env.GetOr("reward_rtc", "")),
		"$task_id":    env.GetString("task_id"),
		"$text":       env.GetString("text"),
		"$name":       env.GetString("name"),
	}
	out := text
	for k, v := range replacements {
		out = strings.ReplaceAll(out, k, v)
	}
	return out
}

func toStringAny(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return trimFloatString(t)
	default:
		return ""
	}
}

// Execute runs a single action, returning its result payload.
func (re *RulesEngine) Execute(action map[string]any, evt RuleEvent) map[string]any {
	env := evt.Envelope
	actionType, _ := action["action"].(string)
	if actionType == "" {
		actionType = "log"
	}

	switch actionType {
	case "log":
		message, _ := action["message"].(string)
		if message == "" {
			message = "Rule fired"
		}
		message = substituteVars(message, env)
		entry := map[string]any{"ts": time.Now().Unix(), "message": message, "event_kind": env.Kind}
		_ = re.store.AppendJSONL(rulesLogFile, entry)
		return map[string]any{"action": "log", "message": message}

	case "reply":
		replyKind, _ := action["kind"].(string)
		if replyKind == "" {
			replyKind = "hello"
		}
		text, _ := action["text"].(string)
		to := env.AgentID
		if to == "" {
			to = env.GetString("from")
		}
		reply := map[string]any{
			"kind": replyKind,
			"to":   to,
			"text": substituteVars(text, env),
			"ts":   time.Now().Unix(),
		}
		if taskID, ok := action["task_id"].(string); ok {
			reply["task_id"] = substituteVars(taskID, env)
		}
		return map[string]any{"action": "reply", "envelope": reply}

	case "block":
		reason, _ := action["reason"].(string)
		if reason == "" {
			reason = "auto-blocked by rule"
		}
		return map[string]any{"action": "block", "agent_id": env.AgentID, "reason": substituteVars(reason, env)}

	case "rate":
		outcome, _ := action["outcome"].(string)
		if outcome == "" {
			outcome = "ok"
		}
		return map[string]any{"action": "rate", "agent_id": env.AgentID, "outcome": outcome}

	case "mark_read":
		return map[string]any{"action": "mark_read", "nonce": env.Nonce}

	case "emit":
		data := map[string]any{}
		for k, v := range action {
			if k == "action" {
				continue
			}
			if s, ok := v.(string); ok {
				data[k] = substituteVars(s, env)
			} else {
				data[k] = v
			}
		}
		return map[string]any{"action": "emit", "data": data}

	default:
		return map[string]any{"action": actionType, "error": "unknown_action"}
	}
}

// Process runs the full pipeline: evaluate then execute every match,
// marking cooldowns as each fires.
func (re *RulesEngine) Process(evt RuleEvent) []map[string]any {
	matches := re.Evaluate(evt)
	results := make([]map[string]any, 0, len(matches))
	for _, m := range matches {
		result := re.Execute(m.Action, m.Event)
		result["rule"] = m.Rule
		results = append(results, result)
		re.markFired(m.Rule, m.Event.Envelope.AgentID)
	}
	return results
}

func trimFloatString(f float64) string {
	if f == float64(int64(f)) {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}
