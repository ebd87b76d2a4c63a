package core

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"beacon/pkg/config"
)

// Node wires every manager into a single running agent: the persistence
// store, identity, the intelligence layer (rules, goals, matchmaker), and
// the named periodic tasks that drive the main loop.
type Node struct {
	cfg      *config.Config
	logger   *logrus.Logger
	identity *Identity
	store    *Store

	Known         *KnownKeys
	State         *State
	Inbox         *Inbox
	Outbox        *Outbox
	Executor      *Executor
	Presence      *Presence
	Heartbeat     *Heartbeat
	Conversations *Conversations
	Matchmaker    *Matchmaker
	Trust         *Trust
	Values        *Values
	Curiosity     *Curiosity
	Goals         *Goals
	Journal       *Journal
	Tasks         *Tasks
	Rules         *RulesEngine
	Accords       *Accords
	Contracts     *Contracts
	Mayday        *Mayday
	Atlas         *Atlas
	Memory        *Memory
	Insights      *Insights
	Scanner       *AgentScanner
	Anchor        *Anchor
	Metrics       *Metrics
	Webhook       *WebhookServer

	startTS int64

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// NewNode constructs every manager for identity over store, configured by
// cfg. logger is optional; nil uses logrus's standard logger.
func NewNode(cfg *config.Config, store *Store, identity *Identity, logger *logrus.Logger) (*Node, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	startTS := time.Now().Unix()

	known, err := NewKnownKeys(store)
	if err != nil {
		return nil, err
	}
	state, err := NewState(store)
	if err != nil {
		return nil, err
	}
	values, err := NewValues(store)
	if err != nil {
		return nil, err
	}
	conversations, err := NewConversations(store, identity.AgentID())
	if err != nil {
		return nil, err
	}

	trust := NewTrust(store, logger)
	curiosity := NewCuriosity(store)
	journal := NewJournal(store)
	goals := NewGoals(store, journal)
	tasks := NewTasks(store)
	accords := NewAccords(store)
	contracts := NewContracts(store)
	mayday := NewMayday(store)
	atlas := NewAtlas(store)
	scanner := NewAgentScanner(store)
	matchmaker := NewMatchmaker(store, trust, curiosity, values)

	inbox := NewInbox(store, known, state, logger)
	outbox := NewOutbox(store)
	presence := NewPresence(store, int64(cfg.Presence.PulseTTLS), startTS)
	heartbeat := NewHeartbeat(store, int64(cfg.Heartbeat.SilenceThresholdS), int64(cfg.Heartbeat.DeadThresholdS), startTS)

	rules, err := NewRulesEngine(store, values, trust, goals)
	if err != nil {
		return nil, err
	}

	execCfg := ExecutorConfig{
		UDPEnabled: cfg.UDP.Enabled, UDPHost: cfg.UDP.Broadcast, UDPPort: cfg.UDP.Port,
		UDPBroadcast: cfg.UDP.Broadcast != "",
	}
	executor := NewExecutor(outbox, identity, execCfg, trust, presence, matchmaker, conversations)

	memory := NewMemory(store, trust, tasks, goals, journal, curiosity, values)
	insights := NewInsights(store, memory)

	var ledger *LedgerClient
	var anchor *Anchor
	if cfg.Ledger.Endpoint != "" {
		ledger = NewLedgerClient(cfg.Ledger.Endpoint, cfg.Ledger.TLSVerify)
		anchor = NewAnchor(store, ledger, identity)
	}

	n := &Node{
		cfg: cfg, logger: logger, identity: identity, store: store,
		Known: known, State: state, Inbox: inbox, Outbox: outbox, Executor: executor,
		Presence: presence, Heartbeat: heartbeat, Conversations: conversations, Matchmaker: matchmaker,
		Trust: trust, Values: values, Curiosity: curiosity, Goals: goals, Journal: journal, Tasks: tasks,
		Rules: rules, Accords: accords, Contracts: contracts, Mayday: mayday, Atlas: atlas,
		Memory: memory, Insights: insights, Scanner: scanner, Anchor: anchor, Metrics: NewMetrics(),
		startTS: startTS, cancels: map[string]context.CancelFunc{},
	}

	if cfg.Webhook.Enabled {
		n.Webhook = NewWebhookServer(identity, inbox, n.buildAgentCard, logger)
	}
	return n, nil
}

func (n *Node) buildAgentCard() (*AgentCard, bool) {
	card := AgentCard{
		BeaconVersion: BeaconVersion, AgentID: n.identity.AgentID(), PublicKeyHex: n.identity.PublicKeyHex(),
		Name: n.cfg.Beacon.AgentName,
		Capabilities: AgentCapability{Topics: n.cfg.Preferences.Topics},
	}
	if cardValues, err := n.Values.ToCardDict(); err == nil {
		card.Values = cardValues
	}
	signed, err := SignAgentCard(card, n.identity)
	if err != nil {
		n.logger.WithError(err).Warn("node: failed to sign agent card")
		return &card, true
	}
	return &signed, true
}

// pulseOptions builds this node's current pulse broadcast options from config
// and the self-model managers.
func (n *Node) pulseOptions() PulseOptions {
	opts := PulseOptions{
		AgentName: n.cfg.Beacon.AgentName, Status: n.cfg.Presence.Status,
		Offers: n.cfg.Presence.Offers, Needs: n.cfg.Presence.Needs, CardURL: n.cfg.Presence.CardURL,
		Topics: n.cfg.Preferences.Topics,
	}
	if top, err := n.Curiosity.TopInterests(5); err == nil {
		opts.Curiosities = top
	}
	if hash, err := n.Values.ValuesHash(); err == nil {
		opts.ValuesHash = hash
	}
	active := n.Goals.ActiveGoals()
	titles := make([]string, 0, len(active))
	for _, g := range active {
		titles = append(titles, g.Title)
	}
	opts.Goals = titles
	return opts
}

// IngestEnvelope runs one envelope through the full receive pipeline: inbox
// ingest, presence/heartbeat/task auto-updates, rule evaluation, and
// executor queuing for any resulting actions.
func (n *Node) IngestEnvelope(platform, from, text string, env Envelope) error {
	rec, err := n.Inbox.Ingest(IngestInput{Platform: platform, From: from, Text: text, Envelope: env, ReceivedAt: time.Now()})
	if err != nil {
		return err
	}
	n.Metrics.EnvelopesIn.WithLabelValues(env.Kind).Inc()

	switch env.Kind {
	case "pulse":
		_ = n.Presence.ProcessPulse(env)
	case "heartbeat":
		_, _ = n.Heartbeat.ProcessHeartbeat(env)
	}
	_, _ = n.Tasks.AutoTransitionFromEnvelope(env)

	actions := n.Rules.Process(RuleEvent{Envelope: env, Verified: rec.Verified, Platform: platform})
	for _, action := range actions {
		if _, err := n.Executor.QueueRuleAction(action, RuleEvent{Envelope: env, Verified: rec.Verified, Platform: platform}); err != nil {
			n.logger.WithError(err).Warn("node: failed to queue rule action")
		}
	}
	return nil
}

// namedTask is one entry in the periodic scheduler: a name (for independent
// cancellation/logging) and the work to run on each tick.
type namedTask struct {
	name     string
	interval time.Duration
	run      func(ctx context.Context) error
}

func (n *Node) tasks() []namedTask {
	pulseInterval := time.Duration(n.cfg.Presence.PulseIntervalS) * time.Second
	if pulseInterval <= 0 {
		pulseInterval = defaultPulseIntervalS * time.Second
	}
	return []namedTask{
		{"pulse_emit", pulseInterval, func(ctx context.Context) error {
			env := n.Presence.BuildPulse(n.identity, n.pulseOptions())
			n.Metrics.PulsesSent.Inc()
			_, err := n.Executor.QueueEmit(env, "scheduler:pulse")
			return err
		}},
		{"heartbeat_emit", 30 * time.Second, func(ctx context.Context) error {
			env, err := n.Heartbeat.BuildHeartbeat(n.identity, n.cfg.Beacon.AgentName, HBAlive, nil)
			if err != nil {
				return err
			}
			n.Metrics.HeartbeatsSent.Inc()
			_, err = n.Executor.QueueEmit(env, "scheduler:heartbeat")
			return err
		}},
		{"outbox_drain", 10 * time.Second, func(ctx context.Context) error {
			results, err := n.Executor.Drain(50)
			if err != nil {
				return err
			}
			n.Metrics.RecordDrain(results)
			if n.Anchor != nil {
				for _, r := range results {
					if _, err := AnchorAction(ctx, r, n.Anchor); err != nil {
						n.logger.WithError(err).Debug("node: anchor action failed")
					}
				}
			}
			return nil
		}},
		{"roster_prune", 5 * time.Minute, func(ctx context.Context) error {
			_, err := n.Presence.PruneStale(0)
			return err
		}},
		{"heartbeat_prune", 5 * time.Minute, func(ctx context.Context) error {
			_, err := n.Heartbeat.PruneDead(0)
			return err
		}},
		{"market_snapshot", 1 * time.Hour, func(ctx context.Context) error {
			_, err := n.Atlas.SnapshotMarket()
			return err
		}},
		{"metrics_refresh", 15 * time.Second, func(ctx context.Context) error {
			n.Metrics.RefreshGauges(n.Presence, n.Outbox, n.Heartbeat, n.Trust, n.Atlas)
			return nil
		}},
	}
}

// Start launches every periodic task as its own cancellable goroutine.
// Calling Start twice is a no-op for tasks already running.
func (n *Node) Start(ctx context.Context) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, t := range n.tasks() {
		if _, running := n.cancels[t.name]; running {
			continue
		}
		taskCtx, cancel := context.WithCancel(ctx)
		n.cancels[t.name] = cancel
		n.wg.Add(1)
		go n.runPeriodic(taskCtx, t)
	}
}

func (n *Node) runPeriodic(ctx context.Context, t namedTask) {
	defer n.wg.Done()
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.run(ctx); err != nil {
				n.logger.WithError(err).WithField("task", t.name).Warn("node: periodic task failed")
			}
		}
	}
}

// StopTask cancels a single named task, leaving the rest running.
func (n *Node) StopTask(name string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if cancel, ok := n.cancels[name]; ok {
		cancel()
		delete(n.cancels, name)
	}
}

// Stop cancels every running task and waits for them to exit.
func (n *Node) Stop() {
	n.mu.Lock()
	for _, cancel := range n.cancels {
		cancel()
	}
	n.cancels = map[string]context.CancelFunc{}
	n.mu.Unlock()
	n.wg.Wait()
}

// Identity returns this node's identity.
func (n *Node) Identity() *Identity { return n.identity }

// StartedAt returns the unix timestamp this node was constructed.
func (n *Node) StartedAt() int64 { return n.startTS }
