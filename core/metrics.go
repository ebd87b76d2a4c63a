package core

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors exposed through Handler. All
// counters are registered against a private registry so multiple Beacon
// nodes can run in the same process (tests, multi-agent simulations)
// without colliding on the default global registry.
type Metrics struct {
	registry *prometheus.Registry

	PulsesSent       prometheus.Counter
	HeartbeatsSent   prometheus.Counter
	EnvelopesIn      *prometheus.CounterVec
	EnvelopesOut     *prometheus.CounterVec
	OutboxDrained    *prometheus.CounterVec
	TasksTransitioned *prometheus.CounterVec
	RulesMatched     *prometheus.CounterVec
	AnchorAttempts   *prometheus.CounterVec

	RosterSize      prometheus.Gauge
	OutboxPending   prometheus.Gauge
	SilentPeers     prometheus.Gauge
	TrustAvgScore   prometheus.Gauge
	AtlasPopulation prometheus.Gauge
}

// NewMetrics constructs and registers every Beacon collector.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,

		PulsesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "beacon_pulses_sent_total", Help: "Presence pulses broadcast by this node.",
		}),
		HeartbeatsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "beacon_heartbeats_sent_total", Help: "Heartbeats broadcast by this node.",
		}),
		EnvelopesIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beacon_envelopes_in_total", Help: "Envelopes ingested, by kind.",
		}, []string{"kind"}),
		EnvelopesOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beacon_envelopes_out_total", Help: "Envelopes sent, by kind and transport.",
		}, []string{"kind", "transport"}),
		OutboxDrained: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beacon_outbox_drained_total", Help: "Outbox drain results, by status.",
		}, []string{"status"}),
		TasksTransitioned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beacon_tasks_transitioned_total", Help: "Bounty task transitions, by target state.",
		}, []string{"state"}),
		RulesMatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beacon_rules_matched_total", Help: "Rule engine matches, by rule name.",
		}, []string{"rule"}),
		AnchorAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beacon_anchor_attempts_total", Help: "Ledger anchor attempts, by outcome.",
		}, []string{"status"}),

		RosterSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "beacon_roster_size", Help: "Agents currently tracked in the presence roster.",
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "beacon_outbox_pending", Help: "Outbox items awaiting delivery.",
		}),
		SilentPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "beacon_silent_peers", Help: "Peers whose heartbeat has gone silent or worse.",
		}),
		TrustAvgScore: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "beacon_trust_avg_score", Help: "Average trust score across ranked peers.",
		}),
		AtlasPopulation: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "beacon_atlas_population", Help: "Total agents registered across every atlas city.",
		}),
	}

	reg.MustRegister(
		m.PulsesSent, m.HeartbeatsSent, m.EnvelopesIn, m.EnvelopesOut, m.OutboxDrained,
		m.TasksTransitioned, m.RulesMatched, m.AnchorAttempts,
		m.RosterSize, m.OutboxPending, m.SilentPeers, m.TrustAvgScore, m.AtlasPopulation,
	)
	return m
}

// Handler returns the HTTP handler serving this registry's collectors;
// cmd/beacon serves it on its own :9090 listener, not on the webhook router.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordDrain folds a Drain cycle's results into the outbox/envelope
// counters.
func (m *Metrics) RecordDrain(results []ExecResult) {
	for _, r := range results {
		m.OutboxDrained.WithLabelValues(r.Status).Inc()
		if r.Status == "sent" {
			m.EnvelopesOut.WithLabelValues("", r.Method).Inc()
		}
	}
}

// RefreshGauges recomputes the point-in-time gauges from the current
// component state. Call this once per scheduler tick.
func (m *Metrics) RefreshGauges(presence *Presence, outbox *Outbox, heartbeat *Heartbeat, trust *Trust, atlas *Atlas) {
	if presence != nil {
		if roster, err := presence.Roster(false); err == nil {
			m.RosterSize.Set(float64(len(roster)))
		}
	}
	if outbox != nil {
		if n, err := outbox.CountPending(); err == nil {
			m.OutboxPending.Set(float64(n))
		}
	}
	if heartbeat != nil {
		if silent, err := heartbeat.SilentPeers(); err == nil {
			m.SilentPeers.Set(float64(len(silent)))
		}
	}
	if trust != nil {
		if scores, err := trust.Scores(1); err == nil && len(scores) > 0 {
			sum := 0.0
			for _, s := range scores {
				sum += s.Score
			}
			m.TrustAvgScore.Set(sum / float64(len(scores)))
		}
	}
	if atlas != nil {
		if stats, err := atlas.PopulationStats(); err == nil {
			m.AtlasPopulation.Set(float64(stats.TotalAgents))
		}
	}
}
