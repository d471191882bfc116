package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	DrainRounds          *prometheus.CounterVec
	MessagesConsolidated prometheus.Counter
	DrainDuration        prometheus.Histogram
	ExternalCalls        *prometheus.CounterVec
	SweepPasses          *prometheus.CounterVec
	SweepCandidates      prometheus.Histogram
	SweepBackoffs        prometheus.Gauge
	IngestedLegs         *prometheus.CounterVec
	InboundTurns         *prometheus.CounterVec
	TurnCacheSessions    prometheus.Gauge
	PendingToSummarize   prometheus.Gauge
	TranscriptRedactions prometheus.Counter

	latency *LatencyWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		DrainRounds: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "drain_rounds_total",
			Help:      "Consolidation drain rounds by trigger and outcome.",
		}, []string{"trigger", "outcome"}),
		MessagesConsolidated: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_consolidated_total",
			Help:      "Messages folded into consolidated memory and purged from the log.",
		}),
		DrainDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "drain_round_duration_ms",
			Help:      "Wall time of one drain round in milliseconds, external calls included.",
			Buckets:   []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		}),
		ExternalCalls: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "external_calls_total",
			Help:      "External completion calls by capability and outcome.",
		}, []string{"capability", "outcome"}),
		SweepPasses: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_passes_total",
			Help:      "Background sweep passes by outcome.",
		}, []string{"outcome"}),
		SweepCandidates: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_candidates",
			Help:      "Conversations selected per sweep pass.",
			Buckets:   []float64{0, 1, 2, 5, 10, 20, 50},
		}),
		SweepBackoffs: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sweep_backoff_conversations",
			Help:      "Conversations currently cooling down after a failed drain.",
		}),
		IngestedLegs: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingested_legs_total",
			Help:      "Message log appends by direction and outcome.",
		}, []string{"direction", "outcome"}),
		InboundTurns: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_turns_total",
			Help:      "Handled inbound messages by reply source and context source.",
		}, []string{"reply", "context"}),
		TurnCacheSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "turn_cache_sessions",
			Help:      "Conversations held in the in-process turn cache.",
		}),
		PendingToSummarize: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_to_summarize",
			Help:      "Logged messages older than the inline inactivity threshold at the last readiness probe.",
		}),
		TranscriptRedactions: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcript_redactions_total",
			Help:      "Transcripts masked before leaving the process.",
		}),
		latency: NewLatencyWindow(256),
	}
}

func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.latency.Observe(stage, d)
}

// ObserveRound feeds a committed drain round into the latency window.
func (m *Metrics) ObserveRound(trigger string, messages int, d time.Duration) {
	if m == nil {
		return
	}
	m.latency.ObserveRound(trigger, messages, d)
}

func (m *Metrics) ObserveIndicator(name string) {
	if m == nil {
		return
	}
	m.latency.ObserveIndicator(name)
}

// SnapshotLatency returns recent stage latencies and per-trigger round totals.
func (m *Metrics) SnapshotLatency() LatencySnapshot {
	if m == nil {
		return (*LatencyWindow)(nil).Snapshot()
	}
	return m.latency.Snapshot()
}

func (m *Metrics) ObserveDrain(trigger, outcome string, count int, d time.Duration) {
	if m == nil {
		return
	}
	m.DrainRounds.WithLabelValues(trigger, outcome).Inc()
	if count > 0 {
		m.MessagesConsolidated.Add(float64(count))
	}
	m.DrainDuration.Observe(float64(d.Milliseconds()))
}

func (m *Metrics) ObserveExternalCall(capability, outcome string) {
	if m == nil {
		return
	}
	m.ExternalCalls.WithLabelValues(capability, outcome).Inc()
}

func (m *Metrics) ObserveSweepPass(outcome string, candidates, backoffs int) {
	if m == nil {
		return
	}
	m.SweepPasses.WithLabelValues(outcome).Inc()
	m.SweepCandidates.Observe(float64(candidates))
	m.SweepBackoffs.Set(float64(backoffs))
}

func (m *Metrics) ObserveIngest(direction, outcome string) {
	if m == nil {
		return
	}
	m.IngestedLegs.WithLabelValues(direction, outcome).Inc()
}

func (m *Metrics) ObserveInbound(replySource, contextSource string, cacheSessions int) {
	if m == nil {
		return
	}
	m.InboundTurns.WithLabelValues(replySource, contextSource).Inc()
	m.TurnCacheSessions.Set(float64(cacheSessions))
}

func (m *Metrics) SetCacheSessions(n int) {
	if m == nil {
		return
	}
	m.TurnCacheSessions.Set(float64(n))
}

func (m *Metrics) SetPending(n int64) {
	if m == nil {
		return
	}
	m.PendingToSummarize.Set(float64(n))
}

func (m *Metrics) ObserveRedaction() {
	if m == nil {
		return
	}
	m.TranscriptRedactions.Inc()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
