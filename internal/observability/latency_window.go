package observability

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

// Latency stages outside the drain round itself.
const (
	StageSummarize = "summarize"
	StageExtract   = "extract_facts"
	StageGenerate  = "generate_reply"
	StageInbound   = "inbound_total"
)

const roundStagePrefix = "drain_round_"

// RoundStage names the latency stage of a drain round run by trigger.
func RoundStage(trigger string) string {
	return roundStagePrefix + trigger
}

// Indicator names for degraded paths.
const (
	IndicatorSummaryFallback = "summary_fallback"
	IndicatorFactsEmpty      = "facts_empty_delta"
	IndicatorCoverageMoved   = "coverage_moved"
	IndicatorReplyFallback   = "reply_fallback"
	IndicatorInlineAbandoned = "inline_round_abandoned"
)

type StageLatency struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	MeanMS      float64 `json:"mean_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	MaxMS       float64 `json:"max_ms"`
	BudgetP95MS float64 `json:"budget_p95_ms,omitempty"`
	OverBudget  bool    `json:"over_budget,omitempty"`
}

// TriggerRounds totals committed drain rounds per trigger since start.
type TriggerRounds struct {
	Trigger      string  `json:"trigger"`
	Rounds       int64   `json:"rounds"`
	Messages     int64   `json:"messages"`
	MeanBlock    float64 `json:"mean_block"`
	MSPerMessage float64 `json:"ms_per_message"`
}

type Indicator struct {
	Name  string `json:"name"`
	Count int64  `json:"count"`
}

type LatencySnapshot struct {
	GeneratedAt         time.Time       `json:"generated_at"`
	WindowSize          int             `json:"window_size"`
	Stages              []StageLatency  `json:"stages"`
	Rounds              []TriggerRounds `json:"rounds"`
	SummaryFallbackRate float64         `json:"summary_fallback_rate"`
	Indicators          []Indicator     `json:"indicators,omitempty"`
}

// LatencyWindow keeps the most recent samples of every stage, running
// per-trigger round totals and degradation counts. A nil window records
// nothing.
type LatencyWindow struct {
	mu         sync.RWMutex
	size       int
	samples    map[string]*sampleWindow
	rounds     map[string]*roundTotals
	indicators map[string]int64
}

type sampleWindow struct {
	ms    []float64
	total int
	last  float64
}

type roundTotals struct {
	rounds   int64
	messages int64
	ms       float64
}

func NewLatencyWindow(size int) *LatencyWindow {
	if size <= 0 {
		size = 256
	}
	return &LatencyWindow{
		size:       size,
		samples:    make(map[string]*sampleWindow),
		rounds:     make(map[string]*roundTotals),
		indicators: make(map[string]int64),
	}
}

func (w *LatencyWindow) Observe(stage string, d time.Duration) {
	if w == nil || stage == "" || d < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.record(stage, toMS(d))
}

// ObserveRound records a committed drain round of messages folded under trigger.
func (w *LatencyWindow) ObserveRound(trigger string, messages int, d time.Duration) {
	if w == nil || trigger == "" || d < 0 {
		return
	}
	ms := toMS(d)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.record(RoundStage(trigger), ms)
	t, ok := w.rounds[trigger]
	if !ok {
		t = &roundTotals{}
		w.rounds[trigger] = t
	}
	t.rounds++
	t.messages += int64(messages)
	t.ms += ms
}

func (w *LatencyWindow) record(stage string, ms float64) {
	s, ok := w.samples[stage]
	if !ok {
		s = &sampleWindow{ms: make([]float64, w.size)}
		w.samples[stage] = s
	}
	s.ms[s.total%w.size] = ms
	s.total++
	s.last = ms
}

func (w *LatencyWindow) ObserveIndicator(name string) {
	name = strings.TrimSpace(name)
	if w == nil || name == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.indicators[name]++
}

func (w *LatencyWindow) Snapshot() LatencySnapshot {
	snap := LatencySnapshot{
		GeneratedAt: time.Now().UTC(),
		Stages:      []StageLatency{},
		Rounds:      []TriggerRounds{},
	}
	if w == nil {
		return snap
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	snap.WindowSize = w.size

	for stage, s := range w.samples {
		n := min(s.total, w.size)
		sorted := append([]float64(nil), s.ms[:n]...)
		sort.Float64s(sorted)
		sum := 0.0
		for _, v := range sorted {
			sum += v
		}
		st := StageLatency{
			Stage:       stage,
			Samples:     n,
			LastMS:      round2(s.last),
			MeanMS:      round2(sum / float64(n)),
			P50MS:       round2(nearestRank(sorted, 0.50)),
			P95MS:       round2(nearestRank(sorted, 0.95)),
			MaxMS:       round2(sorted[n-1]),
			BudgetP95MS: stageBudgetP95MS(stage),
		}
		st.OverBudget = st.BudgetP95MS > 0 && st.P95MS > st.BudgetP95MS
		snap.Stages = append(snap.Stages, st)
	}
	sort.Slice(snap.Stages, func(i, j int) bool { return snap.Stages[i].Stage < snap.Stages[j].Stage })

	var totalRounds int64
	for trigger, t := range w.rounds {
		r := TriggerRounds{Trigger: trigger, Rounds: t.rounds, Messages: t.messages}
		if t.rounds > 0 {
			r.MeanBlock = round2(float64(t.messages) / float64(t.rounds))
		}
		if t.messages > 0 {
			r.MSPerMessage = round2(t.ms / float64(t.messages))
		}
		totalRounds += t.rounds
		snap.Rounds = append(snap.Rounds, r)
	}
	sort.Slice(snap.Rounds, func(i, j int) bool { return snap.Rounds[i].Trigger < snap.Rounds[j].Trigger })
	if totalRounds > 0 {
		snap.SummaryFallbackRate = round2(float64(w.indicators[IndicatorSummaryFallback]) / float64(totalRounds))
	}

	for name, count := range w.indicators {
		snap.Indicators = append(snap.Indicators, Indicator{Name: name, Count: count})
	}
	sort.Slice(snap.Indicators, func(i, j int) bool { return snap.Indicators[i].Name < snap.Indicators[j].Name })
	return snap
}

func toMS(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

// nearestRank returns the q-quantile of sorted by the nearest-rank method.
func nearestRank(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(q * float64(len(sorted))))
	rank = max(1, min(rank, len(sorted)))
	return sorted[rank-1]
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// stageBudgetP95MS bounds each stage by the external call timeouts it spans.
func stageBudgetP95MS(stage string) float64 {
	if strings.HasPrefix(stage, roundStagePrefix) {
		return 20000
	}
	switch stage {
	case StageSummarize, StageExtract, StageInbound:
		return 8000
	case StageGenerate:
		return 5000
	}
	return 0
}
