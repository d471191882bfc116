package observability

import (
	"testing"
	"time"
)

func TestLatencyWindowKeepsMostRecentSamples(t *testing.T) {
	w := NewLatencyWindow(4)
	for _, ms := range []int{10, 20, 30, 40, 50, 60} {
		w.Observe(StageSummarize, time.Duration(ms)*time.Millisecond)
	}

	snap := w.Snapshot()
	if snap.WindowSize != 4 || len(snap.Stages) != 1 {
		t.Fatalf("Snapshot() = %+v", snap)
	}
	st := snap.Stages[0]
	if st.Samples != 4 {
		t.Fatalf("Samples = %d, want 4", st.Samples)
	}
	if st.LastMS != 60 || st.MaxMS != 60 || st.MeanMS != 45 {
		t.Fatalf("stats = %+v", st)
	}
	if st.P50MS != 40 || st.P95MS != 60 {
		t.Fatalf("p50/p95 = %v/%v, want 40/60", st.P50MS, st.P95MS)
	}
	if st.BudgetP95MS != 8000 || st.OverBudget {
		t.Fatalf("budget = %v over=%v, want 8000 within budget", st.BudgetP95MS, st.OverBudget)
	}
}

func TestLatencyWindowRoundsPerTrigger(t *testing.T) {
	w := NewLatencyWindow(8)
	w.ObserveRound("inline", 120, 2400*time.Millisecond)
	w.ObserveRound("inline", 40, 800*time.Millisecond)
	w.ObserveRound("sweep", 10, 25*time.Second)
	w.ObserveIndicator(IndicatorSummaryFallback)
	w.ObserveIndicator("  ")

	snap := w.Snapshot()
	if len(snap.Rounds) != 2 {
		t.Fatalf("Rounds = %+v, want inline and sweep", snap.Rounds)
	}
	inline := snap.Rounds[0]
	if inline.Trigger != "inline" || inline.Rounds != 2 || inline.Messages != 160 {
		t.Fatalf("inline = %+v", inline)
	}
	if inline.MeanBlock != 80 || inline.MSPerMessage != 20 {
		t.Fatalf("inline mean block/ms per message = %v/%v, want 80/20", inline.MeanBlock, inline.MSPerMessage)
	}
	if got := snap.SummaryFallbackRate; got != 0.33 {
		t.Fatalf("SummaryFallbackRate = %v, want 0.33", got)
	}
	if len(snap.Indicators) != 1 || snap.Indicators[0].Count != 1 {
		t.Fatalf("Indicators = %+v", snap.Indicators)
	}

	var sweep StageLatency
	for _, st := range snap.Stages {
		if st.Stage == RoundStage("sweep") {
			sweep = st
		}
	}
	if sweep.Samples != 1 || !sweep.OverBudget {
		t.Fatalf("sweep round stage = %+v, want one sample over budget", sweep)
	}
}

func TestLatencyWindowNilIsSafe(t *testing.T) {
	var w *LatencyWindow
	w.Observe(StageGenerate, time.Second)
	w.ObserveRound("manual", 3, time.Second)
	w.ObserveIndicator(IndicatorCoverageMoved)
	got := w.Snapshot()
	if len(got.Stages) != 0 || len(got.Rounds) != 0 {
		t.Fatalf("nil Snapshot() = %+v", got)
	}
}
