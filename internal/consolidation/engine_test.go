package consolidation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ent0n29/chatmem/internal/facts"
	"github.com/ent0n29/chatmem/internal/memory"
	"github.com/ent0n29/chatmem/internal/redact"
)

type fakeLLM struct {
	mu          sync.Mutex
	summaryErr  error
	extractErr  error
	delta       facts.Facts
	block       chan struct{}
	transcripts []string
	summaries   int
}

func (f *fakeLLM) Model() string { return "fake-model" }

func (f *fakeLLM) Summarize(ctx context.Context, prior, transcript string) (string, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transcripts = append(f.transcripts, transcript)
	if f.summaryErr != nil {
		return "", f.summaryErr
	}
	f.summaries++
	lines := strings.Count(transcript, "\n")
	if prior == "" {
		return fmt.Sprintf("summary#%d (%d lines)", f.summaries, lines), nil
	}
	return fmt.Sprintf("%s | summary#%d (%d lines)", prior, f.summaries, lines), nil
}

func (f *fakeLLM) ExtractFacts(_ context.Context, _ string) (facts.Facts, error) {
	if f.extractErr != nil {
		return facts.Facts{}, f.extractErr
	}
	return f.delta, nil
}

func newEngine(t *testing.T, store memory.Store, l *fakeLLM, cfg Config) *Engine {
	t.Helper()
	if cfg.Thresholds.Inline == 0 {
		cfg.Thresholds = Thresholds{Inline: 180 * time.Minute}
	}
	return New(store, l, l, cfg, nil, nil)
}

func seedAlternating(t *testing.T, s *memory.InMemoryStore, id string, n int, at time.Time) {
	t.Helper()
	for i := 0; i < n; i++ {
		dir := memory.DirectionIn
		if i%2 == 1 {
			dir = memory.DirectionOut
		}
		if _, err := s.AppendMessage(context.Background(), memory.Message{
			ConversationID: id,
			Direction:      dir,
			Body:           fmt.Sprintf("msg %d", i+1),
			CreatedAt:      at,
		}); err != nil {
			t.Fatalf("AppendMessage() error = %v", err)
		}
	}
}

func TestConsolidateIfInactiveFoldsFirstBlock(t *testing.T) {
	store := memory.NewInMemoryStore()
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	seedAlternating(t, store, "c1", 6, now.Add(-181*time.Minute))

	l := &fakeLLM{delta: facts.Facts{Name: "Lucia"}}
	e := newEngine(t, store, l, Config{})
	e.SetClock(func() time.Time { return now })

	res, err := e.ConsolidateIfInactive(context.Background(), "c1")
	if err != nil {
		t.Fatalf("ConsolidateIfInactive() error = %v", err)
	}
	if !res.Consolidated || res.Round == nil || res.Round.Count != 6 {
		t.Fatalf("ConsolidateIfInactive() = %+v, want 6 consolidated", res)
	}

	c, err := store.Consolidated(context.Background(), "c1")
	if err != nil {
		t.Fatalf("Consolidated() error = %v", err)
	}
	if c.MessageCount != 6 || c.FromMessageID != 1 || c.ToMessageID != 6 {
		t.Fatalf("coverage = %+v, want 1..6 count 6", c)
	}
	if c.Model != "fake-model" {
		t.Fatalf("model = %q, want fake-model", c.Model)
	}
	left, _ := store.RecentMessages(context.Background(), "c1", 0, 100)
	if len(left) != 0 {
		t.Fatalf("log rows = %d, want 0", len(left))
	}
	if !strings.HasPrefix(l.transcripts[0], "Customer: msg 1\nAgent: msg 2\n") {
		t.Fatalf("transcript = %q", l.transcripts[0])
	}
}

func TestConsolidateIfInactiveSkipsActiveConversation(t *testing.T) {
	store := memory.NewInMemoryStore()
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	seedAlternating(t, store, "c1", 2, now.Add(-179*time.Minute))

	e := newEngine(t, store, &fakeLLM{}, Config{})
	e.SetClock(func() time.Time { return now })

	res, err := e.ConsolidateIfInactive(context.Background(), "c1")
	if err != nil {
		t.Fatalf("ConsolidateIfInactive() error = %v", err)
	}
	if res.Consolidated || res.Reason != "active" {
		t.Fatalf("ConsolidateIfInactive() = %+v, want active no-op", res)
	}

	res, err = e.ConsolidateIfInactive(context.Background(), "unknown")
	if err != nil || res.Reason != "no_messages" {
		t.Fatalf("ConsolidateIfInactive(unknown) = %+v, %v", res, err)
	}
}

func TestConsolidateIfInactiveDrainsExactlyOneBlock(t *testing.T) {
	store := memory.NewInMemoryStore()
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	seedAlternating(t, store, "c1", 30, now.Add(-4*time.Hour))

	e := newEngine(t, store, &fakeLLM{}, Config{BlockSize: 10})
	e.SetClock(func() time.Time { return now })

	res, err := e.ConsolidateIfInactive(context.Background(), "c1")
	if err != nil {
		t.Fatalf("ConsolidateIfInactive() error = %v", err)
	}
	if res.Round.Count != 10 {
		t.Fatalf("count = %d, want 10", res.Round.Count)
	}
	left, _ := store.RecentMessages(context.Background(), "c1", 0, 100)
	if len(left) != 20 {
		t.Fatalf("log rows = %d, want 20", len(left))
	}
}

func TestDrainPendingCatchesUpInThreeRounds(t *testing.T) {
	store := memory.NewInMemoryStore()
	ctx := context.Background()
	at := time.Now().UTC().Add(-10 * time.Hour)
	seedAlternating(t, store, "c1", 50, at)

	l := &fakeLLM{}
	e := newEngine(t, store, l, Config{BlockSize: 120})
	if _, err := e.DrainOneBlock(ctx, "c1", TriggerManual); err != nil {
		t.Fatalf("DrainOneBlock() error = %v", err)
	}
	seedAlternating(t, store, "c1", 250, at)

	report, err := e.DrainPending(ctx, "c1", 5, TriggerSweep)
	if err != nil {
		t.Fatalf("DrainPending() error = %v", err)
	}
	if len(report.Rounds) != 3 || report.Consolidated != 250 || !report.CaughtUp {
		t.Fatalf("report = %+v, want 3 rounds / 250 / caught up", report)
	}
	wantCounts := []int{120, 120, 10}
	for i, r := range report.Rounds {
		if r.Count != wantCounts[i] {
			t.Fatalf("round %d count = %d, want %d", i, r.Count, wantCounts[i])
		}
	}

	c, _ := store.Consolidated(ctx, "c1")
	if c.ToMessageID != 300 || c.MessageCount != 300 || c.FromMessageID != 1 {
		t.Fatalf("coverage = %+v, want 1..300 count 300", c)
	}
	left, _ := store.RecentMessages(ctx, "c1", 0, 1000)
	if len(left) != 0 {
		t.Fatalf("log rows = %d, want 0", len(left))
	}
}

func TestDrainPendingStopsAtRoundCap(t *testing.T) {
	store := memory.NewInMemoryStore()
	seedAlternating(t, store, "c1", 100, time.Now().UTC())
	e := newEngine(t, store, &fakeLLM{}, Config{BlockSize: 10})

	report, err := e.DrainPending(context.Background(), "c1", 3, TriggerSweep)
	if err != nil {
		t.Fatalf("DrainPending() error = %v", err)
	}
	if len(report.Rounds) != 3 || report.Consolidated != 30 || report.CaughtUp {
		t.Fatalf("report = %+v, want 3 rounds, 30 messages, not caught up", report)
	}
}

func TestExtractorFailureKeepsFactsAndAdvances(t *testing.T) {
	store := memory.NewInMemoryStore()
	ctx := context.Background()
	seedAlternating(t, store, "c1", 4, time.Now().UTC())

	l := &fakeLLM{delta: facts.Facts{Name: "Lucia", Sizes: []string{"38"}}}
	e := newEngine(t, store, l, Config{})
	if _, err := e.DrainOneBlock(ctx, "c1", TriggerManual); err != nil {
		t.Fatalf("DrainOneBlock() error = %v", err)
	}

	seedAlternating(t, store, "c1", 4, time.Now().UTC())
	l.extractErr = errors.New("quota exceeded")
	round, err := e.DrainOneBlock(ctx, "c1", TriggerManual)
	if err != nil {
		t.Fatalf("DrainOneBlock() error = %v, want nil", err)
	}
	if !round.Advanced || !round.FactsEmpty || round.SummaryFallback {
		t.Fatalf("round = %+v, want advanced with empty delta", round)
	}

	c, _ := store.Consolidated(ctx, "c1")
	if !strings.Contains(c.Summary, "summary#2") {
		t.Fatalf("summary = %q, want updated summary", c.Summary)
	}
	p, _ := store.Profile(ctx, "c1")
	if p.Facts.Name != "Lucia" || len(p.Facts.Sizes) != 1 {
		t.Fatalf("profile facts = %+v, want unchanged", p.Facts)
	}
	if c.MessageCount != 8 {
		t.Fatalf("count = %d, want 8", c.MessageCount)
	}
}

func TestSummarizerFailureUsesPlaceholder(t *testing.T) {
	store := memory.NewInMemoryStore()
	ctx := context.Background()
	seedAlternating(t, store, "c1", 4, time.Now().UTC())

	l := &fakeLLM{summaryErr: errors.New("connection refused")}
	e := newEngine(t, store, l, Config{BlockSize: 2})
	for i := 0; i < 2; i++ {
		round, err := e.DrainOneBlock(ctx, "c1", TriggerManual)
		if err != nil {
			t.Fatalf("DrainOneBlock() error = %v", err)
		}
		if !round.SummaryFallback || !round.Advanced {
			t.Fatalf("round = %+v, want placeholder fallback", round)
		}
	}
	c, _ := store.Consolidated(ctx, "c1")
	if c.Summary != "[unsummarized: 4 messages, ids 1-4]" {
		t.Fatalf("summary = %q", c.Summary)
	}
}

func TestDrainRoundAbandonedOnTimeout(t *testing.T) {
	store := memory.NewInMemoryStore()
	now := time.Now().UTC()
	seedAlternating(t, store, "c1", 4, now.Add(-5*time.Hour))

	l := &fakeLLM{block: make(chan struct{})}
	e := newEngine(t, store, l, Config{InlineTimeout: 20 * time.Millisecond})

	_, err := e.ConsolidateIfInactive(context.Background(), "c1")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("ConsolidateIfInactive() error = %v, want deadline exceeded", err)
	}
	if _, err := store.Consolidated(context.Background(), "c1"); !errors.Is(err, memory.ErrNotFound) {
		t.Fatalf("Consolidated() error = %v, want ErrNotFound", err)
	}
	left, _ := store.RecentMessages(context.Background(), "c1", 0, 100)
	if len(left) != 4 {
		t.Fatalf("log rows = %d, want 4", len(left))
	}
}

func TestTranscriptIsRedactedBeforeExternalCalls(t *testing.T) {
	store := memory.NewInMemoryStore()
	if _, err := store.AppendMessage(context.Background(), memory.Message{
		ConversationID: "c1",
		Direction:      memory.DirectionIn,
		Body:           "mi correo es ana@example.com",
	}); err != nil {
		t.Fatalf("AppendMessage() error = %v", err)
	}
	l := &fakeLLM{}
	e := newEngine(t, store, l, Config{Redactor: redact.Default()})
	if _, err := e.DrainOneBlock(context.Background(), "c1", TriggerManual); err != nil {
		t.Fatalf("DrainOneBlock() error = %v", err)
	}
	if strings.Contains(l.transcripts[0], "ana@example.com") {
		t.Fatalf("transcript leaked email: %q", l.transcripts[0])
	}
}

func TestThresholds(t *testing.T) {
	th := Thresholds{Inline: 3 * time.Hour, SweepMargin: time.Hour}
	if th.Sweep() != 4*time.Hour || !th.SweepEnabled() {
		t.Fatalf("Sweep() = %v enabled %v", th.Sweep(), th.SweepEnabled())
	}
	if (Thresholds{Inline: time.Hour}).SweepEnabled() {
		t.Fatalf("zero margin should disable the sweep")
	}
	if err := (Thresholds{}).Validate(); err == nil {
		t.Fatalf("Validate() with zero inline error = nil")
	}
	if err := (Thresholds{Inline: time.Hour, SweepMargin: -time.Minute}).Validate(); err == nil {
		t.Fatalf("Validate() with negative margin error = nil")
	}
}

func TestPlaceholderSummaryWidensPreviousMarker(t *testing.T) {
	block := []memory.Message{{ID: 11}, {ID: 12}}
	got := PlaceholderSummary("Likes boots.\n[unsummarized: 10 messages, ids 1-10]", block)
	want := "Likes boots.\n[unsummarized: 12 messages, ids 1-12]"
	if got != want {
		t.Fatalf("PlaceholderSummary() = %q, want %q", got, want)
	}
	if got := PlaceholderSummary("", block); got != "[unsummarized: 2 messages, ids 11-12]" {
		t.Fatalf("PlaceholderSummary(empty) = %q", got)
	}
}
