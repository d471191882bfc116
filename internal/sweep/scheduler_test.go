package sweep

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ent0n29/chatmem/internal/consolidation"
	"github.com/ent0n29/chatmem/internal/facts"
	"github.com/ent0n29/chatmem/internal/memory"
)

type stubLLM struct{}

func (stubLLM) Summarize(_ context.Context, prior, transcript string) (string, error) {
	return prior + "+", nil
}

func (stubLLM) ExtractFacts(context.Context, string) (facts.Facts, error) {
	return facts.Facts{}, nil
}

// failingStore fails every drain of the listed conversations.
type failingStore struct {
	*memory.InMemoryStore
	fail map[string]bool
}

func (s *failingStore) DrainBlock(ctx context.Context, id string, size int, fold memory.FoldFunc) (memory.DrainResult, error) {
	if s.fail[id] {
		return memory.DrainResult{}, errors.New("connection reset")
	}
	return s.InMemoryStore.DrainBlock(ctx, id, size, fold)
}

func seed(t *testing.T, s memory.Store, id string, n int, at time.Time) {
	t.Helper()
	for i := 0; i < n; i++ {
		dir := memory.DirectionIn
		if i%2 == 1 {
			dir = memory.DirectionOut
		}
		if _, err := s.AppendMessage(context.Background(), memory.Message{
			ConversationID: id, Direction: dir, Body: fmt.Sprintf("m%d", i), CreatedAt: at,
		}); err != nil {
			t.Fatalf("AppendMessage() error = %v", err)
		}
	}
}

func newScheduler(t *testing.T, store memory.Store, th consolidation.Thresholds, cfg Config, now time.Time) *Scheduler {
	t.Helper()
	engine := consolidation.New(store, stubLLM{}, stubLLM{}, consolidation.Config{Thresholds: th, BlockSize: 120}, nil, nil)
	engine.SetClock(func() time.Time { return now })
	s := New(engine, store, cfg, nil, nil)
	s.SetClock(func() time.Time { return now })
	return s
}

func TestRunOnceDisabledWithZeroMargin(t *testing.T) {
	store := memory.NewInMemoryStore()
	now := time.Now().UTC()
	seed(t, store, "c1", 4, now.Add(-48*time.Hour))

	s := newScheduler(t, store, consolidation.Thresholds{Inline: 3 * time.Hour}, Config{}, now)
	report, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if !report.Disabled || report.Candidates != 0 {
		t.Fatalf("report = %+v, want disabled", report)
	}
	left, _ := store.RecentMessages(context.Background(), "c1", 0, 10)
	if len(left) != 4 {
		t.Fatalf("log rows = %d, want untouched 4", len(left))
	}
}

func TestRunOnceDrainsIdleBacklogOldestFirst(t *testing.T) {
	store := memory.NewInMemoryStore()
	now := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	th := consolidation.Thresholds{Inline: 3 * time.Hour, SweepMargin: time.Hour}

	seed(t, store, "big", 250, now.Add(-6*time.Hour))
	seed(t, store, "small", 4, now.Add(-5*time.Hour))
	seed(t, store, "recent", 4, now.Add(-3*time.Hour-30*time.Minute))

	s := newScheduler(t, store, th, Config{MaxConversations: 10, MaxRounds: 5, Concurrency: 2}, now)
	report, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if report.Candidates != 2 || report.PassID == "" {
		t.Fatalf("report = %+v, want 2 candidates", report)
	}
	if report.Results[0].ConversationID != "big" || report.Results[1].ConversationID != "small" {
		t.Fatalf("order = %+v, want big then small", report.Results)
	}
	big := report.Results[0]
	if big.Rounds != 3 || big.Consolidated != 250 || !big.CaughtUp {
		t.Fatalf("big result = %+v, want 3 rounds / 250", big)
	}

	c, _ := store.Consolidated(context.Background(), "big")
	if c.MessageCount != 250 {
		t.Fatalf("big count = %d, want 250", c.MessageCount)
	}
	left, _ := store.RecentMessages(context.Background(), "recent", 0, 10)
	if len(left) != 4 {
		t.Fatalf("recent conversation drained before sweep threshold")
	}
}

func TestRunOnceRespectsConversationLimit(t *testing.T) {
	store := memory.NewInMemoryStore()
	now := time.Now().UTC()
	for i := 0; i < 5; i++ {
		seed(t, store, fmt.Sprintf("c%d", i), 2, now.Add(-time.Duration(10+i)*time.Hour))
	}
	s := newScheduler(t, store, consolidation.Thresholds{Inline: time.Hour, SweepMargin: time.Hour}, Config{MaxConversations: 2}, now)
	report, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if report.Candidates != 2 {
		t.Fatalf("candidates = %d, want 2", report.Candidates)
	}
	if report.Results[0].ConversationID != "c4" {
		t.Fatalf("first = %q, want oldest c4", report.Results[0].ConversationID)
	}
}

func TestRunOnceIsolatesFailuresAndBacksOff(t *testing.T) {
	base := memory.NewInMemoryStore()
	store := &failingStore{InMemoryStore: base, fail: map[string]bool{"bad": true}}
	now := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	seed(t, store, "bad", 2, now.Add(-10*time.Hour))
	seed(t, store, "good", 2, now.Add(-9*time.Hour))

	th := consolidation.Thresholds{Inline: time.Hour, SweepMargin: time.Hour}
	s := newScheduler(t, store, th, Config{Interval: time.Minute}, now)

	report, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if report.Failed() != 1 || report.Candidates != 2 {
		t.Fatalf("report = %+v, want one failure of two", report)
	}
	if _, err := base.Consolidated(context.Background(), "good"); err != nil {
		t.Fatalf("good conversation not drained: %v", err)
	}

	report, err = s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if report.Skipped != 1 || report.Candidates != 0 {
		t.Fatalf("second pass = %+v, want bad skipped while cooling down", report)
	}

	// First failure cools down for one interval.
	s.SetClock(func() time.Time { return now.Add(61 * time.Second) })
	report, err = s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if report.Candidates != 1 || report.Skipped != 0 {
		t.Fatalf("third pass = %+v, want bad retried", report)
	}

	store.fail["bad"] = false
	s.SetClock(func() time.Time { return now.Add(time.Hour) })
	report, err = s.RunOnce(context.Background())
	if err != nil || report.Failed() != 0 {
		t.Fatalf("recovery pass = %+v, %v", report, err)
	}
	if len(s.coolingDown(now.Add(time.Hour))) != 0 {
		t.Fatalf("backoff not cleared after success")
	}
}

func TestRunOnceDropsBackoffCaughtUpElsewhere(t *testing.T) {
	base := memory.NewInMemoryStore()
	store := &failingStore{InMemoryStore: base, fail: map[string]bool{"bad": true}}
	now := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	seed(t, store, "bad", 2, now.Add(-10*time.Hour))

	th := consolidation.Thresholds{Inline: time.Hour, SweepMargin: time.Hour}
	s := newScheduler(t, store, th, Config{Interval: time.Minute}, now)

	report, err := s.RunOnce(context.Background())
	if err != nil || report.Failed() != 1 {
		t.Fatalf("RunOnce() = %+v, %v, want one failure", report, err)
	}
	if len(s.backoff) != 1 {
		t.Fatalf("backoff entries = %d, want 1", len(s.backoff))
	}

	// An inline round drains the backlog outside the sweep.
	fold := func(context.Context, memory.Consolidated, []memory.Message) (memory.Fold, error) {
		return memory.Fold{Summary: "inline"}, nil
	}
	if _, err := base.DrainBlock(context.Background(), "bad", 120, fold); err != nil {
		t.Fatalf("DrainBlock() error = %v", err)
	}

	s.SetClock(func() time.Time { return now.Add(time.Hour) })
	report, err = s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if report.Candidates != 0 || report.Skipped != 0 {
		t.Fatalf("report = %+v, want nothing to do", report)
	}
	if len(s.backoff) != 0 {
		t.Fatalf("backoff entries = %d, want expired entry dropped", len(s.backoff))
	}
}

func TestRecordOutcomesCountsOnlyActiveCoolDowns(t *testing.T) {
	now := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	s := New(nil, memory.NewInMemoryStore(), Config{Interval: time.Minute}, nil, nil)
	s.SetClock(func() time.Time { return now })
	s.backoff["expired"] = backoffEntry{attempts: 2, until: now.Add(-time.Second)}
	s.backoff["cooling"] = backoffEntry{attempts: 1, until: now.Add(time.Minute)}

	got := s.recordOutcomes(now, []ConversationResult{{ConversationID: "failing", Error: "boom"}})
	if got != 2 {
		t.Fatalf("recordOutcomes() = %d, want 2", got)
	}
	if _, ok := s.backoff["expired"]; ok {
		t.Fatalf("expired entry kept")
	}
	if b := s.backoff["failing"]; b.attempts != 1 || !b.until.After(now) {
		t.Fatalf("failing entry = %+v, want one attempt cooling down", b)
	}
}

func TestNewClampsInterval(t *testing.T) {
	s := New(nil, nil, Config{Interval: time.Second}, nil, nil)
	if s.cfg.Interval != MinInterval {
		t.Fatalf("interval = %v, want %v", s.cfg.Interval, MinInterval)
	}
}
