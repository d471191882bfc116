// Package sweep periodically drains conversations the inline trigger missed:
// idle past the sweep threshold and still carrying undrained backlog.
package sweep

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/chatmem/internal/consolidation"
	"github.com/ent0n29/chatmem/internal/memory"
	"github.com/ent0n29/chatmem/internal/observability"
	"github.com/ent0n29/chatmem/internal/reliability"
)

const (
	DefaultInterval         = 300 * time.Second
	MinInterval             = 30 * time.Second
	DefaultMaxConversations = 10
	DefaultMaxRounds        = 5

	// backoffCapFactor bounds a failing conversation's cool-down at this many intervals.
	backoffCapFactor = 8
)

type Config struct {
	Interval         time.Duration
	MaxConversations int
	MaxRounds        int
	Concurrency      int
}

// ConversationResult is the outcome of draining one candidate.
type ConversationResult struct {
	ConversationID string `json:"conversation_id"`
	Rounds         int    `json:"rounds"`
	Consolidated   int    `json:"consolidated"`
	CaughtUp       bool   `json:"caught_up"`
	Error          string `json:"error,omitempty"`
}

// PassReport summarizes one sweep pass.
type PassReport struct {
	PassID     string               `json:"pass_id"`
	StartedAt  time.Time            `json:"started_at"`
	Disabled   bool                 `json:"disabled,omitempty"`
	Candidates int                  `json:"candidates"`
	Skipped    int                  `json:"skipped_backoff"`
	Results    []ConversationResult `json:"results"`
}

// Failed counts conversations whose drain returned an error.
func (r PassReport) Failed() int {
	n := 0
	for _, res := range r.Results {
		if res.Error != "" {
			n++
		}
	}
	return n
}

type backoffEntry struct {
	attempts int
	until    time.Time
}

type Scheduler struct {
	engine  *consolidation.Engine
	store   memory.Store
	cfg     Config
	metrics *observability.Metrics
	logger  *zap.Logger
	now     func() time.Time

	mu      sync.Mutex
	backoff map[string]backoffEntry
}

func New(engine *consolidation.Engine, store memory.Store, cfg Config, metrics *observability.Metrics, logger *zap.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Interval < MinInterval {
		cfg.Interval = MinInterval
	}
	if cfg.MaxConversations <= 0 {
		cfg.MaxConversations = DefaultMaxConversations
	}
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = DefaultMaxRounds
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		engine:  engine,
		store:   store,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger.Named("sweep"),
		now:     func() time.Time { return time.Now().UTC() },
		backoff: make(map[string]backoffEntry),
	}
}

// SetClock replaces the time source used for idle cutoffs and backoff.
func (s *Scheduler) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Scheduler) clock() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now()
}

// RunOnce performs a single pass. Per-conversation failures are recorded in
// the report and never abort the pass.
func (s *Scheduler) RunOnce(ctx context.Context) (PassReport, error) {
	now := s.clock()
	report := PassReport{PassID: uuid.NewString(), StartedAt: now, Results: []ConversationResult{}}

	th := s.engine.Thresholds()
	if !th.SweepEnabled() {
		report.Disabled = true
		return report, nil
	}

	exclude := s.coolingDown(now)
	report.Skipped = len(exclude)

	candidates, err := s.store.SweepCandidates(ctx, now.Add(-th.Sweep()), s.cfg.MaxConversations, exclude)
	if err != nil {
		s.metrics.ObserveSweepPass("error", 0, len(exclude))
		return report, fmt.Errorf("sweep candidates: %w", err)
	}
	report.Candidates = len(candidates)

	results := make([]ConversationResult, len(candidates))
	var g errgroup.Group
	g.SetLimit(s.cfg.Concurrency)
	for i, c := range candidates {
		g.Go(func() error {
			results[i] = s.drain(ctx, c)
			return nil
		})
	}
	_ = g.Wait()
	report.Results = results

	backoffs := s.recordOutcomes(now, results)
	outcome := "ok"
	if report.Failed() > 0 {
		outcome = "partial"
	}
	s.metrics.ObserveSweepPass(outcome, len(candidates), backoffs)
	if len(candidates) > 0 {
		s.logger.Info("sweep pass finished",
			zap.String("pass_id", report.PassID),
			zap.Int("candidates", len(candidates)),
			zap.Int("failed", report.Failed()),
			zap.Int("skipped_backoff", report.Skipped),
		)
	}
	return report, nil
}

func (s *Scheduler) drain(ctx context.Context, c memory.Candidate) ConversationResult {
	res := ConversationResult{ConversationID: c.ConversationID}
	report, err := s.engine.DrainPending(ctx, c.ConversationID, s.cfg.MaxRounds, consolidation.TriggerSweep)
	res.Rounds = len(report.Rounds)
	res.Consolidated = report.Consolidated
	res.CaughtUp = report.CaughtUp
	if err != nil {
		res.Error = err.Error()
		s.logger.Warn("sweep drain failed",
			zap.String("conversation_id", c.ConversationID),
			zap.Int64("to_id", c.ToMessageID),
			zap.Int64("max_id", c.MaxMessageID),
			zap.Error(err),
		)
	}
	return res
}

func (s *Scheduler) coolingDown(now time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.backoff))
	for id, b := range s.backoff {
		if now.Before(b.until) {
			out = append(out, id)
		}
	}
	return out
}

// recordOutcomes updates cool-downs from a pass started at passStart and
// returns how many conversations are still cooling down. An entry whose
// cool-down had already expired at passStart and that was not retried in the
// pass belongs to a conversation that is no longer a candidate, usually
// because an inline round caught it up, so it is dropped.
func (s *Scheduler) recordOutcomes(passStart time.Time, results []ConversationResult) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	retried := make(map[string]struct{}, len(results))
	for _, r := range results {
		retried[r.ConversationID] = struct{}{}
		if r.Error == "" {
			delete(s.backoff, r.ConversationID)
			continue
		}
		b := s.backoff[r.ConversationID]
		delay := reliability.ExponentialBackoff(b.attempts, s.cfg.Interval, backoffCapFactor*s.cfg.Interval)
		b.attempts++
		b.until = now.Add(delay)
		s.backoff[r.ConversationID] = b
	}

	active := 0
	for id, b := range s.backoff {
		if _, ok := retried[id]; !ok && !passStart.Before(b.until) {
			delete(s.backoff, id)
			continue
		}
		if now.Before(b.until) {
			active++
		}
	}
	return active
}

// Start runs a pass every interval until ctx is done. A pass still running
// when the next tick fires makes that tick a no-op.
func (s *Scheduler) Start(ctx context.Context) error {
	th := s.engine.Thresholds()
	if !th.SweepEnabled() {
		s.logger.Info("sweep disabled (zero margin)")
		<-ctx.Done()
		return nil
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", s.cfg.Interval), func() {
		if _, err := s.RunOnce(ctx); err != nil {
			s.logger.Warn("sweep pass failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}

	c.Start()
	s.logger.Info("sweep scheduled",
		zap.Duration("interval", s.cfg.Interval),
		zap.Duration("inline_threshold", th.Inline),
		zap.Duration("sweep_threshold", th.Sweep()),
	)

	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}
