// Package consolidation folds raw message history into durable summaries and
// fact sets. The same drain round backs the inline trigger, the background
// sweep and manual requests.
package consolidation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ent0n29/chatmem/internal/facts"
	"github.com/ent0n29/chatmem/internal/llm"
	"github.com/ent0n29/chatmem/internal/memory"
	"github.com/ent0n29/chatmem/internal/observability"
	"github.com/ent0n29/chatmem/internal/redact"
)

const (
	DefaultBlockSize     = 120
	DefaultInlineTimeout = 45 * time.Second
)

// Trigger names who asked for a drain round.
type Trigger string

const (
	TriggerInline Trigger = "inline"
	TriggerSweep  Trigger = "sweep"
	TriggerManual Trigger = "manual"
)

type Config struct {
	Thresholds    Thresholds
	BlockSize     int
	InlineTimeout time.Duration
	Redactor      redact.Redactor
}

// RoundResult describes one drain round.
type RoundResult struct {
	RoundID         string              `json:"round_id"`
	Trigger         Trigger             `json:"trigger"`
	Advanced        bool                `json:"advanced"`
	FromID          int64               `json:"from_id,omitempty"`
	ToID            int64               `json:"to_id,omitempty"`
	Count           int                 `json:"count"`
	SummaryFallback bool                `json:"summary_fallback,omitempty"`
	FactsEmpty      bool                `json:"facts_empty,omitempty"`
	Contended       bool                `json:"contended,omitempty"`
	Coverage        memory.Consolidated `json:"coverage"`
}

// InlineResult is the outcome of ConsolidateIfInactive.
type InlineResult struct {
	Consolidated bool          `json:"consolidated"`
	Reason       string        `json:"reason"`
	Idle         time.Duration `json:"idle_ns"`
	Round        *RoundResult  `json:"round,omitempty"`
}

// DrainReport aggregates the rounds run by DrainPending.
type DrainReport struct {
	ConversationID string        `json:"conversation_id"`
	Rounds         []RoundResult `json:"rounds"`
	Consolidated   int           `json:"consolidated"`
	CaughtUp       bool          `json:"caught_up"`
}

type Engine struct {
	store      memory.Store
	summarizer llm.Summarizer
	extractor  llm.Extractor
	model      string
	cfg        Config
	metrics    *observability.Metrics
	logger     *zap.Logger
	now        func() time.Time
}

func New(
	store memory.Store,
	summarizer llm.Summarizer,
	extractor llm.Extractor,
	cfg Config,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *Engine {
	if cfg.BlockSize <= 0 {
		cfg.BlockSize = DefaultBlockSize
	}
	if cfg.InlineTimeout <= 0 {
		cfg.InlineTimeout = DefaultInlineTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	model := ""
	if named, ok := summarizer.(interface{ Model() string }); ok {
		model = named.Model()
	}
	return &Engine{
		store:      store,
		summarizer: summarizer,
		extractor:  extractor,
		model:      model,
		cfg:        cfg,
		metrics:    metrics,
		logger:     logger.Named("consolidation"),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source used for inactivity checks.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

func (e *Engine) Thresholds() Thresholds {
	return e.cfg.Thresholds
}

// DrainOneBlock folds the next pending block of a conversation. A round that
// finds nothing to drain, or loses a race with a concurrent round, reports
// Advanced=false without error. Any other failure leaves the log untouched.
func (e *Engine) DrainOneBlock(ctx context.Context, conversationID string, trigger Trigger) (RoundResult, error) {
	started := time.Now()
	round := RoundResult{RoundID: uuid.NewString(), Trigger: trigger}
	log := e.logger.With(
		zap.String("conversation_id", conversationID),
		zap.String("round_id", round.RoundID),
		zap.String("trigger", string(trigger)),
	)

	fold := func(ctx context.Context, prior memory.Consolidated, block []memory.Message) (memory.Fold, error) {
		return e.fold(ctx, log, &round, prior, block)
	}

	res, err := e.store.DrainBlock(ctx, conversationID, e.cfg.BlockSize, fold)
	switch {
	case errors.Is(err, memory.ErrCoverageMoved):
		round.Contended = true
		e.metrics.ObserveIndicator(observability.IndicatorCoverageMoved)
		e.metrics.ObserveDrain(string(trigger), "contended", 0, time.Since(started))
		log.Info("drain round lost race with a concurrent round")
		return round, nil
	case err != nil:
		e.metrics.ObserveDrain(string(trigger), "error", 0, time.Since(started))
		log.Warn("drain round rolled back", zap.Error(err))
		return round, fmt.Errorf("drain %s: %w", conversationID, err)
	}

	round.Advanced = res.Advanced
	round.FromID = res.FromID
	round.ToID = res.ToID
	round.Count = res.Count
	round.Coverage = res.Coverage

	outcome := "empty"
	if res.Advanced {
		outcome = "advanced"
		e.metrics.ObserveRound(string(trigger), res.Count, time.Since(started))
		log.Info("drain round committed",
			zap.Int64("from_id", res.FromID),
			zap.Int64("to_id", res.ToID),
			zap.Int("count", res.Count),
			zap.Int64("message_count", res.Coverage.MessageCount),
			zap.Bool("summary_fallback", round.SummaryFallback),
		)
	}
	e.metrics.ObserveDrain(string(trigger), outcome, res.Count, time.Since(started))
	return round, nil
}

// fold runs the external calls for one block. Call failures degrade to a
// placeholder summary or an empty delta; a done round context aborts instead.
func (e *Engine) fold(ctx context.Context, log *zap.Logger, round *RoundResult, prior memory.Consolidated, block []memory.Message) (memory.Fold, error) {
	transcript := RenderTranscript(block)
	if e.cfg.Redactor.Enabled() {
		if masked, changed := e.cfg.Redactor.Apply(transcript); changed {
			transcript = masked
			e.metrics.ObserveRedaction()
		}
	}
	rangeFields := []zap.Field{
		zap.Int64("from_id", block[0].ID),
		zap.Int64("to_id", block[len(block)-1].ID),
	}

	callStarted := time.Now()
	summary, err := e.summarizer.Summarize(ctx, prior.Summary, transcript)
	if err == nil && strings.TrimSpace(summary) == "" {
		err = llm.ErrEmptyCompletion
	}
	e.metrics.ObserveExternalCall("summarize", llm.Outcome(err))
	e.metrics.ObserveStage(observability.StageSummarize, time.Since(callStarted))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return memory.Fold{}, ctxErr
		}
		summary = PlaceholderSummary(prior.Summary, block)
		round.SummaryFallback = true
		e.metrics.ObserveIndicator(observability.IndicatorSummaryFallback)
		log.Warn("summarizer failed, using placeholder summary", append(rangeFields, zap.Error(err))...)
	}

	callStarted = time.Now()
	delta, err := e.extractor.ExtractFacts(ctx, transcript)
	e.metrics.ObserveExternalCall("extract_facts", llm.Outcome(err))
	e.metrics.ObserveStage(observability.StageExtract, time.Since(callStarted))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return memory.Fold{}, ctxErr
		}
		delta = facts.Facts{}
		round.FactsEmpty = true
		e.metrics.ObserveIndicator(observability.IndicatorFactsEmpty)
		log.Warn("fact extraction failed, using empty delta", append(rangeFields, zap.Error(err))...)
	}

	return memory.Fold{Summary: strings.TrimSpace(summary), Delta: facts.Sanitize(delta), Model: e.model}, nil
}

// ConsolidateIfInactive drains exactly one block when the conversation has
// been idle for at least the inline threshold. The round is bounded by the
// inline timeout; on expiry it is abandoned and rolled back.
func (e *Engine) ConsolidateIfInactive(ctx context.Context, conversationID string) (InlineResult, error) {
	last, ok, err := e.store.LastActivity(ctx, conversationID)
	if err != nil {
		return InlineResult{}, fmt.Errorf("inline trigger %s: %w", conversationID, err)
	}
	if !ok {
		return InlineResult{Reason: "no_messages"}, nil
	}
	idle := e.now().Sub(last)
	if idle < e.cfg.Thresholds.Inline {
		return InlineResult{Reason: "active", Idle: idle}, nil
	}

	round, err := e.boundedRound(ctx, conversationID, TriggerInline)
	if err != nil {
		return InlineResult{Reason: "error", Idle: idle}, err
	}
	return InlineResult{Consolidated: round.Advanced, Reason: "inactive", Idle: idle, Round: &round}, nil
}

// ConsolidateNow drains one block regardless of inactivity.
func (e *Engine) ConsolidateNow(ctx context.Context, conversationID string) (RoundResult, error) {
	return e.boundedRound(ctx, conversationID, TriggerManual)
}

func (e *Engine) boundedRound(ctx context.Context, conversationID string, trigger Trigger) (RoundResult, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.InlineTimeout)
	defer cancel()

	round, err := e.DrainOneBlock(ctx, conversationID, trigger)
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		e.metrics.ObserveIndicator(observability.IndicatorInlineAbandoned)
	}
	return round, err
}

// DrainPending runs rounds until one reports no advance or maxRounds is
// reached. Rounds committed before a failure stay committed.
func (e *Engine) DrainPending(ctx context.Context, conversationID string, maxRounds int, trigger Trigger) (DrainReport, error) {
	report := DrainReport{ConversationID: conversationID, Rounds: make([]RoundResult, 0)}
	if maxRounds <= 0 {
		maxRounds = 1
	}
	for i := 0; i < maxRounds; i++ {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		round, err := e.DrainOneBlock(ctx, conversationID, trigger)
		if err != nil {
			return report, err
		}
		report.Rounds = append(report.Rounds, round)
		if !round.Advanced {
			report.CaughtUp = !round.Contended
			return report, nil
		}
		report.Consolidated += round.Count
		if round.Count < e.cfg.BlockSize {
			// A short block means the log was exhausted at read time.
			report.CaughtUp = true
			return report, nil
		}
	}
	return report, nil
}
