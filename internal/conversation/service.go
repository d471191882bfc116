// Package conversation runs the inbound flow for one message: dedupe, inline
// consolidation, context assembly, reply generation and logging of both legs.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/chatmem/internal/consolidation"
	"github.com/ent0n29/chatmem/internal/facts"
	"github.com/ent0n29/chatmem/internal/ingest"
	"github.com/ent0n29/chatmem/internal/llm"
	"github.com/ent0n29/chatmem/internal/memory"
	"github.com/ent0n29/chatmem/internal/observability"
	"github.com/ent0n29/chatmem/internal/rehydrate"
	"github.com/ent0n29/chatmem/internal/turncache"
)

const (
	DefaultResetReply    = "Conversación reiniciada ✅"
	DefaultFallbackReply = "Lo siento, no entendí tu mensaje. ¿Puedes repetirlo?"

	SourceAI       = "ai"
	SourceFallback = "fallback"
	SourceReset    = "reset"

	TurnsFromCache = "cache"
	TurnsFromStore = "store"
)

var DefaultResetKeywords = []string{"reset", "reiniciar", "nuevo"}

type Config struct {
	ResetKeywords []string
	ResetReply    string
	FallbackReply string
}

// Inbound is one message received from a contact.
type Inbound struct {
	ConversationID    string         `json:"conversation_id"`
	ProviderMessageID string         `json:"provider_message_id,omitempty"`
	Text              string         `json:"text"`
	Type              string         `json:"type,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}

// Context is what reply generation sees. Summary and Facts always come from
// durable state; Turns come from the turn cache when it has any.
type Context struct {
	Summary     string           `json:"summary"`
	Facts       *facts.Facts     `json:"facts"`
	Turns       []turncache.Turn `json:"turns"`
	TurnsSource string           `json:"turns_source"`
	ToMessageID int64            `json:"to_message_id"`
}

type Reply struct {
	ConversationID string                      `json:"conversation_id"`
	Text           string                      `json:"text,omitempty"`
	Source         string                      `json:"source,omitempty"`
	Duplicate      bool                        `json:"duplicate"`
	InboundID      int64                       `json:"inbound_id,omitempty"`
	OutboundID     int64                       `json:"outbound_id,omitempty"`
	TurnsSource    string                      `json:"turns_source,omitempty"`
	Inline         *consolidation.InlineResult `json:"inline,omitempty"`
}

type Service struct {
	ingestor   *ingest.Ingestor
	engine     *consolidation.Engine
	rehydrator *rehydrate.Rehydrator
	cache      *turncache.Cache
	generator  llm.Generator
	cfg        Config
	resets     map[string]struct{}
	metrics    *observability.Metrics
	logger     *zap.Logger
}

func NewService(
	ingestor *ingest.Ingestor,
	engine *consolidation.Engine,
	rehydrator *rehydrate.Rehydrator,
	cache *turncache.Cache,
	generator llm.Generator,
	cfg Config,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *Service {
	if len(cfg.ResetKeywords) == 0 {
		cfg.ResetKeywords = DefaultResetKeywords
	}
	if strings.TrimSpace(cfg.ResetReply) == "" {
		cfg.ResetReply = DefaultResetReply
	}
	if strings.TrimSpace(cfg.FallbackReply) == "" {
		cfg.FallbackReply = DefaultFallbackReply
	}
	resets := make(map[string]struct{}, len(cfg.ResetKeywords))
	for _, kw := range cfg.ResetKeywords {
		if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" {
			resets[kw] = struct{}{}
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		ingestor:   ingestor,
		engine:     engine,
		rehydrator: rehydrator,
		cache:      cache,
		generator:  generator,
		cfg:        cfg,
		resets:     resets,
		metrics:    metrics,
		logger:     logger.Named("conversation"),
	}
}

// IsReset reports whether text is one of the reset keywords.
func (s *Service) IsReset(text string) bool {
	_, ok := s.resets[strings.ToLower(strings.TrimSpace(text))]
	return ok
}

// AssembleContext builds the generation context. A rehydration failure is
// returned alongside whatever the turn cache could supply.
func (s *Service) AssembleContext(ctx context.Context, conversationID string) (Context, error) {
	out := Context{Turns: []turncache.Turn{}, TurnsSource: TurnsFromCache}
	cached := s.cache.Get(conversationID)

	view, err := s.rehydrator.Rehydrate(ctx, conversationID)
	if err == nil {
		out.Summary = view.Summary
		out.Facts = view.Facts
		out.ToMessageID = view.ToMessageID
	}

	switch {
	case len(cached.Turns) > 0:
		out.Turns = cached.Turns
	case err == nil:
		out.Turns = view.Turns
		out.TurnsSource = TurnsFromStore
	}
	s.metrics.SetCacheSessions(s.cache.Len())
	return out, err
}

// HandleInbound runs the full flow for one inbound message. Failures of the
// inline trigger and of rehydration are logged and never fail the message.
func (s *Service) HandleInbound(ctx context.Context, in Inbound) (Reply, error) {
	started := time.Now()
	id := strings.TrimSpace(in.ConversationID)
	if id == "" {
		return Reply{}, errors.New("conversation id is required")
	}
	reply := Reply{ConversationID: id}
	log := s.logger.With(zap.String("conversation_id", id))

	if s.ingestor.Seen(in.ProviderMessageID) {
		reply.Duplicate = true
		return reply, nil
	}

	inline, err := s.engine.ConsolidateIfInactive(ctx, id)
	if err != nil {
		log.Warn("inline consolidation failed", zap.Error(err))
	} else if inline.Consolidated {
		reply.Inline = &inline
	}

	rc, err := s.AssembleContext(ctx, id)
	if err != nil {
		log.Warn("rehydration failed, continuing with cached turns", zap.Error(err))
	}
	reply.TurnsSource = rc.TurnsSource

	inRes, err := s.ingestor.Append(ctx, ingest.Leg{
		ConversationID:    id,
		Direction:         memory.DirectionIn,
		ProviderMessageID: in.ProviderMessageID,
		Body:              in.Text,
		Type:              in.Type,
		Metadata:          in.Metadata,
	})
	if err != nil {
		return reply, fmt.Errorf("log inbound: %w", err)
	}
	if inRes.Duplicate {
		reply.Duplicate = true
		return reply, nil
	}
	reply.InboundID = inRes.Message.ID

	if s.IsReset(in.Text) {
		s.cache.Clear(id)
		reply.Text = s.cfg.ResetReply
		reply.Source = SourceReset
		outID, err := s.logOutbound(ctx, id, reply.Text, map[string]any{"reason": "reset"})
		if err != nil {
			return reply, err
		}
		reply.OutboundID = outID
		s.metrics.ObserveInbound(SourceReset, rc.TurnsSource, s.cache.Len())
		log.Info("conversation reset")
		return reply, nil
	}

	genStarted := time.Now()
	text, err := s.generator.Reply(ctx, in.Text, llm.ReplyContext{Summary: rc.Summary, Facts: rc.Facts, Turns: rc.Turns})
	if err == nil && strings.TrimSpace(text) == "" {
		err = llm.ErrEmptyCompletion
	}
	s.metrics.ObserveExternalCall("reply", llm.Outcome(err))
	s.metrics.ObserveStage(observability.StageGenerate, time.Since(genStarted))
	reply.Text = strings.TrimSpace(text)
	reply.Source = SourceAI
	if err != nil {
		log.Warn("reply generation failed, using fallback", zap.Error(err))
		reply.Text = s.cfg.FallbackReply
		reply.Source = SourceFallback
		s.metrics.ObserveIndicator(observability.IndicatorReplyFallback)
	}

	outID, err := s.logOutbound(ctx, id, reply.Text, map[string]any{"source": reply.Source})
	if err != nil {
		return reply, err
	}
	reply.OutboundID = outID

	s.cache.Push(id, in.Text, reply.Text)
	s.metrics.ObserveInbound(reply.Source, rc.TurnsSource, s.cache.Len())
	s.metrics.ObserveStage(observability.StageInbound, time.Since(started))
	log.Debug("inbound handled",
		zap.String("source", reply.Source),
		zap.String("turns_source", rc.TurnsSource),
		zap.Int("turns", len(rc.Turns)),
	)
	return reply, nil
}

// Reset clears the cached turns of a conversation. Durable memory is kept.
func (s *Service) Reset(conversationID string) {
	s.cache.Clear(conversationID)
	s.metrics.SetCacheSessions(s.cache.Len())
}

func (s *Service) logOutbound(ctx context.Context, conversationID, text string, meta map[string]any) (int64, error) {
	res, err := s.ingestor.Append(ctx, ingest.Leg{
		ConversationID: conversationID,
		Direction:      memory.DirectionOut,
		Body:           text,
		Metadata:       meta,
	})
	if err != nil {
		return 0, fmt.Errorf("log outbound: %w", err)
	}
	return res.Message.ID, nil
}
