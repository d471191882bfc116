// Package ingest appends turn legs to the message log, absorbing repeated
// deliveries of the same provider message id.
package ingest

import (
	"context"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/ent0n29/chatmem/internal/memory"
	"github.com/ent0n29/chatmem/internal/observability"
)

const DefaultDedupeSize = 2000

// Leg is one inbound or outbound message to log.
type Leg struct {
	ConversationID    string           `json:"conversation_id"`
	Direction         memory.Direction `json:"direction"`
	ProviderMessageID string           `json:"provider_message_id,omitempty"`
	Body              string           `json:"body"`
	Type              string           `json:"type,omitempty"`
	Metadata          map[string]any   `json:"metadata,omitempty"`
}

// Ingestor fronts the store's unique provider-id constraint with an
// in-process window of recently seen ids. The store stays authoritative.
type Ingestor struct {
	store   memory.Store
	seen    *lru.Cache[string, struct{}]
	metrics *observability.Metrics
	logger  *zap.Logger
}

func New(store memory.Store, dedupeSize int, metrics *observability.Metrics, logger *zap.Logger) (*Ingestor, error) {
	if dedupeSize <= 0 {
		dedupeSize = DefaultDedupeSize
	}
	seen, err := lru.New[string, struct{}](dedupeSize)
	if err != nil {
		return nil, fmt.Errorf("create dedupe cache: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ingestor{store: store, seen: seen, metrics: metrics, logger: logger.Named("ingest")}, nil
}

// Seen reports whether providerID was recently appended by this process.
func (i *Ingestor) Seen(providerID string) bool {
	providerID = strings.TrimSpace(providerID)
	return providerID != "" && i.seen.Contains(providerID)
}

// Append logs a leg. A repeated provider id yields Duplicate=true and no new row.
func (i *Ingestor) Append(ctx context.Context, leg Leg) (memory.AppendResult, error) {
	leg.ProviderMessageID = strings.TrimSpace(leg.ProviderMessageID)
	if i.Seen(leg.ProviderMessageID) {
		i.metrics.ObserveIngest(string(leg.Direction), "duplicate")
		return memory.AppendResult{Duplicate: true}, nil
	}

	res, err := i.store.AppendMessage(ctx, memory.Message{
		ConversationID:    leg.ConversationID,
		Direction:         leg.Direction,
		ProviderMessageID: leg.ProviderMessageID,
		Body:              leg.Body,
		Type:              leg.Type,
		Metadata:          leg.Metadata,
	})
	if err != nil {
		i.metrics.ObserveIngest(string(leg.Direction), "error")
		return memory.AppendResult{}, fmt.Errorf("append %s leg: %w", leg.Direction, err)
	}
	if leg.ProviderMessageID != "" {
		i.seen.Add(leg.ProviderMessageID, struct{}{})
	}

	outcome := "inserted"
	if res.Duplicate {
		outcome = "duplicate"
		i.logger.Debug("duplicate delivery absorbed by store",
			zap.String("conversation_id", leg.ConversationID),
			zap.String("provider_message_id", leg.ProviderMessageID),
		)
	}
	i.metrics.ObserveIngest(string(leg.Direction), outcome)
	return res, nil
}
