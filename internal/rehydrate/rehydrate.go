// Package rehydrate rebuilds a bounded, generation-ready context view from
// durable state, for when the turn cache is empty or was lost.
package rehydrate

import (
	"context"
	"errors"
	"fmt"

	"github.com/ent0n29/chatmem/internal/facts"
	"github.com/ent0n29/chatmem/internal/memory"
	"github.com/ent0n29/chatmem/internal/turncache"
)

const DefaultWindow = 8

// View is the context assembled from durable state. Facts is nil when the
// conversation has no known facts.
type View struct {
	ConversationID string           `json:"conversation_id"`
	Summary        string           `json:"summary"`
	Facts          *facts.Facts     `json:"facts"`
	Turns          []turncache.Turn `json:"turns"`
	ToMessageID    int64            `json:"to_message_id"`
}

type Rehydrator struct {
	store  memory.Store
	window int
}

func New(store memory.Store, window int) *Rehydrator {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Rehydrator{store: store, window: window}
}

func (r *Rehydrator) Rehydrate(ctx context.Context, conversationID string) (View, error) {
	view := View{ConversationID: conversationID, Turns: []turncache.Turn{}}

	profile, err := r.store.Profile(ctx, conversationID)
	switch {
	case err == nil:
		if f := facts.Sanitize(profile.Facts); !f.IsEmpty() {
			view.Facts = &f
		}
	case !errors.Is(err, memory.ErrNotFound):
		return View{}, fmt.Errorf("rehydrate profile: %w", err)
	}

	consolidated, err := r.store.Consolidated(ctx, conversationID)
	switch {
	case err == nil:
		view.Summary = consolidated.Summary
		view.ToMessageID = consolidated.ToMessageID
	case !errors.Is(err, memory.ErrNotFound):
		return View{}, fmt.Errorf("rehydrate summary: %w", err)
	}

	msgs, err := r.store.RecentMessages(ctx, conversationID, view.ToMessageID, 2*r.window)
	if err != nil {
		return View{}, fmt.Errorf("rehydrate turns: %w", err)
	}
	view.Turns = PairTurns(msgs, r.window)
	return view, nil
}

// PairTurns groups log rows into turns: an inbound row opens a turn, an
// outbound row fills the latest turn's missing assistant leg or else opens an
// assistant-only turn. At most window turns are returned, newest last.
func PairTurns(msgs []memory.Message, window int) []turncache.Turn {
	turns := make([]turncache.Turn, 0, len(msgs))
	for _, m := range msgs {
		switch m.Direction {
		case memory.DirectionIn:
			turns = append(turns, turncache.Turn{User: m.Body})
		case memory.DirectionOut:
			n := len(turns)
			if n > 0 && turns[n-1].Assistant == "" {
				turns[n-1].Assistant = m.Body
			} else {
				turns = append(turns, turncache.Turn{Assistant: m.Body})
			}
		}
	}
	if window > 0 && len(turns) > window {
		turns = turns[len(turns)-window:]
	}
	return turns
}
