package memory

import (
	"context"
	"errors"
	"time"

	"github.com/ent0n29/chatmem/internal/facts"
)

var (
	// ErrNotFound is returned when a conversation has no consolidated memory or profile row.
	ErrNotFound = errors.New("memory: not found")
	// ErrCoverageMoved is returned when a concurrent round advanced coverage
	// between the block read and the profile lock.
	ErrCoverageMoved = errors.New("memory: coverage moved during drain")
)

// Direction marks which side of the conversation produced a message.
type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	return d == DirectionIn || d == DirectionOut
}

// Message is one durable turn leg in the append-only log.
type Message struct {
	ID                int64          `json:"id"`
	ConversationID    string         `json:"conversation_id"`
	Direction         Direction      `json:"direction"`
	ProviderMessageID string         `json:"provider_message_id,omitempty"`
	Body              string         `json:"body"`
	Type              string         `json:"type"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
}

// Consolidated is the accumulated summary row of a conversation.
type Consolidated struct {
	ConversationID string      `json:"conversation_id"`
	Summary        string      `json:"summary"`
	Facts          facts.Facts `json:"facts"`
	FromMessageID  int64       `json:"from_message_id"`
	ToMessageID    int64       `json:"to_message_id"`
	MessageCount   int64       `json:"message_count"`
	Model          string      `json:"model,omitempty"`
	ConsolidatedAt time.Time   `json:"consolidated_at"`
}

// Profile is the authoritative rolling fact set of a conversation.
type Profile struct {
	ConversationID string      `json:"conversation_id"`
	Facts          facts.Facts `json:"facts"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// AppendResult reports the stored row, or Duplicate when the provider id was already logged.
type AppendResult struct {
	Message   Message
	Duplicate bool
}

// Candidate is a conversation with undrained backlog found by a sweep scan.
type Candidate struct {
	ConversationID string
	LastActivityAt time.Time
	MaxMessageID   int64
	ToMessageID    int64
}

// Fold is the outcome of the external calls made for one block.
type Fold struct {
	Summary string
	Delta   facts.Facts
	Model   string
}

// FoldFunc turns a block into a new accumulated summary and a fact delta. It
// runs before any row lock is taken.
type FoldFunc func(ctx context.Context, prior Consolidated, block []Message) (Fold, error)

// DrainResult describes one committed (or skipped) drain round.
type DrainResult struct {
	Advanced bool
	FromID   int64
	ToID     int64
	Count    int
	Coverage Consolidated
}

// Store persists the message log, consolidated memory and profiles.
type Store interface {
	// AppendMessage logs one leg. A repeated provider message id is a no-op
	// reported through AppendResult.Duplicate.
	AppendMessage(ctx context.Context, msg Message) (AppendResult, error)
	// LastActivity returns the newest message timestamp of a conversation.
	LastActivity(ctx context.Context, conversationID string) (time.Time, bool, error)
	// RecentMessages returns up to limit of the newest messages with id > afterID, ascending.
	RecentMessages(ctx context.Context, conversationID string, afterID int64, limit int) ([]Message, error)
	Consolidated(ctx context.Context, conversationID string) (Consolidated, error)
	Profile(ctx context.Context, conversationID string) (Profile, error)
	// SweepCandidates lists conversations idle since before idleBefore with
	// undrained backlog, oldest activity first.
	SweepCandidates(ctx context.Context, idleBefore time.Time, limit int, exclude []string) ([]Candidate, error)
	// PendingOlderThan counts logged messages created before the cutoff.
	PendingOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	// DrainBlock folds the next block of at most blockSize messages into
	// consolidated memory and the profile, then deletes the block, atomically.
	DrainBlock(ctx context.Context, conversationID string, blockSize int, fold FoldFunc) (DrainResult, error)
	Ping(ctx context.Context) error
	Close() error
}

// nextCoverage applies the monotonic coverage rules to a prior row and a block.
func nextCoverage(prior Consolidated, block []Message, merged facts.Facts, f Fold, now time.Time) Consolidated {
	first, last := block[0].ID, block[len(block)-1].ID
	out := prior
	out.Summary = f.Summary
	out.Facts = merged
	if out.FromMessageID == 0 || first < out.FromMessageID {
		out.FromMessageID = first
	}
	if last > out.ToMessageID {
		out.ToMessageID = last
	}
	out.MessageCount += int64(len(block))
	if f.Model != "" {
		out.Model = f.Model
	}
	out.ConsolidatedAt = now
	return out
}
