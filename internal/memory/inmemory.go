package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ent0n29/chatmem/internal/facts"
)

// InMemoryStore is an in-process store for local/dev use and tests.
type InMemoryStore struct {
	mu           sync.RWMutex
	nextID       int64
	messages     map[string][]Message
	providerIDs  map[string]struct{}
	consolidated map[string]Consolidated
	profiles     map[string]Profile
	now          func() time.Time
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		messages:     make(map[string][]Message),
		providerIDs:  make(map[string]struct{}),
		consolidated: make(map[string]Consolidated),
		profiles:     make(map[string]Profile),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the timestamp source used for rows written without one.
func (s *InMemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *InMemoryStore) AppendMessage(_ context.Context, msg Message) (AppendResult, error) {
	if err := validateMessage(msg); err != nil {
		return AppendResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.ProviderMessageID != "" {
		if _, ok := s.providerIDs[msg.ProviderMessageID]; ok {
			return AppendResult{Duplicate: true}, nil
		}
		s.providerIDs[msg.ProviderMessageID] = struct{}{}
	}
	s.nextID++
	msg.ID = s.nextID
	msg = withDefaults(msg, s.now)
	s.messages[msg.ConversationID] = append(s.messages[msg.ConversationID], msg)
	return AppendResult{Message: msg}, nil
}

func (s *InMemoryStore) LastActivity(_ context.Context, conversationID string) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	last, ok := lastCreated(s.messages[conversationID])
	return last, ok, nil
}

func (s *InMemoryStore) RecentMessages(_ context.Context, conversationID string, afterID int64, limit int) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.messages[conversationID]
	start := sort.Search(len(arr), func(i int) bool { return arr[i].ID > afterID })
	arr = arr[start:]
	if limit > 0 && len(arr) > limit {
		arr = arr[len(arr)-limit:]
	}
	out := make([]Message, len(arr))
	copy(out, arr)
	return out, nil
}

func (s *InMemoryStore) Consolidated(_ context.Context, conversationID string) (Consolidated, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.consolidated[conversationID]
	if !ok {
		return Consolidated{}, ErrNotFound
	}
	return c, nil
}

func (s *InMemoryStore) Profile(_ context.Context, conversationID string) (Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[conversationID]
	if !ok {
		return Profile{}, ErrNotFound
	}
	return p, nil
}

func (s *InMemoryStore) SweepCandidates(_ context.Context, idleBefore time.Time, limit int, exclude []string) ([]Candidate, error) {
	skip := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}

	s.mu.RLock()
	out := make([]Candidate, 0)
	for id, arr := range s.messages {
		if _, ok := skip[id]; ok || len(arr) == 0 {
			continue
		}
		last, _ := lastCreated(arr)
		if !last.Before(idleBefore) {
			continue
		}
		to := s.consolidated[id].ToMessageID
		maxID := arr[len(arr)-1].ID
		if maxID <= to {
			continue
		}
		out = append(out, Candidate{ConversationID: id, LastActivityAt: last, MaxMessageID: maxID, ToMessageID: to})
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].LastActivityAt.Equal(out[j].LastActivityAt) {
			return out[i].ConversationID < out[j].ConversationID
		}
		return out[i].LastActivityAt.Before(out[j].LastActivityAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) PendingOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, arr := range s.messages {
		for _, m := range arr {
			if m.CreatedAt.Before(cutoff) {
				n++
			}
		}
	}
	return n, nil
}

func (s *InMemoryStore) DrainBlock(ctx context.Context, conversationID string, blockSize int, fold FoldFunc) (DrainResult, error) {
	if blockSize <= 0 {
		return DrainResult{}, fmt.Errorf("drain block size must be positive, got %d", blockSize)
	}

	s.mu.RLock()
	prior := s.consolidated[conversationID]
	prior.ConversationID = conversationID
	block := nextBlock(s.messages[conversationID], prior.ToMessageID, blockSize)
	s.mu.RUnlock()

	if len(block) == 0 {
		return DrainResult{Coverage: prior}, nil
	}

	f, err := fold(ctx, prior, block)
	if err != nil {
		return DrainResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return DrainResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.consolidated[conversationID].ToMessageID != prior.ToMessageID {
		return DrainResult{}, ErrCoverageMoved
	}
	now := s.now()
	profile := s.profiles[conversationID]
	merged := facts.Merge(profile.Facts, f.Delta)
	next := nextCoverage(prior, block, merged, f, now)

	s.consolidated[conversationID] = next
	s.profiles[conversationID] = Profile{ConversationID: conversationID, Facts: merged, UpdatedAt: now}

	drained := make(map[int64]struct{}, len(block))
	for _, m := range block {
		drained[m.ID] = struct{}{}
	}
	kept := s.messages[conversationID][:0:0]
	for _, m := range s.messages[conversationID] {
		if _, ok := drained[m.ID]; ok {
			continue
		}
		kept = append(kept, m)
	}
	if len(kept) == 0 {
		delete(s.messages, conversationID)
	} else {
		s.messages[conversationID] = kept
	}

	return DrainResult{
		Advanced: true,
		FromID:   block[0].ID,
		ToID:     block[len(block)-1].ID,
		Count:    len(block),
		Coverage: next,
	}, nil
}

func (s *InMemoryStore) Ping(context.Context) error { return nil }

func (s *InMemoryStore) Close() error { return nil }

func nextBlock(arr []Message, afterID int64, limit int) []Message {
	out := make([]Message, 0, limit)
	for _, m := range arr {
		if m.ID <= afterID {
			continue
		}
		out = append(out, m)
		if len(out) == limit {
			break
		}
	}
	return out
}

func lastCreated(arr []Message) (time.Time, bool) {
	var last time.Time
	for _, m := range arr {
		if m.CreatedAt.After(last) {
			last = m.CreatedAt
		}
	}
	return last, len(arr) > 0
}

func validateMessage(msg Message) error {
	if msg.ConversationID == "" {
		return fmt.Errorf("message conversation id is required")
	}
	if !msg.Direction.Valid() {
		return fmt.Errorf("message direction %q is invalid", msg.Direction)
	}
	return nil
}

func withDefaults(msg Message, now func() time.Time) Message {
	if msg.Type == "" {
		msg.Type = "text"
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now()
	}
	msg.CreatedAt = msg.CreatedAt.UTC()
	return msg
}
