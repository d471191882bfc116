// Package turncache keeps the most recent turns of each conversation in
// process memory. Sessions expire lazily: a stale session is replaced by an
// empty one on its next access.
package turncache

import (
	"sync"
	"time"
)

const (
	DefaultMaxTurns = 6
	DefaultTTL      = 120 * time.Minute
)

// Turn is one user utterance paired with the agent reply.
type Turn struct {
	User      string `json:"user"`
	Assistant string `json:"assistant"`
}

// Session is a snapshot of one conversation's cached turns, oldest first.
type Session struct {
	ConversationID string    `json:"conversation_id"`
	Turns          []Turn    `json:"turns"`
	LastTouchedAt  time.Time `json:"last_touched_at"`
}

type Cache struct {
	mu       sync.Mutex
	sessions map[string]*Session
	maxTurns int
	ttl      time.Duration
	now      func() time.Time
}

func New(maxTurns int, ttl time.Duration) *Cache {
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		sessions: make(map[string]*Session),
		maxTurns: maxTurns,
		ttl:      ttl,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source; tests use it to age sessions.
func (c *Cache) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// Get returns the live session for conversationID, creating or refreshing it
// as needed. The returned value is a copy.
func (c *Cache) Get(conversationID string) Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return clone(c.touch(conversationID))
}

// Push appends a turn and trims the oldest ones beyond the configured maximum.
func (c *Cache) Push(conversationID, userText, assistantText string) Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.touch(conversationID)
	s.Turns = append(s.Turns, Turn{User: userText, Assistant: assistantText})
	if over := len(s.Turns) - c.maxTurns; over > 0 {
		s.Turns = append([]Turn(nil), s.Turns[over:]...)
	}
	return clone(s)
}

// Clear drops the session outright.
func (c *Cache) Clear(conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, conversationID)
}

// Len reports how many sessions are held, stale ones included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

func (c *Cache) touch(conversationID string) *Session {
	now := c.now()
	s, ok := c.sessions[conversationID]
	if !ok || now.Sub(s.LastTouchedAt) > c.ttl {
		s = &Session{ConversationID: conversationID}
		c.sessions[conversationID] = s
	}
	s.LastTouchedAt = now
	return s
}

func clone(s *Session) Session {
	out := *s
	out.Turns = append([]Turn(nil), s.Turns...)
	return out
}
