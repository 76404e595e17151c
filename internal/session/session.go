// Package session implements the abstract session store (spec §4.6): an
// in-memory reference Repository with TTL and capacity eviction. The
// dispatcher in cmd/acphastd appends turns to sessions already held here;
// no handler in this module creates a session for a "session/new" request.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Turn is one request/response pair recorded in a session's history.
type Turn struct {
	Request    interface{} `json:"request"`
	Response   interface{} `json:"response"`
	StopReason string      `json:"stopReason,omitempty"`
	Usage      interface{} `json:"usage,omitempty"`
	At         time.Time   `json:"at"`
}

// Session is a long-lived handle tying multiple ACP requests into one
// conversation (spec §3 "Session").
type Session struct {
	ID             string                 `json:"id"`
	Cwd            string                 `json:"cwd"`
	History        []Turn                 `json:"history"`
	Metadata       map[string]interface{} `json:"metadata"`
	CreatedAt      time.Time              `json:"createdAt"`
	LastAccessedAt time.Time              `json:"lastAccessedAt"`

	mu sync.RWMutex
}

// AppendTurn records a request/response pair, holding the session's own
// lock so concurrent prompts against the same session serialize here
// rather than corrupting History.
func (s *Session) AppendTurn(t Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.History = append(s.History, t)
}

// clone returns a value copy safe to hand to a caller outside the
// repository's lock (the mutex itself is not copied meaningfully, but
// cloned sessions are read-only snapshots and never Lock'd).
func (s *Session) clone() *Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	history := make([]Turn, len(s.History))
	copy(history, s.History)
	metadata := make(map[string]interface{}, len(s.Metadata))
	for k, v := range s.Metadata {
		metadata[k] = v
	}
	return &Session{
		ID:             s.ID,
		Cwd:            s.Cwd,
		History:        history,
		Metadata:       metadata,
		CreatedAt:      s.CreatedAt,
		LastAccessedAt: s.LastAccessedAt,
	}
}

func newSessionID() string {
	return uuid.New().String()
}
