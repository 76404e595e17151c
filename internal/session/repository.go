package session

import (
	"errors"
	"reflect"
	"sync"
	"time"

	"github.com/codefionn/scriptschnell/internal/logging"
)

// ErrSessionNotFound is returned by Update when the target id is absent.
var ErrSessionNotFound = errors.New("session: not found")

const defaultCleanupInterval = 60 * time.Second

// Stats is the snapshot returned by Repository.GetStats.
type Stats struct {
	Count      int
	MaxSessions int
	TTL        time.Duration
}

// Repository is the in-memory reference session store (spec §4.6). All
// operations are synchronous here but documented as asynchronous-by-
// contract so a future disk- or Redis-backed implementation can satisfy
// the same shape without widening call sites.
type Repository struct {
	mu          sync.RWMutex
	sessions    map[string]*Session
	maxSessions int
	ttl         time.Duration

	logger *logging.Logger

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	cleanupActive   bool
	wg              sync.WaitGroup
}

// NewRepository constructs a Repository. maxSessions <= 0 means unbounded;
// ttl <= 0 means sessions never expire on their own.
func NewRepository(maxSessions int, ttl time.Duration, logger *logging.Logger) *Repository {
	if logger == nil {
		logger = logging.Global()
	}
	return &Repository{
		sessions:        make(map[string]*Session),
		maxSessions:     maxSessions,
		ttl:             ttl,
		logger:          logger,
		cleanupInterval: defaultCleanupInterval,
	}
}

// Create assigns a fresh UUID and CreatedAt/LastAccessedAt=now, evicting
// the oldest-accessed session first if at capacity (spec §4.6 "create").
func (r *Repository) Create(cwd string, metadata map[string]interface{}) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.maxSessions > 0 && len(r.sessions) >= r.maxSessions {
		r.evictOldestLocked()
	}

	now := time.Now()
	s := &Session{
		ID:             newSessionID(),
		Cwd:            cwd,
		Metadata:       metadata,
		CreatedAt:      now,
		LastAccessedAt: now,
	}
	if s.Metadata == nil {
		s.Metadata = make(map[string]interface{})
	}
	r.sessions[s.ID] = s
	return s.clone()
}

// Get returns the session by id, touching LastAccessedAt, or nil if absent
// or expired (spec §4.6 "get").
func (r *Repository) Get(id string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok || r.expiredLocked(s) {
		return nil
	}
	s.mu.Lock()
	s.LastAccessedAt = time.Now()
	s.mu.Unlock()
	return s.clone()
}

// Update applies partial field changes, rejecting any attempt to change
// the id, and touches LastAccessedAt (spec §4.6 "update").
func (r *Repository) Update(id string, apply func(*Session)) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok || r.expiredLocked(s) {
		return nil, ErrSessionNotFound
	}

	s.mu.Lock()
	apply(s)
	s.ID = id // the stored id always wins
	s.LastAccessedAt = time.Now()
	s.mu.Unlock()
	return s.clone(), nil
}

// Delete removes a session by id. Idempotent (spec §4.6 "delete").
func (r *Repository) Delete(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// List returns every non-expired session (spec §4.6 "list").
func (r *Repository) List() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if !r.expiredLocked(s) {
			out = append(out, s.clone())
		}
	}
	return out
}

// Clear removes every session.
func (r *Repository) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = make(map[string]*Session)
}

// Find returns every non-expired session whose fields shallowly equal every
// key present in filter (spec §4.6 "find"; §9 flags this as shallow-only,
// intentionally preserved rather than reaching into Metadata).
func (r *Repository) Find(filter map[string]interface{}) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Session
	for _, s := range r.sessions {
		if r.expiredLocked(s) {
			continue
		}
		if matchesShallow(s, filter) {
			out = append(out, s.clone())
		}
	}
	return out
}

func matchesShallow(s *Session, filter map[string]interface{}) bool {
	for key, want := range filter {
		var got interface{}
		switch key {
		case "id":
			got = s.ID
		case "cwd":
			got = s.Cwd
		default:
			return false
		}
		if !reflect.DeepEqual(got, want) {
			return false
		}
	}
	return true
}

// GetStats reports repository-wide counters (spec §4.6 "getStats").
func (r *Repository) GetStats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	count := 0
	for _, s := range r.sessions {
		if !r.expiredLocked(s) {
			count++
		}
	}
	return Stats{Count: count, MaxSessions: r.maxSessions, TTL: r.ttl}
}

// expiredLocked reports whether s has exceeded ttl. Caller must hold r.mu
// (read or write).
func (r *Repository) expiredLocked(s *Session) bool {
	if r.ttl <= 0 {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Since(s.LastAccessedAt) > r.ttl
}

// evictOldestLocked removes the session with the oldest LastAccessedAt.
// Caller must hold r.mu for writing.
func (r *Repository) evictOldestLocked() {
	var oldestID string
	var oldestAt time.Time
	first := true
	for id, s := range r.sessions {
		s.mu.RLock()
		at := s.LastAccessedAt
		s.mu.RUnlock()
		if first || at.Before(oldestAt) {
			oldestID, oldestAt, first = id, at, false
		}
	}
	if oldestID != "" {
		delete(r.sessions, oldestID)
	}
}

// StartCleanup launches the background expiry scanner (spec §4.6
// "Expiry"), running every cleanupInterval (default 60s). It must not
// prevent process shutdown: StopCleanup always returns once the scanner
// goroutine has observed the stop signal.
func (r *Repository) StartCleanup() {
	r.mu.Lock()
	if r.cleanupActive || r.ttl <= 0 {
		r.mu.Unlock()
		return
	}
	r.cleanupActive = true
	r.stopCleanup = make(chan struct{})
	stop := r.stopCleanup
	interval := r.cleanupInterval
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.sweepExpired()
			case <-stop:
				return
			}
		}
	}()
}

// StopCleanup halts the background scanner, blocking until its goroutine
// has exited.
func (r *Repository) StopCleanup() {
	r.mu.Lock()
	if !r.cleanupActive {
		r.mu.Unlock()
		return
	}
	stop := r.stopCleanup
	r.cleanupActive = false
	r.mu.Unlock()

	close(stop)
	r.wg.Wait()
}

func (r *Repository) sweepExpired() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, s := range r.sessions {
		if r.expiredLocked(s) {
			delete(r.sessions, id)
			r.logger.Debug("session: expired %s after %s idle", id, r.ttl)
		}
	}
}
