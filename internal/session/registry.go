package session

import (
	"sync"
	"time"

	"mcpgate/pkg/logging"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// recentWindow is how far back a session's activity may lie for it to count
// as recent in the health snapshot.
const recentWindow = 5 * time.Minute

// Session is one client conversation with the gateway. A session starts
// unbound and routes to the default worker; a completed OAuth callback binds
// it to a user id.
type Session struct {
	ID           string
	UserID       string
	CreatedAt    time.Time
	LastActivity time.Time
}

// Authenticated reports whether the session is bound to a user.
func (s *Session) Authenticated() bool {
	return s.UserID != ""
}

// Registry tracks sessions and their user bindings in a bounded LRU with an
// idle TTL. Capacity overflow evicts the least recently used session;
// eviction drops the binding, never the user's credentials.
type Registry struct {
	mu       sync.RWMutex
	sessions *expirable.LRU[string, *Session]
}

// NewRegistry creates a registry bounded to maxSessions entries with the
// given idle TTL.
func NewRegistry(maxSessions int, ttl time.Duration) *Registry {
	r := &Registry{}
	r.sessions = expirable.NewLRU[string, *Session](maxSessions, r.onEvict, ttl)
	return r
}

func (r *Registry) onEvict(id string, s *Session) {
	logging.Debug("Sessions", "Evicted session %s (user=%q)",
		logging.TruncateSessionID(id), s.UserID)
}

// refreshLocked stamps activity and re-inserts the entry. The LRU anchors
// its TTL at insertion time, so extending a live session's lifetime
// requires a re-insert, not just a lookup. Caller holds mu.
func (r *Registry) refreshLocked(s *Session) {
	s.LastActivity = time.Now()
	r.sessions.Add(s.ID, s)
}

// Create allocates a fresh session with a new identifier.
func (r *Registry) Create() *Session {
	return r.Ensure(uuid.NewString())
}

// Ensure returns the session with the given id, creating it when the id is
// unknown. Clients reconnecting with a remembered session id land here.
func (r *Registry) Ensure(id string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions.Get(id); ok {
		r.refreshLocked(s)
		return s
	}

	now := time.Now()
	s := &Session{
		ID:           id,
		CreatedAt:    now,
		LastActivity: now,
	}
	r.sessions.Add(id, s)
	return s
}

// Get returns the session with the given id without creating one. The
// lookup refreshes LRU recency.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions.Get(id)
}

// Bind attaches a user id to a session. Called only after a successful
// OAuth callback; an unknown session id is (re-)created so a binding is
// never silently dropped.
func (r *Registry) Bind(sessionID, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions.Get(sessionID)
	if !ok {
		now := time.Now()
		s = &Session{ID: sessionID, CreatedAt: now, LastActivity: now}
		r.sessions.Add(sessionID, s)
	}
	s.UserID = userID
	r.refreshLocked(s)

	logging.Info("Sessions", "Bound session %s to user %s",
		logging.TruncateSessionID(sessionID), userID)
}

// UserOf returns the user id bound to a session, or "" when the session is
// unknown or unbound.
func (r *Registry) UserOf(sessionID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions.Get(sessionID)
	if !ok {
		return ""
	}
	r.refreshLocked(s)
	return s.UserID
}

// Touch records activity on a session and restarts its idle TTL.
func (r *Registry) Touch(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions.Get(sessionID); ok {
		r.refreshLocked(s)
	}
}

// Remove drops a session and its binding.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions.Remove(sessionID)
}

// Counters is the session slice of the health snapshot.
type Counters struct {
	Total         int
	Authenticated int
	Recent        int
}

// Count walks the registry and tallies the health counters.
func (r *Registry) Count() Counters {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cutoff := time.Now().Add(-recentWindow)
	c := Counters{}
	for _, s := range r.sessions.Values() {
		c.Total++
		if s.Authenticated() {
			c.Authenticated++
		}
		if s.LastActivity.After(cutoff) {
			c.Recent++
		}
	}
	return c
}
