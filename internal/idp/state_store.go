package idp

import (
	"crypto/rand"
	"encoding/base64"
	"strings"
	"sync"
	"time"

	"mcpgate/pkg/logging"
)

const (
	// stateExpiry is how long a pending authorization stays valid.
	stateExpiry = 10 * time.Minute

	// stateSweepInterval is how often expired pending authorizations are
	// evicted.
	stateSweepInterval = 5 * time.Minute
)

// pendingAuth is one outstanding authorization: a random token bound to the
// session that initiated the flow.
type pendingAuth struct {
	sessionID string
	createdAt time.Time
}

// StateStore holds pending authorizations between the authorize redirect
// and the callback. State consumption is one-shot and linearizable: a given
// token validates exactly once.
//
// The state parameter sent to the IdP is "{token}_{sessionID}" so the
// session can be recovered from the callback even if in-memory state was
// lost; the entry lookup still gates acceptance.
type StateStore struct {
	mu      sync.Mutex
	pending map[string]*pendingAuth

	stopSweep chan struct{}
	stopOnce  sync.Once
}

// NewStateStore creates a state store and starts its background sweeper.
// Callers MUST call Stop when done.
func NewStateStore() *StateStore {
	ss := &StateStore{
		pending:   make(map[string]*pendingAuth),
		stopSweep: make(chan struct{}),
	}

	go ss.sweepLoop()

	return ss
}

// Generate creates a pending authorization for a session and returns the
// composite state parameter to send to the IdP.
func (ss *StateStore) Generate(sessionID string) (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	token := base64.RawURLEncoding.EncodeToString(raw)

	ss.mu.Lock()
	ss.pending[token] = &pendingAuth{
		sessionID: sessionID,
		createdAt: time.Now(),
	}
	ss.mu.Unlock()

	logging.Debug("OAuth", "Generated authorization state for session=%s",
		logging.TruncateSessionID(sessionID))

	return token + "_" + sessionID, nil
}

// Consume validates a composite state parameter from the callback and
// removes the entry. Lookup, validation, and removal happen under one lock
// so a state token can never validate twice.
func (ss *StateStore) Consume(state string) (string, error) {
	idx := strings.LastIndex(state, "_")
	if idx <= 0 || idx == len(state)-1 {
		return "", &StateError{Reason: "malformed state parameter"}
	}
	token, sessionID := state[:idx], state[idx+1:]

	ss.mu.Lock()
	defer ss.mu.Unlock()

	entry, ok := ss.pending[token]
	if !ok {
		return "", &StateError{Reason: "unknown or already used state"}
	}

	// One-shot: the entry is gone whether or not validation succeeds.
	delete(ss.pending, token)

	if entry.sessionID != sessionID {
		return "", &StateError{Reason: "state does not match the originating session"}
	}
	if time.Since(entry.createdAt) > stateExpiry {
		return "", &StateError{Reason: "state expired"}
	}

	return sessionID, nil
}

// Count returns the number of pending authorizations.
func (ss *StateStore) Count() int {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return len(ss.pending)
}

// Stop terminates the background sweeper.
func (ss *StateStore) Stop() {
	ss.stopOnce.Do(func() {
		close(ss.stopSweep)
	})
}

func (ss *StateStore) sweepLoop() {
	ticker := time.NewTicker(stateSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ss.sweep()
		case <-ss.stopSweep:
			return
		}
	}
}

func (ss *StateStore) sweep() {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	count := 0
	for token, entry := range ss.pending {
		if time.Since(entry.createdAt) > stateExpiry {
			delete(ss.pending, token)
			count++
		}
	}

	if count > 0 {
		logging.Debug("OAuth", "Swept %d expired pending authorizations", count)
	}
}
