package idp

import (
	"context"
	"time"

	"mcpgate/internal/credentials"
	"mcpgate/pkg/logging"

	"golang.org/x/sync/singleflight"
)

// refreshMargin is the remaining validity below which a token is refreshed
// before use.
const refreshMargin = 5 * time.Minute

// Broker coordinates the authorization-code flow and token lifetime
// management on top of the IdP client and the credential store.
type Broker struct {
	client *Client
	states *StateStore
	store  *credentials.Store

	// refreshGroup deduplicates concurrent refreshes for the same user so
	// one expiring token never triggers a stampede of refresh calls.
	refreshGroup singleflight.Group
}

// NewBroker creates a broker. Callers MUST call Stop when done.
func NewBroker(client *Client, store *credentials.Store) *Broker {
	return &Broker{
		client: client,
		states: NewStateStore(),
		store:  store,
	}
}

// AuthorizeURL starts an authorization flow for a session and returns the
// IdP redirect target.
func (b *Broker) AuthorizeURL(sessionID string) (string, error) {
	state, err := b.states.Generate(sessionID)
	if err != nil {
		return "", err
	}
	return b.client.AuthorizeURL(state), nil
}

// HandleCallback completes an authorization flow: it consumes the state,
// exchanges the code, resolves the user's stable identity, and persists the
// credentials. Returns the originating session id and the user id.
func (b *Broker) HandleCallback(ctx context.Context, code, state string) (sessionID, userID string, err error) {
	sessionID, err = b.states.Consume(state)
	if err != nil {
		return "", "", err
	}

	token, err := b.client.ExchangeCode(ctx, code)
	if err != nil {
		return "", "", err
	}

	info, err := b.client.UserInfo(ctx, token.AccessToken)
	if err != nil {
		return "", "", err
	}
	userID = info.UnionID

	creds := &credentials.Credentials{
		UserID:       userID,
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(token.ExpiresIn) * time.Second).UTC(),
	}
	if err := b.store.Save(userID, creds); err != nil {
		return "", "", err
	}

	logging.Info("OAuth", "Completed authorization for session=%s user=%s",
		logging.TruncateSessionID(sessionID), userID)

	return sessionID, userID, nil
}

// EnsureValid returns credentials guaranteed to outlive the refresh margin,
// refreshing pre-emptively when needed. Returns ErrNoCredentials when the
// user has no usable credentials (absent, or refresh failed).
func (b *Broker) EnsureValid(ctx context.Context, userID string) (*credentials.Credentials, error) {
	creds, err := b.store.Load(userID)
	if err != nil {
		return nil, err
	}
	if creds == nil {
		return nil, ErrNoCredentials
	}

	if creds.Valid(refreshMargin) {
		return creds, nil
	}

	refreshed, err, _ := b.refreshGroup.Do(userID, func() (interface{}, error) {
		return b.refresh(ctx, userID)
	})
	if err != nil {
		logging.Warn("OAuth", "Refresh failed for user=%s, clearing cached credentials: %v", userID, err)
		b.store.Invalidate(userID)
		return nil, ErrNoCredentials
	}

	return refreshed.(*credentials.Credentials), nil
}

// refresh performs one refresh round-trip and persists the result. The
// prior refresh token is kept when the IdP omits a new one.
func (b *Broker) refresh(ctx context.Context, userID string) (*credentials.Credentials, error) {
	creds, err := b.store.Load(userID)
	if err != nil {
		return nil, err
	}
	if creds == nil {
		return nil, ErrNoCredentials
	}

	// Another caller may have refreshed while this one waited on the
	// singleflight gate.
	if creds.Valid(refreshMargin) {
		return creds, nil
	}
	if creds.RefreshToken == "" {
		return nil, ErrNoCredentials
	}

	token, err := b.client.Refresh(ctx, creds.RefreshToken)
	if err != nil {
		return nil, err
	}

	updated := &credentials.Credentials{
		UserID:       userID,
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(token.ExpiresIn) * time.Second).UTC(),
	}
	if updated.RefreshToken == "" {
		updated.RefreshToken = creds.RefreshToken
	}

	if err := b.store.Save(userID, updated); err != nil {
		return nil, err
	}

	return updated, nil
}

// PendingAuthorizations returns the number of outstanding authorization
// flows, for the health snapshot.
func (b *Broker) PendingAuthorizations() int {
	return b.states.Count()
}

// Stop terminates the broker's background work.
func (b *Broker) Stop() {
	b.states.Stop()
}
