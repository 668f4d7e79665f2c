package idp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"mcpgate/internal/credentials"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubIdP is an httptest-backed identity provider implementing the
// envelope protocol.
type stubIdP struct {
	server *httptest.Server

	exchangeCalls atomic.Int64
	refreshCalls  atomic.Int64

	failExchange bool
	failRefresh  bool
	omitRefresh  bool
	expiresIn    int64
}

func newStubIdP(t *testing.T) *stubIdP {
	t.Helper()
	s := &stubIdP{expiresIn: 3600}

	mux := http.NewServeMux()
	mux.HandleFunc("/access_token", func(w http.ResponseWriter, r *http.Request) {
		s.exchangeCalls.Add(1)
		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "authorization_code", req["grant_type"])

		if s.failExchange {
			writeEnvelope(w, 20001, "invalid code", nil)
			return
		}
		writeEnvelope(w, 0, "ok", map[string]interface{}{
			"access_token":  "at-" + req["code"],
			"refresh_token": "rt-" + req["code"],
			"expires_in":    s.expiresIn,
			"token_type":    "Bearer",
		})
	})
	mux.HandleFunc("/refresh_access_token", func(w http.ResponseWriter, r *http.Request) {
		s.refreshCalls.Add(1)
		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "refresh_token", req["grant_type"])

		if s.failRefresh {
			writeEnvelope(w, 20007, "refresh token expired", nil)
			return
		}
		data := map[string]interface{}{
			"access_token": "at-refreshed",
			"expires_in":   s.expiresIn,
			"token_type":   "Bearer",
		}
		if !s.omitRefresh {
			data["refresh_token"] = "rt-refreshed"
		}
		writeEnvelope(w, 0, "ok", data)
	})
	mux.HandleFunc("/user_info", func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			writeEnvelope(w, 20005, "missing token", nil)
			return
		}
		writeEnvelope(w, 0, "ok", map[string]interface{}{
			"union_id": "union-42",
			"user_id":  "u-42",
			"name":     "Test User",
		})
	})

	s.server = httptest.NewServer(mux)
	t.Cleanup(s.server.Close)
	return s
}

func writeEnvelope(w http.ResponseWriter, code int64, msg string, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"code": code,
		"msg":  msg,
		"data": data,
	})
}

func newTestBroker(t *testing.T, stub *stubIdP) (*Broker, *credentials.Store) {
	t.Helper()
	store, err := credentials.NewStore(t.TempDir(), time.Hour, nil)
	require.NoError(t, err)
	t.Cleanup(store.Stop)

	client := NewClient("app-id", "app-secret", "http://localhost:3000/oauth/callback",
		stub.server.URL, "scope", 5*time.Second)
	broker := NewBroker(client, store)
	t.Cleanup(broker.Stop)
	return broker, store
}

func TestAuthorizeURL(t *testing.T) {
	stub := newStubIdP(t)
	broker, _ := newTestBroker(t, stub)

	authURL, err := broker.AuthorizeURL("session-1")
	require.NoError(t, err)

	parsed, err := url.Parse(authURL)
	require.NoError(t, err)
	q := parsed.Query()
	assert.Equal(t, "app-id", q.Get("app_id"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "http://localhost:3000/oauth/callback", q.Get("redirect_uri"))
	assert.True(t, strings.HasSuffix(q.Get("state"), "_session-1"))
}

func TestHandleCallbackHappyPath(t *testing.T) {
	stub := newStubIdP(t)
	broker, store := newTestBroker(t, stub)

	authURL, err := broker.AuthorizeURL("session-1")
	require.NoError(t, err)
	parsed, _ := url.Parse(authURL)
	state := parsed.Query().Get("state")

	sessionID, userID, err := broker.HandleCallback(context.Background(), "code-xyz", state)
	require.NoError(t, err)
	assert.Equal(t, "session-1", sessionID)
	assert.Equal(t, "union-42", userID)

	creds, err := store.Load("union-42")
	require.NoError(t, err)
	require.NotNil(t, creds)
	assert.Equal(t, "at-code-xyz", creds.AccessToken)
	assert.Equal(t, "rt-code-xyz", creds.RefreshToken)
	assert.WithinDuration(t, time.Now().Add(time.Hour), creds.ExpiresAt, 5*time.Second)
}

func TestHandleCallbackReplay(t *testing.T) {
	stub := newStubIdP(t)
	broker, _ := newTestBroker(t, stub)

	authURL, err := broker.AuthorizeURL("session-1")
	require.NoError(t, err)
	parsed, _ := url.Parse(authURL)
	state := parsed.Query().Get("state")

	_, _, err = broker.HandleCallback(context.Background(), "code-xyz", state)
	require.NoError(t, err)

	_, _, err = broker.HandleCallback(context.Background(), "code-xyz", state)
	require.Error(t, err)
	var stateErr *StateError
	assert.ErrorAs(t, err, &stateErr)
	assert.Equal(t, int64(1), stub.exchangeCalls.Load(), "replay must not reach the IdP")
}

func TestHandleCallbackIdPRejection(t *testing.T) {
	stub := newStubIdP(t)
	stub.failExchange = true
	broker, _ := newTestBroker(t, stub)

	authURL, err := broker.AuthorizeURL("session-1")
	require.NoError(t, err)
	parsed, _ := url.Parse(authURL)

	_, _, err = broker.HandleCallback(context.Background(), "bad", parsed.Query().Get("state"))
	require.Error(t, err)
	var idpErr *IdPError
	assert.ErrorAs(t, err, &idpErr)
	assert.Equal(t, int64(20001), idpErr.Code)
}

func TestEnsureValidFreshToken(t *testing.T) {
	stub := newStubIdP(t)
	broker, store := newTestBroker(t, stub)

	require.NoError(t, store.Save("u1", &credentials.Credentials{
		UserID:       "u1",
		AccessToken:  "at-fresh",
		RefreshToken: "rt-fresh",
		ExpiresAt:    time.Now().Add(time.Hour).UTC(),
	}))

	creds, err := broker.EnsureValid(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "at-fresh", creds.AccessToken)
	assert.Equal(t, int64(0), stub.refreshCalls.Load(), "fresh token must not trigger refresh")
}

func TestEnsureValidRefreshesNearExpiry(t *testing.T) {
	stub := newStubIdP(t)
	broker, store := newTestBroker(t, stub)

	require.NoError(t, store.Save("u1", &credentials.Credentials{
		UserID:       "u1",
		AccessToken:  "at-stale",
		RefreshToken: "rt-stale",
		ExpiresAt:    time.Now().Add(time.Minute).UTC(),
	}))

	creds, err := broker.EnsureValid(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "at-refreshed", creds.AccessToken)
	assert.True(t, creds.Valid(refreshMargin))
	assert.Equal(t, int64(1), stub.refreshCalls.Load())
}

func TestEnsureValidKeepsPriorRefreshToken(t *testing.T) {
	stub := newStubIdP(t)
	stub.omitRefresh = true
	broker, store := newTestBroker(t, stub)

	require.NoError(t, store.Save("u1", &credentials.Credentials{
		UserID:       "u1",
		AccessToken:  "at-stale",
		RefreshToken: "rt-keep-me",
		ExpiresAt:    time.Now().Add(time.Minute).UTC(),
	}))

	creds, err := broker.EnsureValid(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "rt-keep-me", creds.RefreshToken)
}

func TestEnsureValidAbsentUser(t *testing.T) {
	stub := newStubIdP(t)
	broker, _ := newTestBroker(t, stub)

	_, err := broker.EnsureValid(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNoCredentials)
}

func TestEnsureValidRefreshFailure(t *testing.T) {
	stub := newStubIdP(t)
	stub.failRefresh = true
	broker, store := newTestBroker(t, stub)

	require.NoError(t, store.Save("u1", &credentials.Credentials{
		UserID:       "u1",
		AccessToken:  "at-stale",
		RefreshToken: "rt-dead",
		ExpiresAt:    time.Now().Add(time.Minute).UTC(),
	}))

	_, err := broker.EnsureValid(context.Background(), "u1")
	assert.ErrorIs(t, err, ErrNoCredentials)
}

func TestUserInfoMissingUnionID(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/user_info", func(w http.ResponseWriter, _ *http.Request) {
		writeEnvelope(w, 0, "ok", map[string]interface{}{"user_id": "u-42"})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := NewClient("app", "secret", "http://localhost/cb", server.URL, "scope", time.Second)
	_, err := client.UserInfo(context.Background(), "token")
	require.Error(t, err)
	var protoErr *ProtocolError
	assert.ErrorAs(t, err, &protoErr)
}

func TestProtocolErrorOnHTTPFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewClient("app", "secret", "http://localhost/cb", server.URL, "scope", time.Second)
	_, err := client.ExchangeCode(context.Background(), "code")
	require.Error(t, err)
	var protoErr *ProtocolError
	assert.ErrorAs(t, err, &protoErr)
}
