package server

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"mcpgate/internal/config"
	"mcpgate/internal/credentials"
	"mcpgate/internal/idp"
	"mcpgate/internal/router"
	"mcpgate/internal/session"
	"mcpgate/internal/worker"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubIdP answers the envelope protocol well enough for the callback flow.
func stubIdP(t *testing.T) *httptest.Server {
	t.Helper()

	writeEnvelope := func(w http.ResponseWriter, data interface{}) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"code": 0, "msg": "ok", "data": data,
		})
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/access_token", func(w http.ResponseWriter, _ *http.Request) {
		writeEnvelope(w, map[string]interface{}{
			"access_token":  "at-1",
			"refresh_token": "rt-1",
			"expires_in":    3600,
			"token_type":    "Bearer",
		})
	})
	mux.HandleFunc("/user_info", func(w http.ResponseWriter, _ *http.Request) {
		writeEnvelope(w, map[string]interface{}{"union_id": "union-9", "name": "Test"})
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

type testGateway struct {
	server   *Server
	http     *httptest.Server
	sessions *session.Registry
	broker   *idp.Broker
	store    *credentials.Store
}

func newTestGateway(t *testing.T, mutate func(*config.Config)) *testGateway {
	t.Helper()

	cfg := &config.Config{}
	cfg.Server.Port = 3000
	cfg.Server.Host = "localhost"
	cfg.IdP.AppID = "app-id"
	cfg.IdP.AppSecret = "app-secret"
	cfg.IdP.RedirectURI = "http://localhost:3000/oauth/callback"
	cfg.IdP.BaseURL = stubIdP(t).URL
	cfg.IdP.Timeout = 5 * time.Second
	cfg.Worker.BinaryPath = filepath.Join(t.TempDir(), "no-such-worker")
	cfg.Worker.BasePort = 45000
	cfg.Worker.PortWindow = 10
	cfg.Worker.DefaultPort = 44999
	cfg.Worker.MaxInstances = 5
	cfg.Sessions.MaxSessions = 100
	cfg.Sessions.TTL = time.Hour
	cfg.RateLimit.Disabled = true
	cfg.Storage.DataDir = t.TempDir()
	cfg.Storage.TokenTTL = time.Hour
	if mutate != nil {
		mutate(cfg)
	}

	store, err := credentials.NewStore(cfg.Storage.DataDir, cfg.Storage.TokenTTL, nil)
	require.NoError(t, err)
	t.Cleanup(store.Stop)

	client := idp.NewClient(cfg.IdP.AppID, cfg.IdP.AppSecret, cfg.IdP.RedirectURI,
		cfg.IdP.BaseURL, cfg.IdP.Scope, cfg.IdP.Timeout)
	broker := idp.NewBroker(client, store)
	t.Cleanup(broker.Stop)

	sessions := session.NewRegistry(cfg.Sessions.MaxSessions, cfg.Sessions.TTL)
	supervisor := worker.NewSupervisor(cfg.Worker, store, cfg.IdP.AppID, cfg.IdP.AppSecret)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = supervisor.Shutdown(ctx)
	})

	rtr := router.New(sessions, supervisor, broker)
	srv := New(cfg, sessions, broker, rtr, supervisor, "test")

	httpServer := httptest.NewServer(srv.Handler())
	t.Cleanup(httpServer.Close)

	return &testGateway{
		server:   srv,
		http:     httpServer,
		sessions: sessions,
		broker:   broker,
		store:    store,
	}
}

func TestSSEStreamPreamble(t *testing.T) {
	gw := newTestGateway(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, gw.http.URL+"/sse", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var sawComment, sawMetadata, sawCapabilities bool
	var metadataPayload map[string]interface{}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, ": connected"):
			sawComment = true
		case line == "event: metadata":
			sawMetadata = true
		case line == "event: capabilities":
			sawCapabilities = true
		case strings.HasPrefix(line, "data: ") && sawMetadata && metadataPayload == nil:
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &metadataPayload))
		}
		if sawCapabilities {
			break
		}
	}

	require.True(t, sawComment, "stream opens with a comment")
	require.True(t, sawMetadata)
	require.True(t, sawCapabilities)
	require.NotNil(t, metadataPayload)

	assert.Equal(t, "metadata", metadataPayload["type"])
	assert.Equal(t, false, metadataPayload["authenticated"])
	assert.NotEmpty(t, metadataPayload["session_id"])
	assert.Contains(t, metadataPayload["endpoint"], "/messages?sessionId=")
	assert.Contains(t, metadataPayload["oauth_url"], "state=")
	assert.NotEmpty(t, metadataPayload["tools"], "fallback tools when no worker is up")
}

func TestSSEKeepsClientSuppliedSession(t *testing.T) {
	gw := newTestGateway(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, gw.http.URL+"/sse?sessionId=my-session", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			var payload map[string]interface{}
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &payload))
			assert.Equal(t, "my-session", payload["session_id"])
			return
		}
	}
	t.Fatal("no data frame seen")
}

// slowPool serves one fixed default worker, for exercising the stream
// bootstrap against a slow but healthy worker.
type slowPool struct{ info worker.Info }

func (p *slowPool) GetOrCreate(context.Context, string) (worker.Info, error) { return p.info, nil }
func (p *slowPool) Default() (worker.Info, bool)                             { return p.info, true }
func (p *slowPool) Touch(string)                                             {}
func (p *slowPool) MarkError(string)                                         {}

func TestSSEBootstrapCallsRunConcurrently(t *testing.T) {
	const delay = 400 * time.Millisecond

	mux := http.NewServeMux()
	mux.HandleFunc("/messages", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		time.Sleep(delay)

		result := `{"tools":[{"name":"live_tool","description":"from the worker"}]}`
		if req.Method == "initialize" {
			result = `{"protocolVersion":"2024-11-05","capabilities":{},"serverInfo":{"name":"w"}}`
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":` + string(req.ID) + `,"result":` + result + `}`))
	})
	workerSrv := httptest.NewServer(mux)
	t.Cleanup(workerSrv.Close)

	parsed, err := url.Parse(workerSrv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(parsed.Port())
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Server.Host = "localhost"
	cfg.Server.Port = 3000
	cfg.RateLimit.Disabled = true

	store, err := credentials.NewStore(t.TempDir(), time.Hour, nil)
	require.NoError(t, err)
	t.Cleanup(store.Stop)
	client := idp.NewClient("app-id", "app-secret", "http://localhost:3000/oauth/callback",
		"http://idp.invalid", "", time.Second)
	broker := idp.NewBroker(client, store)
	t.Cleanup(broker.Stop)

	sessions := session.NewRegistry(10, time.Hour)
	pool := &slowPool{info: worker.Info{
		ID:     "w-default",
		UserID: worker.DefaultUserID,
		Port:   port,
		Status: worker.StatusRunning,
	}}
	rtr := router.New(sessions, pool, broker)
	srv := New(cfg, sessions, broker, rtr, nil, "test")

	httpSrv := httptest.NewServer(srv.Handler())
	t.Cleanup(httpSrv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, httpSrv.URL+"/sse", nil)
	require.NoError(t, err)

	start := time.Now()
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var sawTools bool
	var elapsed time.Duration
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.Contains(line, "live_tool") {
			sawTools = true
		}
		if strings.HasPrefix(line, "event: capabilities") {
			elapsed = time.Since(start)
			break
		}
	}
	require.True(t, sawTools, "metadata carries the worker's tools")
	require.NotZero(t, elapsed, "stream reached the capabilities event")

	// Each bootstrap call sleeps for delay; a sequential gather would need
	// at least twice that before the preamble lands.
	assert.Less(t, elapsed, 2*delay-50*time.Millisecond)
}

func TestMessagesRequiresSessionID(t *testing.T) {
	gw := newTestGateway(t, nil)

	resp, err := http.Post(gw.http.URL+"/messages", "application/json",
		strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMessagesWithoutWorkers(t *testing.T) {
	gw := newTestGateway(t, nil)

	resp, err := http.Post(gw.http.URL+"/messages?sessionId=s1", "application/json",
		strings.NewReader(`{"jsonrpc":"2.0","id":3,"method":"tools/list"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	var rpcResp router.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rpcResp))
	require.NotNil(t, rpcResp.Error)
	assert.Equal(t, router.CodeInternalError, rpcResp.Error.Code)
	assert.Equal(t, "No available worker", rpcResp.Error.Message)
	assert.JSONEq(t, `3`, string(rpcResp.ID))
}

func TestToolsEndpoint(t *testing.T) {
	gw := newTestGateway(t, nil)

	resp, err := http.Get(gw.http.URL + "/tools")
	require.NoError(t, err)
	defer resp.Body.Close()

	var payload struct {
		Tools []map[string]interface{} `json:"tools"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.NotEmpty(t, payload.Tools)
}

func TestOAuthStartRedirects(t *testing.T) {
	gw := newTestGateway(t, nil)

	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	resp, err := client.Get(gw.http.URL + "/oauth/start?sessionId=s1")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusFound, resp.StatusCode)
	location, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	q := location.Query()
	assert.Equal(t, "app-id", q.Get("app_id"))
	assert.True(t, strings.HasSuffix(q.Get("state"), "_s1"))
}

func TestOAuthStartRequiresSessionID(t *testing.T) {
	gw := newTestGateway(t, nil)

	resp, err := http.Get(gw.http.URL + "/oauth/start")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestOAuthCallbackBindsSession(t *testing.T) {
	gw := newTestGateway(t, nil)

	authURL, err := gw.broker.AuthorizeURL("s1")
	require.NoError(t, err)
	parsed, _ := url.Parse(authURL)
	state := parsed.Query().Get("state")

	resp, err := http.Get(gw.http.URL + "/oauth/callback?code=abc&state=" + url.QueryEscape(state))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.Equal(t, "union-9", gw.sessions.UserOf("s1"))
}

func TestOAuthCallbackIdPError(t *testing.T) {
	gw := newTestGateway(t, nil)

	resp, err := http.Get(gw.http.URL + "/oauth/callback?error=access_denied")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
}

func TestOAuthCallbackReplayedState(t *testing.T) {
	gw := newTestGateway(t, nil)

	authURL, err := gw.broker.AuthorizeURL("s1")
	require.NoError(t, err)
	parsed, _ := url.Parse(authURL)
	state := url.QueryEscape(parsed.Query().Get("state"))

	resp, err := http.Get(gw.http.URL + "/oauth/callback?code=abc&state=" + state)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(gw.http.URL + "/oauth/callback?code=abc&state=" + state)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "invalid or expired state")
}

func TestOAuthCallbackIdPRejectionPage(t *testing.T) {
	rejecting := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"code":20001,"msg":"invalid code","data":{}}`))
	}))
	t.Cleanup(rejecting.Close)

	gw := newTestGateway(t, func(cfg *config.Config) {
		cfg.IdP.BaseURL = rejecting.URL
	})

	authURL, err := gw.broker.AuthorizeURL("s1")
	require.NoError(t, err)
	parsed, _ := url.Parse(authURL)
	state := url.QueryEscape(parsed.Query().Get("state"))

	resp, err := http.Get(gw.http.URL + "/oauth/callback?code=abc&state=" + state)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "identity provider rejected the request (code 20001)")
	assert.Equal(t, "", gw.sessions.UserOf("s1"))
}

func TestHealthWithoutDefaultWorker(t *testing.T) {
	gw := newTestGateway(t, nil)

	resp, err := http.Get(gw.http.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var snapshot HealthSnapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snapshot))
	assert.Equal(t, "unhealthy", snapshot.Status)
	assert.Equal(t, "absent", snapshot.DefaultInstanceStatus)
	assert.Equal(t, "test", snapshot.Version)
	assert.Equal(t, 0, snapshot.TotalInstances)
}

func TestRateLimitPerSession(t *testing.T) {
	gw := newTestGateway(t, func(cfg *config.Config) {
		cfg.RateLimit.Disabled = false
		cfg.RateLimit.PerSession = 2
		cfg.RateLimit.PerIP = 100
		cfg.RateLimit.Window = time.Minute
	})

	var last int
	for i := 0; i < 3; i++ {
		resp, err := http.Get(gw.http.URL + "/health?sessionId=limited")
		require.NoError(t, err)
		resp.Body.Close()
		last = resp.StatusCode
	}
	assert.Equal(t, http.StatusTooManyRequests, last)
}
