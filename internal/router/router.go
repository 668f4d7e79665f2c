package router

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"mcpgate/internal/credentials"
	"mcpgate/internal/session"
	"mcpgate/internal/worker"
	"mcpgate/pkg/logging"

	json "github.com/goccy/go-json"
	"github.com/mark3labs/mcp-go/mcp"
)

const (
	forwardTimeout   = 30 * time.Second
	bootstrapTimeout = 3 * time.Second

	messagesPath = "/messages"
)

// errInvalidResponse flags a worker reply that is not a JSON-RPC 2.0 frame.
// Unlike a transport failure it does not condemn the worker.
var errInvalidResponse = errors.New("invalid response")

// WorkerPool is the slice of the supervisor the router needs. Satisfied by
// *worker.Supervisor.
type WorkerPool interface {
	GetOrCreate(ctx context.Context, userID string) (worker.Info, error)
	Default() (worker.Info, bool)
	Touch(instanceID string)
	MarkError(instanceID string)
}

// TokenValidator gates the per-user routing path: a bound session only
// reaches its own worker while the user still holds usable credentials,
// refreshed pre-emptively when close to expiry. Satisfied by *idp.Broker.
type TokenValidator interface {
	EnsureValid(ctx context.Context, userID string) (*credentials.Credentials, error)
}

// Router resolves sessions to workers and proxies JSON-RPC requests. Every
// failure on the request path is normalized into a JSON-RPC error response;
// Route never returns a Go error to the HTTP layer.
type Router struct {
	sessions   *session.Registry
	supervisor WorkerPool
	tokens     TokenValidator

	client *http.Client
}

// New creates a router over the given registry, worker pool, and token
// validator.
func New(sessions *session.Registry, supervisor WorkerPool, tokens TokenValidator) *Router {
	return &Router{
		sessions:   sessions,
		supervisor: supervisor,
		tokens:     tokens,
		client:     &http.Client{Timeout: forwardTimeout},
	}
}

// Route forwards one JSON-RPC request body on behalf of a session. A bound
// session goes to its user's worker, spawned on demand; creation failures
// and unbound sessions fall back to the default worker.
func (r *Router) Route(ctx context.Context, sessionID string, body []byte) *Response {
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return errorResponse(nil, "Parse error", nil)
	}

	r.sessions.Touch(sessionID)

	logging.Debug("Router", "Routing session=%s method=%s params-fingerprint=%s",
		logging.TruncateSessionID(sessionID), req.Method, logging.Fingerprint(req.Params))

	target, ok := r.resolve(ctx, sessionID)
	if !ok {
		return errorResponse(req.ID, "No available worker", nil)
	}

	if target.Status != worker.StatusRunning {
		return errorResponse(req.ID, "Worker unavailable",
			map[string]string{"status": target.Status.String()})
	}

	resp, err := r.forward(ctx, target, body)
	if err != nil {
		logging.Warn("Router", "Forward to worker %s failed: %v", target.ID, err)
		if !errors.Is(err, errInvalidResponse) {
			r.supervisor.MarkError(target.ID)
		}
		return errorResponse(req.ID, err.Error(), nil)
	}

	r.supervisor.Touch(target.ID)
	return resp
}

// resolve picks the worker for a session: the bound user's worker when the
// user has valid credentials and a worker can be had, the default worker
// otherwise.
func (r *Router) resolve(ctx context.Context, sessionID string) (worker.Info, bool) {
	userID := r.sessions.UserOf(sessionID)
	if userID == "" {
		return r.supervisor.Default()
	}

	if _, err := r.tokens.EnsureValid(ctx, userID); err != nil {
		logging.Info("Router", "No usable credentials for user %s (%v), falling back to default", userID, err)
		return r.supervisor.Default()
	}

	target, err := r.supervisor.GetOrCreate(ctx, userID)
	if err == nil {
		return target, true
	}
	logging.Info("Router", "No worker for user %s (%v), falling back to default", userID, err)
	return r.supervisor.Default()
}

// forward POSTs the raw body to the worker's messages endpoint and validates
// the response frame.
func (r *Router) forward(ctx context.Context, target worker.Info, body []byte) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, forwardTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		target.BaseURL()+messagesPath, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	httpResp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, err
	}

	var resp Response
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, errInvalidResponse
	}
	if resp.JSONRPC != "2.0" {
		return nil, errInvalidResponse
	}

	return &resp, nil
}

// call issues one JSON-RPC request of the gateway's own against the default
// worker, used for bootstrap introspection.
func (r *Router) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	target, ok := r.supervisor.Default()
	if !ok {
		return fmt.Errorf("no default worker")
	}
	if target.Status != worker.StatusRunning {
		return fmt.Errorf("default worker is %s", target.Status)
	}

	req := Request{JSONRPC: "2.0", ID: json.RawMessage(`1`), Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return err
		}
		req.Params = raw
	}
	body, err := json.Marshal(&req)
	if err != nil {
		return err
	}

	resp, err := r.forward(ctx, target, body)
	if err != nil {
		r.supervisor.MarkError(target.ID)
		return err
	}
	if resp.Error != nil {
		return fmt.Errorf("%s failed: %s", method, resp.Error.Message)
	}
	return json.Unmarshal(resp.Result, out)
}

// BootstrapTools fetches the default worker's tool list. Any failure falls
// back to the documented catalog so clients can render before the worker is
// healthy.
func (r *Router) BootstrapTools(ctx context.Context) []mcp.Tool {
	ctx, cancel := context.WithTimeout(ctx, bootstrapTimeout)
	defer cancel()

	var result struct {
		Tools []mcp.Tool `json:"tools"`
	}
	if err := r.call(ctx, "tools/list", nil, &result); err != nil {
		logging.Info("Router", "tools/list bootstrap failed (%v), using fallback catalog", err)
		return FallbackTools()
	}
	return result.Tools
}

// BootstrapCapabilities fetches the default worker's initialize result,
// falling back to a fixed capabilities object.
func (r *Router) BootstrapCapabilities(ctx context.Context) map[string]interface{} {
	ctx, cancel := context.WithTimeout(ctx, bootstrapTimeout)
	defer cancel()

	params := map[string]interface{}{
		"protocolVersion": "2024-11-05",
		"capabilities":    map[string]interface{}{},
		"clientInfo": map[string]interface{}{
			"name":    "mcpgate",
			"version": "bootstrap",
		},
	}

	var result map[string]interface{}
	if err := r.call(ctx, "initialize", params, &result); err != nil {
		logging.Info("Router", "initialize bootstrap failed (%v), using fallback capabilities", err)
		return FallbackCapabilities()
	}
	return result
}
