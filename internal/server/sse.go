package server

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"mcpgate/internal/session"
	"mcpgate/pkg/logging"

	json "github.com/goccy/go-json"
	"github.com/mark3labs/mcp-go/mcp"
)

const keepaliveInterval = 30 * time.Second

// bootstrapResult carries the asynchronously gathered stream preamble.
type bootstrapResult struct {
	tools        []mcp.Tool
	capabilities map[string]interface{}
}

// handleSSE opens the event stream: an immediate comment to flush headers,
// one metadata event, one capabilities event, then periodic keepalive
// comments until the client goes away.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sess := s.sessionFor(r)
	ctx := r.Context()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	logging.Info("SSE", "Stream opened for session %s", logging.TruncateSessionID(sess.ID))

	// The bootstrap calls run concurrently, each under its own soft
	// timeout, and degrade to fallbacks; the header flush above never
	// waits on them.
	results := make(chan bootstrapResult, 1)
	go func() {
		var result bootstrapResult
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			result.tools = s.router.BootstrapTools(ctx)
		}()
		go func() {
			defer wg.Done()
			result.capabilities = s.router.BootstrapCapabilities(ctx)
		}()
		wg.Wait()
		results <- result
	}()

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.Debug("SSE", "Stream closed for session %s", logging.TruncateSessionID(sess.ID))
			return

		case result := <-results:
			if err := s.writePreamble(w, flusher, sess.ID, result); err != nil {
				return
			}

		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
			s.sessions.Touch(sess.ID)
		}
	}
}

// writePreamble emits the metadata and capabilities events.
func (s *Server) writePreamble(w http.ResponseWriter, flusher http.Flusher, sessionID string, result bootstrapResult) error {
	authenticated := s.sessions.UserOf(sessionID) != ""

	metadata := map[string]interface{}{
		"type":          "metadata",
		"endpoint":      fmt.Sprintf("%s/messages?sessionId=%s", s.cfg.BaseURL(), sessionID),
		"session_id":    sessionID,
		"authenticated": authenticated,
		"tools":         result.tools,
	}
	if !authenticated {
		oauthURL, err := s.broker.AuthorizeURL(sessionID)
		if err != nil {
			logging.Warn("SSE", "Failed to build authorization URL for session %s: %v",
				logging.TruncateSessionID(sessionID), err)
		} else {
			metadata["oauth_url"] = oauthURL
		}
	}

	if err := writeEvent(w, flusher, "metadata", metadata); err != nil {
		return err
	}

	capabilities := map[string]interface{}{
		"type": "capabilities",
	}
	for k, v := range result.capabilities {
		capabilities[k] = v
	}
	return writeEvent(w, flusher, "capabilities", capabilities)
}

// writeEvent emits one named SSE frame. The payload duplicates the event
// name in a type field for clients that only read data frames.
func writeEvent(w http.ResponseWriter, flusher http.Flusher, event string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// sessionFor resolves the caller's session: the supplied id when present, a
// freshly allocated one otherwise.
func (s *Server) sessionFor(r *http.Request) *session.Session {
	if sid := r.URL.Query().Get("sessionId"); sid != "" {
		return s.sessions.Ensure(sid)
	}
	return s.sessions.Create()
}
