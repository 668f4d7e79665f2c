package server

import (
	"io"
	"net/http"

	json "github.com/goccy/go-json"
)

// maxRequestBody bounds inbound JSON-RPC bodies.
const maxRequestBody = 4 << 20

// handleMessages is the JSON-RPC reply endpoint. The body is forwarded
// opaquely; the router turns every failure into a JSON-RPC error response,
// so the only HTTP-level failure here is a missing session id.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		http.Error(w, "sessionId query parameter is required", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	resp := s.router.Route(r.Context(), sessionID, body)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// handleTools serves the bootstrap tool catalog outside the event stream.
func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	tools := s.router.BootstrapTools(r.Context())

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"tools": tools})
}
