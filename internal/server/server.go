package server

import (
	"net/http"
	"time"

	"mcpgate/internal/config"
	"mcpgate/internal/idp"
	"mcpgate/internal/router"
	"mcpgate/internal/session"
	"mcpgate/internal/worker"

	"github.com/go-chi/chi/v5"
)

// Server is the client-facing HTTP surface: the event stream, the JSON-RPC
// reply endpoint, the OAuth pages, and the health snapshot.
type Server struct {
	cfg        *config.Config
	sessions   *session.Registry
	broker     *idp.Broker
	router     *router.Router
	supervisor *worker.Supervisor

	version   string
	startedAt time.Time
}

// New creates the HTTP surface over the assembled components.
func New(cfg *config.Config, sessions *session.Registry, broker *idp.Broker,
	rtr *router.Router, supervisor *worker.Supervisor, version string) *Server {
	return &Server{
		cfg:        cfg,
		sessions:   sessions,
		broker:     broker,
		router:     rtr,
		supervisor: supervisor,
		version:    version,
		startedAt:  time.Now(),
	}
}

// Handler builds the routing table with the middleware stack applied.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(requestLogger)
	r.Use(corsMiddleware())
	for _, limit := range rateLimiters(s.cfg.RateLimit) {
		r.Use(limit)
	}

	r.Get("/sse", s.handleSSE)
	r.Post("/messages", s.handleMessages)
	r.Get("/tools", s.handleTools)
	r.Get("/oauth/start", s.handleOAuthStart)
	r.Get("/oauth/callback", s.handleOAuthCallback)
	r.Get("/health", s.handleHealth)

	return r
}
