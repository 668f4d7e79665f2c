package server

import (
	"net/http"
	"time"

	"mcpgate/internal/config"
	"mcpgate/pkg/logging"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
)

// requestLogger logs every request at debug with method, path, status and
// duration. Bodies are never logged here; the router logs parameter
// fingerprints on the JSON-RPC path.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		logging.Debug("HTTP", "%s %s -> %d (%s)",
			r.Method, r.URL.Path, ww.Status(), time.Since(start).Round(time.Millisecond))
	})
}

// corsMiddleware permits browser clients from any origin. The gateway's
// auth model rests on session identifiers and the OAuth flow, not on
// ambient browser credentials.
func corsMiddleware() func(http.Handler) http.Handler {
	return cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	})
}

// rateLimiters builds the two request throttles: a per-session budget keyed
// on the sessionId query parameter (falling back to the caller IP when the
// request carries none) and a coarser per-IP budget underneath it.
func rateLimiters(cfg config.RateLimitConfig) []func(http.Handler) http.Handler {
	if cfg.Disabled {
		return nil
	}

	sessionKey := func(r *http.Request) (string, error) {
		if sid := r.URL.Query().Get("sessionId"); sid != "" {
			return "session:" + sid, nil
		}
		return httprate.KeyByIP(r)
	}

	return []func(http.Handler) http.Handler{
		httprate.Limit(cfg.PerIP, cfg.Window,
			httprate.WithKeyFuncs(httprate.KeyByIP)),
		httprate.Limit(cfg.PerSession, cfg.Window,
			httprate.WithKeyFuncs(sessionKey)),
	}
}
