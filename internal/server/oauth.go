package server

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net/http"
	"time"

	"mcpgate/internal/idp"
	"mcpgate/pkg/logging"
)

// handleOAuthStart bounces the browser to the IdP's authorization page with
// a state parameter tied to the caller's session.
func (s *Server) handleOAuthStart(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		http.Error(w, "sessionId query parameter is required", http.StatusBadRequest)
		return
	}

	authURL, err := s.broker.AuthorizeURL(sessionID)
	if err != nil {
		logging.Error("OAuth", err, "Failed to start authorization for session %s",
			logging.TruncateSessionID(sessionID))
		http.Error(w, "failed to start authorization", http.StatusInternalServerError)
		return
	}

	http.Redirect(w, r, authURL, http.StatusFound)
}

// handleOAuthCallback completes the authorization flow and binds the
// originating session to the resolved user. The response is a small HTML
// page for the user's browser.
func (s *Server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	if errParam := query.Get("error"); errParam != "" {
		desc := query.Get("error_description")
		if desc == "" {
			desc = errParam
		}
		logging.Warn("OAuth", "IdP returned authorization error: %s", errParam)
		s.renderErrorPage(w, "The identity provider rejected the request: "+desc)
		return
	}

	code := query.Get("code")
	state := query.Get("state")
	if code == "" || state == "" {
		s.renderErrorPage(w, "Missing code or state parameter.")
		return
	}

	sessionID, userID, err := s.broker.HandleCallback(r.Context(), code, state)
	if err != nil {
		logging.Warn("OAuth", "Callback failed: %v", err)
		s.renderErrorPage(w, callbackFailureMessage(err))
		return
	}

	s.sessions.Bind(sessionID, userID)

	// Warm the user's worker so the first tool call after authorization
	// doesn't pay the spawn cost.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := s.supervisor.GetOrCreate(ctx, userID); err != nil {
			logging.Debug("OAuth", "Worker warm-up for user %s failed: %v", userID, err)
		}
	}()

	s.renderSuccessPage(w)
}

// callbackFailureMessage maps a callback failure onto the user-facing page
// text for its error category.
func callbackFailureMessage(err error) string {
	var stateErr *idp.StateError
	var idpErr *idp.IdPError
	var protoErr *idp.ProtocolError

	switch {
	case errors.As(err, &stateErr):
		return "The authorization request carried an invalid or expired state parameter. Please restart the flow from your client."
	case errors.As(err, &idpErr):
		return fmt.Sprintf("The identity provider rejected the request (code %d). Please try again.", idpErr.Code)
	case errors.As(err, &protoErr):
		return "The identity provider could not be reached. Please try again later."
	default:
		return "Authorization could not be completed. Please restart the flow from your client."
	}
}

// setSecurityHeaders sets recommended security headers for HTML responses.
// These headers help prevent XSS, clickjacking, and MIME sniffing attacks.
func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Content-Security-Policy", "default-src 'none'; style-src 'unsafe-inline'")
	w.Header().Set("Referrer-Policy", "no-referrer")
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate")
}

// renderSuccessPage renders an HTML page indicating successful authentication.
func (s *Server) renderSuccessPage(w http.ResponseWriter) {
	setSecurityHeaders(w)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)

	fmt.Fprint(w, `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Authorization Successful</title>
    <style>
        * { margin: 0; padding: 0; box-sizing: border-box; }
        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif;
            background: #f5f6f8;
            min-height: 100vh;
            display: flex;
            align-items: center;
            justify-content: center;
            color: #1f2329;
        }
        .card {
            text-align: center;
            padding: 3rem;
            background: #fff;
            border-radius: 12px;
            box-shadow: 0 2px 12px rgba(0, 0, 0, 0.08);
            max-width: 420px;
            margin: 1rem;
        }
        .mark {
            width: 64px;
            height: 64px;
            margin: 0 auto 1.25rem;
            background: #34c759;
            border-radius: 50%;
            display: flex;
            align-items: center;
            justify-content: center;
            color: #fff;
            font-size: 2rem;
        }
        h1 { font-size: 1.4rem; margin-bottom: 0.5rem; }
        p { color: #646a73; line-height: 1.6; }
    </style>
</head>
<body>
    <div class="card">
        <div class="mark">&#10003;</div>
        <h1>Authorization Successful</h1>
        <p>Your account is now connected.</p>
        <p>You can close this window and return to your client.</p>
    </div>
</body>
</html>`)
}

// renderErrorPage renders an HTML page indicating an authorization failure.
// The message is escaped before embedding.
func (s *Server) renderErrorPage(w http.ResponseWriter, message string) {
	setSecurityHeaders(w)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusBadRequest)

	fmt.Fprintf(w, `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Authorization Failed</title>
    <style>
        * { margin: 0; padding: 0; box-sizing: border-box; }
        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif;
            background: #f5f6f8;
            min-height: 100vh;
            display: flex;
            align-items: center;
            justify-content: center;
            color: #1f2329;
        }
        .card {
            text-align: center;
            padding: 3rem;
            background: #fff;
            border-radius: 12px;
            box-shadow: 0 2px 12px rgba(0, 0, 0, 0.08);
            max-width: 420px;
            margin: 1rem;
        }
        .mark {
            width: 64px;
            height: 64px;
            margin: 0 auto 1.25rem;
            background: #ff3b30;
            border-radius: 50%%;
            display: flex;
            align-items: center;
            justify-content: center;
            color: #fff;
            font-size: 2rem;
        }
        h1 { font-size: 1.4rem; margin-bottom: 0.5rem; }
        p { color: #646a73; line-height: 1.6; }
    </style>
</head>
<body>
    <div class="card">
        <div class="mark">&#10007;</div>
        <h1>Authorization Failed</h1>
        <p>%s</p>
    </div>
</body>
</html>`, html.EscapeString(message))
}
