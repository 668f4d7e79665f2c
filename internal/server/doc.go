// Package server is the client-facing HTTP surface.
//
// Endpoints: /sse (event stream with metadata, capabilities, and keepalive
// frames), /messages (JSON-RPC reply endpoint), /tools (bootstrap catalog),
// /oauth/start and /oauth/callback (browser-facing authorization flow), and
// /health (gateway snapshot).
//
// The middleware stack applies CORS, request logging, and two rate limits:
// per session id with an IP fallback, and per IP underneath.
package server
