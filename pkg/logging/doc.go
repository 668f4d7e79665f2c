// Package logging provides the structured logging system for mcpgate.
//
// It is a thin layer over Go's standard slog package. Every log line carries
// a subsystem identifier so output from the supervisor, the router, and the
// OAuth broker can be filtered independently.
//
// Two helpers enforce the logging hygiene rules of the gateway:
//
//   - TruncateSessionID shortens caller-presented session tokens before they
//     reach the log stream.
//   - Fingerprint reduces request bodies to a short digest; JSON-RPC
//     parameters are never logged verbatim because they may carry secrets.
//
// Initialization:
//
//	logging.Init(logging.ParseLevel(cfg.LogLevel), os.Stderr)
//	logging.Info("Bootstrap", "gateway listening on %s", addr)
package logging
