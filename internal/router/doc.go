// Package router maps sessions onto workers and proxies JSON-RPC.
//
// A bound session routes to its user's worker, spawned lazily through the
// supervisor; unbound sessions and any worker-creation failure route to the
// default worker. Failures on the request path never escape as Go errors:
// they come back as JSON-RPC internal-error responses so the client always
// sees a well-formed frame.
//
// The bootstrap calls (tools/list, initialize) feed the event stream's
// metadata; both degrade to fixed fallback payloads when the default worker
// cannot answer in time.
package router
