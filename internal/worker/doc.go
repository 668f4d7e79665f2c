// Package worker supervises the pool of single-user tool-server child
// processes.
//
// The supervisor owns the worker table: one always-on default worker for
// unauthenticated traffic plus at most max_instances user-bound workers,
// spawned lazily on first request. Each worker gets a unique loopback port
// from a fixed window and a per-user token directory. Two background tasks
// keep the pool honest: a liveness sweep that probes running workers and an
// idle reaper that stops user workers nobody has talked to in a while.
//
// The table, the default-worker slot, and the port bookkeeping are guarded
// by one exclusive lock. Process and HTTP I/O never happen under it.
package worker
