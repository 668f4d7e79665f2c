// Package app bootstraps and runs the gateway.
//
// Components are constructed as ordinary values in dependency order and
// handed to the HTTP surface; there is no service container. Run owns the
// process lifecycle: default worker first, then the listener, then a clean
// drain and worker teardown on SIGINT/SIGTERM.
package app
