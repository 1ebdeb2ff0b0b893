// Package main is the entry point for the sandbox subsystem server.
//
// The server provisions short-lived isolated execution environments running
// an embedded dev server for agent-generated motion code, proxies iframe
// traffic to them with content rewriting, and persists rendered artifacts as
// durable snapshots.
//
// The surface:
//   - REST API for sandbox lifecycle, commands, and files
//   - Byte-rewriting reverse proxy under /sandboxes/{id}/proxy/
//   - Snapshot storage and the finalize (final render) hook
//   - WebSocket terminal attach
//   - Prometheus metrics on /metrics
//
// Configuration is environment variables only (12-factor); see
// internal/infrastructure/config for the full set and defaults.
//
// Signals:
//   - SIGINT, SIGTERM: graceful shutdown, destroying all live sandboxes
package main
