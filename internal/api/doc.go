// Package api exposes the build registry over HTTP for presentation layers.
//
// Handler routes JSON requests onto workflow.Registry operations and streams
// per-build notification events over a websocket. Request bodies are validated
// with struct tags before they reach the registry, so malformed input never
// mutates state.
//
// # Error Mapping
//
// Errors are rendered as ErrorResponse bodies carrying the services.Kind of
// the failure. Validation maps to 400, not_found to 404, conflict to 409 and
// everything else to 500.
//
// POST /api/checkpoints/{id}/resolve answers 404 only for an unknown
// checkpoint. A checkpoint that is already resolved, whether by an earlier
// call, a concurrent reviewer or a cancellation, answers 409 with kind
// "conflict"; clients should refresh the build instead of retrying.
//
// # Event Stream
//
// GET /api/builds/{id}/events upgrades to a websocket and writes one JSON
// notifications.Event per message. The latest event for the build is sent
// first so a reconnecting client can resynchronize; consumers should use the
// seq field to discard duplicates.
//
// GET /api/events streams every build's events without a replay.
//
// # Metrics
//
// WithMetrics records request counts and durations per route pattern and the
// number of open event streams. When given an exposition handler it is served
// at GET /metrics.
//
// Authentication is applied by the daemon around this handler.
package api
