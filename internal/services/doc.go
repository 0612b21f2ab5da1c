// Package services defines shared utilities consumed by the workflow engine,
// stage executors, and external integrations.
//
// Key responsibilities:
//   - Context helpers that stamp build IDs, stage names, and correlation
//     identifiers for logging and tracing.
//   - Structured error markers plus the Wrap helper so every failure carries a
//     kind (validation, conflict, not found, external capability, timeout)
//     that transports can map to status codes without string matching.
//
// Use these helpers when wiring new components so operational behaviour (error
// handling, observability, retries) stays uniform across the system.
package services
