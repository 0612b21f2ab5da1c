// Package daemon coordinates the long-running coursebuild process.
//
// It owns the flock-based single-instance lock, recovers in-flight builds on
// start, and hosts the authenticated HTTP API in front of the build registry.
// Status aggregates build counts, open checkpoints, and executor readiness for
// the CLI and IPC callers.
//
// Keep orchestration logic here: workflow rules belong to the workflow package
// while the daemon focuses on startup, shutdown, and high level coordination.
package daemon
