// Package workflow drives builds through their pipeline stages.
//
// Each build is owned by one Engine: an actor goroutine that applies
// commands (start, advance, resolve, pause, resume, cancel, edit) in the order
// they were accepted. Stage execution runs on a separate goroutine so status
// reads and the other builds stay responsive; its result is handed back to
// the actor and discarded when the build was cancelled in the meantime.
//
// The Registry maps build identifiers to engines, creating them lazily from
// the store, and is the entry point used by the API and IPC layers. Recover
// re-attaches engines to non-terminal builds after a daemon restart.
package workflow
