// Package ipc exposes the daemon over JSON-RPC Unix sockets and ships the
// matching client used by the CLI.
//
// The server registers a "CourseBuild" service whose methods mirror the CLI
// command surface. Errors cross the socket as a JSON services.Detail, and the
// client turns them back into RemoteError values that still match the
// services sentinels with errors.Is. Client calls are bounded by a timeout so
// commands fail fast when the daemon is offline or wedged.
//
// Reuse these types when adding new RPC endpoints to keep the protocol stable
// and compatible with existing command implementations.
package ipc
