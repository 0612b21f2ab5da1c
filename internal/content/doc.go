// Package content implements the append-only, versioned Content Store.
//
// Every artifact a stage produces, and every human edit of it, is a new
// version in a lineage (one lineage per build and lineage key, the stage name
// by default). Versions start at 1, are contiguous, and are never rewritten;
// the only mutable bit is the approval flag of the exact version a reviewer
// approved. Diff compares two versions of a lineage for external editors.
package content
