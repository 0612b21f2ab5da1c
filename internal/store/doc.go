// Package store persists builds, content versions, and checkpoints in SQLite.
//
// It implements builds.Repository, content.Repository, and
// checkpoint.Repository on one database so the workflow engine can share a
// single connection pool. Consistency rules are pushed into the schema where
// possible: (build, lineage, version) is unique, and a partial unique index
// allows at most one unresolved checkpoint per build. Writes use immediate
// transactions and retry on SQLITE_BUSY.
package store
