// Package builds models a course build: its lifecycle status, current stage,
// pipeline definition, and the explicit transition table that decides which
// status changes are legal.
//
// Only the workflow engine mutates a Build. Other packages read builds through
// the Repository interface implemented by the SQLite store.
package builds
