// Package checkpoint implements the Checkpoint Manager: the approval gate that
// suspends a build until a human resolves it.
//
// A build has at most one unresolved checkpoint at any instant. The repository
// enforces this with a partial unique index, so concurrent Open calls for the
// same build yield exactly one checkpoint and ConflictError for the rest.
// Resolution is a conditional update: of several concurrent resolvers exactly
// one wins.
package checkpoint
