// Package pipeline defines the ordered stage sequence a course build moves
// through and the per-stage policy (approval gate, timeout override).
//
// A Definition can be loaded from a YAML file so operators can drop or gate
// stages without code changes. Stages always keep their canonical relative
// order; a definition may only select a subset.
package pipeline
