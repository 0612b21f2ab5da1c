// Package preflight provides readiness checks for the filesystem paths and
// external services that coursebuild depends on.
//
// These checks run in two contexts:
//   - The daemon calls Run at startup and logs each result. Failures are
//     warnings; stage execution reports its own errors per build.
//   - The CLI "coursebuild status" command shows the same results next to the
//     daemon state.
//
// Remote checks are gated by configuration: the LLM check only runs when the
// llm executor is selected, and the ntfy check only when a topic is set.
package preflight
