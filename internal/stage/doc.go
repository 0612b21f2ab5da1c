// Package stage defines the Stage Executor boundary and its implementations.
//
// An Executor turns a Request (build title, parameters, prior stage content
// and optional reviewer feedback) into a JSON payload. Builtin derives
// deterministic payloads locally; LLM prompts a chat model through
// internal/services/llm. Retry, backoff and timeouts live in
// internal/stageexec, not here.
package stage
