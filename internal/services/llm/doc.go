// Package llm provides the OpenRouter-compatible chat client used by the llm
// stage executor.
//
// Generate sends one JSON-mode completion built from a stage Prompt and
// returns the JSON object the model produced. Providers that answer with code
// fences, tool-call arguments, streaming deltas or legacy text fields are
// tolerated. Answers that hold no object fail with ErrNotObject; answers with
// no content fail with ErrEmptyCompletion. Non-2xx responses are returned as
// *StatusError.
//
// The client makes exactly one request per call. The stage runner decides
// whether a failure is retried and how long to wait.
package llm
