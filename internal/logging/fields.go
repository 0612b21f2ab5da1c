package logging

const (
	// FieldComponent is the standardized structured logging key for component names.
	FieldComponent = "component"
	// FieldBuildID is the standardized structured logging key for build identifiers.
	FieldBuildID = "build_id"
	// FieldStage is the standardized structured logging key for pipeline stage names.
	FieldStage = "stage"
	// FieldCheckpointID identifies the checkpoint a log line refers to.
	FieldCheckpointID = "checkpoint_id"
	// FieldContentID identifies the content version a log line refers to.
	FieldContentID = "content_id"
	// FieldCorrelationID is the standardized structured logging key for request correlation identifiers.
	FieldCorrelationID = "correlation_id"
	// FieldEventType categorizes lifecycle log lines (stage_started, checkpoint_opened, ...).
	FieldEventType = "event_type"
	// FieldErrorHint tells an operator what to check next.
	FieldErrorHint = "error_hint"
	// FieldImpact is the standardized key for user-facing consequence of a warning.
	FieldImpact = "impact"
	// FieldAttempt is the 1-based stage attempt counter.
	FieldAttempt = "attempt"
	// FieldDecisionType names the decision being logged.
	FieldDecisionType = "decision_type"
	// FieldDecisionResult is the outcome of a logged decision.
	FieldDecisionResult = "decision_result"
	// FieldDecisionReason explains a logged decision.
	FieldDecisionReason = "decision_reason"
	// FieldAlert flags warnings or anomalies that should stand out in structured logs.
	FieldAlert = "alert"
)
