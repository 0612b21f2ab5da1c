package services

import (
	"errors"
	"fmt"
	"strings"
)

// marker is a sentinel that can optionally be a refinement of a broader
// sentinel, so errors.Is matches both.
type marker struct {
	msg    string
	parent error
}

func (m *marker) Error() string { return m.msg }

func (m *marker) Unwrap() error { return m.parent }

var (
	ErrValidation         = errors.New("validation error")
	ErrConflict           = errors.New("conflict")
	ErrNotFound           = errors.New("not found")
	ErrExternalCapability = errors.New("external capability error")
	ErrConfiguration      = errors.New("configuration error")
	// ErrTimeout is a variant of ErrExternalCapability.
	ErrTimeout error = &marker{msg: "timeout", parent: ErrExternalCapability}
)

// Kind names an error category for transports and logs.
type Kind string

const (
	KindValidation         Kind = "validation"
	KindConflict           Kind = "conflict"
	KindNotFound           Kind = "not_found"
	KindExternalCapability Kind = "external_capability"
	KindTimeout            Kind = "timeout"
	KindConfiguration      Kind = "configuration"
	KindInternal           Kind = "internal"
)

// Wrap builds an error message that includes component context while tagging it
// with the provided marker for later classification. The marker should be one
// of the exported sentinel errors above.
func Wrap(marker error, stage, operation, message string, err error) error {
	detail := buildDetail(stage, operation, message)
	if marker == nil {
		marker = ErrExternalCapability
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// KindOf classifies err. Timeouts are reported as KindTimeout even though they
// also match ErrExternalCapability.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, ErrExternalCapability):
		return KindExternalCapability
	case errors.Is(err, ErrConfiguration):
		return KindConfiguration
	default:
		return KindInternal
	}
}

// Retryable reports whether a stage failure may succeed on another attempt.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindValidation, KindConfiguration, KindNotFound:
		return false
	default:
		return err != nil
	}
}

// Detail is the structured form of an error for API and IPC responses.
type Detail struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}

// Details returns the structured form of err.
func Details(err error) Detail {
	if err == nil {
		return Detail{}
	}
	return Detail{Kind: KindOf(err), Message: err.Error()}
}

// MarkerFor returns the sentinel matching kind, or nil for unknown kinds.
// Clients use it to rebuild typed errors from transported details.
func MarkerFor(kind Kind) error {
	switch kind {
	case KindValidation:
		return ErrValidation
	case KindConflict:
		return ErrConflict
	case KindNotFound:
		return ErrNotFound
	case KindTimeout:
		return ErrTimeout
	case KindExternalCapability:
		return ErrExternalCapability
	case KindConfiguration:
		return ErrConfiguration
	default:
		return nil
	}
}

func buildDetail(stage, operation, message string) string {
	parts := make([]string, 0, 3)
	if stage = strings.TrimSpace(stage); stage != "" {
		parts = append(parts, stage)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
