package services_test

import (
	"errors"
	"strings"
	"testing"

	"coursebuild/internal/services"
)

func TestWrapIncludesContext(t *testing.T) {
	base := errors.New("boom")
	err := services.Wrap(services.ErrExternalCapability, "outline", "generate", "failed", base)
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, services.ErrExternalCapability) {
		t.Fatalf("expected marker to be retained, got %v", err)
	}
	if !errors.Is(err, base) {
		t.Fatalf("expected wrapped error to contain base error, got %v", err)
	}
	msg := err.Error()
	for _, fragment := range []string{"outline", "generate", "failed", "boom"} {
		if !strings.Contains(msg, fragment) {
			t.Fatalf("expected %q in error string %q", fragment, msg)
		}
	}
}

func TestTimeoutIsExternalCapability(t *testing.T) {
	err := services.Wrap(services.ErrTimeout, "review", "execute", "deadline exceeded", nil)
	if !errors.Is(err, services.ErrTimeout) {
		t.Fatalf("expected timeout marker, got %v", err)
	}
	if !errors.Is(err, services.ErrExternalCapability) {
		t.Fatalf("expected timeout to be an external capability error, got %v", err)
	}
	if kind := services.KindOf(err); kind != services.KindTimeout {
		t.Fatalf("expected timeout kind, got %s", kind)
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		err  error
		want services.Kind
	}{
		{services.Wrap(services.ErrValidation, "checkpoint", "resolve", "bad outcome", nil), services.KindValidation},
		{services.Wrap(services.ErrConflict, "checkpoint", "open", "already open", nil), services.KindConflict},
		{services.Wrap(services.ErrNotFound, "content", "get", "missing", nil), services.KindNotFound},
		{services.Wrap(services.ErrExternalCapability, "stage", "execute", "500", nil), services.KindExternalCapability},
		{services.Wrap(services.ErrConfiguration, "stage", "llm", "no key", nil), services.KindConfiguration},
		{errors.New("plain"), services.KindInternal},
		{nil, ""},
	}
	for _, tt := range tests {
		if got := services.KindOf(tt.err); got != tt.want {
			t.Fatalf("KindOf(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestRetryable(t *testing.T) {
	if services.Retryable(services.Wrap(services.ErrValidation, "", "", "bad", nil)) {
		t.Fatal("validation errors must not be retried")
	}
	if !services.Retryable(services.Wrap(services.ErrTimeout, "", "", "slow", nil)) {
		t.Fatal("timeouts should be retried")
	}
	if !services.Retryable(errors.New("io")) {
		t.Fatal("unclassified errors should be retried")
	}
	if services.Retryable(nil) {
		t.Fatal("nil is not retryable")
	}
}

func TestMarkerForRoundTripsKinds(t *testing.T) {
	for _, kind := range []services.Kind{
		services.KindValidation,
		services.KindConflict,
		services.KindNotFound,
		services.KindTimeout,
		services.KindExternalCapability,
		services.KindConfiguration,
	} {
		marker := services.MarkerFor(kind)
		if marker == nil {
			t.Fatalf("expected marker for %s", kind)
		}
		if got := services.KindOf(services.Wrap(marker, "", "", "x", nil)); got != kind {
			t.Fatalf("round trip %s gave %s", kind, got)
		}
	}
	if services.MarkerFor(services.KindInternal) != nil {
		t.Fatal("internal kind has no marker")
	}
}
