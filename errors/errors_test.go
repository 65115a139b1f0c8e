package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestErrorClass_String(t *testing.T) {
	tests := []struct {
		class    ErrorClass
		expected string
	}{
		{ErrorTransient, "transient"},
		{ErrorInvalid, "invalid"},
		{ErrorFatal, "fatal"},
		{ErrorClass(999), "unknown"},
	}

	for _, test := range tests {
		t.Run(test.expected, func(t *testing.T) {
			result := test.class.String()
			if result != test.expected {
				t.Errorf("expected %s, got %s", test.expected, result)
			}
		})
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"connection timeout", ErrConnectionTimeout, true},
		{"connection lost", ErrConnectionLost, true},
		{"buffer full", ErrBufferFull, true},
		{"delivery failed", ErrDeliveryFailed, true},
		{"context deadline exceeded", context.DeadlineExceeded, true},
		{"malformed payload", ErrMalformed, false},
		{"invalid config", ErrInvalidConfig, false},
		{"timeout in message", fmt.Errorf("operation timeout occurred"), true},
		{"network error", fmt.Errorf("network connection failed"), true},
		{"classified transient", &ClassifiedError{Class: ErrorTransient, Err: fmt.Errorf("test")}, true},
		{"classified fatal", &ClassifiedError{Class: ErrorFatal, Err: fmt.Errorf("test")}, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			result := IsTransient(test.err)
			if result != test.expected {
				t.Errorf("expected %v, got %v for error: %v", test.expected, result, test.err)
			}
		})
	}
}

func TestIsRejection(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"malformed", ErrMalformed, true},
		{"insufficient context", ErrInsufficientContext, true},
		{"out of range", ErrOutOfRange, true},
		{"stale", ErrStaleReading, true},
		{"unknown sensor", ErrUnknownSensor, true},
		{"wrapped malformed", fmt.Errorf("parse: %w", ErrMalformed), true},
		{"buffer full", ErrBufferFull, false},
		{"plain error", errors.New("boom"), false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := IsRejection(test.err); got != test.expected {
				t.Errorf("expected %v, got %v", test.expected, got)
			}
		})
	}
}

func TestRejectionReason(t *testing.T) {
	tests := []struct {
		err      error
		expected string
	}{
		{ErrMalformed, "malformed"},
		{ErrInsufficientContext, "insufficient_context"},
		{ErrOutOfRange, "out_of_range"},
		{ErrStaleReading, "stale"},
		{ErrUnknownSensor, "unknown_sensor"},
		{fmt.Errorf("validate: %w", ErrOutOfRange), "out_of_range"},
		{errors.New("boom"), "error"},
	}

	for _, test := range tests {
		t.Run(test.expected, func(t *testing.T) {
			if got := RejectionReason(test.err); got != test.expected {
				t.Errorf("expected %s, got %s", test.expected, got)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected ErrorClass
	}{
		{"nil defaults transient", nil, ErrorTransient},
		{"invalid config is fatal", ErrInvalidConfig, ErrorFatal},
		{"malformed is invalid", ErrMalformed, ErrorInvalid},
		{"connection lost is transient", ErrConnectionLost, ErrorTransient},
		{"unknown defaults transient", errors.New("mystery"), ErrorTransient},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := Classify(test.err); got != test.expected {
				t.Errorf("expected %v, got %v", test.expected, got)
			}
		})
	}
}

func TestWrap(t *testing.T) {
	base := errors.New("underlying")

	err := Wrap(base, "Validator", "Validate", "range check")
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, base) {
		t.Error("wrapped error should unwrap to the base error")
	}
	expected := "Validator.Validate: range check failed: underlying"
	if err.Error() != expected {
		t.Errorf("expected %q, got %q", expected, err.Error())
	}

	if Wrap(nil, "a", "b", "c") != nil {
		t.Error("wrapping nil should return nil")
	}
}

func TestWrapClassified(t *testing.T) {
	base := errors.New("underlying")

	tests := []struct {
		name     string
		wrap     func(error, string, string, string) error
		expected ErrorClass
	}{
		{"transient", WrapTransient, ErrorTransient},
		{"invalid", WrapInvalid, ErrorInvalid},
		{"fatal", WrapFatal, ErrorFatal},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			err := test.wrap(base, "Pipeline", "process", "one reading")
			var ce *ClassifiedError
			if !errors.As(err, &ce) {
				t.Fatal("expected ClassifiedError")
			}
			if ce.Class != test.expected {
				t.Errorf("expected class %v, got %v", test.expected, ce.Class)
			}
			if !errors.Is(err, base) {
				t.Error("classified error should unwrap to the base error")
			}
			if !strings.Contains(err.Error(), "Pipeline.process") {
				t.Errorf("expected component context in message, got %q", err.Error())
			}
			if test.wrap(nil, "a", "b", "c") != nil {
				t.Error("wrapping nil should return nil")
			}
		})
	}
}

func TestRetryConfig_ToRetryConfig(t *testing.T) {
	rc := RetryConfig{
		MaxRetries:    4,
		InitialDelay:  50 * time.Millisecond,
		MaxDelay:      2 * time.Second,
		BackoffFactor: 1.5,
	}

	cfg := rc.ToRetryConfig()
	if cfg.MaxAttempts != 5 {
		t.Errorf("expected 5 total attempts, got %d", cfg.MaxAttempts)
	}
	if cfg.InitialDelay != rc.InitialDelay || cfg.MaxDelay != rc.MaxDelay {
		t.Error("delays should carry over unchanged")
	}
	if !cfg.AddJitter {
		t.Error("jitter should be enabled")
	}
}
