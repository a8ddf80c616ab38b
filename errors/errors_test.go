package errors

import (
	"context"
	"fmt"
	"strings"
	"testing"
)

func TestClass_String(t *testing.T) {
	tests := []struct {
		class    Class
		expected string
	}{
		{ClassTransient, "transient"},
		{ClassValidation, "validation"},
		{ClassPermission, "permission"},
		{ClassConflict, "conflict"},
		{ClassProtocol, "protocol"},
		{Class(999), "unknown"},
	}

	for _, test := range tests {
		t.Run(test.expected, func(t *testing.T) {
			if got := test.class.String(); got != test.expected {
				t.Errorf("expected %s, got %s", test.expected, got)
			}
		})
	}
}

func TestClassOf(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected Class
	}{
		{"empty content", ErrEmptyContent, ClassValidation},
		{"oversized content", ErrContentTooLarge, ClassValidation},
		{"missing field", ErrMissingField, ClassValidation},
		{"not a member", ErrNotMember, ClassPermission},
		{"conversation missing", ErrConversationNotFound, ClassPermission},
		{"duplicate replay", ErrDuplicateMessage, ClassConflict},
		{"malformed envelope", ErrMalformedEnvelope, ClassProtocol},
		{"unknown frame", ErrUnknownFrameType, ClassProtocol},
		{"store down", ErrStoreUnavailable, ClassTransient},
		{"unknown error defaults transient", fmt.Errorf("boom"), ClassTransient},
		{"wrapped keeps class", WrapValidation(ErrEmptyContent, "pipeline", "Accept", "validate"), ClassValidation},
		{"double wrapped keeps class", fmt.Errorf("outer: %w", WrapPermission(fmt.Errorf("x"), "pipeline", "Accept", "membership")), ClassPermission},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := ClassOf(test.err); got != test.expected {
				t.Errorf("expected %v, got %v for error: %v", test.expected, got, test.err)
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
		{"store unavailable", ErrStoreUnavailable, true},
		{"transport unavailable", ErrTransportUnavailable, true},
		{"circuit open", ErrCircuitOpen, true},
		{"deadline exceeded", context.DeadlineExceeded, true},
		{"timeout in message", fmt.Errorf("operation timeout occurred"), true},
		{"connection in message", fmt.Errorf("connection refused"), true},
		{"validation is not transient", ErrEmptyContent, false},
		{"permission is not transient", WrapPermission(fmt.Errorf("x"), "c", "m", "a"), false},
		{"classified transient", WrapTransient(fmt.Errorf("x"), "c", "m", "a"), true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := IsTransient(test.err); got != test.expected {
				t.Errorf("expected %v, got %v for error: %v", test.expected, got, test.err)
			}
		})
	}
}

func TestWrap_Format(t *testing.T) {
	err := Wrap(fmt.Errorf("boom"), "pipeline", "Accept", "append message")
	want := "pipeline.Accept: append message failed: boom"
	if err.Error() != want {
		t.Errorf("expected %q, got %q", want, err.Error())
	}

	if Wrap(nil, "c", "m", "a") != nil {
		t.Error("wrapping nil should return nil")
	}
	if WrapTransient(nil, "c", "m", "a") != nil {
		t.Error("classified wrapping nil should return nil")
	}
}

func TestReasonCode(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{"nil", nil, ""},
		{"oversized", ErrContentTooLarge, ReasonContentTooLarge},
		{"wrapped oversized", WrapValidation(ErrContentTooLarge, "c", "m", "a"), ReasonContentTooLarge},
		{"empty content", ErrEmptyContent, ReasonInvalidMessage},
		{"rate limited", ErrRateLimited, ReasonRateLimited},
		{"not member", ErrNotMember, ReasonNotMember},
		{"malformed", ErrMalformedEnvelope, ReasonMalformedEnvelope},
		{"unknown type", ErrUnknownFrameType, ReasonUnknownType},
		{"store down", ErrStoreUnavailable, ReasonStoreUnavailable},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := ReasonCode(test.err); got != test.expected {
				t.Errorf("expected %q, got %q", test.expected, got)
			}
		})
	}
}

func TestClassifiedError_Unwrap(t *testing.T) {
	base := fmt.Errorf("root cause")
	wrapped := WrapTransient(base, "bus", "Publish", "publish to topic")

	if !Is(wrapped, base) {
		t.Error("errors.Is should find the root cause through the wrap chain")
	}
	if !strings.Contains(wrapped.Error(), "bus.Publish") {
		t.Errorf("wrapped message should carry component context, got %q", wrapped.Error())
	}
}
