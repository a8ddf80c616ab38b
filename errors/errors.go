// Package errors provides the error taxonomy shared by the Pneumatic core.
// Errors are classified so the gateway can decide what crosses the wire
// (validation, permission, protocol), what is benign (duplicate replay),
// and what degrades capability instead of failing the caller (transient
// infrastructure errors).
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Class represents the classification of errors for handling purposes
type Class int

const (
	// ClassTransient represents temporary infrastructure errors that may be retried
	ClassTransient Class = iota
	// ClassValidation represents malformed or oversized message content
	ClassValidation
	// ClassPermission represents a sender that is not a conversation member
	ClassPermission
	// ClassConflict represents a duplicate message_id replay; benign
	ClassConflict
	// ClassProtocol represents a malformed envelope; closes only the offending connection
	ClassProtocol
)

// String returns the string representation of Class
func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassValidation:
		return "validation"
	case ClassPermission:
		return "permission"
	case ClassConflict:
		return "conflict"
	case ClassProtocol:
		return "protocol"
	default:
		return "unknown"
	}
}

// Standard error variables for common conditions
var (
	// Message validation errors
	ErrEmptyContent    = errors.New("empty message content")
	ErrContentTooLarge = errors.New("message content exceeds size limit")
	ErrMissingField    = errors.New("missing required field")

	// Membership errors
	ErrNotMember            = errors.New("sender is not a member of this conversation")
	ErrConversationNotFound = errors.New("conversation does not exist")

	// Replay
	ErrDuplicateMessage = errors.New("duplicate message id")

	// Infrastructure errors
	ErrStoreUnavailable     = errors.New("message store unavailable")
	ErrTransportUnavailable = errors.New("shared transport unavailable")
	ErrPresenceUnavailable  = errors.New("presence store unavailable")
	ErrNotConnected         = errors.New("not connected")
	ErrCircuitOpen          = errors.New("circuit breaker open")

	// Envelope errors
	ErrMalformedEnvelope = errors.New("malformed envelope")
	ErrUnknownFrameType  = errors.New("unknown frame type")

	// Admission
	ErrRateLimited = errors.New("rate limited")

	// Registry errors
	ErrHandleClosed = errors.New("handle closed")
	ErrQueueFull    = errors.New("handle send queue full")
)

// Wire reason codes, stable across releases. The sender sees exactly one of
// these in an error frame; nothing else leaks.
const (
	ReasonInvalidMessage    = "invalid_message"
	ReasonContentTooLarge   = "content_too_large"
	ReasonNotMember         = "not_a_member"
	ReasonRateLimited       = "rate_limited"
	ReasonStoreUnavailable  = "store_unavailable"
	ReasonMalformedEnvelope = "malformed_envelope"
	ReasonUnknownType       = "unknown_type"
	ReasonInternal          = "internal"
)

// ClassifiedError wraps an error with its classification
type ClassifiedError struct {
	Class     Class
	Err       error
	Message   string
	Component string
	Operation string
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	if ce.Message != "" {
		return ce.Message
	}
	return ce.Err.Error()
}

// Unwrap returns the underlying error
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// ClassOf returns the class for an error. Unclassified errors default to
// transient so unknown infrastructure failures stay retryable.
func ClassOf(err error) Class {
	if err == nil {
		return ClassTransient
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}

	switch {
	case errors.Is(err, ErrEmptyContent),
		errors.Is(err, ErrContentTooLarge),
		errors.Is(err, ErrMissingField):
		return ClassValidation
	case errors.Is(err, ErrNotMember),
		errors.Is(err, ErrConversationNotFound):
		return ClassPermission
	case errors.Is(err, ErrDuplicateMessage):
		return ClassConflict
	case errors.Is(err, ErrMalformedEnvelope),
		errors.Is(err, ErrUnknownFrameType):
		return ClassProtocol
	}

	return ClassTransient
}

// IsTransient checks if an error is transient and should be retried
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ClassTransient
	}

	if errors.Is(err, ErrStoreUnavailable) ||
		errors.Is(err, ErrTransportUnavailable) ||
		errors.Is(err, ErrPresenceUnavailable) ||
		errors.Is(err, ErrNotConnected) ||
		errors.Is(err, ErrCircuitOpen) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// Common transient patterns from collaborator client libraries
	errStr := strings.ToLower(err.Error())
	for _, pattern := range []string{"timeout", "connection", "unavailable", "temporarily"} {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// IsValidation checks if an error is a content validation failure
func IsValidation(err error) bool {
	return err != nil && ClassOf(err) == ClassValidation
}

// IsPermission checks if an error is a membership failure
func IsPermission(err error) bool {
	return err != nil && ClassOf(err) == ClassPermission
}

// IsConflict checks if an error is a benign duplicate replay
func IsConflict(err error) bool {
	return err != nil && ClassOf(err) == ClassConflict
}

// IsProtocol checks if an error is a malformed envelope
func IsProtocol(err error) bool {
	return err != nil && ClassOf(err) == ClassProtocol
}

// ReasonCode maps an error to the stable wire reason reported to the sender.
func ReasonCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrContentTooLarge):
		return ReasonContentTooLarge
	case errors.Is(err, ErrRateLimited):
		return ReasonRateLimited
	case errors.Is(err, ErrUnknownFrameType):
		return ReasonUnknownType
	}

	switch ClassOf(err) {
	case ClassValidation:
		return ReasonInvalidMessage
	case ClassPermission:
		return ReasonNotMember
	case ClassProtocol:
		return ReasonMalformedEnvelope
	case ClassTransient:
		return ReasonStoreUnavailable
	default:
		return ReasonInternal
	}
}

// newClassified creates a new classified error
// This is an internal helper - use the Wrap* variants instead.
func newClassified(class Class, err error, component, operation, message string) *ClassifiedError {
	return &ClassifiedError{
		Class:     class,
		Err:       err,
		Message:   message,
		Component: component,
		Operation: operation,
	}
}

// Wrap creates a standardized error with context following the pattern:
// "component.method: action failed: %w"
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

// WrapTransient wraps an error as transient with context
func WrapTransient(err error, component, method, action string) error {
	return wrapAs(ClassTransient, err, component, method, action)
}

// WrapValidation wraps an error as a validation failure with context
func WrapValidation(err error, component, method, action string) error {
	return wrapAs(ClassValidation, err, component, method, action)
}

// WrapPermission wraps an error as a permission failure with context
func WrapPermission(err error, component, method, action string) error {
	return wrapAs(ClassPermission, err, component, method, action)
}

// WrapConflict wraps an error as a benign replay with context
func WrapConflict(err error, component, method, action string) error {
	return wrapAs(ClassConflict, err, component, method, action)
}

// WrapProtocol wraps an error as a protocol failure with context
func WrapProtocol(err error, component, method, action string) error {
	return wrapAs(ClassProtocol, err, component, method, action)
}

func wrapAs(class Class, err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(class, wrappedErr, component, method, wrappedErr.Error())
}

// Is, As and New re-export the stdlib so callers need a single errors import.
var (
	Is  = errors.Is
	As  = errors.As
	New = errors.New
)
