// Package errors defines the coordinator's error taxonomy and its HTTP
// rendering.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Kind classifies an orchestration failure.
type Kind string

const (
	KindUnavailable       Kind = "unavailable"
	KindInvalidArgument   Kind = "invalid_argument"
	KindNotFound          Kind = "not_found"
	KindConflict          Kind = "conflict"
	KindPaymentPending    Kind = "payment_pending"
	KindResourceExhausted Kind = "resource_exhausted"
	KindSettlementFailed  Kind = "settlement_failed"
	KindInternal          Kind = "internal"
)

// OrchestrationError is a structured error with a kind and context
type OrchestrationError struct {
	Kind    Kind
	Message string
	Details map[string]interface{}
	Cause   error
}

func (e *OrchestrationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *OrchestrationError) Unwrap() error {
	return e.Cause
}

// WithDetail adds a detail to the error
func (e *OrchestrationError) WithDetail(key string, value interface{}) *OrchestrationError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func New(kind Kind, message string, cause error) *OrchestrationError {
	return &OrchestrationError{Kind: kind, Message: message, Cause: cause}
}

func Unavailable(message string, cause error) *OrchestrationError {
	return New(KindUnavailable, message, cause)
}

// NoNodeAvailable is the retryable answer when no live node serves model.
func NoNodeAvailable(model string) *OrchestrationError {
	return New(KindUnavailable, fmt.Sprintf("no node available for model %s", model), nil).
		WithDetail("model", model)
}

func InvalidArgument(message string) *OrchestrationError {
	return New(KindInvalidArgument, message, nil)
}

func NotFound(what, id string) *OrchestrationError {
	return New(KindNotFound, fmt.Sprintf("%s %s not found", what, id), nil).WithDetail("id", id)
}

func Conflict(message string) *OrchestrationError {
	return New(KindConflict, message, nil)
}

func PaymentPending(sessionID string) *OrchestrationError {
	return New(KindPaymentPending, fmt.Sprintf("payment for session %s not received yet", sessionID), nil).
		WithDetail("session_id", sessionID)
}

func ResourceExhausted(message string, cause error) *OrchestrationError {
	return New(KindResourceExhausted, message, cause)
}

func SettlementFailed(sessionID string, cause error) *OrchestrationError {
	return New(KindSettlementFailed, fmt.Sprintf("settlement of session %s needs manual reconciliation", sessionID), cause).
		WithDetail("session_id", sessionID)
}

func Internal(message string, cause error) *OrchestrationError {
	return New(KindInternal, message, cause)
}

// KindOf returns the kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	var oe *OrchestrationError
	if stderrors.As(err, &oe) {
		return oe.Kind
	}
	return KindInternal
}

// Is reports whether err carries kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
