package types

import (
	"errors"
	"fmt"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// Error code constants. All packages MUST use these constants instead of
// hardcoded strings so callers can branch with errors.As + Code checks.
const (
	// Policy: an entitlement check denied the operation. The verdict is
	// attached under the "verdict" details key. This is the only expected,
	// non-exceptional failure of the deduction engine.
	ErrCodeDeniedByPolicy ErrorCode = "credits_denied_by_policy"

	// Configuration: the action catalog or plan data is missing something
	// that a correctly seeded system always has. Fatal, nothing applied.
	ErrCodeUnknownAction  ErrorCode = "config_unknown_action"
	ErrCodeInactiveAction ErrorCode = "config_inactive_action"

	// Validation of caller input.
	ErrCodeInvalidAmount ErrorCode = "validation_invalid_amount"
	ErrCodeMissingUserID ErrorCode = "validation_missing_user_id"

	// Not found.
	ErrCodeNotFoundLedger       ErrorCode = "not_found_ledger"
	ErrCodeNotFoundSubscription ErrorCode = "not_found_subscription"
	ErrCodeNotFoundUser         ErrorCode = "not_found_user"

	// Concurrency: the datastore aborted the transaction (row lock
	// conflict, serialization failure). The whole call is safe to retry.
	ErrCodeConflictConcurrent ErrorCode = "conflict_concurrent_modification"

	// Internal/infrastructure.
	ErrCodeInternalDB         ErrorCode = "internal_database_error"
	ErrCodeInternalUnexpected ErrorCode = "internal_unexpected_error"
)

// AppError is the standard application error type used throughout the
// engine. All domain errors are expressed as AppError to enable consistent
// categorization and error chain support.
type AppError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the whole operation may be safely retried by the
// caller. Only transient datastore conflicts qualify; the deduction engine
// re-checks entitlement on every attempt, so retrying cannot double-spend.
func (e *AppError) Retryable() bool {
	return e.Code == ErrCodeConflictConcurrent
}

// NewAppError creates a new AppError with the given code, message, and
// optional underlying error.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

// NewAppErrorWithDetails creates a new AppError carrying structured details.
func NewAppErrorWithDetails(code ErrorCode, message string, err error, details map[string]any) *AppError {
	return &AppError{Code: code, Message: message, Err: err, Details: details}
}

// NewDenialError wraps a denying verdict as the caller-visible failure of a
// mutation path. The verdict travels in Details so callers can surface the
// specific reason without re-evaluating.
func NewDenialError(v *Verdict) *AppError {
	return &AppError{
		Code:    ErrCodeDeniedByPolicy,
		Message: fmt.Sprintf("action denied: %s", v.Reason),
		Details: map[string]any{"verdict": v},
	}
}

// DenialVerdict extracts the verdict from a policy-denial error, or nil if
// err is not one. This is how request handlers distinguish "you can't do
// this" from "something went wrong".
func DenialVerdict(err error) *Verdict {
	var appErr *AppError
	if !errors.As(err, &appErr) || appErr.Code != ErrCodeDeniedByPolicy {
		return nil
	}
	v, _ := appErr.Details["verdict"].(*Verdict)
	return v
}

// CodeOf returns the ErrorCode of err if it is an AppError, or
// ErrCodeInternalUnexpected otherwise.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternalUnexpected
}
