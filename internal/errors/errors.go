// Package errors provides coded errors shared across the approvals service.
// Handlers map codes to HTTP statuses; services never import net/http.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCode identifies a class of failure.
type ErrorCode string

const (
	ErrCodeInternal     ErrorCode = "INTERNAL"
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound     ErrorCode = "NOT_FOUND"
	ErrCodeConflict     ErrorCode = "CONFLICT"
	ErrCodeUnauthorized ErrorCode = "UNAUTHORIZED"

	// Approval engine taxonomy.
	ErrCodeNoApplicableWorkflow   ErrorCode = "NO_APPLICABLE_WORKFLOW"
	ErrCodeNoApproversAssigned    ErrorCode = "NO_APPROVERS_ASSIGNED"
	ErrCodeInvalidStateTransition ErrorCode = "INVALID_STATE_TRANSITION"
	ErrCodeRequestNotPending      ErrorCode = "REQUEST_NOT_PENDING"
	ErrCodeNotAnAssignedApprover  ErrorCode = "NOT_AN_ASSIGNED_APPROVER"
	ErrCodeAlreadyDecided         ErrorCode = "ALREADY_DECIDED"
	ErrCodeSelfApprovalNotAllowed ErrorCode = "SELF_APPROVAL_NOT_ALLOWED"
	ErrCodeForbidden              ErrorCode = "FORBIDDEN"
	ErrCodeConfigValidation       ErrorCode = "CONFIG_VALIDATION_ERROR"
	ErrCodeConcurrentModification ErrorCode = "CONCURRENT_MODIFICATION"
)

// Error is a coded error with an optional wrapped cause.
type Error struct {
	Code    ErrorCode
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates a coded error.
func New(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap annotates err with a code and message.
func Wrap(err error, code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message, cause: err}
}

// NotFound reports a missing resource.
func NotFound(resource, id string) *Error {
	return &Error{Code: ErrCodeNotFound, Message: fmt.Sprintf("%s not found: %s", resource, id)}
}

// InvalidInput reports a bad request field.
func InvalidInput(field, message string) *Error {
	return &Error{Code: ErrCodeInvalidInput, Message: fmt.Sprintf("%s: %s", field, message)}
}

// CodeOf extracts the error code, defaulting to ErrCodeInternal.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternal
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}
