package core

import (
	"fmt"
	"net/http"
)

// Code is the stable symbolic name of an error category.
type Code string

// the error taxonomy
const (
	CodePayload          Code = "payload_invalid"
	CodeValidation       Code = "validation_failed"
	CodeAuthentication   Code = "authentication_failed"
	CodeAuthorization    Code = "access_denied"
	CodeNotFound         Code = "not_found"
	CodeConflict         Code = "conflict"
	CodeUnsupported      Code = "unsupported_operation"
	CodeStorage          Code = "storage_failed"
)

// Violation is a single semantic validation failure.
type Violation struct {
	Field   string `json:"field,omitempty"`
	Path    string `json:"path,omitempty"`
	Rule    string `json:"rule,omitempty"`
	Message string `json:"message"`
}

// Error is the error type surfaced by the engine. It carries a stable
// symbolic code, a human readable message and optional structured details.
type Error struct {
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return string(e.Code) + ": " + e.Message
}

// Status returns the HTTP status the error surfaces as.
func (e *Error) Status() int {
	switch e.Code {
	case CodePayload, CodeUnsupported:
		return http.StatusBadRequest
	case CodeAuthentication:
		return http.StatusUnauthorized
	case CodeAuthorization:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeValidation:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// WithDetail returns the error with an additional detail entry.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	e.Details[key] = value
	return e
}

// Payload creates a payload error with the structural path that failed.
func Payload(path, expected string, received any) *Error {
	return &Error{
		Code:    CodePayload,
		Message: fmt.Sprintf("malformed payload at %s", path),
		Details: map[string]any{"path": path, "expected": expected, "received": received},
	}
}

// Validation creates a validation error from a list of violations.
func Validation(violations ...Violation) *Error {
	msg := "validation failed"
	if len(violations) == 1 {
		msg = violations[0].Message
	}
	return &Error{
		Code:    CodeValidation,
		Message: msg,
		Details: map[string]any{"violations": violations},
	}
}

// Authentication creates an authentication error.
func Authentication(message string) *Error {
	return &Error{Code: CodeAuthentication, Message: message}
}

// AccessDenied creates an authorization error listing the required rule
// set and the reasons each rule did not pass.
func AccessDenied(rules []string, reasons []string) *Error {
	return &Error{
		Code:    CodeAuthorization,
		Message: fmt.Sprintf("access denied, required one of %v", rules),
		Details: map[string]any{"rules": rules, "reasons": reasons},
	}
}

// NotFound creates a not-found error. The same error is used for unknown
// ids and for owner-masked records; callers must not make the two
// distinguishable.
func NotFound(resource, id string) *Error {
	msg := fmt.Sprintf("no such resource: %s", resource)
	if id != "" {
		msg = fmt.Sprintf("no such %s: %s", resource, id)
	}
	return &Error{Code: CodeNotFound, Message: msg}
}

// Conflict creates a conflict error for storage-reported unique violations.
func Conflict(message string) *Error {
	return &Error{Code: CodeConflict, Message: message}
}

// Unsupported creates an unsupported-operation error naming the storage
// feature the request would have needed.
func Unsupported(feature, message string) *Error {
	return &Error{
		Code:    CodeUnsupported,
		Message: message,
		Details: map[string]any{"requiredFeature": feature},
	}
}

// StorageFailed wraps an adapter error.
func StorageFailed(err error) *Error {
	return &Error{Code: CodeStorage, Message: err.Error()}
}

// AsError returns err as *Error, wrapping unknown errors as storage
// failures so that every failure path carries a symbolic code.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Error); ok {
		return e
	}
	return StorageFailed(err)
}
