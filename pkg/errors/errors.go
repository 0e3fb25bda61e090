// Package errors defines the error codes shared across the orchestration core.
package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
)

// Code classifies an error for retry decisions and API mapping.
type Code string

const (
	// General (1xxx)
	CodeOK               Code = "OK"
	CodeUnknown          Code = "UNKNOWN"
	CodeInvalidParam     Code = "INVALID_PARAM"
	CodeInvalidRequest   Code = "INVALID_REQUEST"
	CodeValidation       Code = "VALIDATION"
	CodeNotFound         Code = "NOT_FOUND"
	CodeAlreadyExists    Code = "ALREADY_EXISTS"
	CodePermissionDenied Code = "PERMISSION_DENIED"
	CodeUnauthenticated  Code = "UNAUTHENTICATED"
	CodeInternal         Code = "INTERNAL"
	CodeUnavailable      Code = "UNAVAILABLE"
	CodeTimeout          Code = "TIMEOUT"
	CodeTransient        Code = "TRANSIENT"
	CodeCanceled         Code = "CANCELED"

	// Event bus (2xxx)
	CodeBusUnavailable     Code = "BUS_UNAVAILABLE"
	CodeSchemaUnregistered Code = "SCHEMA_UNREGISTERED"
	CodeSchemaInvalid      Code = "SCHEMA_INVALID"
	CodeBusClosed          Code = "BUS_CLOSED"
	CodeDeadLetterNotFound Code = "DEAD_LETTER_NOT_FOUND"

	// Saga (3xxx)
	CodeStepExecution      Code = "STEP_EXECUTION"
	CodeCompensation       Code = "COMPENSATION"
	CodeSagaNotFound       Code = "SAGA_NOT_FOUND"
	CodeSagaExists         Code = "SAGA_EXISTS"
	CodeDefinitionNotFound Code = "DEFINITION_NOT_FOUND"
	CodeDefinitionInvalid  Code = "DEFINITION_INVALID"

	// External services (4xxx)
	CodeServiceNotFound Code = "SERVICE_NOT_FOUND"
	CodeCircuitOpen     Code = "CIRCUIT_OPEN"
	CodeRemoteRejected  Code = "REMOTE_REJECTED"
)

// Error is the error value crossing package and API boundaries.
type Error struct {
	Code      Code   `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	RequestID string `json:"requestId,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// New creates an error with the retryability implied by its code.
func New(code Code, message string) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Retryable: isRetryable(code),
	}
}

// Newf creates a formatted error.
func Newf(code Code, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// WithRequestID attaches the request ID.
func (e *Error) WithRequestID(requestID string) *Error {
	e.RequestID = requestID
	return e
}

// HTTPStatus returns the HTTP status the code maps to.
func (e *Error) HTTPStatus() int {
	return httpStatus(e.Code)
}

// GetCode extracts the code from err, unwrapping as needed.
// Plain errors report CodeUnknown.
func GetCode(err error) Code {
	if err == nil {
		return CodeOK
	}
	var be *Error
	if stderrors.As(err, &be) {
		return be.Code
	}
	return CodeUnknown
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool {
	return GetCode(err) == code
}

// IsRetryable reports whether err is worth retrying. Context
// cancellation is never retryable; a deadline hit is.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, context.Canceled) {
		return false
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var be *Error
	if stderrors.As(err, &be) {
		return be.Retryable
	}
	return false
}

func isRetryable(code Code) bool {
	switch code {
	case CodeTimeout, CodeUnavailable, CodeTransient,
		CodeBusUnavailable, CodeCircuitOpen:
		return true
	default:
		return false
	}
}

func httpStatus(code Code) int {
	switch code {
	case CodeOK:
		return http.StatusOK
	case CodeInvalidParam, CodeInvalidRequest, CodeValidation,
		CodeSchemaInvalid, CodeSchemaUnregistered, CodeDefinitionInvalid:
		return http.StatusBadRequest
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodePermissionDenied:
		return http.StatusForbidden
	case CodeNotFound, CodeSagaNotFound, CodeDefinitionNotFound,
		CodeDeadLetterNotFound, CodeServiceNotFound:
		return http.StatusNotFound
	case CodeAlreadyExists, CodeSagaExists:
		return http.StatusConflict
	case CodeStepExecution, CodeCompensation, CodeRemoteRejected:
		return http.StatusUnprocessableEntity
	case CodeInternal, CodeUnknown:
		return http.StatusInternalServerError
	case CodeUnavailable, CodeBusUnavailable, CodeBusClosed,
		CodeCircuitOpen, CodeTransient:
		return http.StatusServiceUnavailable
	case CodeTimeout:
		return http.StatusGatewayTimeout
	case CodeCanceled:
		return 499
	default:
		return http.StatusInternalServerError
	}
}

// Predefined errors
var (
	ErrInvalidParam    = New(CodeInvalidParam, "invalid parameter")
	ErrNotFound        = New(CodeNotFound, "not found")
	ErrUnauthenticated = New(CodeUnauthenticated, "unauthenticated")
	ErrBusClosed       = New(CodeBusClosed, "event bus closed")
	ErrBusUnavailable  = New(CodeBusUnavailable, "event bus unavailable")
	ErrSagaNotFound    = New(CodeSagaNotFound, "saga not found")
	ErrCircuitOpen     = New(CodeCircuitOpen, "circuit open")
)
