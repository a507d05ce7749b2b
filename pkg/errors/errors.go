package errors

import (
	"errors"
	"fmt"
)

// Common application errors
var (
	// Experiment errors
	ErrExperimentNotFound  = errors.New("experiment not found")
	ErrVariantNotFound     = errors.New("variant not found")
	ErrAssignmentNotFound  = errors.New("assignment not found")
	ErrExperimentNotActive = errors.New("experiment is not running")
	ErrNotEligible         = errors.New("subject not eligible for experiment")

	// Lifecycle errors
	ErrInvalidTransition = errors.New("invalid lifecycle transition")
	ErrAlreadyStopped    = errors.New("experiment already stopped")
	ErrWinnerNotAllowed  = errors.New("winner may only be declared on completion")

	// Storage errors
	ErrStorageConnectionFailed = errors.New("storage connection failed")
	ErrStorageWriteFailed      = errors.New("storage write failed")
	ErrStorageReadFailed       = errors.New("storage read failed")
	ErrStorageTimeout          = errors.New("storage operation timeout")
	ErrDuplicateData           = errors.New("duplicate data")

	// Configuration errors
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrMissingConfiguration = errors.New("missing configuration")

	// Internal errors
	ErrInternal     = errors.New("internal error")
	ErrUnavailable  = errors.New("service unavailable")
	ErrNotConnected = errors.New("not connected")
)

// ErrorType represents different categories of errors
type ErrorType string

const (
	ErrorTypeValidation    ErrorType = "validation"
	ErrorTypeLifecycle     ErrorType = "lifecycle"
	ErrorTypeNotFound      ErrorType = "not_found"
	ErrorTypeStorage       ErrorType = "storage"
	ErrorTypeConfiguration ErrorType = "configuration"
	ErrorTypeInternal      ErrorType = "internal"
)

// AppError represents an application-specific error with additional context
type AppError struct {
	Type       ErrorType              `json:"type"`
	Code       string                 `json:"code"`
	Message    string                 `json:"message"`
	Details    string                 `json:"details,omitempty"`
	Cause      error                  `json:"-"`
	Context    map[string]interface{} `json:"context,omitempty"`
	Retryable  bool                   `json:"retryable"`
	HTTPStatus int                    `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s - %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Type == t.Type && e.Code == t.Code
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithDetails adds details to the error
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

// NewAppError creates a new application error
func NewAppError(errType ErrorType, code, message string) *AppError {
	return &AppError{
		Type:       errType,
		Code:       code,
		Message:    message,
		Retryable:  false,
		HTTPStatus: getDefaultHTTPStatus(errType),
	}
}

// WrapError wraps an existing error with application context
func WrapError(err error, errType ErrorType, code, message string) *AppError {
	return &AppError{
		Type:       errType,
		Code:       code,
		Message:    message,
		Cause:      err,
		Retryable:  isRetryable(err),
		HTTPStatus: getDefaultHTTPStatus(errType),
	}
}

// NewNotFoundError creates a not-found error wrapping the given sentinel
func NewNotFoundError(sentinel error, id string) *AppError {
	return &AppError{
		Type:       ErrorTypeNotFound,
		Code:       CodeNotFound,
		Message:    sentinel.Error(),
		Details:    id,
		Cause:      sentinel,
		HTTPStatus: 404,
	}
}

// NewInternalError creates an internal error
func NewInternalError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeInternal,
		Code:       CodeInternalError,
		Message:    message,
		Retryable:  false,
		HTTPStatus: 500,
	}
}

// HTTPStatus returns the HTTP status best describing err
func HTTPStatus(err error) int {
	var storageErr *StorageError
	if errors.As(err, &storageErr) {
		return storageErr.HTTPStatus
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	var valErr *ValidationErrors
	if errors.As(err, &valErr) {
		return 400
	}
	switch {
	case errors.Is(err, ErrExperimentNotFound), errors.Is(err, ErrVariantNotFound), errors.Is(err, ErrAssignmentNotFound):
		return 404
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrExperimentNotActive):
		return 409
	}
	return 500
}

// AsAppError converts any error into the AppError reported to API clients
func AsAppError(err error) *AppError {
	var storageErr *StorageError
	if errors.As(err, &storageErr) {
		return storageErr.AppError
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	var valErr *ValidationErrors
	if errors.As(err, &valErr) {
		return &AppError{
			Type:       ErrorTypeValidation,
			Code:       CodeInvalidInput,
			Message:    valErr.Message,
			Cause:      valErr,
			Context:    map[string]interface{}{"errors": valErr.Errors},
			HTTPStatus: 400,
		}
	}
	status := HTTPStatus(err)
	out := &AppError{
		Type:       ErrorTypeInternal,
		Code:       CodeInternalError,
		Message:    err.Error(),
		Cause:      err,
		HTTPStatus: status,
	}
	switch status {
	case 404:
		out.Type, out.Code = ErrorTypeNotFound, CodeNotFound
	case 409:
		out.Type, out.Code = ErrorTypeLifecycle, CodeInvalidTransition
	}
	return out
}

// getDefaultHTTPStatus returns the default HTTP status for an error type
func getDefaultHTTPStatus(errType ErrorType) int {
	switch errType {
	case ErrorTypeValidation:
		return 400
	case ErrorTypeNotFound:
		return 404
	case ErrorTypeLifecycle:
		return 409
	case ErrorTypeStorage, ErrorTypeConfiguration:
		return 503
	default:
		return 500
	}
}

// isRetryable determines if an error is retryable
func isRetryable(err error) bool {
	if err == nil {
		return false
	}

	switch {
	case errors.Is(err, ErrStorageTimeout):
		return true
	case errors.Is(err, ErrStorageConnectionFailed):
		return true
	case errors.Is(err, ErrUnavailable):
		return true
	default:
		return false
	}
}

// ErrorResponse represents an error response for APIs
type ErrorResponse struct {
	Error     *AppError `json:"error"`
	RequestID string    `json:"request_id,omitempty"`
	Timestamp string    `json:"timestamp"`
	Path      string    `json:"path,omitempty"`
}

// Error codes for different error scenarios
const (
	// Validation error codes
	CodeInvalidInput      = "INVALID_INPUT"
	CodeMissingField      = "MISSING_FIELD"
	CodeOutOfRange        = "OUT_OF_RANGE"
	CodeVariantCount      = "VARIANT_COUNT"
	CodeControlCount      = "CONTROL_COUNT"
	CodeSplitMismatch     = "SPLIT_MISMATCH"
	CodeNoMetrics         = "NO_METRICS"
	CodeNoPrimaryMetric   = "NO_PRIMARY_METRIC"
	CodeDuplicateVariant  = "DUPLICATE_VARIANT"
	CodeInvalidMetricType = "INVALID_METRIC_TYPE"

	// Lifecycle error codes
	CodeInvalidTransition = "INVALID_TRANSITION"
	CodeNotRunning        = "NOT_RUNNING"
	CodeWinnerNotAllowed  = "WINNER_NOT_ALLOWED"

	// Storage error codes
	CodeNotFound         = "NOT_FOUND"
	CodeStorageError     = "STORAGE_ERROR"
	CodeConnectionFailed = "CONNECTION_FAILED"
	CodeWriteFailed      = "WRITE_FAILED"
	CodeReadFailed       = "READ_FAILED"

	// Internal error codes
	CodeInternalError = "INTERNAL_ERROR"
	CodeInvalidConfig = "INVALID_CONFIG"
)
