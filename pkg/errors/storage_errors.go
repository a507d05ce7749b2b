package errors

import (
	"fmt"
)

// StorageError represents a storage-specific error with backend context
type StorageError struct {
	*AppError
	StorageType string `json:"storage_type"`
	Operation   string `json:"operation,omitempty"`
}

// NewStorageError creates a storage error
func NewStorageError(code, message string) *AppError {
	return &AppError{
		Type:       ErrorTypeStorage,
		Code:       code,
		Message:    message,
		Retryable:  false,
		HTTPStatus: 503,
	}
}

// WrapStorageError wraps a backend error with operation context
func WrapStorageError(err error, operation, storageType string) *StorageError {
	if err == nil {
		return nil
	}
	return &StorageError{
		AppError: &AppError{
			Type:       ErrorTypeStorage,
			Code:       CodeStorageError,
			Message:    fmt.Sprintf("%s operation failed on %s", operation, storageType),
			Cause:      err,
			Retryable:  isRetryable(err),
			HTTPStatus: 503,
		},
		StorageType: storageType,
		Operation:   operation,
	}
}

// NewLifecycleError reports a transition that is not allowed from the current state
func NewLifecycleError(action string, current string) *AppError {
	return &AppError{
		Type:       ErrorTypeLifecycle,
		Code:       CodeInvalidTransition,
		Message:    fmt.Sprintf("cannot %s experiment in status %q", action, current),
		Cause:      ErrInvalidTransition,
		HTTPStatus: 409,
		Context:    map[string]interface{}{"status": current, "action": action},
	}
}
