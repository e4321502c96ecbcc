// Package errors provides unified error handling for the activity pipeline.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a unique error code.
type ErrorCode string

const (
	// Authentication/authorization errors (1xxx)
	ErrCodeUnauthorized     ErrorCode = "AUTH_1001"
	ErrCodeInvalidSignature ErrorCode = "AUTH_1002"
	ErrCodeSignatureExpired ErrorCode = "AUTH_1003"
	ErrCodeForbidden        ErrorCode = "AUTH_1004"

	// Validation errors (2xxx)
	ErrCodeInvalidInput     ErrorCode = "VAL_2001"
	ErrCodeMissingParameter ErrorCode = "VAL_2002"
	ErrCodeInvalidFormat    ErrorCode = "VAL_2003"
	ErrCodeUnknownActivity  ErrorCode = "VAL_2004"

	// Resource errors (3xxx)
	ErrCodeNotFound ErrorCode = "RES_3001"
	ErrCodeConflict ErrorCode = "RES_3002"

	// Storage/service errors (4xxx)
	ErrCodeStorage           ErrorCode = "SVC_4001"
	ErrCodeLockNotHeld       ErrorCode = "SVC_4002"
	ErrCodeTimeout           ErrorCode = "SVC_4003"
	ErrCodeRateLimitExceeded ErrorCode = "SVC_4004"
	ErrCodeInternal          ErrorCode = "SVC_4005"
)

// ServiceError represents a structured error with code, message, and HTTP status.
type ServiceError struct {
	Code       ErrorCode              `json:"code"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Err        error                  `json:"-"`
}

// Error implements the error interface.
func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *ServiceError) Unwrap() error {
	return e.Err
}

// WithDetails adds additional details to the error.
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a new ServiceError.
func New(code ErrorCode, message string, httpStatus int) *ServiceError {
	return &ServiceError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
	}
}

// Wrap wraps an existing error with a ServiceError.
func Wrap(code ErrorCode, message string, httpStatus int, err error) *ServiceError {
	return &ServiceError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Err:        err,
	}
}

// Authentication/authorization errors

func Unauthorized(message string) *ServiceError {
	return New(ErrCodeUnauthorized, message, http.StatusUnauthorized)
}

func InvalidSignature(err error) *ServiceError {
	return Wrap(ErrCodeInvalidSignature, "invalid resource signature", http.StatusUnauthorized, err)
}

func SignatureExpired() *ServiceError {
	return New(ErrCodeSignatureExpired, "resource signature has expired", http.StatusUnauthorized)
}

func Forbidden(message string) *ServiceError {
	return New(ErrCodeForbidden, message, http.StatusForbidden)
}

// Validation errors

func InvalidInput(field, reason string) *ServiceError {
	return New(ErrCodeInvalidInput, "invalid input", http.StatusBadRequest).
		WithDetails("field", field).
		WithDetails("reason", reason)
}

func MissingParameter(param string) *ServiceError {
	return New(ErrCodeMissingParameter, "missing required parameter", http.StatusBadRequest).
		WithDetails("parameter", param)
}

func InvalidFormat(field, expected string) *ServiceError {
	return New(ErrCodeInvalidFormat, "invalid format", http.StatusBadRequest).
		WithDetails("field", field).
		WithDetails("expected", expected)
}

// UnknownActivity reports that an activity seed names an activityType with
// no registered entry in the activity type table.
func UnknownActivity(activityType string) *ServiceError {
	return New(ErrCodeUnknownActivity, "unknown activity type", http.StatusBadRequest).
		WithDetails("activityType", activityType)
}

// Resource errors

func NotFound(resource, id string) *ServiceError {
	return New(ErrCodeNotFound, "resource not found", http.StatusNotFound).
		WithDetails("resource", resource).
		WithDetails("id", id)
}

func Conflict(message string) *ServiceError {
	return New(ErrCodeConflict, message, http.StatusConflict)
}

// Storage/service errors

// Storage wraps a failure from the KV store, row store, or pub/sub
// transport. Per the pipeline's error policy, storage errors are logged
// and the pipeline continues rather than aborting outright.
func Storage(operation string, err error) *ServiceError {
	return Wrap(ErrCodeStorage, "storage operation failed", http.StatusInternalServerError, err).
		WithDetails("operation", operation)
}

// LockNotHeld reports that a bucket collection attempt lost (or never
// acquired) its single-owner lock.
func LockNotHeld(bucket string) *ServiceError {
	return New(ErrCodeLockNotHeld, "bucket collection lock not held", http.StatusConflict).
		WithDetails("bucket", bucket)
}

func Timeout(operation string) *ServiceError {
	return New(ErrCodeTimeout, "operation timed out", http.StatusGatewayTimeout).
		WithDetails("operation", operation)
}

func RateLimitExceeded(limit int, window string) *ServiceError {
	return New(ErrCodeRateLimitExceeded, "rate limit exceeded", http.StatusTooManyRequests).
		WithDetails("limit", limit).
		WithDetails("window", window)
}

func Internal(message string, err error) *ServiceError {
	return Wrap(ErrCodeInternal, message, http.StatusInternalServerError, err)
}

// Helper functions

// IsServiceError checks if an error is a ServiceError.
func IsServiceError(err error) bool {
	var serviceErr *ServiceError
	return errors.As(err, &serviceErr)
}

// GetServiceError extracts a ServiceError from an error chain.
func GetServiceError(err error) *ServiceError {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr
	}
	return nil
}

// GetHTTPStatus returns the HTTP status code for an error.
func GetHTTPStatus(err error) int {
	if serviceErr := GetServiceError(err); serviceErr != nil {
		return serviceErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
