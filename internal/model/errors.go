package model

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrValidation     = errors.New("validation error")
	ErrConflict       = errors.New("conflict")
	ErrSyncInProgress = errors.New("sync already in progress")
)

// ErrorCode classifies sync failures for retry policy and reporting.
type ErrorCode string

const (
	CodeAuthenticationFailed ErrorCode = "AUTHENTICATION_FAILED"
	CodeRateLimitExceeded    ErrorCode = "RATE_LIMIT_EXCEEDED"
	CodeNetworkError         ErrorCode = "NETWORK_ERROR"
	CodeAPIError             ErrorCode = "API_ERROR"
	CodeValidationError      ErrorCode = "VALIDATION_ERROR"
	CodePermissionDenied     ErrorCode = "PERMISSION_DENIED"
	CodeQuotaExceeded        ErrorCode = "QUOTA_EXCEEDED"
	CodeServiceUnavailable   ErrorCode = "SERVICE_UNAVAILABLE"
)

// Retryable reports whether failures with this code may be retried.
// VALIDATION_ERROR and PERMISSION_DENIED are policy decisions, not transient
// failures, and are never retried.
func (c ErrorCode) Retryable() bool {
	switch c {
	case CodeNetworkError, CodeAPIError, CodeRateLimitExceeded, CodeServiceUnavailable, CodeQuotaExceeded:
		return true
	default:
		return false
	}
}

// SyncError is one failure record inside a SyncResult.
type SyncError struct {
	Code       ErrorCode  `json:"code"`
	Message    string     `json:"message"`
	EventID    string     `json:"eventId,omitempty"`
	CanRetry   bool       `json:"canRetry"`
	RetryAfter *time.Time `json:"retryAfter,omitempty"`
	Time       time.Time  `json:"time"`
	cause      error
}

// NewSyncError builds a SyncError with retryability derived from the code.
func NewSyncError(code ErrorCode, msg string) *SyncError {
	return &SyncError{Code: code, Message: msg, CanRetry: code.Retryable(), Time: time.Now().UTC()}
}

// WrapSyncError attaches a cause preserved for errors.Is/As.
func WrapSyncError(code ErrorCode, err error) *SyncError {
	se := NewSyncError(code, err.Error())
	se.cause = err
	return se
}

func (e *SyncError) Error() string {
	if e.EventID != "" {
		return fmt.Sprintf("%s: %s (event %s)", e.Code, e.Message, e.EventID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *SyncError) Unwrap() error { return e.cause }

// WithEvent returns a copy scoped to a specific event.
func (e *SyncError) WithEvent(eventID string) *SyncError {
	cp := *e
	cp.EventID = eventID
	return &cp
}

// Terminal marks the error permanent regardless of code.
func (e *SyncError) Terminal() *SyncError {
	cp := *e
	cp.CanRetry = false
	return &cp
}

// CodeOf extracts the ErrorCode from err, classifying plain errors as API
// errors and context/network timeouts as network errors.
func CodeOf(err error) ErrorCode {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Code
	}
	var to interface{ Timeout() bool }
	if errors.As(err, &to) && to.Timeout() {
		return CodeNetworkError
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return CodeNetworkError
	}
	return CodeAPIError
}

// IsRetryable reports whether err may be retried under the propagation policy.
func IsRetryable(err error) bool {
	var se *SyncError
	if errors.As(err, &se) {
		return se.CanRetry
	}
	return CodeOf(err).Retryable()
}
