package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/tumkoussekya/studio-sub000/internal/core/domain"
)

// ErrorCode is sent to HTTP callers and in gateway ack frames
type ErrorCode string

const (
	ErrCodeInvalidInput       ErrorCode = "INVALID_INPUT"
	ErrCodeUnauthorized       ErrorCode = "UNAUTHORIZED"
	ErrCodeTokenInvalid       ErrorCode = "TOKEN_INVALID"
	ErrCodeCapabilityDenied   ErrorCode = "CAPABILITY_DENIED"
	ErrCodeRateLimit          ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeNotConnected       ErrorCode = "NOT_CONNECTED"
	ErrCodeInternal           ErrorCode = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
)

// AppError represents an application error with code and context
type AppError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Cause      error
	Context    map[string]interface{}
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

func NewAppError(code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Context:    make(map[string]interface{}),
	}
}

func WrapError(err error, code ErrorCode, message string, httpStatus int) *AppError {
	appErr := NewAppError(code, message, httpStatus)
	appErr.Cause = err
	return appErr
}

func NewInvalidInputError(message string) *AppError {
	return NewAppError(ErrCodeInvalidInput, message, http.StatusBadRequest)
}

func NewUnauthorizedError(message string) *AppError {
	return NewAppError(ErrCodeUnauthorized, message, http.StatusUnauthorized)
}

func NewTokenInvalidError(cause error) *AppError {
	return WrapError(cause, ErrCodeTokenInvalid, "credential rejected", http.StatusUnauthorized)
}

func NewCapabilityDeniedError(channel string, op domain.Operation) *AppError {
	return NewAppError(ErrCodeCapabilityDenied, fmt.Sprintf("%s not granted on %q", op, channel), http.StatusForbidden).
		WithContext("channel", channel).
		WithContext("operation", string(op))
}

func NewRateLimitError() *AppError {
	return NewAppError(ErrCodeRateLimit, "rate limit exceeded", http.StatusTooManyRequests)
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrCodeInternal, message, http.StatusInternalServerError)
}

func NewServiceUnavailableError(message string) *AppError {
	return NewAppError(ErrCodeServiceUnavailable, message, http.StatusServiceUnavailable)
}

// GetAppError extracts AppError from error chain
func GetAppError(err error) *AppError {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return nil
}

// FromDomain maps realtime domain errors onto application errors. Unknown
// errors become INTERNAL_ERROR.
func FromDomain(err error) *AppError {
	if err == nil {
		return nil
	}
	if appErr := GetAppError(err); appErr != nil {
		return appErr
	}

	var capErr *domain.CapabilityError
	switch {
	case stderrors.As(err, &capErr):
		return NewCapabilityDeniedError(capErr.Channel, capErr.Operation)
	case stderrors.Is(err, domain.ErrCapabilityDenied):
		return WrapError(err, ErrCodeCapabilityDenied, "capability denied", http.StatusForbidden)
	case stderrors.Is(err, domain.ErrInvalidChannel):
		return WrapError(err, ErrCodeInvalidInput, "invalid channel", http.StatusBadRequest)
	case stderrors.Is(err, domain.ErrNotConnected):
		return WrapError(err, ErrCodeNotConnected, "not connected", http.StatusServiceUnavailable)
	case stderrors.Is(err, domain.ErrConnection):
		return WrapError(err, ErrCodeServiceUnavailable, "connection failed", http.StatusServiceUnavailable)
	default:
		return WrapError(err, ErrCodeInternal, "internal error", http.StatusInternalServerError)
	}
}
