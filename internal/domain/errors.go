package domain

import (
	"fmt"
	"net/http"
)

/**
 * Error codes returned in the JSON error envelope.
 * The streaming endpoint never uses these once a stream is open.
 */
type ErrorCode string

const (
	ErrCodeInvalidRequest     ErrorCode = "invalid_request_error"
	ErrCodeNotFound           ErrorCode = "not_found"
	ErrCodeMethodNotAllowed   ErrorCode = "method_not_allowed"
	ErrCodeRateLimit          ErrorCode = "rate_limit_error"
	ErrCodeRequestTooLarge    ErrorCode = "request_too_large"
	ErrCodeModelNotLoaded     ErrorCode = "model_not_loaded"
	ErrCodeInternalError      ErrorCode = "internal_error"
	ErrCodeServiceUnavailable ErrorCode = "service_unavailable"
)

/**
 * Structured application error with context.
 */
type AppError struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	StatusCode int       `json:"-"`
	RequestID  string    `json:"request_id,omitempty"`
	Param      string    `json:"param,omitempty"`
	Cause      error     `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap exposes the cause to errors.Is / errors.As.
func (e *AppError) Unwrap() error {
	return e.Cause
}

func NewError(code ErrorCode, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

func (e *AppError) WithRequestID(id string) *AppError {
	e.RequestID = id
	return e
}

func (e *AppError) WithParam(param string) *AppError {
	e.Param = param
	return e
}

func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

/**
 * Common error constructors.
 */

func ErrInvalidRequest(message string) *AppError {
	return NewError(ErrCodeInvalidRequest, message, http.StatusBadRequest)
}

func ErrNotFound(message string) *AppError {
	return NewError(ErrCodeNotFound, message, http.StatusNotFound)
}

func ErrMethodNotAllowed(method string) *AppError {
	return NewError(ErrCodeMethodNotAllowed, fmt.Sprintf("method %s not allowed", method), http.StatusMethodNotAllowed)
}

func ErrRateLimit(message string) *AppError {
	return NewError(ErrCodeRateLimit, message, http.StatusTooManyRequests)
}

func ErrRequestTooLarge(message string) *AppError {
	return NewError(ErrCodeRequestTooLarge, message, http.StatusRequestEntityTooLarge)
}

func ErrModelNotLoaded(message string) *AppError {
	return NewError(ErrCodeModelNotLoaded, message, http.StatusServiceUnavailable)
}

func ErrInternal(message string) *AppError {
	return NewError(ErrCodeInternalError, message, http.StatusInternalServerError)
}

func ErrServiceUnavailable(message string) *AppError {
	return NewError(ErrCodeServiceUnavailable, message, http.StatusServiceUnavailable)
}
