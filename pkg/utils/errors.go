package utils

import (
	"errors"
	"fmt"
	"net/http"
)

// ResponseCode business response code
type ResponseCode int

const (
	CodeSuccess ResponseCode = 0

	// Request errors
	CodeInvalidParam ResponseCode = 10001
	CodeUnauthorized ResponseCode = 10002
	CodeNotFound     ResponseCode = 10004
	CodeTooMany      ResponseCode = 10029

	// Session errors
	CodeNoSession      ResponseCode = 20001
	CodeSessionExpired ResponseCode = 20002

	// Broker and backend errors
	CodeNotConnected  ResponseCode = 30001
	CodePublishFailed ResponseCode = 30002
	CodeBackendError  ResponseCode = 30003

	// System errors
	CodeInternalError ResponseCode = 50000
)

// HTTPStatus maps the code to an HTTP status
func (c ResponseCode) HTTPStatus() int {
	switch c {
	case CodeSuccess:
		return http.StatusOK
	case CodeInvalidParam:
		return http.StatusBadRequest
	case CodeUnauthorized, CodeSessionExpired:
		return http.StatusUnauthorized
	case CodeNotFound, CodeNoSession:
		return http.StatusNotFound
	case CodeTooMany:
		return http.StatusTooManyRequests
	case CodeNotConnected:
		return http.StatusServiceUnavailable
	case CodePublishFailed, CodeBackendError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// AppError application error structure
type AppError struct {
	Code    ResponseCode `json:"code"`
	Message string       `json:"message"`
	Err     error        `json:"-"`
}

// Error implement error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("code: %d, message: %s, error: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("code: %d, message: %s", e.Code, e.Message)
}

// Unwrap implement errors.Unwrap interface
func (e *AppError) Unwrap() error {
	return e.Err
}

// NewError create new application error
func NewError(code ResponseCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// WrapError wrap error with a code and message
func WrapError(err error, code ResponseCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Predefined errors
var (
	ErrInvalidParam   = NewError(CodeInvalidParam, "invalid parameter")
	ErrNoSession      = NewError(CodeNoSession, "no payment session")
	ErrNotConnected   = NewError(CodeNotConnected, "broker not connected")
	ErrInternalError  = NewError(CodeInternalError, "internal server error")
	ErrSessionExpired = NewError(CodeSessionExpired, "session expired")
)

// IsAppError check if err is or wraps an application error
func IsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// GetErrorCode get error code
func GetErrorCode(err error) ResponseCode {
	if appErr, ok := IsAppError(err); ok {
		return appErr.Code
	}
	return CodeInternalError
}

// GetErrorMessage get error message
func GetErrorMessage(err error) string {
	if appErr, ok := IsAppError(err); ok {
		return appErr.Message
	}
	return err.Error()
}
