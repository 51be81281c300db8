package common

import (
	"errors"
	"net/http"
)

// AppError is an error that already knows how it should be rendered to API clients.
type AppError struct {
	Code       string
	Message    string
	HTTPStatus int
	Err        error
	Details    any
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Message
}

// Unwrap allows errors.Is/As to inspect the underlying error.
func (e *AppError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewAppError constructs an AppError.
func NewAppError(code, message string, status int, err error) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: status, Err: err}
}

// ValidationError reports rejected request fields as a 422 with per-field details.
func ValidationError(message string, details map[string]string, err error) *AppError {
	appErr := NewAppError("VALIDATION_ERROR", message, http.StatusUnprocessableEntity, err)
	appErr.Details = details
	return appErr
}

// AsAppError extracts an AppError from the chain.
func AsAppError(err error) (*AppError, bool) {
	var target *AppError
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// WriteAppError renders appErr in the canonical error shape. A zero status becomes 400.
func WriteAppError(w http.ResponseWriter, appErr *AppError) {
	status := appErr.HTTPStatus
	if status == 0 {
		status = http.StatusBadRequest
	}
	JSONError(w, status, appErr.Code, appErr.Message, appErr.Details)
}
