// Package errors defines the typed application errors shared by the player
// core and its HTTP surface.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorType classifies an AppError.
type ErrorType string

const (
	ErrorTypeValidation  ErrorType = "VALIDATION_ERROR"
	ErrorTypeNotFound    ErrorType = "NOT_FOUND"
	ErrorTypeInternal    ErrorType = "INTERNAL_ERROR"
	ErrorTypeTimeout     ErrorType = "TIMEOUT"
	ErrorTypeConflict    ErrorType = "CONFLICT"
	ErrorTypeServiceDown ErrorType = "SERVICE_DOWN"

	ErrorTypeDownload              ErrorType = "DOWNLOAD_ERROR"
	ErrorTypeContentLengthMismatch ErrorType = "CONTENT_LENGTH_MISMATCH"
	ErrorTypeMediaSource           ErrorType = "MEDIA_SOURCE_ERROR"
	ErrorTypeQuotaExceeded         ErrorType = "QUOTA_EXCEEDED"
	ErrorTypePlayback              ErrorType = "PLAYBACK_ERROR"
)

// AppError is an error with a type, an optional code and the HTTP status it
// maps to.
type AppError struct {
	Type       ErrorType              `json:"type"`
	Message    string                 `json:"message"`
	Code       string                 `json:"code,omitempty"`
	Details    map[string]interface{} `json:"details,omitempty"`
	HTTPStatus int                    `json:"-"`
	Err        error                  `json:"-"`
}

func (e *AppError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Type))
	if e.Code != "" {
		b.WriteString("/" + e.Code)
	}
	b.WriteString(": " + e.Message)
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Is matches another AppError of the same type, and of the same code when
// the target sets one.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Type == e.Type && (t.Code == "" || t.Code == e.Code)
}

// WithDetails attaches details to the error.
func (e *AppError) WithDetails(details map[string]interface{}) *AppError {
	e.Details = details
	return e
}

// WithCode sets the error code.
func (e *AppError) WithCode(code string) *AppError {
	e.Code = code
	return e
}

// New creates an AppError. A zero status is derived from the type.
func New(errType ErrorType, message string, httpStatus int) *AppError {
	return Wrap(nil, errType, message, httpStatus)
}

// Wrap creates an AppError caused by err.
func Wrap(err error, errType ErrorType, message string, httpStatus int) *AppError {
	e := &AppError{Type: errType, Message: message, HTTPStatus: httpStatus, Err: err}
	if httpStatus == 0 {
		e.HTTPStatus = StatusFor(e)
	}
	return e
}

// StatusFor returns the HTTP status of an AppError, deriving it from the
// type when none was set.
func StatusFor(e *AppError) int {
	if e.HTTPStatus != 0 {
		return e.HTTPStatus
	}
	switch e.Type {
	case ErrorTypeValidation:
		return http.StatusBadRequest
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeConflict:
		return http.StatusConflict
	case ErrorTypeTimeout:
		return http.StatusGatewayTimeout
	case ErrorTypeServiceDown:
		return http.StatusServiceUnavailable
	case ErrorTypeDownload, ErrorTypeContentLengthMismatch:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func NewValidationError(message string) *AppError {
	return New(ErrorTypeValidation, message, 0)
}

// NewNotFoundError reports a missing resource, e.g. "session live-1".
func NewNotFoundError(resource string) *AppError {
	return New(ErrorTypeNotFound, resource+" not found", 0)
}

func NewInternalError(message string) *AppError {
	return New(ErrorTypeInternal, message, 0)
}

func WrapInternalError(err error, message string) *AppError {
	return Wrap(err, ErrorTypeInternal, message, 0)
}

func NewTimeoutError(message string) *AppError {
	return New(ErrorTypeTimeout, message, 0)
}

func NewConflictError(message string) *AppError {
	return New(ErrorTypeConflict, message, 0)
}

// NewServiceDownError reports an unavailable dependency such as the
// registry.
func NewServiceDownError(service string) *AppError {
	return New(ErrorTypeServiceDown, fmt.Sprintf("%s service is currently unavailable", service), 0)
}

// HasType reports whether err wraps an AppError of one of types.
func HasType(err error, types ...ErrorType) bool {
	appErr, ok := GetAppError(err)
	if !ok {
		return false
	}
	for _, t := range types {
		if appErr.Type == t {
			return true
		}
	}
	return false
}

// IsAppError reports whether err is, or wraps, an AppError.
func IsAppError(err error) bool {
	_, ok := GetAppError(err)
	return ok
}

// GetAppError extracts the first AppError of err's chain.
func GetAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}
