package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

type ErrorType string

const (
	ErrorTypeNotFound     ErrorType = "NOT_FOUND"
	ErrorTypeValidation   ErrorType = "VALIDATION"
	ErrorTypeInternal     ErrorType = "INTERNAL"
	ErrorTypeUnauthorized ErrorType = "UNAUTHORIZED"
)

// Error is returned by the central store server and rendered as JSON.
type Error struct {
	Type    ErrorType `json:"type"`
	Message string    `json:"message"`
	Code    int       `json:"code"`
	Details any       `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return e.Message
}

func NotFound(message string) *Error {
	return &Error{
		Type:    ErrorTypeNotFound,
		Message: message,
		Code:    http.StatusNotFound,
	}
}

func ValidationError(message string, details any) *Error {
	return &Error{
		Type:    ErrorTypeValidation,
		Message: message,
		Code:    http.StatusBadRequest,
		Details: details,
	}
}

func Internal(message string) *Error {
	return &Error{
		Type:    ErrorTypeInternal,
		Message: message,
		Code:    http.StatusInternalServerError,
	}
}

// StoreError means a single big file could not be transferred or verified.
// Batches record it and move on to the next file.
type StoreError struct {
	Filename string
	Hash     string
	URL      string
	Detail   string
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("error getting %s from %s for %s: %s", e.Hash, e.URL, e.Filename, e.Detail)
}

func NewStoreError(filename, hash, url, detail string) *StoreError {
	return &StoreError{Filename: filename, Hash: hash, URL: url, Detail: detail}
}

// AsStoreError unwraps err into a StoreError if it is one.
func AsStoreError(err error) (*StoreError, bool) {
	var se *StoreError
	if stderrors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// AbortError stops the whole operation.
type AbortError struct {
	Message string
	Hint    string
}

func (e *AbortError) Error() string {
	return e.Message
}

func Abort(format string, args ...any) *AbortError {
	return &AbortError{Message: fmt.Sprintf(format, args...)}
}

// WithHint attaches a suggestion shown after the abort message.
func (e *AbortError) WithHint(hint string) *AbortError {
	e.Hint = hint
	return e
}

func IsAbort(err error) bool {
	var ae *AbortError
	return stderrors.As(err, &ae)
}
