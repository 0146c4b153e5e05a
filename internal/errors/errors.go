// Package errors defines the ZoomStore error taxonomy shared by the pyramid
// core and the HTTP layer.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ZoomError is a classified failure with a machine-readable code, a
// human-readable message, the HTTP status the adapter should use, and
// whether re-invoking the operation may succeed.
type ZoomError struct {
	// Code is the stable error code (e.g., "NotReady", "InvalidAddress").
	Code string
	// Message is a human-readable description of the error.
	Message string
	// HTTPStatus is the HTTP status code to return (e.g., 404, 503).
	HTTPStatus int
	// Retryable reports whether the same request may succeed later without
	// changing its arguments.
	Retryable bool
	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface for ZoomError.
func (e *ZoomError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *ZoomError) Unwrap() error {
	return e.Err
}

// Is matches any ZoomError carrying the same code, so a copy produced by
// WithCause or WithMessage still satisfies errors.Is against the sentinel.
func (e *ZoomError) Is(target error) bool {
	t, ok := target.(*ZoomError)
	return ok && t.Code == e.Code
}

// WithCause returns a copy of the error wrapping cause.
func (e *ZoomError) WithCause(cause error) *ZoomError {
	cp := *e
	cp.Err = cause
	return &cp
}

// WithMessage returns a copy of the error with a formatted message.
func (e *ZoomError) WithMessage(format string, args ...any) *ZoomError {
	cp := *e
	cp.Message = fmt.Sprintf(format, args...)
	return &cp
}

// As returns the first ZoomError in err's chain.
func As(err error) (*ZoomError, bool) {
	var ze *ZoomError
	if stderrors.As(err, &ze) {
		return ze, true
	}
	return nil, false
}

// Classify returns the ZoomError for err, or ErrInternalError wrapping err
// when err carries no classification.
func Classify(err error) *ZoomError {
	if err == nil {
		return nil
	}
	if ze, ok := As(err); ok {
		return ze
	}
	return ErrInternalError.WithCause(err)
}

// Pre-defined errors.
var (
	// ErrInvalidImage is returned when the input cannot be decoded or has a
	// zero dimension. Permanent.
	ErrInvalidImage = &ZoomError{
		Code:       "InvalidImage",
		Message:    "The image could not be decoded",
		HTTPStatus: 400,
	}

	// ErrImageTooLarge is returned when the input exceeds the byte, pixel or
	// tile-count bounds. Permanent.
	ErrImageTooLarge = &ZoomError{
		Code:       "ImageTooLarge",
		Message:    "The image exceeds the maximum supported size",
		HTTPStatus: 413,
	}

	// ErrDecodeError is returned when decoding fails part-way through a
	// generation run. Retry by ensuring the pyramid again.
	ErrDecodeError = &ZoomError{
		Code:       "DecodeError",
		Message:    "The source image failed to decode during pyramid generation",
		HTTPStatus: 500,
		Retryable:  true,
	}

	// ErrResourceExhausted is returned when disk or memory runs out during
	// generation. Retry after remediation.
	ErrResourceExhausted = &ZoomError{
		Code:       "ResourceExhausted",
		Message:    "Insufficient disk or memory to generate the pyramid",
		HTTPStatus: 507,
		Retryable:  true,
	}

	// ErrNotFound is returned when the identifier is unknown.
	ErrNotFound = &ZoomError{
		Code:       "NotFound",
		Message:    "The specified image does not exist",
		HTTPStatus: 404,
	}

	// ErrNotReady is returned while the pyramid is not yet generated. It is
	// an expected, transient condition: callers poll or wait.
	ErrNotReady = &ZoomError{
		Code:       "NotReady",
		Message:    "The pyramid for this image is not ready yet",
		HTTPStatus: 503,
		Retryable:  true,
	}

	// ErrInvalidAddress is returned for a tile address outside the pyramid.
	ErrInvalidAddress = &ZoomError{
		Code:       "InvalidAddress",
		Message:    "The tile address is outside the pyramid",
		HTTPStatus: 404,
	}

	// ErrCancelled is returned when generation was cancelled, normally
	// because the image was deleted.
	ErrCancelled = &ZoomError{
		Code:       "Cancelled",
		Message:    "Pyramid generation was cancelled",
		HTTPStatus: 409,
		Retryable:  true,
	}

	// ErrInvalidArgument is returned for malformed request input.
	ErrInvalidArgument = &ZoomError{
		Code:       "InvalidArgument",
		Message:    "Invalid Argument",
		HTTPStatus: 400,
	}

	// ErrInternalError is returned for unexpected internal failures.
	ErrInternalError = &ZoomError{
		Code:       "InternalError",
		Message:    "We encountered an internal error. Please try again.",
		HTTPStatus: 500,
	}
)
