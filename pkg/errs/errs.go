// Package errs holds the error kinds shared by the delivery core.
// Callers classify with errors.Is; the API layer maps kinds to HTTP status codes.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is bad input, including size and MIME rejections.
	ErrValidation = errors.New("validation error")
	ErrNotFound   = errors.New("not found")
	// ErrConflict is an idempotency key or unique constraint owned by someone else.
	ErrConflict  = errors.New("conflict")
	ErrForbidden = errors.New("forbidden")
	// ErrTransientInfra is an unavailable cache or broker; callers absorb it.
	ErrTransientInfra = errors.New("transient infrastructure error")
	ErrMediaPipeline  = errors.New("media pipeline error")

	ErrRecipientNotFound = fmt.Errorf("%w: recipient", ErrNotFound)
	ErrMessageNotFound   = fmt.Errorf("%w: message", ErrNotFound)
	ErrUploadNotFound    = fmt.Errorf("%w: upload", ErrNotFound)
	ErrWindowExpired     = fmt.Errorf("%w: time window expired", ErrForbidden)
)

func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func NotFound(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

func Conflict(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

func Forbidden(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrForbidden, fmt.Sprintf(format, args...))
}

// Transient wraps an infrastructure failure, keeping the cause inspectable.
func Transient(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrTransientInfra, op, err)
}

// Media wraps a slow-path failure with the stage it happened in.
func Media(stage string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrMediaPipeline, stage, err)
}
