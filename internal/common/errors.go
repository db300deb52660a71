package common

import (
	"errors"
	"fmt"
)

// AppError represents application-specific errors
type AppError struct {
	Code    string
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Failure classes. Fatal errors abort the owning document; transient errors
// are retried within a bounded budget. Partial failures are not errors:
// they are recorded as status fields on the affected page or fact and
// never propagate past their stage.
var (
	ErrFatalDocument    = errors.New("fatal document error")
	ErrTransientBackend = errors.New("transient backend error")
	ErrValidation       = errors.New("validation failed")
	ErrStageClaimed     = errors.New("stage already claimed")
	ErrNotFound         = errors.New("resource not found")
	ErrInvalidInput     = errors.New("invalid input")
)

// Error constructors
func NewAppError(code, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// FatalDocumentf marks an error as fatal for the whole document.
func FatalDocumentf(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrFatalDocument)...)
}

// Transientf marks an error as retryable (network, rate limit, timeout).
func Transientf(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrTransientBackend)...)
}

// Validationf marks a schema or shape failure; never retried or coerced.
func Validationf(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrValidation)...)
}

func IsFatal(err error) bool {
	return errors.Is(err, ErrFatalDocument)
}

func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientBackend)
}

func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
