// Package errors is the application error taxonomy. Each failure carries an
// ErrorCode that decides how it is retried, persisted on the job and rendered by the API.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes an AppError.
type ErrorCode string

// Request and state errors.
const (
	ErrCodeNotFound   ErrorCode = "not_found"
	ErrCodeConflict   ErrorCode = "conflict"   // illegal status edge or duplicate key
	ErrCodeValidation ErrorCode = "validation" // bad input; never retried
	ErrCodeInternal   ErrorCode = "internal"
)

// Infrastructure errors. The pipeline retries these instead of failing the job.
const (
	ErrCodePersistence ErrorCode = "persistence" // Postgres, Redis or artifact storage unreachable
	ErrCodeTimeout     ErrorCode = "timeout"
	ErrCodeCanceled    ErrorCode = "canceled"
)

// Pipeline stage errors.
const (
	ErrCodeProviderUnavailable ErrorCode = "provider_unavailable" // tool or API key missing
	ErrCodeTransient           ErrorCode = "transient"            // rate limit or network blip, retried with backoff
	ErrCodeProvider            ErrorCode = "provider"             // terminal provider refusal
	ErrCodeEmptyOutput         ErrorCode = "empty_output"
	ErrCodeCorruptOutput       ErrorCode = "corrupt_output"
	ErrCodeTransform           ErrorCode = "transform" // media tool exited non-zero
)

// AppError is a coded error with an optional cause and, for validation, the offending field.
type AppError struct {
	Code    ErrorCode
	Message string
	Cause   error
	Field   string
}

func (e *AppError) Error() string {
	if e.Cause == nil {
		return e.Message
	}
	return e.Message + ": " + e.Cause.Error()
}

func (e *AppError) Unwrap() error { return e.Cause }

// New returns an AppError with code. Args are applied with fmt.Sprintf only when present.
func New(code ErrorCode, format string, args ...any) *AppError {
	if len(args) > 0 {
		format = fmt.Sprintf(format, args...)
	}
	return &AppError{Code: code, Message: format}
}

// Wrap attaches code and message to err. A nil err stays nil.
func Wrap(err error, code ErrorCode, message string) *AppError {
	if err == nil {
		return nil
	}
	return &AppError{Code: code, Message: message, Cause: err}
}

// Wrapf is Wrap with a formatted message.
func Wrapf(err error, code ErrorCode, format string, args ...any) *AppError {
	if err == nil {
		return nil
	}
	return Wrap(err, code, fmt.Sprintf(format, args...))
}

func NotFound(message string) *AppError   { return New(ErrCodeNotFound, message) }
func Conflict(message string) *AppError   { return New(ErrCodeConflict, message) }
func Validation(message string) *AppError { return New(ErrCodeValidation, message) }
func Internal(message string) *AppError   { return New(ErrCodeInternal, message) }

// ValidationField reports invalid input in a named request field.
func ValidationField(field, message string) *AppError {
	return &AppError{Code: ErrCodeValidation, Message: message, Field: field}
}

func Validationf(format string, args ...any) *AppError {
	return New(ErrCodeValidation, format, args...)
}

func ProviderUnavailablef(format string, args ...any) *AppError {
	return New(ErrCodeProviderUnavailable, format, args...)
}

func Transientf(format string, args ...any) *AppError {
	return New(ErrCodeTransient, format, args...)
}

func Providerf(format string, args ...any) *AppError { return New(ErrCodeProvider, format, args...) }

func EmptyOutputf(format string, args ...any) *AppError {
	return New(ErrCodeEmptyOutput, format, args...)
}

func CorruptOutputf(format string, args ...any) *AppError {
	return New(ErrCodeCorruptOutput, format, args...)
}

func Transformf(format string, args ...any) *AppError { return New(ErrCodeTransform, format, args...) }

// Persistence wraps a storage failure.
func Persistence(err error, message string) *AppError { return Wrap(err, ErrCodePersistence, message) }

// Persistencef reports a storage failure that has no underlying error value.
func Persistencef(format string, args ...any) *AppError {
	return New(ErrCodePersistence, format, args...)
}

// GetCode returns the code of the outermost AppError in err's chain, or "".
func GetCode(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// GetField returns the validation field of err, or "".
func GetField(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Field
	}
	return ""
}

// Is reports whether err carries code.
func Is(err error, code ErrorCode) bool {
	return err != nil && GetCode(err) == code
}

func IsNotFound(err error) bool            { return Is(err, ErrCodeNotFound) }
func IsConflict(err error) bool            { return Is(err, ErrCodeConflict) }
func IsValidation(err error) bool          { return Is(err, ErrCodeValidation) }
func IsPersistence(err error) bool         { return Is(err, ErrCodePersistence) }
func IsProviderUnavailable(err error) bool { return Is(err, ErrCodeProviderUnavailable) }
func IsTransient(err error) bool           { return Is(err, ErrCodeTransient) }
func IsEmptyOutput(err error) bool         { return Is(err, ErrCodeEmptyOutput) }
func IsCorruptOutput(err error) bool       { return Is(err, ErrCodeCorruptOutput) }
func IsTransform(err error) bool           { return Is(err, ErrCodeTransform) }

// IsInfrastructure reports failures of the service's own storage or deadlines
// rather than of the job's input or an external provider.
func IsInfrastructure(err error) bool {
	switch GetCode(err) {
	case ErrCodePersistence, ErrCodeTimeout, ErrCodeCanceled:
		return true
	}
	return false
}
