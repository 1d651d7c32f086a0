package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents relay-specific error classes
type ErrorCode string

const (
	// Input errors
	ErrCodeMalformedInput ErrorCode = "MALFORMED_INPUT"
	ErrCodeMissingField   ErrorCode = "MISSING_FIELD"

	// Identity errors
	ErrCodeUnknownIdentity ErrorCode = "UNKNOWN_IDENTITY"

	// Cryptographic errors
	ErrCodeCrypto ErrorCode = "CRYPTO_FAILURE"

	// Collaborator errors
	ErrCodeExternalDependency ErrorCode = "EXTERNAL_DEPENDENCY"
	ErrCodeTransport          ErrorCode = "TRANSPORT_ERROR"

	// Internal errors
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
)

// AppError represents a structured relay error with a code and message
type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details any       `json:"details,omitempty"`
	Err     error     `json:"-"`
}

// Error implements the error interface, returning a formatted error message
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is reports whether target is an AppError with the same code.
func (e *AppError) Is(target error) bool {
	var t *AppError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code && t.Message == ""
}

// New creates a new AppError with the given code and message
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an AppError, preserving the original error
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WithDetails adds additional details to an AppError for debugging
func (e *AppError) WithDetails(details any) *AppError {
	e.Details = details
	return e
}

// Sentinels usable with errors.Is to test the class of an error.
var (
	ErrMalformedInput     = &AppError{Code: ErrCodeMalformedInput}
	ErrMissingField       = &AppError{Code: ErrCodeMissingField}
	ErrUnknownIdentity    = &AppError{Code: ErrCodeUnknownIdentity}
	ErrCrypto             = &AppError{Code: ErrCodeCrypto}
	ErrExternalDependency = &AppError{Code: ErrCodeExternalDependency}
	ErrTransport          = &AppError{Code: ErrCodeTransport}
)

// Input errors
func MalformedInputError(message string, err error) *AppError {
	return Wrap(ErrCodeMalformedInput, message, err)
}

func MissingFieldError(field string) *AppError {
	return New(ErrCodeMissingField, fmt.Sprintf("Missing required field: %s", field)).
		WithDetails(map[string]string{"field": field})
}

// Identity errors
func UnknownIdentityError(kind, id string) *AppError {
	return New(ErrCodeUnknownIdentity, fmt.Sprintf("%s not registered: %s", kind, id))
}

// Cryptographic errors
func CryptoError(operation string, err error) *AppError {
	return Wrap(ErrCodeCrypto, operation+" failed", err)
}

// Collaborator errors
func ExternalDependencyError(service string, err error) *AppError {
	return Wrap(ErrCodeExternalDependency, service+" call failed", err)
}

func TransportError(message string, err error) *AppError {
	return Wrap(ErrCodeTransport, message, err)
}

// Internal errors
func InternalError(message string) *AppError {
	return New(ErrCodeInternal, message)
}

// IsAppError checks if an error is an AppError type
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// GetAppError extracts AppError from an error, wrapping non-AppErrors as InternalError
func GetAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return Wrap(ErrCodeInternal, err.Error(), err)
}

// CodeOf returns the error code of err, suitable as a metrics label.
func CodeOf(err error) string {
	if err == nil {
		return "ok"
	}
	return string(GetAppError(err).Code)
}
