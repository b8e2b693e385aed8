package errors

import (
	stderrors "errors"
	"fmt"
)

type AppError struct {
	Code    string
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is matches any AppError carrying the same code, so callers can test
// against the sentinels below regardless of the message.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

func New(code, message string, cause ...error) *AppError {
	var c error
	if len(cause) > 0 {
		c = cause[0]
	}
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   c,
	}
}

var (
	ErrConfigNotFound = &AppError{Code: "CONFIG_001", Message: "configuration not found"}
	ErrConfigInvalid  = &AppError{Code: "CONFIG_002", Message: "invalid configuration"}

	ErrValidation = &AppError{Code: "VALID_001", Message: "validation failed"}

	ErrDuplicateEntry = &AppError{Code: "LEDGER_001", Message: "ledger entry already exists"}

	ErrAlreadyNotified = &AppError{Code: "REMIND_001", Message: "reminder already notified"}

	ErrStorage = &AppError{Code: "STORE_001", Message: "storage operation failed"}

	ErrUnauthorized = &AppError{Code: "AUTH_001", Message: "unauthorized"}

	ErrNotFound   = &AppError{Code: "GEN_001", Message: "resource not found"}
	ErrBadRequest = &AppError{Code: "GEN_002", Message: "bad request"}
	ErrInternal   = &AppError{Code: "GEN_003", Message: "internal error"}
)

// Validation returns a recoverable input error
func Validation(format string, args ...any) *AppError {
	return New(ErrValidation.Code, fmt.Sprintf(format, args...))
}

// NotFound reports an unknown identifier of the given kind
func NotFound(kind, id string) *AppError {
	return New(ErrNotFound.Code, fmt.Sprintf("%s %q not found", kind, id))
}

// Duplicate reports a ledger collision
func Duplicate(format string, args ...any) *AppError {
	return New(ErrDuplicateEntry.Code, fmt.Sprintf(format, args...))
}

// Storage wraps a backend failure
func Storage(op string, cause error) *AppError {
	return New(ErrStorage.Code, op, cause)
}

func IsAppError(err error) bool {
	var appErr *AppError
	return stderrors.As(err, &appErr)
}

func GetCode(err error) string {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return "UNKNOWN"
}

func Wrap(err error, code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}
