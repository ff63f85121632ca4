package errors

import (
	"context"
	"errors"
	"fmt"
)

// Wrap wraps an error with additional context while preserving the error chain.
// If err is nil, Wrap returns nil.
// If err is already a queue Error, its code and task are kept.
// Otherwise a new Internal error wraps the original.
func Wrap(err error, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}

	var qErr *Error
	if errors.As(err, &qErr) {
		wrapped := &Error{
			code:     qErr.code,
			category: qErr.category,
			message:  message,
			cause:    err,
			field:    qErr.field,
			taskID:   qErr.taskID,
		}
		for _, opt := range opts {
			opt(wrapped)
		}
		return wrapped
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return New(ErrCodeTimeout, message, append(opts, WithCause(err))...)
	}
	if errors.Is(err, context.Canceled) {
		return New(ErrCodeCanceled, message, append(opts, WithCause(err))...)
	}

	return New(ErrCodeInternal, message, append(opts, WithCause(err))...)
}

// Wrapf wraps an error with a formatted message.
func Wrapf(err error, format string, args ...interface{}) *Error {
	return Wrap(err, fmt.Sprintf(format, args...))
}

// WrapWithCode wraps an error with a specific error code.
func WrapWithCode(err error, code ErrorCode, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}
	opts = append(opts, WithCause(err))
	return New(code, message, opts...)
}

// AsError extracts the outermost *Error from an error chain.
// Returns nil if none is found.
func AsError(err error) *Error {
	var qErr *Error
	if errors.As(err, &qErr) {
		return qErr
	}
	return nil
}

// Is checks if any error in the chain has the given error code.
func Is(err error, code ErrorCode) bool {
	if qErr := AsError(err); qErr != nil {
		return qErr.code == code
	}
	return false
}

// IsTransient reports whether err is worth retrying after a backoff.
// Errors outside the taxonomy are not.
func IsTransient(err error) bool {
	if qErr := AsError(err); qErr != nil {
		return qErr.category == CategoryTransient
	}
	return false
}

// IsValidation reports whether err is an INVALID_INPUT error.
func IsValidation(err error) bool {
	return Is(err, ErrCodeInvalidInput)
}

// IsNotFound reports whether err is a NOT_FOUND error.
func IsNotFound(err error) bool {
	return Is(err, ErrCodeNotFound)
}

// RecoverPanic converts a recovered panic value into an Error.
func RecoverPanic(recovered interface{}) *Error {
	if recovered == nil {
		return nil
	}
	var message string
	switch v := recovered.(type) {
	case error:
		message = v.Error()
	case string:
		message = v
	default:
		message = fmt.Sprintf("%v", v)
	}
	return New(ErrCodePanic, message)
}
