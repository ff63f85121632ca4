package errors

// ErrorCategory classifies errors by whether a retry may help.
type ErrorCategory string

const (
	// CategoryTransient indicates temporary failures where retry may succeed.
	// Examples: Redis connection reset, failover in progress.
	CategoryTransient ErrorCategory = "transient"

	// CategoryPermanent indicates failures where retry will not help.
	// Examples: malformed task fields, unknown DLQ entry.
	CategoryPermanent ErrorCategory = "permanent"

	// CategoryInternal indicates unexpected errors, bugs, or system failures.
	CategoryInternal ErrorCategory = "internal"
)

// ErrorCode identifies specific error types within categories.
type ErrorCode string

// Error codes for queue failure scenarios.
const (
	// Transient errors
	ErrCodeTimeout     ErrorCode = "TIMEOUT"     // Operation timed out
	ErrCodeUnavailable ErrorCode = "UNAVAILABLE" // Log or lease store unreachable

	// Permanent errors
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT" // Malformed task or result
	ErrCodeNotFound     ErrorCode = "NOT_FOUND"     // Entry does not exist
	ErrCodeConflict     ErrorCode = "CONFLICT"      // Conflicting state (e.g. already running)
	ErrCodeCanceled     ErrorCode = "CANCELED"      // Operation was canceled
	ErrCodeTaskFailed   ErrorCode = "TASK_FAILED"   // Handler returned an error

	// Internal errors
	ErrCodeInternal   ErrorCode = "INTERNAL"   // Unexpected internal error
	ErrCodeCorruption ErrorCode = "CORRUPTION" // Entry on the log cannot be decoded
	ErrCodePanic      ErrorCode = "PANIC"      // Recovered from panic
)

func (c ErrorCode) category() ErrorCategory {
	switch c {
	case ErrCodeTimeout, ErrCodeUnavailable:
		return CategoryTransient
	case ErrCodeInvalidInput, ErrCodeNotFound, ErrCodeConflict, ErrCodeCanceled, ErrCodeTaskFailed:
		return CategoryPermanent
	default:
		return CategoryInternal
	}
}
