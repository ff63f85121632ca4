// Package errors provides the structured error taxonomy used across
// agentqueue. Every error carries a code and a category so callers can tell
// a malformed task apart from a missing DLQ entry, a Redis hiccup or a
// handler failure without string matching.
//
// # Error Categories
//
//   - Transient: the log or lease store is temporarily unreachable; the
//     consumer loop and the reclaimer retry these after a short backoff.
//   - Permanent: retrying will not help (invalid task, unknown DLQ entry,
//     handler failure for this attempt).
//   - Internal: corruption, recovered panics and other bugs.
//
// # Queue Taxonomy
//
//	INVALID_INPUT  malformed Task/Result during validate/serialize/deserialize
//	NOT_FOUND      DLQ retry of an unknown task id
//	UNAVAILABLE    the log is temporarily unreachable
//	TASK_FAILED    the caller-supplied handler returned an error
//
// # Usage
//
//	err := errors.Validation("priority", "invalid priority")
//
//	if errors.Is(err, errors.ErrCodeInvalidInput) {
//	    // never retried, surface to the caller
//	}
//
//	if errors.IsTransient(err) {
//	    // back off and try again
//	}
package errors
