// Package schema defines the wire contract of the queue: the Task a
// producer dispatches, the Result a consumer reports, and the DeadLetter
// that records a task which exhausted its retries.
//
// Entries on a stream are flat maps of string keys to string values.
// Scalars are written as-is, numbers as decimal text, timestamps as
// RFC 3339 in UTC, and the open-ended payload/result documents as JSON.
//
//	fields := schema.SerializeTask(task)
//	back, err := schema.DeserializeTask(fields)
//
// Deserialization re-runs validation, so a malformed entry fails with the
// same INVALID_INPUT error as direct validation:
//
//	if _, err := schema.ValidateTask(raw); errors.IsValidation(err) {
//	    // reject, never retry
//	}
package schema
