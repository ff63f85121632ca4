package schema

import (
	"encoding/json"
	"strconv"

	"github.com/vinayprograms/agentqueue/errors"
)

// Task and Result field keys on the wire. The two sets are disjoint so a
// DeadLetter can carry both in one flat entry.
var (
	taskStringKeys   = []string{"id", "type", "priority", "dispatchedBy", "createdAt"}
	taskNumberKeys   = []string{"maxRetries", "retryCount", "timeoutMs"}
	resultStringKeys = []string{"taskId", "worker", "status", "startedAt", "completedAt"}
	resultNumberKeys = []string{"durationMs"}
)

// SerializeTask flattens a Task into stream entry fields.
func SerializeTask(t *Task) map[string]string {
	payload, _ := json.Marshal(t.Payload)
	return map[string]string{
		"id":           t.ID,
		"type":         string(t.Type),
		"payload":      string(payload),
		"priority":     string(t.Priority),
		"dispatchedBy": t.DispatchedBy,
		"createdAt":    formatTime(t.CreatedAt),
		"maxRetries":   strconv.Itoa(t.MaxRetries),
		"retryCount":   strconv.Itoa(t.RetryCount),
		"timeoutMs":    strconv.Itoa(t.TimeoutMs),
	}
}

// SerializeResult flattens a Result into stream entry fields.
func SerializeResult(r *Result) map[string]string {
	doc, _ := json.Marshal(r.Result)
	return map[string]string{
		"taskId":      r.TaskID,
		"worker":      r.Worker,
		"status":      string(r.Status),
		"result":      string(doc),
		"startedAt":   formatTime(r.StartedAt),
		"completedAt": formatTime(r.CompletedAt),
		"durationMs":  formatInt(r.DurationMs),
	}
}

// SerializeDeadLetter merges the task and its terminal failure into one
// set of entry fields.
func SerializeDeadLetter(t *Task, failure *Result) map[string]string {
	fields := SerializeTask(t)
	for k, v := range SerializeResult(failure) {
		fields[k] = v
	}
	return fields
}

// DeserializeTask parses stream entry fields back into a validated Task.
// Unknown keys are ignored.
func DeserializeTask(fields map[string]string) (*Task, error) {
	raw := make(map[string]any, 9)
	copyStrings(raw, fields, taskStringKeys)
	copyNumbers(raw, fields, taskNumberKeys)
	if s, ok := fields["payload"]; ok {
		var doc any
		if err := json.Unmarshal([]byte(s), &doc); err != nil {
			return nil, errors.Validation("payload", "payload must be valid JSON", errors.WithCause(err))
		}
		raw["payload"] = doc
	}
	return ValidateTask(raw)
}

// DeserializeResult parses stream entry fields back into a validated Result.
func DeserializeResult(fields map[string]string) (*Result, error) {
	raw := make(map[string]any, 7)
	copyStrings(raw, fields, resultStringKeys)
	copyNumbers(raw, fields, resultNumberKeys)
	if s, ok := fields["result"]; ok {
		var doc any
		if err := json.Unmarshal([]byte(s), &doc); err != nil {
			return nil, errors.Validation("result", "result must be valid JSON", errors.WithCause(err))
		}
		raw["result"] = doc
	}
	return ValidateResult(raw)
}

// DeserializeDeadLetter parses a DLQ entry. Both halves must be valid.
func DeserializeDeadLetter(entryID string, fields map[string]string) (*DeadLetter, error) {
	task, err := DeserializeTask(fields)
	if err != nil {
		return nil, err
	}
	failure, err := DeserializeResult(fields)
	if err != nil {
		return nil, err
	}
	return &DeadLetter{EntryID: entryID, Task: *task, Failure: *failure}, nil
}

func copyStrings(dst map[string]any, src map[string]string, keys []string) {
	for _, k := range keys {
		if v, ok := src[k]; ok {
			dst[k] = v
		}
	}
}

// copyNumbers parses decimal text; unparseable text is passed through as a
// string so validation reports the field.
func copyNumbers(dst map[string]any, src map[string]string, keys []string) {
	for _, k := range keys {
		v, ok := src[k]
		if !ok {
			continue
		}
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			dst[k] = n
		} else {
			dst[k] = v
		}
	}
}
