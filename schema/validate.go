package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/vinayprograms/agentqueue/errors"
)

// ValidateTask checks an untyped structural value (as decoded by
// encoding/json) and returns the typed Task. It stops at the first
// violated constraint.
func ValidateTask(data any) (*Task, error) {
	m, ok := data.(map[string]any)
	if !ok {
		return nil, errors.Validation("task", "task must be an object")
	}

	id, err := requiredString(m, "id")
	if err != nil {
		return nil, err
	}
	if id == "" {
		return nil, errors.Validation("id", "id must not be empty")
	}

	typ, err := requiredString(m, "type")
	if err != nil {
		return nil, err
	}
	if !TaskType(typ).Valid() {
		return nil, errors.Validation("type", fmt.Sprintf("unknown task type %q", typ))
	}

	rawPayload, ok := m["payload"]
	if !ok || rawPayload == nil {
		return nil, errors.Validation("payload", "payload is required")
	}
	payload, err := payloadFromValue(rawPayload)
	if err != nil {
		return nil, err
	}

	prio, err := requiredString(m, "priority")
	if err != nil {
		return nil, err
	}
	if !Priority(prio).Valid() {
		return nil, errors.Validation("priority", fmt.Sprintf("unknown priority %q", prio))
	}

	dispatchedBy, err := requiredString(m, "dispatchedBy")
	if err != nil {
		return nil, err
	}

	createdAt, err := requiredTime(m, "createdAt")
	if err != nil {
		return nil, err
	}

	maxRetries, err := requiredInt(m, "maxRetries")
	if err != nil {
		return nil, err
	}
	if maxRetries < 0 {
		return nil, errors.Validation("maxRetries", "maxRetries must not be negative")
	}

	retryCount, err := requiredInt(m, "retryCount")
	if err != nil {
		return nil, err
	}
	if retryCount < 0 {
		return nil, errors.Validation("retryCount", "retryCount must not be negative")
	}

	timeoutMs, err := requiredInt(m, "timeoutMs")
	if err != nil {
		return nil, err
	}
	if timeoutMs <= 0 {
		return nil, errors.Validation("timeoutMs", "timeoutMs must be positive")
	}

	return &Task{
		ID:           id,
		Type:         TaskType(typ),
		Payload:      payload,
		Priority:     Priority(prio),
		DispatchedBy: dispatchedBy,
		CreatedAt:    createdAt,
		MaxRetries:   int(maxRetries),
		RetryCount:   int(retryCount),
		TimeoutMs:    int(timeoutMs),
	}, nil
}

// ValidateResult checks an untyped structural value and returns the typed
// Result.
func ValidateResult(data any) (*Result, error) {
	m, ok := data.(map[string]any)
	if !ok {
		return nil, errors.Validation("result", "result must be an object")
	}

	taskID, err := requiredString(m, "taskId")
	if err != nil {
		return nil, err
	}
	if taskID == "" {
		return nil, errors.Validation("taskId", "taskId must not be empty")
	}

	worker, err := requiredString(m, "worker")
	if err != nil {
		return nil, err
	}

	status, err := requiredString(m, "status")
	if err != nil {
		return nil, err
	}
	if !ResultStatus(status).Valid() {
		return nil, errors.Validation("status", fmt.Sprintf("unknown status %q", status))
	}

	rawDoc, ok := m["result"]
	if !ok || rawDoc == nil {
		return nil, errors.Validation("result", "result is required")
	}
	doc, err := resultDocFromValue(rawDoc)
	if err != nil {
		return nil, err
	}

	startedAt, err := requiredTime(m, "startedAt")
	if err != nil {
		return nil, err
	}
	completedAt, err := requiredTime(m, "completedAt")
	if err != nil {
		return nil, err
	}

	durationMs, err := requiredInt(m, "durationMs")
	if err != nil {
		return nil, err
	}
	if durationMs < 0 {
		return nil, errors.Validation("durationMs", "durationMs must not be negative")
	}

	return &Result{
		TaskID:      taskID,
		Worker:      worker,
		Status:      ResultStatus(status),
		Result:      doc,
		StartedAt:   startedAt,
		CompletedAt: completedAt,
		DurationMs:  durationMs,
	}, nil
}

// Validate checks a typed Task against the same constraints as ValidateTask.
func (t *Task) Validate() error {
	switch {
	case t.ID == "":
		return errors.Validation("id", "id must not be empty")
	case !t.Type.Valid():
		return errors.Validation("type", fmt.Sprintf("unknown task type %q", t.Type))
	case !t.Priority.Valid():
		return errors.Validation("priority", fmt.Sprintf("unknown priority %q", t.Priority))
	case t.CreatedAt.IsZero():
		return errors.Validation("createdAt", "createdAt is required")
	case t.MaxRetries < 0:
		return errors.Validation("maxRetries", "maxRetries must not be negative")
	case t.RetryCount < 0:
		return errors.Validation("retryCount", "retryCount must not be negative")
	case t.TimeoutMs <= 0:
		return errors.Validation("timeoutMs", "timeoutMs must be positive")
	}
	return nil
}

// IsValidationError reports whether err came from schema validation.
func IsValidationError(err error) bool {
	return errors.IsValidation(err)
}

func payloadFromValue(v any) (Payload, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return Payload{}, errors.Validation("payload", "payload must be an object")
	}
	prompt, ok := m["prompt"].(string)
	if !ok {
		return Payload{}, errors.Validation("payload.prompt", "payload.prompt must be a string")
	}

	p := Payload{Prompt: prompt}
	var err error
	if p.Repo, err = optionalString(m, "repo", "payload.repo"); err != nil {
		return Payload{}, err
	}
	if p.Workdir, err = optionalString(m, "workdir", "payload.workdir"); err != nil {
		return Payload{}, err
	}
	if p.Branch, err = optionalString(m, "branch", "payload.branch"); err != nil {
		return Payload{}, err
	}
	if raw, ok := m["issue"]; ok && raw != nil {
		n, ok := toInt(raw)
		if !ok {
			return Payload{}, errors.Validation("payload.issue", "payload.issue must be an integer")
		}
		p.Issue = int(n)
	}
	p.Extra = extraKeys(m, payloadKeys)
	return p, nil
}

func resultDocFromValue(v any) (ResultDoc, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return ResultDoc{}, errors.Validation("result", "result must be an object")
	}
	var (
		d   ResultDoc
		err error
	)
	if d.Output, err = optionalString(m, "output", "result.output"); err != nil {
		return ResultDoc{}, err
	}
	if d.Error, err = optionalString(m, "error", "result.error"); err != nil {
		return ResultDoc{}, err
	}
	if d.CommitSHA, err = optionalString(m, "commitSha", "result.commitSha"); err != nil {
		return ResultDoc{}, err
	}
	if d.Branch, err = optionalString(m, "branch", "result.branch"); err != nil {
		return ResultDoc{}, err
	}
	d.Extra = extraKeys(m, resultDocKeys)
	return d, nil
}

func extraKeys(m map[string]any, known []string) map[string]any {
	var extra map[string]any
outer:
	for k, v := range m {
		for _, kk := range known {
			if k == kk {
				continue outer
			}
		}
		if extra == nil {
			extra = make(map[string]any)
		}
		extra[k] = v
	}
	return extra
}

func requiredString(m map[string]any, field string) (string, error) {
	raw, ok := m[field]
	if !ok || raw == nil {
		return "", errors.Validation(field, field+" is required")
	}
	s, ok := raw.(string)
	if !ok {
		return "", errors.Validation(field, field+" must be a string")
	}
	return s, nil
}

func optionalString(m map[string]any, key, field string) (string, error) {
	raw, ok := m[key]
	if !ok || raw == nil {
		return "", nil
	}
	s, ok := raw.(string)
	if !ok {
		return "", errors.Validation(field, field+" must be a string")
	}
	return s, nil
}

func requiredInt(m map[string]any, field string) (int64, error) {
	raw, ok := m[field]
	if !ok || raw == nil {
		return 0, errors.Validation(field, field+" is required")
	}
	n, ok := toInt(raw)
	if !ok {
		return 0, errors.Validation(field, field+" must be an integer")
	}
	return n, nil
}

func requiredTime(m map[string]any, field string) (time.Time, error) {
	raw, ok := m[field]
	if !ok || raw == nil {
		return time.Time{}, errors.Validation(field, field+" is required")
	}
	switch v := raw.(type) {
	case time.Time:
		return v.UTC(), nil
	case string:
		t, err := parseTime(v)
		if err != nil {
			return time.Time{}, errors.Validation(field, field+" must be an RFC 3339 timestamp", errors.WithCause(err))
		}
		return t, nil
	default:
		return time.Time{}, errors.Validation(field, field+" must be a timestamp")
	}
}

// toInt accepts the integral numeric forms encoding/json and Go callers
// produce. Fractional values are rejected.
func toInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) || n > math.MaxInt64 || n < math.MinInt64 {
			return 0, false
		}
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	default:
		return 0, false
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func formatInt(n int64) string {
	return strconv.FormatInt(n, 10)
}
