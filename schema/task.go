package schema

import (
	"encoding/json"
	"time"
)

// TaskType is the closed set of work kinds.
type TaskType string

const (
	TypeCode   TaskType = "code"
	TypeExec   TaskType = "exec"
	TypeQuery  TaskType = "query"
	TypeReview TaskType = "review"
)

// Valid reports whether t is a known task type.
func (t TaskType) Valid() bool {
	switch t {
	case TypeCode, TypeExec, TypeQuery, TypeReview:
		return true
	default:
		return false
	}
}

// Priority is advisory; the log does not reorder by it.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityHigh, PriorityNormal, PriorityLow:
		return true
	default:
		return false
	}
}

// Task is a unit of work. It is immutable except for RetryCount, which
// only grows on failure.
type Task struct {
	ID           string
	Type         TaskType
	Payload      Payload
	Priority     Priority
	DispatchedBy string
	CreatedAt    time.Time
	MaxRetries   int
	RetryCount   int
	TimeoutMs    int
}

// Timeout returns the processing budget as a duration.
func (t *Task) Timeout() time.Duration {
	return time.Duration(t.TimeoutMs) * time.Millisecond
}

// Payload is the task document. Prompt is required; any key not modelled
// here is kept in Extra so it survives a round trip.
type Payload struct {
	Prompt  string
	Repo    string
	Issue   int
	Workdir string
	Branch  string
	Extra   map[string]any
}

var payloadKeys = []string{"prompt", "repo", "issue", "workdir", "branch"}

// MarshalJSON writes known fields over Extra; zero optional fields are omitted.
func (p Payload) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(p.Extra)+len(payloadKeys))
	for k, v := range p.Extra {
		m[k] = v
	}
	m["prompt"] = p.Prompt
	if p.Repo != "" {
		m["repo"] = p.Repo
	}
	if p.Issue != 0 {
		m["issue"] = p.Issue
	}
	if p.Workdir != "" {
		m["workdir"] = p.Workdir
	}
	if p.Branch != "" {
		m["branch"] = p.Branch
	}
	return json.Marshal(m)
}

// UnmarshalJSON accepts any JSON object carrying a string prompt.
func (p *Payload) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := payloadFromValue(raw)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
