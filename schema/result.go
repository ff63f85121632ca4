package schema

import (
	"encoding/json"
	"time"
)

// ResultStatus is the closed set of attempt outcomes.
type ResultStatus string

const (
	StatusSuccess ResultStatus = "success"
	StatusFailed  ResultStatus = "failed"
	StatusTimeout ResultStatus = "timeout"
)

// Valid reports whether s is a known status.
func (s ResultStatus) Valid() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusTimeout:
		return true
	default:
		return false
	}
}

// Result is the outcome of one task attempt. Several results may exist for
// one TaskID when a task was delivered more than once.
type Result struct {
	TaskID      string
	Worker      string
	Status      ResultStatus
	Result      ResultDoc
	StartedAt   time.Time
	CompletedAt time.Time
	DurationMs  int64
}

// ResultDoc is the handler's output document.
type ResultDoc struct {
	Output    string
	Error     string
	CommitSHA string
	Branch    string
	Extra     map[string]any
}

var resultDocKeys = []string{"output", "error", "commitSha", "branch"}

// MarshalJSON writes known fields over Extra; empty fields are omitted.
func (d ResultDoc) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(d.Extra)+len(resultDocKeys))
	for k, v := range d.Extra {
		m[k] = v
	}
	if d.Output != "" {
		m["output"] = d.Output
	}
	if d.Error != "" {
		m["error"] = d.Error
	}
	if d.CommitSHA != "" {
		m["commitSha"] = d.CommitSHA
	}
	if d.Branch != "" {
		m["branch"] = d.Branch
	}
	return json.Marshal(m)
}

// UnmarshalJSON accepts any JSON object.
func (d *ResultDoc) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := resultDocFromValue(raw)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// DeadLetter is one DLQ entry: the task as it was when it exhausted its
// retries together with the terminal failure result.
type DeadLetter struct {
	// EntryID is the DLQ stream entry id. Not part of the wire fields.
	EntryID string
	Task    Task
	Failure Result
}

// Age returns how long ago the task was created.
func (d *DeadLetter) Age(now time.Time) time.Duration {
	return now.Sub(d.Task.CreatedAt)
}
