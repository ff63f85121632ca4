package streams

import (
	"context"
	"time"

	"github.com/vinayprograms/agentqueue/errors"
)

// Entry is one log entry: its broker-assigned id and flat fields.
type Entry struct {
	ID     string
	Fields map[string]string
}

// Cursor is a read position in one stream.
type Cursor struct {
	Stream string
	LastID string
}

// StreamEntry is an Entry tagged with the stream it came from.
type StreamEntry struct {
	Stream string
	Entry
}

// PendingEntry is a claimed but unacknowledged entry.
type PendingEntry struct {
	ID         string
	Consumer   string
	Idle       time.Duration
	Deliveries int64
}

// PendingSummary describes a group's pending-entry list.
type PendingSummary struct {
	// Count is the total number of pending entries in the group.
	Count int64

	// Entries holds up to the requested number of entries, oldest first.
	Entries []PendingEntry
}

// Log is the append-only log used by every queue component.
type Log interface {
	// Append adds an entry to the end of stream and returns its id.
	Append(ctx context.Context, stream string, fields map[string]string) (string, error)

	// EnsureGroup creates the consumer group (and the stream) if missing.
	// An existing group is not an error.
	EnsureGroup(ctx context.Context, stream, group string) error

	// Claim reads up to count new entries for consumer. It waits up to
	// block for data; block <= 0 returns immediately. No data is an empty
	// slice and a nil error.
	Claim(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Entry, error)

	// Ack acknowledges delivery of ids to the group.
	Ack(ctx context.Context, stream, group string, ids ...string) error

	// Delete removes ids from stream.
	Delete(ctx context.Context, stream string, ids ...string) error

	// Range returns entries between start and end in log order.
	// "-" and "+" denote the ends of the log; count <= 0 means no limit.
	Range(ctx context.Context, stream, start, end string, count int64) ([]Entry, error)

	// RevRange returns entries between end and start, newest first.
	RevRange(ctx context.Context, stream, end, start string, count int64) ([]Entry, error)

	// Len returns the number of entries in stream. A missing stream is 0.
	Len(ctx context.Context, stream string) (int64, error)

	// PendingSummary lists up to count pending entries of the group.
	PendingSummary(ctx context.Context, stream, group string, count int64) (*PendingSummary, error)

	// ForceReassign transfers ids idle for at least minIdle to consumer and
	// returns the entries actually transferred.
	ForceReassign(ctx context.Context, stream, group, consumer string, minIdle time.Duration, ids ...string) ([]Entry, error)

	// Trim caps stream at maxLen entries, dropping the oldest.
	Trim(ctx context.Context, stream string, maxLen int64) error

	// Tail reads entries appended after each cursor without a group,
	// waiting up to block. A cursor of "$" starts at the current end.
	Tail(ctx context.Context, cursors []Cursor, count int64, block time.Duration) ([]StreamEntry, error)

	// Batch starts an atomic group of mutations.
	Batch() Batch

	// Close releases the connection.
	Close() error
}

// Batch collects mutations that are applied all-or-nothing by Exec.
// A Batch is not safe for concurrent use and must not be reused after Exec.
type Batch interface {
	Append(stream string, fields map[string]string)
	Ack(stream, group string, ids ...string)
	Delete(stream string, ids ...string)

	// Len returns the number of queued mutations.
	Len() int

	// Exec applies the queued mutations atomically.
	Exec(ctx context.Context) error
}

// Topology names the streams, group and key prefix the queue uses.
type Topology struct {
	Tasks           string `toml:"tasks"`
	Results         string `toml:"results"`
	DLQ             string `toml:"dlq"`
	Group           string `toml:"group"`
	HeartbeatPrefix string `toml:"heartbeat_prefix"`
}

// DefaultTopology returns the standard stream names.
func DefaultTopology() Topology {
	return Topology{
		Tasks:           "agent:tasks",
		Results:         "agent:results",
		DLQ:             "agent:dlq",
		Group:           "agent-workers",
		HeartbeatPrefix: "agent:heartbeat:",
	}
}

// HeartbeatKey returns the lease key for a task.
func (t Topology) HeartbeatKey(taskID string) string {
	return t.HeartbeatPrefix + taskID
}

// Validate checks that every name is set and the streams are distinct.
func (t Topology) Validate() error {
	required := []struct{ name, value string }{
		{"tasks", t.Tasks},
		{"results", t.Results},
		{"dlq", t.DLQ},
		{"group", t.Group},
		{"heartbeat_prefix", t.HeartbeatPrefix},
	}
	for _, r := range required {
		if r.value == "" {
			return errors.Validation("streams."+r.name, r.name+" is required")
		}
	}
	if t.Tasks == t.Results || t.Tasks == t.DLQ || t.Results == t.DLQ {
		return errors.Validation("streams", "tasks, results and dlq streams must differ")
	}
	return nil
}
