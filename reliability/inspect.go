package reliability

import (
	"context"
	"time"

	"github.com/vinayprograms/agentqueue/errors"
)

// PendingTask is one claimed, unacknowledged entry.
type PendingTask struct {
	EntryID    string        `json:"entryId"`
	TaskID     string        `json:"taskId,omitempty"`
	Type       string        `json:"type,omitempty"`
	Consumer   string        `json:"consumer"`
	Idle       time.Duration `json:"idle"`
	Deliveries int64         `json:"deliveries"`
	// LeaseHolder is the worker named by the live heartbeat lease, if any.
	LeaseHolder string `json:"leaseHolder,omitempty"`
}

// Alive reports whether a worker still holds the task's lease.
func (p PendingTask) Alive() bool {
	return p.LeaseHolder != ""
}

// Inspect lists pending entries (up to the batch size) with their task and
// lease state. Entries already deleted from the stream keep an empty TaskID.
func (m *Manager) Inspect(ctx context.Context) ([]PendingTask, error) {
	summary, err := m.log.PendingSummary(ctx, m.topo.Tasks, m.topo.Group, m.batchSize)
	if errors.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	out := make([]PendingTask, 0, len(summary.Entries))
	for _, p := range summary.Entries {
		pt := PendingTask{
			EntryID:    p.ID,
			Consumer:   p.Consumer,
			Idle:       p.Idle,
			Deliveries: p.Deliveries,
		}
		entries, err := m.log.Range(ctx, m.topo.Tasks, p.ID, p.ID, 1)
		if err != nil {
			return nil, err
		}
		if len(entries) == 1 {
			pt.TaskID = entries[0].Fields["id"]
			pt.Type = entries[0].Fields["type"]
		}
		if pt.TaskID != "" {
			holder, err := m.leases.Get(ctx, m.topo.HeartbeatKey(pt.TaskID))
			switch {
			case err == nil:
				pt.LeaseHolder = holder
			case !errors.IsNotFound(err):
				return nil, err
			}
		}
		out = append(out, pt)
	}
	return out, nil
}
