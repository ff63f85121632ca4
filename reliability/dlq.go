package reliability

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/vinayprograms/agentqueue/errors"
	"github.com/vinayprograms/agentqueue/logging"
	"github.com/vinayprograms/agentqueue/schema"
)

// ListDLQ returns up to count dead letters (DefaultListCount when <= 0),
// oldest first. Entries that do not decode are logged and skipped.
func (m *Manager) ListDLQ(ctx context.Context, count int) ([]schema.DeadLetter, error) {
	if count <= 0 {
		count = DefaultListCount
	}
	entries, err := m.log.Range(ctx, m.topo.DLQ, "-", "+", int64(count))
	if err != nil {
		return nil, err
	}
	out := make([]schema.DeadLetter, 0, len(entries))
	for _, e := range entries {
		dl, err := schema.DeserializeDeadLetter(e.ID, e.Fields)
		if err != nil {
			m.logger.Warn("skipping undecodable dlq entry", logging.Fields{"entry": e.ID, "error": err.Error()})
			continue
		}
		out = append(out, *dl)
	}
	return out, nil
}

// RetryFromDLQ moves the first dead letter for taskID back to the task
// stream with its retry counter reset. The append and the DLQ delete happen
// atomically. Returns a NOT_FOUND error if no dead letter has that id.
func (m *Manager) RetryFromDLQ(ctx context.Context, taskID string) error {
	entries, err := m.log.Range(ctx, m.topo.DLQ, "-", "+", 0)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Fields["id"] != taskID {
			continue
		}
		dl, err := schema.DeserializeDeadLetter(e.ID, e.Fields)
		if err != nil {
			return errors.Wrapf(err, "dlq entry %s", e.ID)
		}
		task := dl.Task
		task.RetryCount = 0

		b := m.log.Batch()
		b.Append(m.topo.Tasks, schema.SerializeTask(&task))
		b.Delete(m.topo.DLQ, e.ID)
		if err := b.Exec(ctx); err != nil {
			return err
		}
		m.logger.Info("task retried from dlq", logging.Fields{"task": taskID, "entry": e.ID})
		return nil
	}
	return errors.NotFound("task "+taskID+" not found in DLQ", errors.WithTaskID(taskID))
}

// PurgeDLQ deletes dead letters whose task was created more than maxAge
// ago and returns how many were deleted. Entries without a readable
// createdAt are kept.
func (m *Manager) PurgeDLQ(ctx context.Context, maxAge time.Duration) (int, error) {
	entries, err := m.log.Range(ctx, m.topo.DLQ, "-", "+", 0)
	if err != nil {
		return 0, err
	}
	cutoff := m.now().Add(-maxAge)

	var ids []string
	for _, e := range entries {
		created, err := time.Parse(time.RFC3339Nano, e.Fields["createdAt"])
		if err != nil {
			continue
		}
		if created.Before(cutoff) {
			ids = append(ids, e.ID)
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}
	if err := m.log.Delete(ctx, m.topo.DLQ, ids...); err != nil {
		return 0, err
	}
	m.logger.Info("dlq purged", logging.Fields{"deleted": len(ids), "max_age": maxAge.String()})
	return len(ids), nil
}

// SchedulePurge runs PurgeDLQ(maxAge) on a standard five-field cron
// schedule until StopReclaimer or Close.
func (m *Manager) SchedulePurge(spec string, maxAge time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cron == nil {
		m.cron = cron.New(cron.WithLogger(cronLogger{m.logger}))
		m.cron.Start()
	}
	id, err := m.cron.AddFunc(spec, func() {
		if _, err := m.PurgeDLQ(context.Background(), maxAge); err != nil {
			m.logger.Error("scheduled purge failed", logging.Fields{"error": err.Error()})
		}
	})
	if err != nil {
		return errors.Validation("purge_schedule", "invalid cron schedule", errors.WithCause(err))
	}
	m.cronIDs = append(m.cronIDs, id)
	m.logger.Info("dlq purge scheduled", logging.Fields{"schedule": spec, "max_age": maxAge.String()})
	return nil
}

// cronLogger routes scheduler output through the queue logger.
type cronLogger struct {
	l *logging.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug(msg, kvFields(keysAndValues))
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	f := kvFields(keysAndValues)
	f["error"] = err.Error()
	c.l.Error(msg, f)
}

func kvFields(kv []interface{}) logging.Fields {
	f := make(logging.Fields, len(kv)/2+1)
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok {
			f[k] = kv[i+1]
		}
	}
	return f
}
