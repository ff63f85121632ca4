package reliability

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/vinayprograms/agentqueue/errors"
	"github.com/vinayprograms/agentqueue/lease"
	"github.com/vinayprograms/agentqueue/logging"
	"github.com/vinayprograms/agentqueue/metrics"
	"github.com/vinayprograms/agentqueue/retry"
	"github.com/vinayprograms/agentqueue/schema"
	"github.com/vinayprograms/agentqueue/streams"
	"github.com/vinayprograms/agentqueue/telemetry"
)

const (
	// DefaultIdleThreshold is how long an entry must sit unacknowledged
	// before it is considered abandoned.
	DefaultIdleThreshold = 60 * time.Second

	// DefaultInterval is the gap between reclaimer sweeps.
	DefaultInterval = 30 * time.Second

	// DefaultBatchSize bounds the pending entries inspected per sweep.
	DefaultBatchSize = 100

	// DefaultListCount is the number of DLQ entries ListDLQ returns.
	DefaultListCount = 100

	// DefaultIdentity is the consumer name the reclaimer claims under.
	DefaultIdentity = "reclaimer"

	metricSource = "reclaimer"
)

// Manager reclaims stale work and manages the DLQ.
type Manager struct {
	log       streams.Log
	topo      streams.Topology
	identity  string
	batchSize int64
	leases    lease.Store
	logger    *logging.Logger
	metrics   *metrics.Metrics
	tracer    *telemetry.Tracer
	now       func() time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	cron    *cron.Cron
	cronIDs []cron.EntryID
}

// Option configures a Manager.
type Option func(*Manager)

// WithTopology sets the stream names.
func WithTopology(t streams.Topology) Option {
	return func(m *Manager) {
		m.topo = t
	}
}

// WithIdentity sets the consumer name reclaimed entries are claimed under.
func WithIdentity(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.identity = name
		}
	}
}

// WithBatchSize bounds the pending entries inspected per sweep.
func WithBatchSize(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.batchSize = int64(n)
		}
	}
}

// WithLeaseStore sets where Inspect looks up heartbeat leases.
func WithLeaseStore(s lease.Store) Option {
	return func(m *Manager) {
		m.leases = s
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithMetrics enables metric collection.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) {
		m.metrics = mt
	}
}

// WithTracer sets the tracer for sweep spans.
func WithTracer(t *telemetry.Tracer) Option {
	return func(m *Manager) {
		m.tracer = t
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// New creates a manager over log.
func New(log streams.Log, opts ...Option) *Manager {
	m := &Manager{
		log:       log,
		topo:      streams.DefaultTopology(),
		identity:  DefaultIdentity,
		batchSize: DefaultBatchSize,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.leases == nil {
		m.leases = lease.DefaultStore(log)
	}
	if m.logger == nil {
		m.logger = logging.New().WithComponent("reliability")
	}
	if m.tracer == nil {
		m.tracer = telemetry.GetTracer()
	}
	return m
}

// ReclaimStale takes over pending entries idle for at least idleThreshold
// (DefaultIdleThreshold when <= 0) and routes each through the retry policy
// with a timeout failure naming the consumer that abandoned it. Entries that
// do not decode are discarded. All effects land in one atomic batch.
//
// It returns the number of entries taken off the pending list, discarded
// ones included. A missing consumer group means nothing was ever claimed
// and yields 0.
func (m *Manager) ReclaimStale(ctx context.Context, idleThreshold time.Duration) (int, error) {
	if idleThreshold <= 0 {
		idleThreshold = DefaultIdleThreshold
	}
	start := time.Now()
	ctx, span := m.tracer.StartSweepSpan(ctx)

	stats, err := m.reclaim(ctx, idleThreshold)
	m.tracer.EndSweepSpan(span, stats, err)
	if err != nil {
		return 0, err
	}

	n := stats.Requeued + stats.DeadLettered + stats.Poison
	m.metrics.TasksReclaimed(n)
	m.logger.SweepComplete(stats.Scanned, n, time.Since(start))
	return n, nil
}

type routed struct {
	task     schema.Task
	decision retry.Decision
	reason   string
}

func (m *Manager) reclaim(ctx context.Context, idle time.Duration) (telemetry.SweepSpanOptions, error) {
	var stats telemetry.SweepSpanOptions

	summary, err := m.log.PendingSummary(ctx, m.topo.Tasks, m.topo.Group, m.batchSize)
	if errors.IsNotFound(err) {
		return stats, nil
	}
	if err != nil {
		return stats, err
	}
	stats.Scanned = len(summary.Entries)

	owner := make(map[string]string)
	var ids []string
	for _, p := range summary.Entries {
		if p.Idle < idle {
			continue
		}
		owner[p.ID] = p.Consumer
		ids = append(ids, p.ID)
	}
	if len(ids) == 0 {
		return stats, nil
	}

	// XCLAIM re-checks idle time, so an entry acknowledged or refreshed
	// since the summary is skipped.
	entries, err := m.log.ForceReassign(ctx, m.topo.Tasks, m.topo.Group, m.identity, idle, ids...)
	if err != nil {
		return stats, err
	}
	stats.Reclaimed = len(entries)

	now := m.now().UTC()
	b := m.log.Batch()
	var done []routed
	for _, e := range entries {
		task, err := schema.DeserializeTask(e.Fields)
		if err != nil {
			m.logger.Warn("discarding poison entry", logging.Fields{"entry": e.ID, "error": err.Error()})
			retry.Discard(b, m.topo, e.ID)
			stats.Poison++
			continue
		}
		abandonedBy := owner[e.ID]
		reason := fmt.Sprintf("abandoned by %s after %s idle", abandonedBy, idle)
		failure := &schema.Result{
			TaskID:      task.ID,
			Worker:      abandonedBy,
			Status:      schema.StatusTimeout,
			Result:      schema.ResultDoc{Error: reason},
			StartedAt:   now,
			CompletedAt: now,
		}
		next, decision := retry.Route(b, m.topo, task, e.ID, failure)
		done = append(done, routed{task: next, decision: decision, reason: reason})
	}

	if err := b.Exec(ctx); err != nil {
		return stats, err
	}

	for _, r := range done {
		switch r.decision {
		case retry.Requeue:
			stats.Requeued++
			m.metrics.TaskRetried(string(r.task.Type), metricSource)
			m.logger.TaskRetried(r.task.ID, r.task.RetryCount, r.task.MaxRetries, r.reason)
		case retry.DeadLetter:
			stats.DeadLettered++
			m.metrics.TaskDeadLettered(string(r.task.Type), metricSource)
			m.logger.TaskDeadLettered(r.task.ID, r.task.RetryCount, r.reason)
		}
	}
	for i := 0; i < stats.Poison; i++ {
		m.metrics.PoisonDiscarded()
	}
	return stats, nil
}

// StartReclaimer sweeps every interval (DefaultInterval when <= 0) with the
// given idle threshold. Sweep errors are logged, not returned. Calling it
// while the reclaimer runs does nothing.
func (m *Manager) StartReclaimer(interval, idleThreshold time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})

	go m.sweepLoop(ctx, interval, idleThreshold, m.done)
	m.logger.Info("reclaimer started", logging.Fields{
		"interval": interval.String(),
		"identity": m.identity,
	})
}

func (m *Manager) sweepLoop(ctx context.Context, interval, idle time.Duration, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.ReclaimStale(ctx, idle); err != nil && ctx.Err() == nil {
				m.sweepFailed(err)
			}
		}
	}
}

// sweepFailed records a failed sweep. A transient outage is retried on the
// next tick; other errors need attention.
func (m *Manager) sweepFailed(err error) {
	m.metrics.LoopError(metricSource, err)
	fields := logging.Fields{"error": err.Error(), "class": metrics.ErrorClass(err)}
	if errors.IsTransient(err) {
		m.logger.Warn("reclaim sweep deferred", fields)
		return
	}
	m.logger.Error("reclaim sweep failed", fields)
}

// StopReclaimer stops the sweep loop and any scheduled purge, waiting for
// a sweep in progress to finish. It is safe to call when nothing runs.
func (m *Manager) StopReclaimer() {
	m.mu.Lock()
	cancel, done, c := m.cancel, m.done, m.cron
	m.cancel, m.done, m.cron, m.cronIDs = nil, nil, nil, nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
		m.logger.Info("reclaimer stopped")
	}
	if c != nil {
		<-c.Stop().Done()
	}
}

// ReclaimerRunning reports whether the sweep loop is active.
func (m *Manager) ReclaimerRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancel != nil
}

// Close stops all background work.
func (m *Manager) Close() error {
	m.StopReclaimer()
	return nil
}
