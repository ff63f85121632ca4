package consumer

import (
	"context"
	"sync/atomic"
	"time"

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
	// DefaultBlock is how long one claim waits for a new entry.
	DefaultBlock = 5 * time.Second

	// DefaultBackoff is the pause after a failed log operation.
	DefaultBackoff = time.Second

	// metricSource labels retry and DLQ counters raised by consumers.
	metricSource = "consumer"
)

// ErrAlreadyRunning is returned by Start when the loop is already active.
var ErrAlreadyRunning = errors.Conflict("consumer already running")

// Handler runs one task. A non-nil error fails the attempt.
type Handler func(ctx context.Context, task *schema.Task) (schema.ResultDoc, error)

// Outcome is the result of one handler run.
type Outcome struct {
	Doc schema.ResultDoc
	Err error
}

// Failed reports whether the attempt failed.
func (o Outcome) Failed() bool {
	return o.Err != nil
}

// Claimed is a task read from the stream and not yet acknowledged.
type Claimed struct {
	Task    *schema.Task
	EntryID string

	fields map[string]string
}

// TraceContext returns ctx carrying the dispatcher's span context, if the
// entry has one.
func (c *Claimed) TraceContext(ctx context.Context) context.Context {
	return telemetry.ExtractContext(ctx, telemetry.FieldCarrier(c.fields))
}

// Consumer claims and processes tasks as one member of the consumer group.
type Consumer struct {
	log     streams.Log
	worker  string
	topo    streams.Topology
	block   time.Duration
	backoff time.Duration
	leases  lease.Store
	logger  *logging.Logger
	metrics *metrics.Metrics
	tracer  *telemetry.Tracer
	now     func() time.Time

	running atomic.Bool
	stopped atomic.Bool
}

// Option configures a Consumer.
type Option func(*Consumer)

// WithTopology sets the stream names.
func WithTopology(t streams.Topology) Option {
	return func(c *Consumer) {
		c.topo = t
	}
}

// WithBlock sets how long each claim waits.
func WithBlock(d time.Duration) Option {
	return func(c *Consumer) {
		if d > 0 {
			c.block = d
		}
	}
}

// WithBackoff sets the pause after a failed log operation.
func WithBackoff(d time.Duration) Option {
	return func(c *Consumer) {
		if d > 0 {
			c.backoff = d
		}
	}
}

// WithLeaseStore sets where heartbeat leases are written.
func WithLeaseStore(s lease.Store) Option {
	return func(c *Consumer) {
		c.leases = s
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Consumer) {
		c.logger = l
	}
}

// WithMetrics enables metric collection.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Consumer) {
		c.metrics = m
	}
}

// WithTracer sets the tracer for handler spans.
func WithTracer(t *telemetry.Tracer) Option {
	return func(c *Consumer) {
		c.tracer = t
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Consumer) {
		c.now = now
	}
}

// New creates a consumer named worker. Without WithLeaseStore, leases go to
// the Redis server behind log, or to memory if log is not Redis-backed.
func New(log streams.Log, worker string, opts ...Option) *Consumer {
	c := &Consumer{
		log:     log,
		worker:  worker,
		topo:    streams.DefaultTopology(),
		block:   DefaultBlock,
		backoff: DefaultBackoff,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.leases == nil {
		c.leases = lease.DefaultStore(log)
	}
	if c.logger == nil {
		c.logger = logging.New().WithComponent("consumer")
	}
	if c.tracer == nil {
		c.tracer = telemetry.GetTracer()
	}
	return c
}

// Worker returns the consumer name.
func (c *Consumer) Worker() string {
	return c.worker
}

// Running reports whether Start is looping.
func (c *Consumer) Running() bool {
	return c.running.Load()
}

// Stop asks the loop to exit after its current claim wait. A handler that
// is already running is allowed to finish.
func (c *Consumer) Stop() {
	c.stopped.Store(true)
}

// Start ensures the consumer group exists and processes tasks until Stop is
// called or ctx is done. Log errors inside the loop are logged and retried
// after the backoff; only a failure to create the group is returned.
func (c *Consumer) Start(ctx context.Context, handler Handler) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer func() {
		c.stopped.Store(false)
		c.running.Store(false)
	}()

	if err := c.log.EnsureGroup(ctx, c.topo.Tasks, c.topo.Group); err != nil {
		return err
	}
	c.logger.Info("consumer started", logging.Fields{"worker": c.worker, "stream": c.topo.Tasks})

	for !c.stopped.Load() && ctx.Err() == nil {
		start := time.Now()
		entries, err := c.log.Claim(ctx, c.topo.Tasks, c.topo.Group, c.worker, 1, c.block)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			c.loopError(ctx, "claim failed", logging.Fields{"worker": c.worker}, err)
			if errors.IsNotFound(err) {
				// Group destroyed underneath us; recreate it from the start
				// of the stream so queued entries are still delivered.
				if gerr := c.log.EnsureGroup(ctx, c.topo.Tasks, c.topo.Group); gerr != nil && ctx.Err() == nil {
					c.loopError(ctx, "recreate group failed", logging.Fields{"worker": c.worker}, gerr)
				}
			}
			continue
		}
		c.metrics.ClaimObserved(time.Since(start))

		for _, e := range entries {
			claimed := c.decode(ctx, e)
			if claimed == nil {
				continue
			}
			if err := c.process(ctx, handler, claimed); err != nil {
				c.loopError(ctx, "recording outcome failed", logging.Fields{
					"task":  claimed.Task.ID,
					"entry": claimed.EntryID,
				}, err)
			}
		}
	}

	c.logger.Info("consumer stopped", logging.Fields{"worker": c.worker})
	return nil
}

// loopError logs err and backs off. Transient log outages are expected
// during failover and log at warn; anything else logs at error.
func (c *Consumer) loopError(ctx context.Context, msg string, fields logging.Fields, err error) {
	c.metrics.LoopError("consumer", err)
	fields["error"] = err.Error()
	fields["class"] = metrics.ErrorClass(err)
	if errors.IsTransient(err) {
		c.logger.Warn(msg, fields)
	} else {
		c.logger.Error(msg, fields)
	}
	c.pause(ctx)
}

func (c *Consumer) pause(ctx context.Context) {
	t := time.NewTimer(c.backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Claim reads at most one new entry without blocking. It returns nil, nil
// when the stream has nothing for this consumer.
func (c *Consumer) Claim(ctx context.Context) (*Claimed, error) {
	if err := c.log.EnsureGroup(ctx, c.topo.Tasks, c.topo.Group); err != nil {
		return nil, err
	}
	entries, err := c.log.Claim(ctx, c.topo.Tasks, c.topo.Group, c.worker, 1, 0)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if claimed := c.decode(ctx, e); claimed != nil {
			return claimed, nil
		}
	}
	return nil, nil
}

// decode turns an entry into a Claimed task, discarding it if it does not
// decode.
func (c *Consumer) decode(ctx context.Context, e streams.Entry) *Claimed {
	task, err := schema.DeserializeTask(e.Fields)
	if err == nil {
		return &Claimed{Task: task, EntryID: e.ID, fields: e.Fields}
	}

	c.logger.Warn("discarding poison entry", logging.Fields{
		"entry": e.ID,
		"error": err.Error(),
	})
	b := c.log.Batch()
	retry.Discard(b, c.topo, e.ID)
	if xerr := b.Exec(ctx); xerr != nil {
		c.logger.Error("discard poison entry failed", logging.Fields{"entry": e.ID, "error": xerr.Error()})
		return nil
	}
	c.metrics.PoisonDiscarded()
	return nil
}

// process runs handler on a claimed task and records the outcome. The
// returned error is from recording, not from the handler.
func (c *Consumer) process(ctx context.Context, handler Handler, cl *Claimed) error {
	task := cl.Task
	startedAt := c.now().UTC()
	c.logger.TaskClaimed(task.ID, cl.EntryID, string(task.Type), task.RetryCount)

	// Once claimed, a task is run and recorded even if the loop context is
	// cancelled meanwhile.
	ctx = context.WithoutCancel(ctx)
	if err := c.Heartbeat(ctx, task.ID, task.TimeoutMs); err != nil {
		c.logger.Warn("heartbeat failed", logging.Fields{"task": task.ID, "error": err.Error()})
	}

	// No deadline: timeoutMs sizes the lease, it does not bound the handler.
	runCtx, span := c.tracer.StartTaskSpan(cl.TraceContext(ctx), string(task.Type))
	stopKeepAlive := c.keepAlive(runCtx, task)
	out := Run(runCtx, handler, task)
	stopKeepAlive()

	elapsed := time.Since(startedAt)

	var (
		err     error
		outcome string
	)
	if out.Failed() {
		c.metrics.HandlerFailed(string(task.Type), elapsed)
		var d retry.Decision
		d, err = c.fail(ctx, task, cl.EntryID, out.Err.Error(), startedAt)
		outcome = d.String()
	} else {
		err = c.Ack(ctx, task.ID, cl.EntryID, out.Doc, startedAt)
		outcome = "acked"
		if err == nil {
			c.metrics.TaskAcked(string(task.Type), elapsed)
			c.logger.TaskAcked(task.ID, elapsed)
		}
	}

	spanErr := out.Err
	if err != nil {
		spanErr = err
	}
	c.tracer.EndTaskSpan(span, telemetry.TaskSpanOptions{
		TaskID:     task.ID,
		TaskType:   string(task.Type),
		Worker:     c.worker,
		Attempt:    task.RetryCount + 1,
		EntryID:    cl.EntryID,
		Prompt:     task.Payload.Prompt,
		Output:     out.Doc.Output,
		Outcome:    outcome,
		DurationMs: elapsed.Milliseconds(),
	}, spanErr)

	if derr := c.leases.Delete(ctx, c.topo.HeartbeatKey(task.ID)); derr != nil {
		c.logger.Debug("lease release failed", logging.Fields{"task": task.ID, "error": derr.Error()})
	}
	return err
}

// keepAlive refreshes the task lease at half its TTL until the returned
// function is called.
func (c *Consumer) keepAlive(ctx context.Context, task *schema.Task) func() {
	interval := task.Timeout() / 2
	if interval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.Heartbeat(ctx, task.ID, task.TimeoutMs); err != nil && ctx.Err() == nil {
					c.logger.Warn("heartbeat failed", logging.Fields{"task": task.ID, "error": err.Error()})
				}
			}
		}
	}()
	return func() {
		close(done)
		<-exited
	}
}

// Run invokes handler, converting a panic into a PANIC error.
func Run(ctx context.Context, handler Handler, task *schema.Task) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = Outcome{Err: errors.RecoverPanic(r)}
		}
	}()
	doc, err := handler(ctx, task)
	return Outcome{Doc: doc, Err: err}
}

// Ack records a successful run: the Result is appended and the task entry
// acknowledged and deleted in one batch.
func (c *Consumer) Ack(ctx context.Context, taskID, entryID string, doc schema.ResultDoc, startedAt time.Time) error {
	completedAt := c.now().UTC()
	res := &schema.Result{
		TaskID:      taskID,
		Worker:      c.worker,
		Status:      schema.StatusSuccess,
		Result:      doc,
		StartedAt:   startedAt.UTC(),
		CompletedAt: completedAt,
		DurationMs:  durationMs(startedAt, completedAt),
	}
	b := c.log.Batch()
	b.Append(c.topo.Results, schema.SerializeResult(res))
	retry.Discard(b, c.topo, entryID)
	return b.Exec(ctx)
}

// Fail records a failed run of original. The task is requeued with its
// retry counter bumped or, once retries are exhausted, dead-lettered with
// errMsg.
func (c *Consumer) Fail(ctx context.Context, taskID, entryID, errMsg string, original *schema.Task) error {
	if original == nil || original.ID != taskID {
		return errors.Validation("task", "original task does not match task id",
			errors.WithTaskID(taskID))
	}
	_, err := c.fail(ctx, original, entryID, errMsg, c.now())
	return err
}

func (c *Consumer) fail(ctx context.Context, task *schema.Task, entryID, errMsg string, startedAt time.Time) (retry.Decision, error) {
	completedAt := c.now().UTC()
	failure := &schema.Result{
		TaskID:      task.ID,
		Worker:      c.worker,
		Status:      schema.StatusFailed,
		Result:      schema.ResultDoc{Error: errMsg},
		StartedAt:   startedAt.UTC(),
		CompletedAt: completedAt,
		DurationMs:  durationMs(startedAt, completedAt),
	}

	b := c.log.Batch()
	next, decision := retry.Route(b, c.topo, task, entryID, failure)
	if err := b.Exec(ctx); err != nil {
		return decision, err
	}

	switch decision {
	case retry.Requeue:
		c.metrics.TaskRetried(string(task.Type), metricSource)
		c.logger.TaskRetried(task.ID, next.RetryCount, next.MaxRetries, errMsg)
	case retry.DeadLetter:
		c.metrics.TaskDeadLettered(string(task.Type), metricSource)
		c.logger.TaskDeadLettered(task.ID, next.RetryCount, errMsg)
	}
	return decision, nil
}

// Heartbeat writes the task's lease, naming this worker, with a TTL of
// timeoutMs.
func (c *Consumer) Heartbeat(ctx context.Context, taskID string, timeoutMs int) error {
	ttl := time.Duration(timeoutMs) * time.Millisecond
	return c.leases.Put(ctx, c.topo.HeartbeatKey(taskID), c.worker, ttl)
}

func durationMs(start, end time.Time) int64 {
	if d := end.Sub(start).Milliseconds(); d > 0 {
		return d
	}
	return 0
}
