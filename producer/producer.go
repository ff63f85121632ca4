package producer

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/vinayprograms/agentqueue/errors"
	"github.com/vinayprograms/agentqueue/logging"
	"github.com/vinayprograms/agentqueue/metrics"
	"github.com/vinayprograms/agentqueue/schema"
	"github.com/vinayprograms/agentqueue/streams"
	"github.com/vinayprograms/agentqueue/telemetry"
)

const (
	// DefaultAwaitTimeout bounds AwaitResult when no timeout is given.
	DefaultAwaitTimeout = 30 * time.Second

	// DefaultPollInterval is the gap between result stream scans.
	DefaultPollInterval = 500 * time.Millisecond

	// DefaultPollCount is the number of results PollResults returns.
	DefaultPollCount = 10
)

// DispatchInput is a task without the fields the producer assigns.
type DispatchInput struct {
	Type         schema.TaskType
	Payload      schema.Payload
	Priority     schema.Priority
	DispatchedBy string
	MaxRetries   int
	TimeoutMs    int
}

// UrgentInput is a DispatchInput whose priority is forced to high.
type UrgentInput struct {
	Type         schema.TaskType
	Payload      schema.Payload
	DispatchedBy string
	MaxRetries   int
	TimeoutMs    int
}

// Stats is a snapshot of queue depth.
type Stats struct {
	// Pending is the length of the task stream.
	Pending int64 `json:"pending"`
	// Processing is the number of claimed, unacknowledged entries.
	Processing int64 `json:"processing"`
	// Completed is the length of the result stream.
	Completed int64 `json:"completed"`
	// Failed is the length of the DLQ.
	Failed int64 `json:"failed"`
}

// Producer appends tasks and reads results.
type Producer struct {
	log          streams.Log
	topo         streams.Topology
	logger       *logging.Logger
	metrics      *metrics.Metrics
	tracer       *telemetry.Tracer
	idGen        func() string
	now          func() time.Time
	pollInterval time.Duration
}

// Option configures a Producer.
type Option func(*Producer)

// WithTopology sets the stream names.
func WithTopology(t streams.Topology) Option {
	return func(p *Producer) {
		p.topo = t
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(p *Producer) {
		p.logger = l
	}
}

// WithMetrics enables metric collection.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Producer) {
		p.metrics = m
	}
}

// WithTracer sets the tracer for dispatch spans.
func WithTracer(t *telemetry.Tracer) Option {
	return func(p *Producer) {
		p.tracer = t
	}
}

// WithIDGenerator sets a custom ID generator function.
func WithIDGenerator(gen func() string) Option {
	return func(p *Producer) {
		p.idGen = gen
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Producer) {
		p.now = now
	}
}

// WithPollInterval sets the AwaitResult scan interval.
func WithPollInterval(d time.Duration) Option {
	return func(p *Producer) {
		if d > 0 {
			p.pollInterval = d
		}
	}
}

// New creates a producer over log.
func New(log streams.Log, opts ...Option) *Producer {
	p := &Producer{
		log:          log,
		topo:         streams.DefaultTopology(),
		idGen:        uuid.NewString,
		now:          time.Now,
		pollInterval: DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = logging.New().WithComponent("producer")
	}
	if p.tracer == nil {
		p.tracer = telemetry.GetTracer()
	}
	return p
}

// Dispatch assigns an id and creation time, then appends the task.
// Append errors are returned as-is.
func (p *Producer) Dispatch(ctx context.Context, in DispatchInput) (string, error) {
	task := &schema.Task{
		ID:           p.idGen(),
		Type:         in.Type,
		Payload:      in.Payload,
		Priority:     in.Priority,
		DispatchedBy: in.DispatchedBy,
		CreatedAt:    p.now().UTC(),
		MaxRetries:   in.MaxRetries,
		RetryCount:   0,
		TimeoutMs:    in.TimeoutMs,
	}
	if err := task.Validate(); err != nil {
		return "", err
	}

	ctx, span := p.tracer.StartDispatchSpan(ctx, string(task.Type), string(task.Priority))
	fields := schema.SerializeTask(task)
	telemetry.InjectContext(ctx, telemetry.FieldCarrier(fields))

	entryID, err := p.log.Append(ctx, p.topo.Tasks, fields)
	p.tracer.EndDispatchSpan(span, task.ID, err)
	if err != nil {
		return "", err
	}

	p.metrics.TaskDispatched(string(task.Type), string(task.Priority))
	p.logger.Debug("task_dispatched", logging.Fields{
		"task":     task.ID,
		"entry":    entryID,
		"type":     task.Type,
		"priority": task.Priority,
	})
	return task.ID, nil
}

// DispatchUrgent dispatches with high priority.
func (p *Producer) DispatchUrgent(ctx context.Context, in UrgentInput) (string, error) {
	return p.Dispatch(ctx, DispatchInput{
		Type:         in.Type,
		Payload:      in.Payload,
		Priority:     schema.PriorityHigh,
		DispatchedBy: in.DispatchedBy,
		MaxRetries:   in.MaxRetries,
		TimeoutMs:    in.TimeoutMs,
	})
}

// AwaitResult scans the result stream until a result for taskID appears
// or timeout elapses (DefaultAwaitTimeout when timeout <= 0). On timeout it
// returns nil, nil.
func (p *Producer) AwaitResult(ctx context.Context, taskID string, timeout time.Duration) (*schema.Result, error) {
	if timeout <= 0 {
		timeout = DefaultAwaitTimeout
	}
	deadline := time.Now().Add(timeout)

	for {
		res, err := p.findResult(ctx, taskID)
		if err != nil || res != nil {
			return res, err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		wait := p.pollInterval
		if remaining < wait {
			wait = remaining
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, errors.Wrap(ctx.Err(), "await result")
		case <-timer.C:
		}
	}
}

func (p *Producer) findResult(ctx context.Context, taskID string) (*schema.Result, error) {
	entries, err := p.log.Range(ctx, p.topo.Results, "-", "+", 0)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.Fields["taskId"] != taskID {
			continue
		}
		return schema.DeserializeResult(e.Fields)
	}
	return nil, nil
}

// PollResults returns the newest count results, newest first
// (DefaultPollCount when count <= 0).
func (p *Producer) PollResults(ctx context.Context, count int) ([]*schema.Result, error) {
	if count <= 0 {
		count = DefaultPollCount
	}
	entries, err := p.log.RevRange(ctx, p.topo.Results, "+", "-", int64(count))
	if err != nil {
		return nil, err
	}
	results := make([]*schema.Result, 0, len(entries))
	for _, e := range entries {
		r, err := schema.DeserializeResult(e.Fields)
		if err != nil {
			return nil, errors.Wrapf(err, "result entry %s", e.ID)
		}
		results = append(results, r)
	}
	return results, nil
}

// Stats reads the stream lengths and the group's pending count. A missing
// group (nothing consumed yet) reports zero processing.
func (p *Producer) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	var err error
	if s.Pending, err = p.log.Len(ctx, p.topo.Tasks); err != nil {
		return Stats{}, err
	}
	if s.Completed, err = p.log.Len(ctx, p.topo.Results); err != nil {
		return Stats{}, err
	}
	if s.Failed, err = p.log.Len(ctx, p.topo.DLQ); err != nil {
		return Stats{}, err
	}

	summary, err := p.log.PendingSummary(ctx, p.topo.Tasks, p.topo.Group, 0)
	switch {
	case errors.IsNotFound(err):
	case err != nil:
		return Stats{}, err
	default:
		s.Processing = summary.Count
	}

	p.metrics.SetDepth(s.Pending, s.Processing, s.Completed, s.Failed)
	return s, nil
}

// Topology returns the stream names in use.
func (p *Producer) Topology() streams.Topology {
	return p.topo
}
