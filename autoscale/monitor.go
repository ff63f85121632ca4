package autoscale

import (
	"context"
	"sync"
	"time"

	"github.com/vinayprograms/agentqueue/errors"
	"github.com/vinayprograms/agentqueue/logging"
	"github.com/vinayprograms/agentqueue/metrics"
	"github.com/vinayprograms/agentqueue/producer"
)

const (
	// DefaultPendingThreshold is the task stream length above which a
	// scale-up is requested.
	DefaultPendingThreshold = 2

	// DefaultInterval is the gap between checks.
	DefaultInterval = 15 * time.Second
)

// Action is what a check decided.
type Action string

const (
	ActionScaleUp Action = "scale_up"
	ActionOK      Action = "ok"
)

// Decision is the outcome of one check.
type Decision struct {
	Action     Action `json:"action"`
	Pending    int64  `json:"pending"`
	Processing int64  `json:"processing"`
}

// StatsSource reports queue depth. *producer.Producer implements it.
type StatsSource interface {
	Stats(ctx context.Context) (producer.Stats, error)
}

// ScaleFunc is asked to add capacity for pending tasks.
type ScaleFunc func(ctx context.Context, pending int64) error

// Config controls when a scale-up is requested.
type Config struct {
	// PendingThreshold: scale when pending > threshold.
	PendingThreshold int64 `toml:"pending_threshold"`
	// MaxWorkers caps busy workers; no scale-up once processing reaches
	// it. Zero means no cap.
	MaxWorkers int64 `toml:"max_workers"`
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{PendingThreshold: DefaultPendingThreshold}
}

// Validate checks the thresholds.
func (c Config) Validate() error {
	if c.PendingThreshold < 0 {
		return errors.Validation("autoscale.pending_threshold", "must not be negative")
	}
	if c.MaxWorkers < 0 {
		return errors.Validation("autoscale.max_workers", "must not be negative")
	}
	return nil
}

// Monitor periodically checks queue depth.
type Monitor struct {
	source  StatsSource
	config  Config
	onScale ScaleFunc
	logger  *logging.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(m *Monitor) {
		m.logger = l
	}
}

// WithMetrics enables metric collection.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Monitor) {
		m.metrics = mt
	}
}

// OnScaleUp sets the callback invoked for a scale-up decision.
func OnScaleUp(fn ScaleFunc) Option {
	return func(m *Monitor) {
		m.onScale = fn
	}
}

// NewMonitor creates a monitor over source.
func NewMonitor(source StatsSource, cfg Config, opts ...Option) *Monitor {
	m := &Monitor{source: source, config: cfg}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = logging.New().WithComponent("autoscale")
	}
	return m
}

// CheckAndScale reads the queue depth once. A scale-up decision invokes
// the callback, whose error is returned alongside the decision.
func (m *Monitor) CheckAndScale(ctx context.Context) (Decision, error) {
	stats, err := m.source.Stats(ctx)
	if err != nil {
		return Decision{}, err
	}
	m.metrics.SetDepth(stats.Pending, stats.Processing, stats.Completed, stats.Failed)

	d := Decision{Action: ActionOK, Pending: stats.Pending, Processing: stats.Processing}
	if stats.Pending <= m.config.PendingThreshold {
		return d, nil
	}
	if m.config.MaxWorkers > 0 && stats.Processing >= m.config.MaxWorkers {
		m.logger.Debug("worker cap reached", logging.Fields{
			"pending":     stats.Pending,
			"processing":  stats.Processing,
			"max_workers": m.config.MaxWorkers,
		})
		return d, nil
	}

	d.Action = ActionScaleUp
	m.metrics.ScaleUp()
	m.logger.Info("scale up requested", logging.Fields{
		"pending":    stats.Pending,
		"processing": stats.Processing,
	})
	if m.onScale != nil {
		if err := m.onScale(ctx, stats.Pending); err != nil {
			return d, errors.Wrap(err, "scale up")
		}
	}
	return d, nil
}

// Start checks every interval (DefaultInterval when <= 0) until Stop.
// Calling it while running does nothing.
func (m *Monitor) Start(interval time.Duration) {
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
	go m.loop(ctx, interval, m.done)
}

func (m *Monitor) loop(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.CheckAndScale(ctx); err != nil && ctx.Err() == nil {
				m.logger.Error("autoscale check failed", logging.Fields{"error": err.Error()})
			}
		}
	}
}

// Stop ends the loop and waits for a check in progress.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

// Running reports whether the loop is active.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancel != nil
}
