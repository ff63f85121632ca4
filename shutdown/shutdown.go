package shutdown

import (
	"context"
	"time"

	"github.com/vinayprograms/agentqueue/errors"
	"github.com/vinayprograms/agentqueue/logging"
)

// Phases used by the agentqueue commands.
const (
	PhaseIntake      = 10
	PhaseBackground  = 20
	PhaseFlush       = 30
	PhaseConnections = 40
)

var (
	// ErrAlreadyShutdown is returned by Shutdown once a shutdown has begun.
	ErrAlreadyShutdown = errors.Conflict("shutdown already initiated")

	// ErrTimeout means the context expired before every phase ran.
	ErrTimeout = errors.New(errors.ErrCodeTimeout, "shutdown timeout exceeded")

	// ErrHandlerFailed means at least one handler returned an error.
	ErrHandlerFailed = errors.Internal("one or more shutdown handlers failed")
)

// Handler is implemented by components that need an orderly stop.
// The context is cancelled when the shutdown timeout expires.
type Handler interface {
	OnShutdown(ctx context.Context) error
}

// Func adapts a function to Handler.
type Func func(ctx context.Context) error

// OnShutdown implements Handler.
func (f Func) OnShutdown(ctx context.Context) error {
	return f(ctx)
}

// HandlerResult is the outcome of one handler.
type HandlerResult struct {
	Name     string
	Phase    int
	Duration time.Duration
	Err      error
}

// Result is the outcome of a whole shutdown.
type Result struct {
	TotalDuration time.Duration
	Results       []HandlerResult
	Err           error
}

// Failed reports whether the shutdown ended in error.
func (r *Result) Failed() bool {
	return r.Err != nil
}

// FailedHandlers returns the names of handlers that returned an error.
func (r *Result) FailedHandlers() []string {
	var failed []string
	for _, hr := range r.Results {
		if hr.Err != nil {
			failed = append(failed, hr.Name)
		}
	}
	return failed
}

// Config configures a Coordinator.
type Config struct {
	// Timeout bounds a signal-triggered shutdown and ShutdownWithTimeout(0).
	// Default: 30 seconds
	Timeout time.Duration

	// DefaultPhase is assigned by Register.
	// Default: PhaseBackground
	DefaultPhase int

	// ContinueOnError runs later phases after a handler fails.
	// Default: true
	ContinueOnError bool

	// Logger receives one line per handler. Nil disables logging.
	Logger *logging.Logger

	// OnProgress is called as each handler completes.
	OnProgress func(HandlerResult)
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Timeout < 0 {
		return errors.Validation("shutdown.timeout", "timeout must not be negative")
	}
	return nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Timeout:         30 * time.Second,
		DefaultPhase:    PhaseBackground,
		ContinueOnError: true,
	}
}

type registration struct {
	name    string
	handler Handler
	phase   int
}
