package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/vinayprograms/agentqueue/logging"
)

// Coordinator runs registered handlers phase by phase.
type Coordinator struct {
	config Config

	mu         sync.Mutex
	handlers   []registration
	started    atomic.Bool
	err        error
	done       chan struct{}
	result     *Result
	signalChan chan os.Signal
}

// NewCoordinator creates a coordinator, filling zero config fields with
// defaults.
func NewCoordinator(config Config) *Coordinator {
	if config.Timeout == 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	if config.DefaultPhase == 0 {
		config.DefaultPhase = DefaultConfig().DefaultPhase
	}
	return &Coordinator{
		config:     config,
		done:       make(chan struct{}),
		signalChan: make(chan os.Signal, 1),
	}
}

// Register adds a handler in the default phase.
func (c *Coordinator) Register(name string, h Handler) {
	c.RegisterWithPhase(name, h, c.config.DefaultPhase)
}

// RegisterWithPhase adds a handler in phase.
func (c *Coordinator) RegisterWithPhase(name string, h Handler, phase int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, registration{name: name, handler: h, phase: phase})
}

// RegisterFunc adds a function in the default phase.
func (c *Coordinator) RegisterFunc(name string, fn func(ctx context.Context) error) {
	c.Register(name, Func(fn))
}

// RegisterFuncWithPhase adds a function in phase.
func (c *Coordinator) RegisterFuncWithPhase(name string, fn func(ctx context.Context) error, phase int) {
	c.RegisterWithPhase(name, Func(fn), phase)
}

// Shutdown runs every phase once. Later calls return ErrAlreadyShutdown
// while the first is running and its error afterwards.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		select {
		case <-c.done:
			return c.err
		default:
			return ErrAlreadyShutdown
		}
	}
	c.err = c.run(ctx)
	close(c.done)
	return c.err
}

// ShutdownWithTimeout runs Shutdown bounded by timeout (the configured
// timeout when 0).
func (c *Coordinator) ShutdownWithTimeout(timeout time.Duration) error {
	if timeout == 0 {
		timeout = c.config.Timeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return c.Shutdown(ctx)
}

// HandleSignals watches for SIGINT and SIGTERM. The returned context is
// cancelled on the first signal, after which the shutdown runs with the
// configured timeout.
func (c *Coordinator) HandleSignals(parent context.Context) context.Context {
	ctx, cancel := context.WithCancel(parent)
	signal.Notify(c.signalChan, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		defer signal.Stop(c.signalChan)
		select {
		case sig := <-c.signalChan:
			if c.config.Logger != nil {
				c.config.Logger.Info("signal received", logging.Fields{"signal": sig.String()})
			}
			cancel()
			_ = c.ShutdownWithTimeout(c.config.Timeout)
		case <-c.done:
			cancel()
		}
	}()
	return ctx
}

// Trigger simulates a SIGTERM.
func (c *Coordinator) Trigger() {
	select {
	case c.signalChan <- syscall.SIGTERM:
	default:
	}
}

// Done is closed when the shutdown has finished.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Err returns the shutdown error once Done is closed.
func (c *Coordinator) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Result returns the per-handler outcome once Done is closed.
func (c *Coordinator) Result() *Result {
	select {
	case <-c.done:
		return c.result
	default:
		return nil
	}
}

func (c *Coordinator) run(ctx context.Context) error {
	start := time.Now()
	c.mu.Lock()
	handlers := make([]registration, len(c.handlers))
	copy(handlers, c.handlers)
	c.mu.Unlock()

	sort.SliceStable(handlers, func(i, j int) bool {
		return handlers[i].phase < handlers[j].phase
	})

	result := &Result{Results: make([]HandlerResult, 0, len(handlers))}
	finish := func(err error) error {
		result.Err = err
		result.TotalDuration = time.Since(start)
		c.result = result
		return err
	}

	var failed error
	for _, group := range groupByPhase(handlers) {
		if ctx.Err() != nil {
			return finish(ErrTimeout)
		}
		phaseResults := c.runPhase(ctx, group)
		result.Results = append(result.Results, phaseResults...)

		for _, hr := range phaseResults {
			if hr.Err == nil {
				continue
			}
			failed = ErrHandlerFailed
			if !c.config.ContinueOnError {
				return finish(failed)
			}
		}
	}
	return finish(failed)
}

func (c *Coordinator) runPhase(ctx context.Context, group []registration) []HandlerResult {
	results := make([]HandlerResult, len(group))
	var wg sync.WaitGroup
	for i, r := range group {
		wg.Add(1)
		go func(i int, r registration) {
			defer wg.Done()
			start := time.Now()
			err := r.handler.OnShutdown(ctx)
			hr := HandlerResult{Name: r.name, Phase: r.phase, Duration: time.Since(start), Err: err}
			results[i] = hr
			c.report(hr)
		}(i, r)
	}
	wg.Wait()
	return results
}

func (c *Coordinator) report(hr HandlerResult) {
	if c.config.OnProgress != nil {
		c.config.OnProgress(hr)
	}
	if c.config.Logger == nil {
		return
	}
	fields := logging.Fields{"handler": hr.Name, "phase": hr.Phase, "duration": hr.Duration.String()}
	if hr.Err != nil {
		fields["error"] = hr.Err.Error()
		c.config.Logger.Error("shutdown handler failed", fields)
		return
	}
	c.config.Logger.Debug("shutdown handler done", fields)
}

// groupByPhase splits phase-sorted handlers into runs of equal phase.
func groupByPhase(handlers []registration) [][]registration {
	var groups [][]registration
	for i, h := range handlers {
		if i == 0 || h.phase != handlers[i-1].phase {
			groups = append(groups, nil)
		}
		groups[len(groups)-1] = append(groups[len(groups)-1], h)
	}
	return groups
}
