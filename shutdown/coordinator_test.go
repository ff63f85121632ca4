package shutdown

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vinayprograms/agentqueue/logging"
)

func TestShutdown_SingleHandler(t *testing.T) {
	coord := NewCoordinator(DefaultConfig())
	called := false
	coord.RegisterFunc("consumer", func(ctx context.Context) error {
		called = true
		return nil
	})

	if err := coord.ShutdownWithTimeout(time.Second); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if !called {
		t.Fatal("handler not called")
	}
	select {
	case <-coord.Done():
	default:
		t.Fatal("Done should be closed")
	}
	res := coord.Result()
	if res == nil || len(res.Results) != 1 || res.Results[0].Name != "consumer" || res.Failed() {
		t.Errorf("Result = %+v", res)
	}
}

func TestShutdown_PhaseOrder(t *testing.T) {
	coord := NewCoordinator(DefaultConfig())
	var mu sync.Mutex
	var order []string
	record := func(name string) func(context.Context) error {
		return func(context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	coord.RegisterFuncWithPhase("redis", record("redis"), PhaseConnections)
	coord.RegisterFuncWithPhase("tracer", record("tracer"), PhaseFlush)
	coord.RegisterFuncWithPhase("consumer", record("consumer"), PhaseIntake)
	coord.RegisterFuncWithPhase("reclaimer", record("reclaimer"), PhaseBackground)

	if err := coord.ShutdownWithTimeout(time.Second); err != nil {
		t.Fatal(err)
	}
	want := "consumer,reclaimer,tracer,redis"
	if got := strings.Join(order, ","); got != want {
		t.Errorf("order = %s, want %s", got, want)
	}
}

func TestShutdown_SamePhaseRunsConcurrently(t *testing.T) {
	coord := NewCoordinator(DefaultConfig())
	var running, peak atomic.Int32
	for i := 0; i < 3; i++ {
		coord.RegisterFuncWithPhase(fmt.Sprintf("h%d", i), func(ctx context.Context) error {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(30 * time.Millisecond)
			running.Add(-1)
			return nil
		}, PhaseIntake)
	}

	if err := coord.ShutdownWithTimeout(time.Second); err != nil {
		t.Fatal(err)
	}
	if peak.Load() < 2 {
		t.Errorf("peak concurrency = %d, want handlers of one phase to overlap", peak.Load())
	}
}

func TestShutdown_Timeout(t *testing.T) {
	coord := NewCoordinator(DefaultConfig())
	coord.RegisterFuncWithPhase("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, PhaseIntake)
	later := false
	coord.RegisterFuncWithPhase("later", func(ctx context.Context) error {
		later = true
		return nil
	}, PhaseConnections)

	err := coord.ShutdownWithTimeout(30 * time.Millisecond)
	if err != ErrTimeout {
		t.Errorf("Shutdown = %v, want ErrTimeout", err)
	}
	if later {
		t.Error("later phases should not run after the deadline")
	}
}

func TestShutdown_ContinueOnError(t *testing.T) {
	tests := []struct {
		name      string
		cont      bool
		wantLater bool
	}{
		{"continue", true, true},
		{"stop", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.ContinueOnError = tt.cont
			coord := NewCoordinator(cfg)
			coord.RegisterFuncWithPhase("consumer", func(context.Context) error {
				return fmt.Errorf("stuck")
			}, PhaseIntake)
			later := false
			coord.RegisterFuncWithPhase("redis", func(context.Context) error {
				later = true
				return nil
			}, PhaseConnections)

			if err := coord.ShutdownWithTimeout(time.Second); err != ErrHandlerFailed {
				t.Errorf("Shutdown = %v, want ErrHandlerFailed", err)
			}
			if later != tt.wantLater {
				t.Errorf("later phase ran = %v, want %v", later, tt.wantLater)
			}
			if got := coord.Result().FailedHandlers(); len(got) != 1 || got[0] != "consumer" {
				t.Errorf("FailedHandlers = %v", got)
			}
		})
	}
}

func TestShutdown_Twice(t *testing.T) {
	coord := NewCoordinator(DefaultConfig())
	var calls atomic.Int32
	coord.RegisterFunc("h", func(context.Context) error {
		calls.Add(1)
		return nil
	})

	coord.ShutdownWithTimeout(time.Second)
	if err := coord.ShutdownWithTimeout(time.Second); err != nil {
		t.Errorf("second Shutdown after completion = %v, want first result", err)
	}
	if calls.Load() != 1 {
		t.Errorf("handler ran %d times", calls.Load())
	}
}

func TestShutdown_ConcurrentCallWhileRunning(t *testing.T) {
	coord := NewCoordinator(DefaultConfig())
	release := make(chan struct{})
	started := make(chan struct{})
	coord.RegisterFunc("h", func(context.Context) error {
		close(started)
		<-release
		return nil
	})

	go coord.ShutdownWithTimeout(time.Second)
	<-started
	if err := coord.ShutdownWithTimeout(time.Second); err != ErrAlreadyShutdown {
		t.Errorf("Shutdown during shutdown = %v, want ErrAlreadyShutdown", err)
	}
	close(release)
	<-coord.Done()
}

func TestHandleSignals(t *testing.T) {
	coord := NewCoordinator(Config{Timeout: time.Second})
	ctx := coord.HandleSignals(context.Background())
	var called atomic.Bool
	coord.RegisterFunc("h", func(context.Context) error {
		called.Store(true)
		return nil
	})

	coord.Trigger()

	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("signal context was not cancelled")
	}
	select {
	case <-coord.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not complete")
	}
	if !called.Load() {
		t.Error("handler not called")
	}
}

func TestShutdown_LogsProgress(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.New()
	logger.SetOutput(&buf)

	var progress []HandlerResult
	var mu sync.Mutex
	cfg := DefaultConfig()
	cfg.Logger = logger
	cfg.OnProgress = func(hr HandlerResult) {
		mu.Lock()
		progress = append(progress, hr)
		mu.Unlock()
	}
	coord := NewCoordinator(cfg)
	coord.RegisterFunc("redis", func(context.Context) error { return fmt.Errorf("close: broken pipe") })

	coord.ShutdownWithTimeout(time.Second)
	if len(progress) != 1 || progress[0].Phase != PhaseBackground {
		t.Errorf("progress = %+v", progress)
	}
	if !strings.Contains(buf.String(), "shutdown handler failed") || !strings.Contains(buf.String(), "handler=redis") {
		t.Errorf("log = %s", buf.String())
	}
}

func TestShutdown_Empty(t *testing.T) {
	coord := NewCoordinator(DefaultConfig())
	if err := coord.ShutdownWithTimeout(0); err != nil {
		t.Fatal(err)
	}
	if coord.Result().Failed() {
		t.Error("empty shutdown should succeed")
	}
}

func TestResultBeforeDone(t *testing.T) {
	coord := NewCoordinator(DefaultConfig())
	if coord.Result() != nil || coord.Err() != nil {
		t.Error("Result and Err should be nil before shutdown")
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{Timeout: -time.Second}
	if err := cfg.Validate(); err == nil {
		t.Error("negative timeout should be invalid")
	}
	def := DefaultConfig()
	if err := def.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestGroupByPhase(t *testing.T) {
	if groupByPhase(nil) != nil {
		t.Error("no handlers should give no groups")
	}
	groups := groupByPhase([]registration{
		{name: "a", phase: 10}, {name: "b", phase: 10}, {name: "c", phase: 20},
	})
	if len(groups) != 2 || len(groups[0]) != 2 || groups[1][0].name != "c" {
		t.Errorf("groups = %+v", groups)
	}
}
