package main

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/vinayprograms/agentqueue/consumer"
	"github.com/vinayprograms/agentqueue/errors"
	"github.com/vinayprograms/agentqueue/logging"
	"github.com/vinayprograms/agentqueue/schema"
	"github.com/vinayprograms/agentqueue/shutdown"
)

// maxOutput caps the captured command output stored in a result.
const maxOutput = 64 << 10

func newWorkerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Claim and run tasks until interrupted",
		Long: `Run a consumer. exec tasks run "sh -c <prompt>" bounded by the task
timeout; other task types fail and follow the retry policy.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd)
			if err != nil {
				return err
			}
			if name, _ := cmd.Flags().GetString("name"); name != "" {
				e.cfg.Consumer.Worker = name
			}
			return runWorker(cmd.Context(), e)
		},
	}
	cmd.Flags().String("name", "", "consumer name (default: config or host-pid)")
	return cmd
}

func runWorker(parent context.Context, e *env) error {
	worker := e.cfg.Consumer.Worker
	coord := e.newCoordinator()
	ctx := coord.HandleSignals(parent)

	m, tracer, err := e.observability(ctx, coord, worker)
	if err != nil {
		finish(coord)
		return err
	}
	store, release, err := e.leaseStore(worker)
	if err != nil {
		finish(coord)
		return err
	}
	coord.RegisterFuncWithPhase("lease-store", func(context.Context) error { release(); return nil }, shutdown.PhaseConnections)

	c := consumer.New(e.log, worker,
		consumer.WithTopology(e.cfg.Streams),
		consumer.WithBlock(e.cfg.Consumer.Block),
		consumer.WithBackoff(e.cfg.Consumer.Backoff),
		consumer.WithLeaseStore(store),
		consumer.WithLogger(e.logger.WithComponent("consumer")),
		consumer.WithMetrics(m),
		consumer.WithTracer(tracer),
	)
	// Later phases close Redis, so the intake phase waits for the task in
	// flight to be recorded.
	loopDone := make(chan struct{})
	coord.RegisterFuncWithPhase("consumer", func(sctx context.Context) error {
		c.Stop()
		select {
		case <-loopDone:
			return nil
		case <-sctx.Done():
			return sctx.Err()
		}
	}, shutdown.PhaseIntake)

	e.logger.Info("worker started", logging.Fields{"worker": worker, "stream": e.cfg.Streams.Tasks})
	runErr := c.Start(ctx, execHandler)
	close(loopDone)
	if err := finish(coord); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// execHandler runs exec tasks through the shell, killing the command once
// the task's timeoutMs has passed. The consumer itself never cancels ctx.
func execHandler(ctx context.Context, task *schema.Task) (schema.ResultDoc, error) {
	if task.Type != schema.TypeExec {
		return schema.ResultDoc{}, errors.TaskFailed(task.ID, "unsupported task type: "+string(task.Type))
	}
	if d := task.Timeout(); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, "sh", "-c", task.Payload.Prompt)
	cmd.Stdout = &out
	cmd.Stderr = &out
	// Children of sh can hold the output pipe open after a kill.
	cmd.WaitDelay = 500 * time.Millisecond
	err := cmd.Run()
	output := truncate(out.String(), maxOutput)
	if ctx.Err() != nil {
		return schema.ResultDoc{Output: output}, errors.TaskFailed(task.ID, "command exceeded timeout of "+task.Timeout().String())
	}
	if err != nil {
		msg := err.Error()
		if tail := strings.TrimSpace(output); tail != "" {
			msg += ": " + truncate(tail, 512)
		}
		return schema.ResultDoc{Output: output}, errors.TaskFailed(task.ID, msg)
	}
	return schema.ResultDoc{Output: output}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
