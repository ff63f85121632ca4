package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/vinayprograms/agentqueue/autoscale"
	"github.com/vinayprograms/agentqueue/logging"
	"github.com/vinayprograms/agentqueue/reliability"
	"github.com/vinayprograms/agentqueue/shutdown"
)

func newReclaimerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reclaimer",
		Short: "Reclaim stale tasks, purge the DLQ and watch queue depth",
		Long: `Sweep the pending list every reliability.interval, requeueing or
dead-lettering tasks idle longer than reliability.idle_threshold. With
reliability.purge_schedule set, old dead letters are purged on that cron
schedule. With autoscale.enabled, queue depth is checked and scale-up
decisions are logged.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd)
			if err != nil {
				return err
			}
			return runReclaimer(cmd.Context(), e)
		},
	}
}

func runReclaimer(parent context.Context, e *env) error {
	rc := e.cfg.Reliability
	coord := e.newCoordinator()
	ctx := coord.HandleSignals(parent)

	m, tracer, err := e.observability(ctx, coord, rc.Identity)
	if err != nil {
		finish(coord)
		return err
	}
	store, release, err := e.leaseStore(rc.Identity)
	if err != nil {
		finish(coord)
		return err
	}
	coord.RegisterFuncWithPhase("lease-store", func(context.Context) error { release(); return nil }, shutdown.PhaseConnections)

	mgr := e.manager(
		reliability.WithLeaseStore(store),
		reliability.WithMetrics(m),
		reliability.WithTracer(tracer),
	)
	coord.RegisterFuncWithPhase("reclaimer", func(context.Context) error { return mgr.Close() }, shutdown.PhaseBackground)

	if rc.PurgeSchedule != "" {
		if err := mgr.SchedulePurge(rc.PurgeSchedule, rc.PurgeMaxAge); err != nil {
			finish(coord)
			return err
		}
	}
	mgr.StartReclaimer(rc.Interval, rc.IdleThreshold)

	if as := e.cfg.Autoscale; as.Enabled {
		logger := e.logger.WithComponent("autoscale")
		mon := autoscale.NewMonitor(e.producer(), as.Thresholds(),
			autoscale.WithLogger(logger),
			autoscale.WithMetrics(m),
			autoscale.OnScaleUp(func(_ context.Context, pending int64) error {
				logger.Info("scale up requested", logging.Fields{"pending": pending})
				return nil
			}),
		)
		mon.Start(as.Interval)
		coord.RegisterFuncWithPhase("autoscale", func(context.Context) error { mon.Stop(); return nil }, shutdown.PhaseIntake)
	}

	<-ctx.Done()
	return finish(coord)
}
