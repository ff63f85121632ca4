// Package shutdown orders the teardown of a queue process.
//
// Handlers are registered under a phase; lower phases run first and the
// handlers of one phase run concurrently. The worker and reclaimer commands
// use the predefined phases:
//
//	PhaseIntake      stop claiming (consumer Stop), stop monitors
//	PhaseBackground  reclaimer, scheduled purge, metrics server
//	PhaseFlush       flush and shut down the trace provider
//	PhaseConnections close the Redis client and lease stores
//
// Usage:
//
//	coord := shutdown.NewCoordinator(shutdown.DefaultConfig())
//	ctx := coord.HandleSignals(context.Background())
//	coord.RegisterFuncWithPhase("consumer", stopConsumer, shutdown.PhaseIntake)
//	go c.Start(ctx, handler)
//	<-coord.Done()
package shutdown
