// Package consumer implements the worker side of the queue.
//
// A Consumer reads tasks from the task stream through the consumer group,
// runs a Handler on each one and records the outcome:
//
//   - success: a Result is appended to the result stream and the task entry
//     is acknowledged and deleted, all in one MULTI/EXEC batch.
//   - failure: the retry counter is bumped and the task is either requeued
//     as a fresh entry or dead-lettered with its failure (see package retry).
//
// While a handler runs, the consumer keeps a heartbeat lease for the task
// alive so operators can tell live work from abandoned work. Entries that
// cannot be decoded are acknowledged and deleted without running a handler.
//
// Basic usage:
//
//	c := consumer.New(log, "worker-1")
//	go c.Start(ctx, func(ctx context.Context, t *schema.Task) (schema.ResultDoc, error) {
//	    return schema.ResultDoc{Output: "done"}, nil
//	})
//	...
//	c.Stop()
package consumer
