// Package lease stores heartbeat leases: short-lived keys a worker writes
// while it processes a task.
//
// A lease is advisory. The worker never reads it back; operators and the
// reclaimer use its presence to tell a slow task from an abandoned one.
// Every lease has a positive TTL and disappears on its own once the worker
// stops refreshing it.
//
// # Implementations
//
//   - RedisStore: SET with expiry on the same Redis that holds the streams
//   - MemoryStore: in-process map with background expiry, for tests and
//     single-process setups
//   - NATSStore: JetStream KV bucket, with the expiry kept in the value
//     because KV TTL applies to the whole bucket
//
// # Usage
//
//	store := lease.NewRedisStore(client)
//	err := store.Put(ctx, "agent:heartbeat:"+taskID, workerName, 5*time.Second)
//
//	owner, err := store.Get(ctx, "agent:heartbeat:"+taskID)
//	if err == lease.ErrNotFound {
//	    // expired or never written
//	}
package lease
