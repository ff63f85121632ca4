// Package streams is the queue's view of the append-only log.
//
// The Log interface covers what the producer, consumers and reclaimer need
// from the broker: append, consumer-group claim, acknowledge, delete, range
// scans, pending-entry inspection, forced reassignment and trim. Multi-step
// mutations go through a Batch, which the Redis implementation issues as a
// single MULTI/EXEC transaction.
//
//	log, err := streams.Dial("redis://localhost:6379/0")
//	if err != nil {
//	    return err
//	}
//	defer log.Close()
//
//	b := log.Batch()
//	b.Append(topo.Results, resultFields)
//	b.Ack(topo.Tasks, topo.Group, entryID)
//	b.Delete(topo.Tasks, entryID)
//	err = b.Exec(ctx)
//
// Broker failures are reported as UNAVAILABLE errors from the errors
// package; a missing consumer group is NOT_FOUND.
package streams
