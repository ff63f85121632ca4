// Package retry holds the failure routing shared by consumers and the
// reclaimer: bump the retry counter, then either requeue the task as a
// fresh entry or dead-letter it.
//
// MaxRetries counts retries after the first attempt. A task with
// MaxRetries=2 runs at most three times and reaches the DLQ with
// RetryCount=3; MaxRetries=0 dead-letters on the first failure.
package retry

import (
	"github.com/vinayprograms/agentqueue/schema"
	"github.com/vinayprograms/agentqueue/streams"
)

// Decision is the outcome of a failed attempt.
type Decision int

const (
	// Requeue appends the task to the tail of the task stream.
	Requeue Decision = iota
	// DeadLetter appends the task and its failure to the DLQ.
	DeadLetter
)

func (d Decision) String() string {
	switch d {
	case Requeue:
		return "requeue"
	case DeadLetter:
		return "dead_letter"
	default:
		return "unknown"
	}
}

// Next returns the task with RetryCount incremented and where it goes.
func Next(task schema.Task) (schema.Task, Decision) {
	task.RetryCount++
	if task.RetryCount <= task.MaxRetries {
		return task, Requeue
	}
	return task, DeadLetter
}

// Route queues the failure handling for the entry onto b: the requeue or
// DLQ append, then ack and delete of the original entry. The caller runs
// b.Exec so the three effects land together.
func Route(b streams.Batch, topo streams.Topology, task *schema.Task, entryID string, failure *schema.Result) (schema.Task, Decision) {
	next, decision := Next(*task)
	switch decision {
	case Requeue:
		b.Append(topo.Tasks, schema.SerializeTask(&next))
	case DeadLetter:
		b.Append(topo.DLQ, schema.SerializeDeadLetter(&next, failure))
	}
	Discard(b, topo, entryID)
	return next, decision
}

// Discard queues ack and delete of a task entry. Used alone for poison
// entries that cannot be decoded.
func Discard(b streams.Batch, topo streams.Topology, entryID string) {
	b.Ack(topo.Tasks, topo.Group, entryID)
	b.Delete(topo.Tasks, entryID)
}
