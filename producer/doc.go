// Package producer dispatches tasks onto the task stream and reads back
// what the workers produced.
//
// A Producer holds no state of its own. Every call goes to the log, so any
// number of producers may share one deployment.
//
//	p := producer.New(log, producer.WithLogger(logger))
//	id, err := p.Dispatch(ctx, producer.DispatchInput{
//	    Type:         schema.TypeExec,
//	    Payload:      schema.Payload{Prompt: "make test"},
//	    Priority:     schema.PriorityNormal,
//	    DispatchedBy: "planner",
//	    MaxRetries:   2,
//	    TimeoutMs:    60000,
//	})
//
//	res, err := p.AwaitResult(ctx, id, time.Minute)
//	if res == nil && err == nil {
//	    // timed out; the task may still complete later
//	}
//
// Results are delivered at least once. AwaitResult returns the first
// result it finds for the task, which may come from an earlier attempt.
package producer
