package reliability

import (
	"context"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"

	"github.com/vinayprograms/agentqueue/errors"
	"github.com/vinayprograms/agentqueue/lease"
	"github.com/vinayprograms/agentqueue/logging"
	"github.com/vinayprograms/agentqueue/metrics"
	"github.com/vinayprograms/agentqueue/schema"
	"github.com/vinayprograms/agentqueue/streams"
)

var topo = streams.DefaultTopology()

func newTestManager(t *testing.T, opts ...Option) (*Manager, *streams.RedisLog) {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(s.Close)
	log := streams.NewRedisLog(redis.NewClient(&redis.Options{Addr: s.Addr()}))
	t.Cleanup(func() { log.Close() })

	m := New(log, append([]Option{WithLogger(logging.Nop())}, opts...)...)
	t.Cleanup(func() { m.Close() })
	return m, log
}

func newTask(id string, maxRetries int, created time.Time) *schema.Task {
	return &schema.Task{
		ID:           id,
		Type:         schema.TypeCode,
		Payload:      schema.Payload{Prompt: "fix issue", Repo: "org/repo", Issue: 12},
		Priority:     schema.PriorityLow,
		DispatchedBy: "test",
		CreatedAt:    created,
		MaxRetries:   maxRetries,
		TimeoutMs:    1000,
	}
}

// claimAs appends task and claims it for consumer without acknowledging.
func claimAs(t *testing.T, log streams.Log, consumer string, fields map[string]string) string {
	t.Helper()
	ctx := context.Background()
	if _, err := log.Append(ctx, topo.Tasks, fields); err != nil {
		t.Fatal(err)
	}
	if err := log.EnsureGroup(ctx, topo.Tasks, topo.Group); err != nil {
		t.Fatal(err)
	}
	entries, err := log.Claim(ctx, topo.Tasks, topo.Group, consumer, 1, 0)
	if err != nil || len(entries) != 1 {
		t.Fatalf("claim = %v, %v", entries, err)
	}
	return entries[0].ID
}

func addDeadLetter(t *testing.T, log streams.Log, task *schema.Task) {
	t.Helper()
	failure := &schema.Result{
		TaskID:      task.ID,
		Worker:      "w1",
		Status:      schema.StatusFailed,
		Result:      schema.ResultDoc{Error: "boom"},
		StartedAt:   task.CreatedAt,
		CompletedAt: task.CreatedAt,
	}
	if _, err := log.Append(context.Background(), topo.DLQ, schema.SerializeDeadLetter(task, failure)); err != nil {
		t.Fatal(err)
	}
}

func pendingCount(t *testing.T, log streams.Log) int64 {
	t.Helper()
	s, err := log.PendingSummary(context.Background(), topo.Tasks, topo.Group, 0)
	if err != nil {
		t.Fatalf("PendingSummary: %v", err)
	}
	return s.Count
}

func TestReclaimStale_NoGroup(t *testing.T) {
	m, _ := newTestManager(t)

	n, err := m.ReclaimStale(context.Background(), time.Millisecond)
	if err != nil || n != 0 {
		t.Errorf("ReclaimStale = %d, %v; want 0, nil", n, err)
	}
}

func TestReclaimStale_Requeues(t *testing.T) {
	m, log := newTestManager(t)
	ctx := context.Background()
	old := claimAs(t, log, "dead-worker", schema.SerializeTask(newTask("t1", 2, time.Now().UTC())))

	time.Sleep(60 * time.Millisecond)
	n, err := m.ReclaimStale(ctx, 50*time.Millisecond)
	if err != nil || n != 1 {
		t.Fatalf("ReclaimStale = %d, %v; want 1", n, err)
	}

	entries, _ := log.Range(ctx, topo.Tasks, "-", "+", 0)
	if len(entries) != 1 || entries[0].ID == old {
		t.Fatalf("task stream = %+v, want one fresh entry", entries)
	}
	task, err := schema.DeserializeTask(entries[0].Fields)
	if err != nil || task.RetryCount != 1 {
		t.Errorf("requeued task = %+v, %v", task, err)
	}
	if c := pendingCount(t, log); c != 0 {
		t.Errorf("pending = %d, want 0", c)
	}
}

func TestReclaimStale_SkipsFreshEntries(t *testing.T) {
	m, log := newTestManager(t)
	claimAs(t, log, "busy-worker", schema.SerializeTask(newTask("t1", 2, time.Now().UTC())))

	n, err := m.ReclaimStale(context.Background(), time.Hour)
	if err != nil || n != 0 {
		t.Errorf("ReclaimStale = %d, %v; want 0", n, err)
	}
	if c := pendingCount(t, log); c != 1 {
		t.Errorf("pending = %d, want 1", c)
	}
}

func TestReclaimStale_DeadLettersExhausted(t *testing.T) {
	m, log := newTestManager(t)
	ctx := context.Background()
	claimAs(t, log, "dead-worker", schema.SerializeTask(newTask("t1", 0, time.Now().UTC())))

	time.Sleep(60 * time.Millisecond)
	if n, err := m.ReclaimStale(ctx, 50*time.Millisecond); err != nil || n != 1 {
		t.Fatalf("ReclaimStale = %d, %v", n, err)
	}

	dlq, err := m.ListDLQ(ctx, 0)
	if err != nil || len(dlq) != 1 {
		t.Fatalf("ListDLQ = %+v, %v", dlq, err)
	}
	dl := dlq[0]
	if dl.Task.RetryCount != 1 {
		t.Errorf("retryCount = %d, want 1", dl.Task.RetryCount)
	}
	if dl.Failure.Status != schema.StatusTimeout || dl.Failure.Worker != "dead-worker" {
		t.Errorf("failure = %+v", dl.Failure)
	}
	if !strings.Contains(dl.Failure.Result.Error, "abandoned by dead-worker") {
		t.Errorf("failure error = %q", dl.Failure.Result.Error)
	}
	if n, _ := log.Len(ctx, topo.Tasks); n != 0 {
		t.Errorf("task stream length = %d, want 0", n)
	}
}

func TestReclaimStale_DiscardsPoison(t *testing.T) {
	m, log := newTestManager(t)
	ctx := context.Background()
	claimAs(t, log, "dead-worker", map[string]string{"id": "t1", "maxRetries": "lots"})

	time.Sleep(60 * time.Millisecond)
	n, err := m.ReclaimStale(ctx, 50*time.Millisecond)
	if err != nil || n != 1 {
		t.Fatalf("ReclaimStale = %d, %v", n, err)
	}
	if l, _ := log.Len(ctx, topo.Tasks); l != 0 {
		t.Errorf("poison entry still in stream")
	}
	if l, _ := log.Len(ctx, topo.DLQ); l != 0 {
		t.Errorf("poison entry should not reach the DLQ")
	}
	if c := pendingCount(t, log); c != 0 {
		t.Errorf("pending = %d, want 0", c)
	}
}

func TestListDLQ(t *testing.T) {
	m, log := newTestManager(t)
	ctx := context.Background()
	now := time.Now().UTC()
	for _, id := range []string{"a", "b", "c"} {
		addDeadLetter(t, log, newTask(id, 1, now))
	}
	log.Append(ctx, topo.DLQ, map[string]string{"junk": "1"})

	dlq, err := m.ListDLQ(ctx, 2)
	if err != nil {
		t.Fatalf("ListDLQ: %v", err)
	}
	if len(dlq) != 2 || dlq[0].Task.ID != "a" || dlq[1].Task.ID != "b" {
		t.Errorf("ListDLQ = %+v", dlq)
	}
	if dlq[0].EntryID == "" || dlq[0].Failure.Result.Error != "boom" {
		t.Errorf("entry = %+v", dlq[0])
	}

	all, err := m.ListDLQ(ctx, 0)
	if err != nil || len(all) != 3 {
		t.Errorf("ListDLQ(default) = %d, %v; junk entry should be skipped", len(all), err)
	}
}

func TestRetryFromDLQ(t *testing.T) {
	m, log := newTestManager(t)
	ctx := context.Background()
	task := newTask("t1", 2, time.Now().UTC())
	task.RetryCount = 3
	addDeadLetter(t, log, task)
	addDeadLetter(t, log, newTask("t2", 2, time.Now().UTC()))

	if err := m.RetryFromDLQ(ctx, "t1"); err != nil {
		t.Fatalf("RetryFromDLQ: %v", err)
	}

	entries, _ := log.Range(ctx, topo.Tasks, "-", "+", 0)
	if len(entries) != 1 {
		t.Fatalf("task stream = %+v", entries)
	}
	got, err := schema.DeserializeTask(entries[0].Fields)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != "t1" || got.RetryCount != 0 || got.MaxRetries != 2 || got.Payload.Issue != 12 {
		t.Errorf("retried task = %+v", got)
	}
	if _, ok := entries[0].Fields["status"]; ok {
		t.Error("failure fields should not be copied back to the task stream")
	}

	dlq, _ := m.ListDLQ(ctx, 0)
	if len(dlq) != 1 || dlq[0].Task.ID != "t2" {
		t.Errorf("remaining DLQ = %+v", dlq)
	}
}

func TestRetryFromDLQ_NotFound(t *testing.T) {
	m, _ := newTestManager(t)

	err := m.RetryFromDLQ(context.Background(), "missing")
	if !errors.IsNotFound(err) {
		t.Errorf("RetryFromDLQ error = %v, want NOT_FOUND", err)
	}
}

func TestPurgeDLQ(t *testing.T) {
	now := time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)
	m, log := newTestManager(t, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	addDeadLetter(t, log, newTask("old", 0, now.Add(-48*time.Hour)))
	addDeadLetter(t, log, newTask("recent", 0, now.Add(-12*time.Hour)))
	addDeadLetter(t, log, newTask("fresh", 0, now.Add(-time.Hour)))

	n, err := m.PurgeDLQ(ctx, 24*time.Hour)
	if err != nil || n != 1 {
		t.Fatalf("PurgeDLQ = %d, %v; want 1", n, err)
	}
	dlq, _ := m.ListDLQ(ctx, 0)
	if len(dlq) != 2 || dlq[0].Task.ID != "recent" || dlq[1].Task.ID != "fresh" {
		t.Errorf("remaining DLQ = %+v", dlq)
	}

	if n, err := m.PurgeDLQ(ctx, 24*time.Hour); err != nil || n != 0 {
		t.Errorf("second PurgeDLQ = %d, %v; want 0", n, err)
	}
}

func TestReclaimer_Lifecycle(t *testing.T) {
	m, log := newTestManager(t)
	claimAs(t, log, "dead-worker", schema.SerializeTask(newTask("t1", 1, time.Now().UTC())))

	if m.ReclaimerRunning() {
		t.Fatal("reclaimer should not run before start")
	}
	m.StartReclaimer(10*time.Millisecond, 30*time.Millisecond)
	m.StartReclaimer(10*time.Millisecond, 30*time.Millisecond)
	if !m.ReclaimerRunning() {
		t.Fatal("reclaimer should be running")
	}

	deadline := time.Now().Add(3 * time.Second)
	for pendingCount(t, log) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("stale entry was never reclaimed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	m.StopReclaimer()
	m.StopReclaimer()
	if m.ReclaimerRunning() {
		t.Error("reclaimer should be stopped")
	}
}

// pendingErrLog fails PendingSummary and delegates everything else.
type pendingErrLog struct {
	streams.Log
	err error
}

func (l pendingErrLog) PendingSummary(context.Context, string, string, int64) (*streams.PendingSummary, error) {
	return nil, l.err
}

func TestReclaimer_ClassifiesSweepErrors(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		class string
	}{
		{"unavailable", errors.Unavailable("redis down"), "transient"},
		{"corrupt", errors.New(errors.ErrCodeCorruption, "bad reply"), "permanent"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, log := newTestManager(t)
			reg := prometheus.NewRegistry()
			m := New(pendingErrLog{Log: log, err: tt.err},
				WithLogger(logging.Nop()), WithMetrics(metrics.New(reg)))
			t.Cleanup(func() { m.Close() })

			m.StartReclaimer(10*time.Millisecond, time.Millisecond)
			deadline := time.Now().Add(3 * time.Second)
			for {
				if n, _ := testutil.GatherAndCount(reg, "agentqueue_loop_errors_total"); n > 0 {
					break
				}
				if time.Now().After(deadline) {
					t.Fatal("sweep error was never counted")
				}
				time.Sleep(10 * time.Millisecond)
			}
			m.StopReclaimer()

			families, err := reg.Gather()
			if err != nil {
				t.Fatal(err)
			}
			for _, mf := range families {
				if mf.GetName() != "agentqueue_loop_errors_total" {
					continue
				}
				for _, metric := range mf.GetMetric() {
					for _, lp := range metric.GetLabel() {
						if lp.GetName() == "class" && lp.GetValue() != tt.class {
							t.Errorf("class = %q, want %q", lp.GetValue(), tt.class)
						}
					}
				}
			}
		})
	}
}

func TestInspect(t *testing.T) {
	m, log := newTestManager(t)
	ctx := context.Background()
	claimAs(t, log, "w1", schema.SerializeTask(newTask("live", 1, time.Now().UTC())))
	claimAs(t, log, "w2", schema.SerializeTask(newTask("gone", 1, time.Now().UTC())))

	store := lease.NewRedisStore(log.Client())
	if err := store.Put(ctx, topo.HeartbeatKey("live"), "w1", time.Minute); err != nil {
		t.Fatal(err)
	}

	pending, err := m.Inspect(ctx)
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("Inspect = %+v", pending)
	}
	byTask := map[string]PendingTask{}
	for _, p := range pending {
		byTask[p.TaskID] = p
	}
	if p := byTask["live"]; !p.Alive() || p.LeaseHolder != "w1" || p.Consumer != "w1" || p.Type != "code" {
		t.Errorf("live = %+v", p)
	}
	if p := byTask["gone"]; p.Alive() || p.Consumer != "w2" || p.Deliveries != 1 {
		t.Errorf("gone = %+v", p)
	}
}

func TestInspect_NoGroup(t *testing.T) {
	m, _ := newTestManager(t)

	pending, err := m.Inspect(context.Background())
	if err != nil || len(pending) != 0 {
		t.Errorf("Inspect = %+v, %v", pending, err)
	}
}

func TestSchedulePurge(t *testing.T) {
	m, log := newTestManager(t)
	addDeadLetter(t, log, newTask("old", 0, time.Now().UTC().Add(-48*time.Hour)))

	if err := m.SchedulePurge("not a schedule", time.Hour); !errors.IsValidation(err) {
		t.Errorf("invalid schedule error = %v", err)
	}
	if err := m.SchedulePurge("@every 1s", 24*time.Hour); err != nil {
		t.Fatalf("SchedulePurge: %v", err)
	}

	deadline := time.Now().Add(4 * time.Second)
	for {
		n, _ := log.Len(context.Background(), topo.DLQ)
		if n == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("scheduled purge never ran")
		}
		time.Sleep(50 * time.Millisecond)
	}
	m.Close()
}
