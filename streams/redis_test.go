package streams

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/vinayprograms/agentqueue/errors"
)

func newTestLog(t *testing.T) (*RedisLog, *miniredis.Miniredis) {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(s.Close)
	log := NewRedisLog(redis.NewClient(&redis.Options{Addr: s.Addr()}))
	t.Cleanup(func() { log.Close() })
	return log, s
}

func TestRedisLog_AppendAndRange(t *testing.T) {
	log, _ := newTestLog(t)
	ctx := context.Background()

	var ids []string
	for _, v := range []string{"a", "b", "c"} {
		id, err := log.Append(ctx, "s", map[string]string{"v": v})
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		ids = append(ids, id)
	}

	entries, err := log.Range(ctx, "s", "-", "+", 0)
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	if len(entries) != 3 || entries[0].Fields["v"] != "a" || entries[2].ID != ids[2] {
		t.Errorf("Range = %+v", entries)
	}

	rev, err := log.RevRange(ctx, "s", "+", "-", 2)
	if err != nil {
		t.Fatalf("RevRange: %v", err)
	}
	if len(rev) != 2 || rev[0].Fields["v"] != "c" || rev[1].Fields["v"] != "b" {
		t.Errorf("RevRange = %+v", rev)
	}

	n, err := log.Len(ctx, "s")
	if err != nil || n != 3 {
		t.Errorf("Len = %d, %v", n, err)
	}
}

func TestRedisLog_LenMissingStream(t *testing.T) {
	log, _ := newTestLog(t)
	n, err := log.Len(context.Background(), "nope")
	if err != nil || n != 0 {
		t.Errorf("Len(missing) = %d, %v", n, err)
	}
}

func TestRedisLog_EnsureGroupIdempotent(t *testing.T) {
	log, _ := newTestLog(t)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := log.EnsureGroup(ctx, "s", "g"); err != nil {
			t.Fatalf("EnsureGroup #%d: %v", i+1, err)
		}
	}
}

func TestRedisLog_ClaimAckDelete(t *testing.T) {
	log, _ := newTestLog(t)
	ctx := context.Background()
	if err := log.EnsureGroup(ctx, "s", "g"); err != nil {
		t.Fatal(err)
	}

	got, err := log.Claim(ctx, "s", "g", "c1", 1, 0)
	if err != nil || len(got) != 0 {
		t.Fatalf("Claim(empty) = %v, %v", got, err)
	}

	id, _ := log.Append(ctx, "s", map[string]string{"k": "v"})
	got, err = log.Claim(ctx, "s", "g", "c1", 1, 0)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if len(got) != 1 || got[0].ID != id || got[0].Fields["k"] != "v" {
		t.Fatalf("Claim = %+v", got)
	}

	// Already delivered to c1; nothing new for c2.
	if again, _ := log.Claim(ctx, "s", "g", "c2", 1, 0); len(again) != 0 {
		t.Errorf("entry delivered twice: %+v", again)
	}

	sum, err := log.PendingSummary(ctx, "s", "g", 10)
	if err != nil {
		t.Fatalf("PendingSummary: %v", err)
	}
	if sum.Count != 1 || len(sum.Entries) != 1 || sum.Entries[0].Consumer != "c1" {
		t.Errorf("PendingSummary = %+v", sum)
	}

	if err := log.Ack(ctx, "s", "g", id); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if err := log.Delete(ctx, "s", id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	sum, _ = log.PendingSummary(ctx, "s", "g", 10)
	if sum.Count != 0 {
		t.Errorf("pending after ack = %d", sum.Count)
	}
	if n, _ := log.Len(ctx, "s"); n != 0 {
		t.Errorf("Len after delete = %d", n)
	}
}

func TestRedisLog_ClaimBlockTimesOut(t *testing.T) {
	log, _ := newTestLog(t)
	ctx := context.Background()
	log.EnsureGroup(ctx, "s", "g")

	start := time.Now()
	got, err := log.Claim(ctx, "s", "g", "c1", 1, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Claim = %+v, want empty", got)
	}
	if time.Since(start) < 40*time.Millisecond {
		t.Error("Claim returned before the block elapsed")
	}
}

func TestRedisLog_PendingSummaryMissingGroup(t *testing.T) {
	log, _ := newTestLog(t)
	ctx := context.Background()
	log.Append(ctx, "s", map[string]string{"k": "v"})

	_, err := log.PendingSummary(ctx, "s", "nogroup", 10)
	if !errors.IsNotFound(err) {
		t.Errorf("PendingSummary(missing group) error = %v, want NOT_FOUND", err)
	}
}

func TestRedisLog_ForceReassign(t *testing.T) {
	log, _ := newTestLog(t)
	ctx := context.Background()
	log.EnsureGroup(ctx, "s", "g")
	id, _ := log.Append(ctx, "s", map[string]string{"k": "v"})
	if _, err := log.Claim(ctx, "s", "g", "crashed", 1, 0); err != nil {
		t.Fatal(err)
	}

	// Too fresh for a one-hour threshold.
	got, err := log.ForceReassign(ctx, "s", "g", "reclaimer", time.Hour, id)
	if err != nil {
		t.Fatalf("ForceReassign: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("fresh entry reassigned: %+v", got)
	}

	time.Sleep(30 * time.Millisecond)
	got, err = log.ForceReassign(ctx, "s", "g", "reclaimer", 10*time.Millisecond, id)
	if err != nil {
		t.Fatalf("ForceReassign: %v", err)
	}
	if len(got) != 1 || got[0].Fields["k"] != "v" {
		t.Fatalf("ForceReassign = %+v", got)
	}

	sum, _ := log.PendingSummary(ctx, "s", "g", 10)
	if len(sum.Entries) != 1 || sum.Entries[0].Consumer != "reclaimer" {
		t.Errorf("owner after reassign = %+v", sum.Entries)
	}
}

func TestRedisLog_BatchIsApplied(t *testing.T) {
	log, _ := newTestLog(t)
	ctx := context.Background()
	log.EnsureGroup(ctx, "tasks", "g")
	id, _ := log.Append(ctx, "tasks", map[string]string{"id": "t1"})
	log.Claim(ctx, "tasks", "g", "c1", 1, 0)

	b := log.Batch()
	b.Append("results", map[string]string{"taskId": "t1"})
	b.Ack("tasks", "g", id)
	b.Delete("tasks", id)
	if b.Len() != 3 {
		t.Errorf("Len() = %d", b.Len())
	}
	if err := b.Exec(ctx); err != nil {
		t.Fatalf("Exec: %v", err)
	}

	if n, _ := log.Len(ctx, "results"); n != 1 {
		t.Errorf("results len = %d", n)
	}
	if n, _ := log.Len(ctx, "tasks"); n != 0 {
		t.Errorf("tasks len = %d", n)
	}
	sum, _ := log.PendingSummary(ctx, "tasks", "g", 10)
	if sum.Count != 0 {
		t.Errorf("pending = %d", sum.Count)
	}
}

func TestRedisLog_EmptyBatch(t *testing.T) {
	log, _ := newTestLog(t)
	if err := log.Batch().Exec(context.Background()); err != nil {
		t.Errorf("empty Exec: %v", err)
	}
}

func TestRedisLog_Trim(t *testing.T) {
	log, _ := newTestLog(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		log.Append(ctx, "s", map[string]string{"i": "x"})
	}
	if err := log.Trim(ctx, "s", 0); err != nil {
		t.Fatalf("Trim: %v", err)
	}
	if n, _ := log.Len(ctx, "s"); n != 0 {
		t.Errorf("Len after trim = %d", n)
	}
}

func TestRedisLog_Tail(t *testing.T) {
	log, _ := newTestLog(t)
	ctx := context.Background()
	first, _ := log.Append(ctx, "s", map[string]string{"n": "1"})
	log.Append(ctx, "s", map[string]string{"n": "2"})
	log.Append(ctx, "other", map[string]string{"n": "3"})

	got, err := log.Tail(ctx, []Cursor{{Stream: "s", LastID: first}, {Stream: "other", LastID: "0"}}, 10, 0)
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Tail = %+v", got)
	}
	byStream := map[string]string{}
	for _, e := range got {
		byStream[e.Stream] = e.Fields["n"]
	}
	if byStream["s"] != "2" || byStream["other"] != "3" {
		t.Errorf("Tail = %+v", got)
	}

	// Nothing after the end.
	got, err = log.Tail(ctx, []Cursor{{Stream: "s", LastID: "$"}}, 10, 20*time.Millisecond)
	if err != nil || len(got) != 0 {
		t.Errorf("Tail($) = %+v, %v", got, err)
	}
}

func TestRedisLog_Unavailable(t *testing.T) {
	log, s := newTestLog(t)
	s.Close()

	_, err := log.Append(context.Background(), "s", map[string]string{"k": "v"})
	if !errors.IsTransient(err) {
		t.Errorf("error = %v, want transient UNAVAILABLE", err)
	}
}

func TestDial(t *testing.T) {
	s, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	log, err := Dial("redis://" + s.Addr() + "/0")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer log.Close()
	if err := log.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}

	if _, err := Dial("not a url"); !errors.IsValidation(err) {
		t.Errorf("Dial(bad) error = %v", err)
	}
}

func TestTopology(t *testing.T) {
	topo := DefaultTopology()
	if err := topo.Validate(); err != nil {
		t.Fatalf("default topology invalid: %v", err)
	}
	if got := topo.HeartbeatKey("t1"); got != "agent:heartbeat:t1" {
		t.Errorf("HeartbeatKey = %q", got)
	}

	topo.DLQ = topo.Tasks
	if err := topo.Validate(); err == nil {
		t.Error("expected error for shared stream names")
	}
	topo = DefaultTopology()
	topo.Group = ""
	if err := topo.Validate(); err == nil {
		t.Error("expected error for empty group")
	}
}
