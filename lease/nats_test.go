//go:build integration

package lease

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
)

func getNATSURL() string {
	if url := os.Getenv("NATS_URL"); url != "" {
		return url
	}
	return nats.DefaultURL
}

func newTestNATSStore(t *testing.T, bucket string) *NATSStore {
	conn, err := nats.Connect(getNATSURL())
	if err != nil {
		t.Skipf("NATS not available: %v", err)
	}

	store, err := NewNATSStore(NATSStoreConfig{Conn: conn, Bucket: bucket})
	if err != nil {
		conn.Close()
		t.Fatalf("NewNATSStore failed: %v", err)
	}

	t.Cleanup(func() {
		store.Close()
		conn.Close()
	})
	return store
}

func TestNATSStore_PutGetDelete(t *testing.T) {
	s := newTestNATSStore(t, "test-lease-putget")
	ctx := context.Background()

	if err := s.Put(ctx, "agent:heartbeat:t1", "worker-1", time.Minute); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := s.Get(ctx, "agent:heartbeat:t1")
	if err != nil || got != "worker-1" {
		t.Fatalf("Get = %q, %v", got, err)
	}

	if err := s.Delete(ctx, "agent:heartbeat:t1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, "agent:heartbeat:t1"); err != ErrNotFound {
		t.Errorf("Get after delete = %v", err)
	}
}

func TestNATSStore_Expiry(t *testing.T) {
	s := newTestNATSStore(t, "test-lease-expiry")
	ctx := context.Background()

	s.Put(ctx, "k", "v", 50*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	if _, err := s.Get(ctx, "k"); err != ErrNotFound {
		t.Errorf("Get(expired) = %v, want ErrNotFound", err)
	}
}
