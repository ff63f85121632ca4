package lease

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/vinayprograms/agentqueue/errors"
)

// NATSStore implements Store using a NATS JetStream KV bucket.
type NATSStore struct {
	conn   *nats.Conn
	kv     jetstream.KeyValue
	config NATSStoreConfig
	closed atomic.Bool
	now    func() time.Time
}

var _ Store = (*NATSStore)(nil)

// NATSStoreConfig holds NATS KV store configuration.
type NATSStoreConfig struct {
	// Conn is the NATS connection to use.
	Conn *nats.Conn

	// Bucket is the KV bucket name.
	Bucket string

	// MaxTTL bounds how long any record stays in the bucket, as a backstop
	// for leases nobody reads after they expire. Zero keeps records until
	// they are deleted or overwritten.
	MaxTTL time.Duration

	// OpTimeout bounds each KV call when ctx has no deadline.
	// Default: 5s
	OpTimeout time.Duration
}

// DefaultNATSStoreConfig returns configuration with sensible defaults.
func DefaultNATSStoreConfig() NATSStoreConfig {
	return NATSStoreConfig{
		Bucket:    "agentqueue-leases",
		MaxTTL:    24 * time.Hour,
		OpTimeout: 5 * time.Second,
	}
}

// leaseRecord is the stored value. KV TTL is per bucket, so the per-lease
// expiry travels with the value.
type leaseRecord struct {
	Value   string    `json:"value"`
	Expires time.Time `json:"expires"`
}

// NewNATSStore creates or binds the KV bucket.
func NewNATSStore(cfg NATSStoreConfig) (*NATSStore, error) {
	if cfg.Conn == nil {
		return nil, fmt.Errorf("nats connection required")
	}
	def := DefaultNATSStoreConfig()
	if cfg.Bucket == "" {
		cfg.Bucket = def.Bucket
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = def.OpTimeout
	}

	js, err := jetstream.New(cfg.Conn)
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:  cfg.Bucket,
		TTL:     cfg.MaxTTL,
		History: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("create kv bucket: %w", err)
	}

	return &NATSStore{
		conn:   cfg.Conn,
		kv:     kv,
		config: cfg,
		now:    time.Now,
	}, nil
}

func (s *NATSStore) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.config.OpTimeout)
}

func (s *NATSStore) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := ValidateTTL(ttl); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}

	data, err := encodeRecord(leaseRecord{Value: value, Expires: s.now().Add(ttl)})
	if err != nil {
		return err
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()
	if _, err := s.kv.Put(ctx, natsKey(key), data); err != nil {
		return errors.WrapWithCode(err, errors.ErrCodeUnavailable, "kv put")
	}
	return nil
}

func (s *NATSStore) Get(ctx context.Context, key string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	if s.closed.Load() {
		return "", ErrClosed
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	entry, err := s.kv.Get(ctx, natsKey(key))
	if err == jetstream.ErrKeyNotFound {
		return "", ErrNotFound
	}
	if err != nil {
		return "", errors.WrapWithCode(err, errors.ErrCodeUnavailable, "kv get")
	}

	rec, err := decodeRecord(entry.Value())
	if err != nil {
		return "", err
	}
	if s.now().After(rec.Expires) {
		return "", ErrNotFound
	}
	return rec.Value, nil
}

func (s *NATSStore) Delete(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	err := s.kv.Delete(ctx, natsKey(key))
	if err != nil && err != jetstream.ErrKeyNotFound {
		return errors.WrapWithCode(err, errors.ErrCodeUnavailable, "kv delete")
	}
	return nil
}

// Close marks the store closed. The connection belongs to the caller.
func (s *NATSStore) Close() error {
	s.closed.Store(true)
	return nil
}

func encodeRecord(rec leaseRecord) ([]byte, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, errors.Wrap(err, "encode lease")
	}
	return data, nil
}

func decodeRecord(data []byte) (leaseRecord, error) {
	var rec leaseRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return leaseRecord{}, errors.WrapWithCode(err, errors.ErrCodeCorruption, "decode lease")
	}
	return rec, nil
}

// natsKey maps a lease key onto the KV key alphabet. Colon separators
// become dots; anything else outside [-/_=.A-Za-z0-9] becomes an underscore.
func natsKey(key string) string {
	var b strings.Builder
	b.Grow(len(key))
	for _, r := range key {
		switch {
		case r == ':':
			b.WriteByte('.')
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '/', r == '_', r == '=', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return strings.Trim(b.String(), ".")
}
