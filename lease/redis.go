package lease

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vinayprograms/agentqueue/errors"
)

// RedisStore implements Store with plain Redis keys and native expiry.
type RedisStore struct {
	client redis.UniversalClient
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore wraps client. The store does not own the client; Close is
// a no-op so the client can be shared with the stream log.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := ValidateTTL(ttl); err != nil {
		return err
	}
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return errors.WrapWithCode(err, errors.ErrCodeUnavailable, "set "+key)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	v, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	if err != nil {
		return "", errors.WrapWithCode(err, errors.ErrCodeUnavailable, "get "+key)
	}
	return v, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return errors.WrapWithCode(err, errors.ErrCodeUnavailable, "del "+key)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return nil
}

// DefaultStore returns a RedisStore sharing the client of src when src
// exposes one (streams.RedisLog does), otherwise an in-memory store.
func DefaultStore(src any) Store {
	if p, ok := src.(interface{ Client() redis.UniversalClient }); ok {
		return NewRedisStore(p.Client())
	}
	return NewMemoryStore(0)
}
