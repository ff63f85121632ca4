package lease

import (
	"context"
	"strings"
	"time"

	"github.com/vinayprograms/agentqueue/errors"
)

// Common errors.
var (
	ErrNotFound   = errors.New(errors.ErrCodeNotFound, "lease not found")
	ErrClosed     = errors.New(errors.ErrCodeInternal, "lease store closed")
	ErrInvalidKey = errors.New(errors.ErrCodeInvalidInput, "invalid lease key")
	ErrInvalidTTL = errors.New(errors.ErrCodeInvalidInput, "lease ttl must be positive")
)

// Store holds expiring leases.
type Store interface {
	// Put writes value under key, replacing any previous lease, and
	// expires it after ttl.
	Put(ctx context.Context, key, value string, ttl time.Duration) error

	// Get returns the value of a live lease.
	// Returns ErrNotFound if the key is absent or expired.
	Get(ctx context.Context, key string) (string, error)

	// Delete removes a lease. Missing keys are not an error.
	Delete(ctx context.Context, key string) error

	// Close releases resources held by the store.
	Close() error
}

// ValidateKey checks if a key is usable.
func ValidateKey(key string) error {
	if key == "" || len(key) > 1024 {
		return ErrInvalidKey
	}
	if strings.ContainsAny(key, " \t\r\n") {
		return ErrInvalidKey
	}
	return nil
}

// ValidateTTL checks that a lease expires.
func ValidateTTL(ttl time.Duration) error {
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	return nil
}
