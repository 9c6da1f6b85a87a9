// Package store provides the thin key/value + time-ordered-list abstraction
// that holds per-service rolling state and recent event windows. Everything in
// it is reconstructible; the durable history lives elsewhere.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound signals that a key was not present.
var ErrNotFound = errors.New("store: key not found")

// Store is the minimal surface the pipeline components need. Implementations
// must be safe for concurrent use; per-key operations may run in parallel.
type Store interface {
	// Get fetches bytes by key, returning ErrNotFound when the key is absent.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores bytes with the provided TTL (0 = no expiry).
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX stores the value only if the key does not exist. Reports whether
	// the value was written.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// Del removes a key.
	Del(ctx context.Context, key string) error

	// PushRecent prepends value to the list at key, trimming it to max entries
	// and refreshing the list TTL.
	PushRecent(ctx context.Context, key string, value []byte, max int, ttl time.Duration) error
	// Recent returns up to limit newest-first entries from the list at key.
	Recent(ctx context.Context, key string, limit int) ([][]byte, error)

	// AddTimed inserts member into the time-ordered set at key, scored by at.
	// Entries older than retention are pruned on insert and the set expires
	// once no insert refreshes it; retention <= 0 keeps everything.
	AddTimed(ctx context.Context, key string, member []byte, at time.Time, retention time.Duration) error
	// TimedRange returns members scored within [from, to], oldest first.
	TimedRange(ctx context.Context, key string, from, to time.Time) ([][]byte, error)

	Close() error
}
