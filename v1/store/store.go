package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	qerrors "github.com/mirkobrombin/go-queuelock/v1/errors"
)

// Store is the shared key-value capability used by the coordinator.
type Store interface {
	// Get returns the value for key. The boolean reports whether the key
	// exists. A missing key is not an error.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set stores value under key until expiresAt. A zero expiresAt means the
	// value does not expire.
	Set(ctx context.Context, key string, value []byte, expiresAt time.Time) error
	// Remove deletes key. Removing a missing key is a no-op.
	Remove(ctx context.Context, key string) error
}

// UpdateFunc computes the new value of a key from its current value.
// Returning a nil value removes the key. Returning ErrAborted leaves the key
// untouched and makes Update return nil.
type UpdateFunc func(old []byte, found bool) (value []byte, expiresAt time.Time, err error)

// Updater is implemented by stores that can perform a read-modify-write on a
// single key atomically with respect to every other client of the store.
type Updater interface {
	Update(ctx context.Context, key string, fn UpdateFunc) error
}

var (
	// ErrAborted can be returned by an UpdateFunc to skip the write.
	ErrAborted = errors.New("store: update aborted")
	// ErrConflict is returned when an optimistic update keeps losing races.
	ErrConflict = errors.New("store: too many concurrent updates")
	// ErrRejected is returned when a backend refuses to admit a value.
	ErrRejected = errors.New("store: value rejected")
)

// unavailable wraps a backend failure so callers can match
// errors.ErrStoreUnavailable while keeping the cause.
func unavailable(op, key string, err error) error {
	return fmt.Errorf("%w: %s %q: %w", qerrors.ErrStoreUnavailable, op, key, err)
}

// ttlUntil converts an absolute expiration to a relative TTL. ok is false if
// the deadline already passed.
func ttlUntil(expiresAt, now time.Time) (ttl time.Duration, ok bool) {
	if expiresAt.IsZero() {
		return 0, true
	}
	ttl = expiresAt.Sub(now)
	return ttl, ttl > 0
}
