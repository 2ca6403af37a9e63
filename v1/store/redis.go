package store

import (
	"context"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"
)

var _ Store = (*Redis)(nil)
var _ Updater = (*Redis)(nil)

// defaultMaxRetries bounds optimistic Update attempts.
const defaultMaxRetries = 16

// Redis implements Store and Updater on top of a Redis deployment. Update
// uses WATCH/MULTI so concurrent writers from any process are serialized.
type Redis struct {
	client     redis.UniversalClient
	maxRetries int
	now        func() time.Time
}

// RedisOption configures a Redis store.
type RedisOption func(*Redis)

// WithMaxRetries sets how many times Update retries after losing a WATCH race.
func WithMaxRetries(n int) RedisOption {
	return func(r *Redis) {
		if n > 0 {
			r.maxRetries = n
		}
	}
}

// WithRedisClock overrides the time source used to turn absolute expirations
// into Redis TTLs.
func WithRedisClock(now func() time.Time) RedisOption {
	return func(r *Redis) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRedis returns a Redis store using the provided client.
func NewRedis(client redis.UniversalClient, opts ...RedisOption) *Redis {
	r := &Redis{client: client, maxRetries: defaultMaxRetries, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Get implements Store.Get.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, unavailable("get", key, err)
	}
	return data, true, nil
}

// Set implements Store.Set. A deadline in the past deletes the key.
func (r *Redis) Set(ctx context.Context, key string, value []byte, expiresAt time.Time) error {
	ttl, ok := ttlUntil(expiresAt, r.now())
	if !ok {
		return r.Remove(ctx, key)
	}
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return unavailable("set", key, err)
	}
	return nil
}

// Remove implements Store.Remove.
func (r *Redis) Remove(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return unavailable("remove", key, err)
	}
	return nil
}

// callbackError marks errors produced by an UpdateFunc so they are returned
// unwrapped instead of being reported as store failures.
type callbackError struct{ err error }

func (e callbackError) Error() string { return e.err.Error() }
func (e callbackError) Unwrap() error { return e.err }

// Update implements Updater.Update with optimistic locking. fn may run more
// than once and must not have side effects beyond computing the new value.
func (r *Redis) Update(ctx context.Context, key string, fn UpdateFunc) error {
	txf := func(tx *redis.Tx) error {
		old, err := tx.Get(ctx, key).Bytes()
		found := true
		if errors.Is(err, redis.Nil) {
			old, found = nil, false
		} else if err != nil {
			return err
		}

		value, expiresAt, err := fn(old, found)
		if err != nil {
			return callbackError{err}
		}
		ttl, live := ttlUntil(expiresAt, r.now())

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if value == nil || !live {
				pipe.Del(ctx, key)
				return nil
			}
			pipe.Set(ctx, key, value, ttl)
			return nil
		})
		return err
	}

	for i := 0; i < r.maxRetries; i++ {
		err := r.client.Watch(ctx, txf, key)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		var cbErr callbackError
		if errors.As(err, &cbErr) {
			if errors.Is(cbErr.err, ErrAborted) {
				return nil
			}
			return cbErr.err
		}
		return unavailable("update", key, err)
	}
	return ErrConflict
}
