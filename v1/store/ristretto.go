package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
)

var _ Store = (*Ristretto)(nil)
var _ Updater = (*Ristretto)(nil)

// Ristretto implements Store using dgraph-io/ristretto. It is process local,
// so it only coordinates coordinators living in the same process.
//
// Ristretto may refuse to admit a value; Set reports that as ErrRejected
// instead of dropping a queue silently.
type Ristretto struct {
	mu  sync.Mutex
	c   *ristretto.Cache
	now func() time.Time
}

// RistrettoOption configures the underlying ristretto cache.
type RistrettoOption func(*ristretto.Config)

// WithRistretto applies a custom ristretto configuration.
//
// If cfg is nil, defaults are used.
func WithRistretto(cfg *ristretto.Config) RistrettoOption {
	return func(c *ristretto.Config) {
		if cfg == nil {
			return
		}
		*c = *cfg
	}
}

// NewRistretto returns a Store backed by ristretto.
func NewRistretto(opts ...RistrettoOption) (*Ristretto, error) {
	cfg := &ristretto.Config{
		NumCounters: 1e4,     // number of keys to track frequency of (10k).
		MaxCost:     1 << 22, // maximum cost of cache (4MB).
		BufferItems: 64,      // number of keys per Get buffer.
	}
	for _, opt := range opts {
		opt(cfg)
	}
	rc, err := ristretto.NewCache(cfg)
	if err != nil {
		return nil, err
	}
	return &Ristretto{c: rc, now: time.Now}, nil
}

// Get implements Store.Get.
func (r *Ristretto) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	return r.get(key)
}

func (r *Ristretto) get(key string) ([]byte, bool, error) {
	v, ok := r.c.Get(key)
	if !ok {
		return nil, false, nil
	}
	data, _ := v.([]byte)
	return append([]byte(nil), data...), true, nil
}

// Set implements Store.Set.
func (r *Ristretto) Set(ctx context.Context, key string, value []byte, expiresAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.set(key, value, expiresAt)
}

func (r *Ristretto) set(key string, value []byte, expiresAt time.Time) error {
	ttl, ok := ttlUntil(expiresAt, r.now())
	if !ok {
		r.del(key)
		return nil
	}
	data := append([]byte(nil), value...)
	if !r.c.SetWithTTL(key, data, int64(len(data)), ttl) {
		return ErrRejected
	}
	r.c.Wait()
	if _, ok := r.c.Get(key); !ok {
		return ErrRejected
	}
	return nil
}

func (r *Ristretto) del(key string) {
	r.c.Del(key)
	r.c.Wait()
}

// Remove implements Store.Remove.
func (r *Ristretto) Remove(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	r.del(key)
	r.mu.Unlock()
	return nil
}

// Update implements Updater.Update. Writers in this process are serialized
// by a mutex, which is sufficient because ristretto is never shared.
func (r *Ristretto) Update(ctx context.Context, key string, fn UpdateFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	old, found, err := r.get(key)
	if err != nil {
		return err
	}
	value, expiresAt, err := fn(old, found)
	if errors.Is(err, ErrAborted) {
		return nil
	}
	if err != nil {
		return err
	}
	if value == nil {
		r.del(key)
		return nil
	}
	return r.set(key, value, expiresAt)
}

// Close releases resources held by the store.
func (r *Ristretto) Close() {
	r.c.Close()
}
