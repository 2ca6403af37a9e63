// Package presets assembles coordinators for common deployments.
package presets

import (
	"errors"

	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-queuelock/v1/notify"
	"github.com/mirkobrombin/go-queuelock/v1/queuelock"
	"github.com/mirkobrombin/go-queuelock/v1/store"
)

// RedisOptions configures the connection to Redis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// Closer releases the resources a preset created.
type Closer func() error

// NewRedis returns a coordinator whose queues live in Redis. Coordinators in
// different processes pointed at the same Redis share FIFO order.
func NewRedis(opts RedisOptions, extra ...queuelock.Option) (*queuelock.Coordinator, Closer) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	c := queuelock.New(store.NewRedis(client), nil, extra...)
	return c, client.Close
}

// NewRedisNotified is NewRedis plus release hints over Redis pub/sub, so
// waiters react to a release without waiting for their next poll.
func NewRedisNotified(opts RedisOptions, extra ...queuelock.Option) (*queuelock.Coordinator, Closer) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	hints := notify.NewRedis(client)
	all := append([]queuelock.Option{queuelock.WithNotifier(hints)}, extra...)
	c := queuelock.New(store.NewRedis(client), nil, all...)
	return c, func() error {
		return errors.Join(hints.Close(), client.Close())
	}
}

// NewInMemoryStandalone returns a coordinator with no external dependencies.
// Only coordinators sharing the returned store and gate see each other.
func NewInMemoryStandalone(extra ...queuelock.Option) (*queuelock.Coordinator, Closer) {
	s := store.NewInMemory()
	c := queuelock.New(s, nil, extra...)
	return c, func() error {
		s.Close()
		return nil
	}
}
