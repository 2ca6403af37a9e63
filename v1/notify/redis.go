package notify

import (
	"context"
	"sync"
	"sync/atomic"

	redis "github.com/redis/go-redis/v9"

	qerrors "github.com/mirkobrombin/go-queuelock/v1/errors"
)

// Redis implements Notifier using Redis pub/sub. One PUBLISH/SUBSCRIBE
// channel is used per key, shared by all local subscribers of that key.
type Redis struct {
	client redis.UniversalClient
	f      *fanout

	mu        sync.Mutex
	pubsubs   map[string]*redis.PubSub
	closed    bool
	published atomic.Uint64
}

// NewRedis returns a Redis notifier using the provided client.
func NewRedis(client redis.UniversalClient) *Redis {
	return &Redis{client: client, f: newFanout(), pubsubs: make(map[string]*redis.PubSub)}
}

// Publish implements Notifier.Publish.
func (n *Redis) Publish(ctx context.Context, key string) error {
	if err := n.client.Publish(ctx, key, "1").Err(); err != nil {
		return err
	}
	n.published.Add(1)
	return nil
}

// Subscribe implements Notifier.Subscribe. It returns once Redis confirmed
// the subscription, so hints published afterwards are not missed.
func (n *Redis) Subscribe(ctx context.Context, key string) (chan struct{}, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil, qerrors.ErrClosed
	}
	if _, ok := n.pubsubs[key]; !ok {
		ps := n.client.Subscribe(ctx, key)
		if _, err := ps.Receive(ctx); err != nil {
			_ = ps.Close()
			return nil, err
		}
		n.pubsubs[key] = ps
		go n.dispatch(key, ps)
	}
	s, _ := n.f.add(key)
	n.f.watch(ctx, key, s, n.Unsubscribe)
	return s.ch, nil
}

func (n *Redis) dispatch(key string, ps *redis.PubSub) {
	for range ps.Channel() {
		n.f.deliver(key)
	}
}

// Unsubscribe implements Notifier.Unsubscribe.
func (n *Redis) Unsubscribe(ctx context.Context, key string, ch chan struct{}) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.f.remove(key, ch) {
		return nil
	}
	ps, ok := n.pubsubs[key]
	if !ok {
		return nil
	}
	delete(n.pubsubs, key)
	return ps.Close()
}

// Close stops every subscription. The notifier cannot be reused.
func (n *Redis) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = true
	var firstErr error
	for key, ps := range n.pubsubs {
		if err := ps.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(n.pubsubs, key)
	}
	n.f.close()
	return firstErr
}

// Metrics returns the published and delivered counts.
func (n *Redis) Metrics() Metrics {
	return Metrics{
		Published: n.published.Load(),
		Delivered: n.f.delivered.Load(),
	}
}
