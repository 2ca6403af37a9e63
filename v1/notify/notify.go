// Package notify delivers best-effort release hints between coordinators.
// A hint only tells a waiter to poll the queue now instead of at its next
// interval; losing one never affects correctness.
package notify

import (
	"context"
	"sync"
	"sync/atomic"
)

// Notifier publishes and subscribes to release hints keyed by channel name.
type Notifier interface {
	Publish(ctx context.Context, key string) error
	Subscribe(ctx context.Context, key string) (chan struct{}, error)
	Unsubscribe(ctx context.Context, key string, ch chan struct{}) error
}

// Metrics reports hint traffic.
type Metrics struct {
	Published uint64
	Delivered uint64
}

// fanout keeps the local subscriber channels of each key. Sends never block:
// each channel buffers a single pending hint.
type fanout struct {
	mu        sync.Mutex
	subs      map[string][]subscriber
	delivered atomic.Uint64
}

type subscriber struct {
	ch   chan struct{}
	stop chan struct{}
}

func newFanout() *fanout {
	return &fanout{subs: make(map[string][]subscriber)}
}

// add registers a new subscriber and reports whether it is the first for key.
func (f *fanout) add(key string) (subscriber, bool) {
	s := subscriber{ch: make(chan struct{}, 1), stop: make(chan struct{})}
	f.mu.Lock()
	first := len(f.subs[key]) == 0
	f.subs[key] = append(f.subs[key], s)
	f.mu.Unlock()
	return s, first
}

// remove closes ch and reports whether key has no subscribers left. Removing
// an unknown channel is a no-op.
func (f *fanout) remove(key string, ch chan struct{}) (last bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	subs, ok := f.subs[key]
	if !ok {
		return false
	}
	found := false
	for i, s := range subs {
		if s.ch == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			close(s.ch)
			close(s.stop)
			found = true
			break
		}
	}
	if !found {
		return false
	}
	if len(subs) == 0 {
		delete(f.subs, key)
		return true
	}
	f.subs[key] = subs
	return false
}

// watch unsubscribes s once ctx is done, unless it was removed earlier.
func (f *fanout) watch(ctx context.Context, key string, s subscriber, unsubscribe func(context.Context, string, chan struct{}) error) {
	go func() {
		select {
		case <-ctx.Done():
			_ = unsubscribe(context.Background(), key, s.ch)
		case <-s.stop:
		}
	}()
}

func (f *fanout) deliver(key string) {
	f.mu.Lock()
	// sends happen under the lock so remove cannot close a channel mid-send
	for _, s := range f.subs[key] {
		select {
		case s.ch <- struct{}{}:
			f.delivered.Add(1)
		default:
		}
	}
	f.mu.Unlock()
}

// close drops every subscriber.
func (f *fanout) close() {
	f.mu.Lock()
	for key, subs := range f.subs {
		for _, s := range subs {
			close(s.ch)
			close(s.stop)
		}
		delete(f.subs, key)
	}
	f.mu.Unlock()
}

// InMemory is a process-local Notifier.
type InMemory struct {
	f         *fanout
	published atomic.Uint64
}

// NewInMemory returns a new InMemory notifier.
func NewInMemory() *InMemory {
	return &InMemory{f: newFanout()}
}

// Publish implements Notifier.Publish.
func (n *InMemory) Publish(ctx context.Context, key string) error {
	n.published.Add(1)
	n.f.deliver(key)
	return nil
}

// Subscribe implements Notifier.Subscribe. The subscription ends when ctx
// is done or Unsubscribe is called.
func (n *InMemory) Subscribe(ctx context.Context, key string) (chan struct{}, error) {
	s, _ := n.f.add(key)
	n.f.watch(ctx, key, s, n.Unsubscribe)
	return s.ch, nil
}

// Unsubscribe implements Notifier.Unsubscribe.
func (n *InMemory) Unsubscribe(ctx context.Context, key string, ch chan struct{}) error {
	n.f.remove(key, ch)
	return nil
}

// Metrics returns the published and delivered counts.
func (n *InMemory) Metrics() Metrics {
	return Metrics{
		Published: n.published.Load(),
		Delivered: n.f.delivered.Load(),
	}
}
