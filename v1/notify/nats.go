package notify

import (
	"context"
	"sync"
	"sync/atomic"

	nats "github.com/nats-io/nats.go"

	qerrors "github.com/mirkobrombin/go-queuelock/v1/errors"
)

// NATS implements Notifier using a NATS connection. Keys are used as
// subjects, so they must be valid NATS subject tokens.
type NATS struct {
	conn *nats.Conn
	f    *fanout

	mu        sync.Mutex
	subs      map[string]*nats.Subscription
	closed    bool
	published atomic.Uint64
}

// NewNATS returns a new NATS notifier using the provided connection.
func NewNATS(conn *nats.Conn) *NATS {
	return &NATS{conn: conn, f: newFanout(), subs: make(map[string]*nats.Subscription)}
}

// Publish implements Notifier.Publish.
func (n *NATS) Publish(ctx context.Context, key string) error {
	if err := n.conn.Publish(key, []byte("1")); err != nil {
		return err
	}
	n.published.Add(1)
	return nil
}

// Subscribe implements Notifier.Subscribe.
func (n *NATS) Subscribe(ctx context.Context, key string) (chan struct{}, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil, qerrors.ErrClosed
	}
	if _, ok := n.subs[key]; !ok {
		sub, err := n.conn.Subscribe(key, func(*nats.Msg) {
			n.f.deliver(key)
		})
		if err != nil {
			return nil, err
		}
		// make sure the server registered the interest before returning
		if err := n.conn.Flush(); err != nil {
			_ = sub.Unsubscribe()
			return nil, err
		}
		n.subs[key] = sub
	}
	s, _ := n.f.add(key)
	n.f.watch(ctx, key, s, n.Unsubscribe)
	return s.ch, nil
}

// Unsubscribe implements Notifier.Unsubscribe.
func (n *NATS) Unsubscribe(ctx context.Context, key string, ch chan struct{}) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.f.remove(key, ch) {
		return nil
	}
	sub, ok := n.subs[key]
	if !ok {
		return nil
	}
	delete(n.subs, key)
	return sub.Unsubscribe()
}

// Close drops every subscription. The connection itself is left open.
func (n *NATS) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = true
	var firstErr error
	for key, sub := range n.subs {
		if err := sub.Unsubscribe(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(n.subs, key)
	}
	n.f.close()
	return firstErr
}

// Metrics returns the published and delivered counts.
func (n *NATS) Metrics() Metrics {
	return Metrics{
		Published: n.published.Load(),
		Delivered: n.f.delivered.Load(),
	}
}
