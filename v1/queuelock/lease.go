package queuelock

import (
	"context"
	"errors"
	"sync"
	"time"

	uuid "github.com/hashicorp/go-uuid"
)

// ErrInvalidLeaseTTL is returned when a ticket without a positive TTL is
// kept alive.
var ErrInvalidLeaseTTL = errors.New("queuelock: lease ttl must be positive")

// Lease periodically pushes the expiration of a held queue forward so a
// critical section may outlast its ticket TTL. It ends when stopped, when
// its context ends, or when the ticket is no longer the head.
type Lease struct {
	id     string
	key    string
	ticket Ticket

	once sync.Once
	stop chan struct{}
	done chan struct{}

	mu  sync.Mutex
	err error
}

// ID returns the lease identifier.
func (l *Lease) ID() string { return l.id }

// Stop ends renewal and waits for the renewal goroutine to exit.
func (l *Lease) Stop() {
	l.once.Do(func() { close(l.stop) })
	<-l.done
}

// Done is closed once renewal has ended.
func (l *Lease) Done() <-chan struct{} { return l.done }

// Err reports why renewal ended early, if it did.
func (l *Lease) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Keepalive renews the expiration of key's queue every t.TTL/2 while t is
// its head. The first renewal happens before Keepalive returns, so tickets
// enqueued afterwards with a shorter TTL cannot expire the queue under the
// holder. Renewal failures end the lease; inspect Err after Done.
func (c *Coordinator) Keepalive(ctx context.Context, key string, t Ticket) (*Lease, error) {
	if t.TTL <= 0 {
		return nil, ErrInvalidLeaseTTL
	}
	if key == "" {
		return nil, ErrEmptyKey
	}
	id, err := uuid.GenerateUUID()
	if err != nil {
		return nil, err
	}
	if err := c.extend(ctx, key, t); err != nil {
		return nil, err
	}
	l := &Lease{
		id:     id,
		key:    key,
		ticket: t,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	interval := t.TTL / 2
	if interval <= 0 {
		interval = t.TTL
	}
	go c.renew(ctx, l, interval)
	return l, nil
}

func (c *Coordinator) renew(ctx context.Context, l *Lease, interval time.Duration) {
	defer close(l.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := c.extend(ctx, l.key, l.ticket); err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("queuelock: lease renewal failed", "key", l.key, "lease", l.id, "error", err)
			l.mu.Lock()
			l.err = err
			l.mu.Unlock()
			return
		}
	}
}

// extend marks t as kept alive for another TTL and pushes the queue
// expiration to match, if t is the head.
func (c *Coordinator) extend(ctx context.Context, key string, t Ticket) error {
	if err := c.gate.Acquire(ctx, c.defaultTimeout); err != nil {
		return err
	}
	defer c.gate.Release()
	return c.mutate(ctx, key, func(q Queue) (Queue, time.Time, error) {
		head, ok := q.Head()
		if !ok || !head.Is(t) {
			return nil, time.Time{}, ErrNotHolder
		}
		now := c.now()
		q[0].KeptUntil = now.Add(t.TTL)
		tail, _ := q.Tail()
		return q, q.expiresAt(now, tail.TTL), nil
	})
}
