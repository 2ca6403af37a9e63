package notify

import (
	"context"
	"sync"
	"time"

	qerrors "github.com/mirkobrombin/go-queuelock/v1/errors"
)

var _ Notifier = (*Breaker)(nil)

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// Breaker stops calling a failing notifier for a cooldown period. While open,
// Publish and Subscribe fail fast with ErrCircuitOpen and waiters fall back to
// polling. After the cooldown a single call probes the backend.
type Breaker struct {
	next      Notifier
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	mu       sync.Mutex
	state    breakerState
	failures int
	lastFail time.Time
}

// NewBreaker wraps next. The breaker opens after threshold consecutive
// failures and stays open for cooldown.
func NewBreaker(next Notifier, threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 1
	}
	return &Breaker{next: next, threshold: threshold, cooldown: cooldown, now: time.Now}
}

// Healthy reports whether calls currently reach the wrapped notifier.
func (b *Breaker) Healthy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state != breakerOpen || b.now().Sub(b.lastFail) > b.cooldown
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case breakerClosed:
		return true
	case breakerOpen:
		if b.now().Sub(b.lastFail) > b.cooldown {
			b.state = breakerHalfOpen
			return true
		}
	}
	// half open: a probe is already in flight
	return false
}

func (b *Breaker) record(err error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		b.state = breakerClosed
		b.failures = 0
		return nil
	}
	b.lastFail = b.now()
	b.failures++
	if b.state == breakerHalfOpen || b.failures >= b.threshold {
		b.state = breakerOpen
	}
	return err
}

// Publish implements Notifier.Publish.
func (b *Breaker) Publish(ctx context.Context, key string) error {
	if !b.allow() {
		return qerrors.ErrCircuitOpen
	}
	return b.record(b.next.Publish(ctx, key))
}

// Subscribe implements Notifier.Subscribe.
func (b *Breaker) Subscribe(ctx context.Context, key string) (chan struct{}, error) {
	if !b.allow() {
		return nil, qerrors.ErrCircuitOpen
	}
	ch, err := b.next.Subscribe(ctx, key)
	return ch, b.record(err)
}

// Unsubscribe implements Notifier.Unsubscribe. It always reaches the wrapped
// notifier so local subscriptions are released.
func (b *Breaker) Unsubscribe(ctx context.Context, key string, ch chan struct{}) error {
	return b.next.Unsubscribe(ctx, key, ch)
}
