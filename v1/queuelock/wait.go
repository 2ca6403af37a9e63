package queuelock

import (
	"context"
	"fmt"
	"time"

	"github.com/mirkobrombin/go-queuelock/v1/metrics"
)

// wait polls the queue of key until predecessor is gone. Only the immediate
// predecessor is watched: with strict head-first dequeues its absence means
// own is now the head.
func (c *Coordinator) wait(ctx context.Context, key string, own, predecessor Ticket) error {
	metrics.WaitingGauge.Inc()
	defer metrics.WaitingGauge.Dec()

	// a release landing before this subscription is only seen at the next poll
	var hints chan struct{}
	if c.notifier != nil {
		ch, err := c.notifier.Subscribe(ctx, c.channel(key))
		if err != nil {
			c.logger.Warn("queuelock: release hints unavailable, polling only", "key", key, "error", err)
		} else {
			hints = ch
			defer func() {
				_ = c.notifier.Unsubscribe(context.Background(), c.channel(key), ch)
			}()
		}
	}

	deadline := own.Deadline()
	timer := time.NewTimer(c.pollInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
		case <-timer.C:
		case _, ok := <-hints:
			if !ok {
				hints = nil
			}
		}

		q, err := c.load(ctx, key)
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
			}
			return err
		}
		if !q.Contains(own) {
			c.logger.Warn("queuelock: ticket vanished while waiting, queue expired", "key", key, "ticket", own.ID)
			return fmt.Errorf("%w: ticket %d no longer queued", ErrTicketExpired, own.ID)
		}
		if !q.Contains(predecessor) {
			return nil
		}
		if !c.now().Before(deadline) {
			return fmt.Errorf("%w: ticket %d waited %s", ErrTicketExpired, own.ID, own.TTL)
		}
		timer.Reset(c.pollInterval)
	}
}
