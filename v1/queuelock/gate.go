package queuelock

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"
)

// Gate serializes the read-modify-write of queue blobs inside one process.
// It is a single capacity-1 semaphore shared by all keys: pass the same Gate
// to every coordinator that talks to the same store.
type Gate struct {
	sem *semaphore.Weighted
}

// NewGate returns an unlocked Gate.
func NewGate() *Gate {
	return &Gate{sem: semaphore.NewWeighted(1)}
}

// Acquire takes the gate, waiting at most timeout. It fails with
// ErrGateTimeout when the bound elapses and ErrCancelled when ctx ends first.
func (g *Gate) Acquire(ctx context.Context, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrCancelled, err)
	}
	if g.sem.TryAcquire(1) {
		return nil
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := g.sem.Acquire(actx, 1); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
		}
		return fmt.Errorf("%w after %s", ErrGateTimeout, timeout)
	}
	return nil
}

// Release frees the gate.
func (g *Gate) Release() {
	g.sem.Release(1)
}
