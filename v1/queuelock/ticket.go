package queuelock

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Ticket is one caller's claim on a lock key.
type Ticket struct {
	// ID is derived from the enqueue time in Unix milliseconds and is
	// strictly increasing per coordinator.
	ID         int64         `json:"id"`
	// Owner disambiguates tickets minted in the same millisecond by
	// different processes.
	Owner      string        `json:"owner"`
	// TTL is the caller's timeout. It bounds how long the ticket may wait and
	// how long the queue survives after the ticket was last written.
	TTL        time.Duration `json:"ttl"`
	EnqueuedAt time.Time     `json:"enqueued_at"`
	// KeptUntil is set on the holder by a keepalive lease. The queue never
	// expires before it, whatever the TTL of later tickets.
	KeptUntil  time.Time     `json:"kept_until,omitzero"`
}

// Is reports whether t and o denote the same ticket.
func (t Ticket) Is(o Ticket) bool {
	return t.ID == o.ID && t.Owner == o.Owner
}

// Deadline is the instant after which a waiting ticket gives up.
func (t Ticket) Deadline() time.Time {
	return t.EnqueuedAt.Add(t.TTL)
}

// Queue is the FIFO of tickets for one key. Index 0 is the holder.
type Queue []Ticket

// Head returns the current holder.
func (q Queue) Head() (Ticket, bool) {
	if len(q) == 0 {
		return Ticket{}, false
	}
	return q[0], true
}

// expiresAt is the expiration to persist for q when the last written ticket
// has the given ttl: now+ttl, pushed out to the holder's lease if it has one.
func (q Queue) expiresAt(now time.Time, ttl time.Duration) time.Time {
	at := now.Add(ttl)
	if head, ok := q.Head(); ok && head.KeptUntil.After(at) {
		at = head.KeptUntil
	}
	return at
}

// Tail returns the most recently enqueued ticket.
func (q Queue) Tail() (Ticket, bool) {
	if len(q) == 0 {
		return Ticket{}, false
	}
	return q[len(q)-1], true
}

// Contains reports whether t is queued.
func (q Queue) Contains(t Ticket) bool {
	return q.Position(t) >= 0
}

// Position returns the index of t, or -1.
func (q Queue) Position(t Ticket) int {
	for i, o := range q {
		if o.Is(t) {
			return i
		}
	}
	return -1
}

// minter hands out ticket ids from the wall clock, bumping the counter when
// the clock has not moved since the last id.
type minter struct {
	mu   sync.Mutex
	last int64
}

func (m *minter) mint(now time.Time, ttl time.Duration) Ticket {
	id := now.UnixMilli()
	m.mu.Lock()
	if id <= m.last {
		id = m.last + 1
	}
	m.last = id
	m.mu.Unlock()
	return Ticket{
		ID:         id,
		Owner:      uuid.NewString(),
		TTL:        ttl,
		EnqueuedAt: now,
	}
}
