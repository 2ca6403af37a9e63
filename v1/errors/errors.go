package errors

import "errors"

var (
	// ErrGateTimeout is returned when the process-local gate could not be
	// acquired within the caller's timeout.
	ErrGateTimeout = errors.New("queuelock: timed out acquiring local gate")
	// ErrCancelled is returned when the caller's context ends while waiting.
	ErrCancelled = errors.New("queuelock: cancelled")
	// ErrTicketExpired is returned when a waiting ticket outlives its own TTL
	// or disappears from the queue because the queue expired.
	ErrTicketExpired = errors.New("queuelock: ticket expired while waiting")
	// ErrNotHolder is returned when a ticket release does not match the head.
	ErrNotHolder = errors.New("queuelock: ticket is not the current holder")
	// ErrEmptyKey is returned for operations on an empty lock key.
	ErrEmptyKey = errors.New("queuelock: empty key")
	// ErrStoreUnavailable wraps failures of the shared store.
	ErrStoreUnavailable = errors.New("queuelock: store unavailable")
	// ErrClosed is returned by notifiers used after Close.
	ErrClosed = errors.New("queuelock: closed")
	// ErrCircuitOpen is returned by a notifier breaker while it is open.
	ErrCircuitOpen = errors.New("queuelock: notifier circuit open")
)
