package queuelock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/mirkobrombin/go-queuelock/v1/metrics"
	"github.com/mirkobrombin/go-queuelock/v1/notify"
	"github.com/mirkobrombin/go-queuelock/v1/store"
)

const (
	// DefaultTimeout is used when Lock is called without a timeout and to
	// bound the gate in Release.
	DefaultTimeout = 5 * time.Minute
	// DefaultPollInterval is the delay between two queue reads of a waiter.
	DefaultPollInterval = 500 * time.Millisecond
)

// Coordinator grants FIFO access to named resources through a shared store.
type Coordinator struct {
	store   store.Store
	updater store.Updater
	gate    *Gate
	ids     minter

	codec          Codec
	prefix         string
	defaultTimeout time.Duration
	pollInterval   time.Duration
	notifier       notify.Notifier
	logger         *slog.Logger
	tracer         trace.Tracer
	now            func() time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithDefaultTimeout sets the timeout used when Lock receives zero.
func WithDefaultTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.defaultTimeout = d
		}
	}
}

// WithPollInterval sets how often a waiter re-reads the queue.
func WithPollInterval(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// WithCodec sets the queue encoding. The default is JSONCodec.
func WithCodec(codec Codec) Option {
	return func(c *Coordinator) {
		if codec != nil {
			c.codec = codec
		}
	}
}

// WithKeyPrefix namespaces every store key and notification channel.
func WithKeyPrefix(prefix string) Option {
	return func(c *Coordinator) {
		c.prefix = prefix
	}
}

// WithNotifier publishes a hint on every release so waiters on other
// coordinators poll right away instead of at their next interval.
func WithNotifier(n notify.Notifier) Option {
	return func(c *Coordinator) {
		c.notifier = n
	}
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithTracing enables OpenTelemetry spans using the global tracer provider.
func WithTracing() Option {
	return func(c *Coordinator) {
		c.tracer = otel.Tracer("github.com/mirkobrombin/go-queuelock/v1/queuelock")
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// New returns a Coordinator backed by s. A nil gate gives the coordinator a
// private one; share a Gate between coordinators that use the same store in
// one process.
func New(s store.Store, gate *Gate, opts ...Option) *Coordinator {
	if gate == nil {
		gate = NewGate()
	}
	c := &Coordinator{
		store:          s,
		gate:           gate,
		codec:          JSONCodec{},
		defaultTimeout: DefaultTimeout,
		pollInterval:   DefaultPollInterval,
		logger:         slog.Default(),
		tracer:         noop.NewTracerProvider().Tracer(""),
		now:            time.Now,
	}
	if u, ok := s.(store.Updater); ok {
		c.updater = u
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Coordinator) storeKey(key string) string { return c.prefix + key }

func (c *Coordinator) channel(key string) string { return c.prefix + "release:" + key }

func (c *Coordinator) span(ctx context.Context, name, key string) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, name, trace.WithAttributes(attribute.String("queuelock.key", key)))
}

func fail(span trace.Span, op string, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	metrics.ErrorCounter.WithLabelValues(op).Inc()
	return err
}

// Lock enqueues a ticket for key and returns once the ticket reaches the
// head of the queue. timeout bounds both the wait for the local gate and the
// ticket lifetime; zero selects the default.
//
// If ctx ends while waiting, Lock returns ErrCancelled and the ticket stays
// queued until it expires or is released. If the ticket outlives its TTL
// before being granted, or vanishes because the whole queue expired, Lock
// returns ErrTicketExpired. In both cases the returned Ticket identifies the
// ticket that was enqueued.
func (c *Coordinator) Lock(ctx context.Context, key string, timeout time.Duration) (Ticket, error) {
	ctx, span := c.span(ctx, "Coordinator.Lock", key)
	defer span.End()

	if key == "" {
		return Ticket{}, fail(span, "lock", ErrEmptyKey)
	}
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}

	if err := c.gate.Acquire(ctx, timeout); err != nil {
		return Ticket{}, fail(span, "lock", err)
	}
	now := c.now()
	own := c.ids.mint(now, timeout)
	var predecessor Ticket
	var queued bool
	err := c.mutate(ctx, key, func(q Queue) (Queue, time.Time, error) {
		predecessor, queued = q.Tail()
		q = append(q, own)
		return q, q.expiresAt(now, timeout), nil
	})
	c.gate.Release()
	if err != nil {
		return Ticket{}, fail(span, "lock", err)
	}
	span.SetAttributes(attribute.Int64("queuelock.ticket", own.ID))

	if !queued {
		metrics.LockCounter.Inc()
		c.logger.Debug("queuelock: granted", "key", key, "ticket", own.ID)
		return own, nil
	}

	start := c.now()
	if err := c.wait(ctx, key, own, predecessor); err != nil {
		return own, fail(span, "lock", err)
	}
	waited := c.now().Sub(start)
	metrics.WaitHistogram.Observe(waited.Seconds())
	metrics.LockCounter.Inc()
	c.logger.Debug("queuelock: granted after wait", "key", key, "ticket", own.ID, "waited", waited)
	return own, nil
}

// Release pops the head of the queue for key without checking who holds it.
// Releasing an empty queue is a no-op.
func (c *Coordinator) Release(ctx context.Context, key string) error {
	ctx, span := c.span(ctx, "Coordinator.Release", key)
	defer span.End()
	if err := c.release(ctx, key, nil); err != nil {
		return fail(span, "release", err)
	}
	return nil
}

// ReleaseTicket pops the head of the queue for key only if it is t. It
// returns ErrNotHolder otherwise, leaving the queue untouched.
func (c *Coordinator) ReleaseTicket(ctx context.Context, key string, t Ticket) error {
	ctx, span := c.span(ctx, "Coordinator.ReleaseTicket", key)
	defer span.End()
	if err := c.release(ctx, key, &t); err != nil {
		return fail(span, "release", err)
	}
	return nil
}

func (c *Coordinator) release(ctx context.Context, key string, want *Ticket) error {
	if key == "" {
		return ErrEmptyKey
	}
	if err := c.gate.Acquire(ctx, c.defaultTimeout); err != nil {
		return err
	}
	var popped bool
	err := c.mutate(ctx, key, func(q Queue) (Queue, time.Time, error) {
		popped = false
		head, ok := q.Head()
		if want != nil && (!ok || !head.Is(*want)) {
			return nil, time.Time{}, ErrNotHolder
		}
		if !ok {
			return nil, time.Time{}, nil
		}
		popped = true
		q = q[1:]
		if len(q) == 0 {
			return nil, time.Time{}, nil
		}
		return q, q.expiresAt(c.now(), q[0].TTL), nil
	})
	c.gate.Release()
	if err != nil {
		return err
	}
	if !popped {
		return nil
	}
	metrics.ReleaseCounter.Inc()
	if c.notifier != nil {
		if err := c.notifier.Publish(ctx, c.channel(key)); err != nil {
			c.logger.Warn("queuelock: release hint failed", "key", key, "error", err)
		}
	}
	return nil
}

// CountWaiters returns how many tickets are queued for key, holder included.
// The result is a snapshot.
func (c *Coordinator) CountWaiters(ctx context.Context, key string) (int, error) {
	q, err := c.Waiters(ctx, key)
	if err != nil {
		return 0, err
	}
	return len(q), nil
}

// Waiters returns a snapshot of the queue for key.
func (c *Coordinator) Waiters(ctx context.Context, key string) (Queue, error) {
	ctx, span := c.span(ctx, "Coordinator.Waiters", key)
	defer span.End()
	if key == "" {
		return nil, fail(span, "count", ErrEmptyKey)
	}
	q, err := c.load(ctx, key)
	if err != nil {
		return nil, fail(span, "count", err)
	}
	return q, nil
}

// WithLock runs fn while holding the lock for key and always releases the
// caller's own ticket afterwards.
func (c *Coordinator) WithLock(ctx context.Context, key string, timeout time.Duration, fn func(context.Context) error) error {
	t, err := c.Lock(ctx, key, timeout)
	if err != nil {
		return err
	}
	fnErr := fn(ctx)
	// the caller's ctx may be done by now; the release must still happen
	relErr := c.ReleaseTicket(context.WithoutCancel(ctx), key, t)
	return errors.Join(fnErr, relErr)
}

// load reads and decodes the queue for key. A missing key is an empty queue.
func (c *Coordinator) load(ctx context.Context, key string) (Queue, error) {
	data, ok, err := c.store.Get(ctx, c.storeKey(key))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return c.decode(key, data)
}

func (c *Coordinator) decode(key string, data []byte) (Queue, error) {
	q, err := c.codec.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("queuelock: decode queue %q: %w", key, err)
	}
	return q, nil
}

// mutate applies fn to the queue of key and persists the result. An empty
// result removes the key. Callers hold the gate; when the store is an
// Updater the mutation is also atomic across processes.
func (c *Coordinator) mutate(ctx context.Context, key string, fn func(Queue) (Queue, time.Time, error)) error {
	skey := c.storeKey(key)
	if c.updater != nil {
		return c.updater.Update(ctx, skey, func(old []byte, found bool) ([]byte, time.Time, error) {
			var q Queue
			if found {
				var err error
				if q, err = c.decode(key, old); err != nil {
					return nil, time.Time{}, err
				}
			}
			next, expiresAt, err := fn(q)
			if err != nil || len(next) == 0 {
				return nil, time.Time{}, err
			}
			data, err := c.codec.Marshal(next)
			return data, expiresAt, err
		})
	}

	q, err := c.load(ctx, key)
	if err != nil {
		return err
	}
	next, expiresAt, err := fn(q)
	if err != nil {
		return err
	}
	if len(next) == 0 {
		return c.store.Remove(ctx, skey)
	}
	data, err := c.codec.Marshal(next)
	if err != nil {
		return err
	}
	return c.store.Set(ctx, skey, data, expiresAt)
}
