package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-queuelock/v1/store")

var _ Store = (*InMemory)(nil)
var _ Updater = (*InMemory)(nil)

// InMemory is a process-local Store with absolute expiration support. It is
// useful for tests and for single-process deployments.
type InMemory struct {
	mu            sync.RWMutex
	items         map[string]item
	hits          atomic.Uint64
	misses        atomic.Uint64
	sweepInterval time.Duration
	now           func() time.Time
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup

	hitCounter     prometheus.Counter
	missCounter    prometheus.Counter
	expiredCounter prometheus.Counter
	latencyHist    prometheus.Histogram
	traceEnabled   bool
}

type item struct {
	value     []byte
	expiresAt time.Time
}

func (it item) expired(now time.Time) bool {
	return !it.expiresAt.IsZero() && !now.Before(it.expiresAt)
}

// InMemoryOption configures an InMemory store.
type InMemoryOption func(*InMemory)

// WithSweepInterval sets the interval at which expired items are removed.
// A zero or negative duration disables the background sweeper.
func WithSweepInterval(d time.Duration) InMemoryOption {
	return func(s *InMemory) {
		s.sweepInterval = d
	}
}

// WithClock overrides the time source used for expiration.
func WithClock(now func() time.Time) InMemoryOption {
	return func(s *InMemory) {
		if now != nil {
			s.now = now
		}
	}
}

// WithMetrics enables Prometheus metrics collection using the provided registerer.
func WithMetrics(reg prometheus.Registerer) InMemoryOption {
	return func(s *InMemory) {
		s.hitCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "queuelock_store_hits_total",
			Help: "Total number of store reads that found a live key",
		})
		s.missCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "queuelock_store_misses_total",
			Help: "Total number of store reads that found no key",
		})
		s.expiredCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "queuelock_store_expired_total",
			Help: "Total number of keys dropped because they expired",
		})
		s.latencyHist = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "queuelock_store_latency_seconds",
			Help:    "Latency of store operations",
			Buckets: prometheus.DefBuckets,
		})
		reg.MustRegister(s.hitCounter, s.missCounter, s.expiredCounter, s.latencyHist)
	}
}

// WithTracing enables OpenTelemetry tracing for store operations.
func WithTracing() InMemoryOption {
	return func(s *InMemory) {
		s.traceEnabled = true
	}
}

// defaultSweepInterval is the default period for removing expired items.
const defaultSweepInterval = time.Minute

// NewInMemory returns a new InMemory store.
//
// When the sweep interval is positive a background goroutine periodically
// removes expired items. Call Close to stop it.
func NewInMemory(opts ...InMemoryOption) *InMemory {
	ctx, cancel := context.WithCancel(context.Background())
	s := &InMemory{
		items:         make(map[string]item),
		sweepInterval: defaultSweepInterval,
		now:           time.Now,
		ctx:           ctx,
		cancel:        cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.sweepInterval > 0 {
		s.wg.Add(1)
		go s.sweeper()
	}
	return s
}

// observe starts a span and latency measurement for op. The returned function
// must be deferred.
func (s *InMemory) observe(ctx context.Context, op, key string) (context.Context, trace.Span, func()) {
	if !s.traceEnabled && s.latencyHist == nil {
		return ctx, nil, func() {}
	}
	var span trace.Span
	if s.traceEnabled {
		ctx, span = tracer.Start(ctx, op, trace.WithAttributes(attribute.String("queuelock.key", key)))
	}
	start := time.Now()
	return ctx, span, func() {
		latency := time.Since(start)
		if s.latencyHist != nil {
			s.latencyHist.Observe(latency.Seconds())
		}
		if span != nil {
			span.SetAttributes(attribute.Int64("queuelock.store.latency_ms", latency.Milliseconds()))
			span.End()
		}
	}
}

// Get implements Store.Get.
func (s *InMemory) Get(ctx context.Context, key string) ([]byte, bool, error) {
	ctx, span, done := s.observe(ctx, "Store.Get", key)
	defer done()
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	s.mu.Lock()
	value, ok := s.lookup(key)
	s.mu.Unlock()

	if !ok {
		s.misses.Add(1)
		if s.missCounter != nil {
			s.missCounter.Inc()
		}
		if span != nil {
			span.SetAttributes(attribute.String("queuelock.store.result", "miss"))
		}
		return nil, false, nil
	}
	s.hits.Add(1)
	if s.hitCounter != nil {
		s.hitCounter.Inc()
	}
	if span != nil {
		span.SetAttributes(attribute.String("queuelock.store.result", "hit"))
	}
	return value, true, nil
}

// lookup returns a copy of the live value for key. Callers hold s.mu.
func (s *InMemory) lookup(key string) ([]byte, bool) {
	it, ok := s.items[key]
	if !ok {
		return nil, false
	}
	if it.expired(s.now()) {
		delete(s.items, key)
		if s.expiredCounter != nil {
			s.expiredCounter.Inc()
		}
		return nil, false
	}
	return append([]byte(nil), it.value...), true
}

// Set implements Store.Set.
func (s *InMemory) Set(ctx context.Context, key string, value []byte, expiresAt time.Time) error {
	ctx, _, done := s.observe(ctx, "Store.Set", key)
	defer done()
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(key, value, expiresAt)
	return nil
}

// put stores a copy of value. Callers hold s.mu.
func (s *InMemory) put(key string, value []byte, expiresAt time.Time) {
	if _, ok := ttlUntil(expiresAt, s.now()); !ok {
		delete(s.items, key)
		return
	}
	s.items[key] = item{value: append([]byte(nil), value...), expiresAt: expiresAt}
}

// Remove implements Store.Remove.
func (s *InMemory) Remove(ctx context.Context, key string) error {
	ctx, _, done := s.observe(ctx, "Store.Remove", key)
	defer done()
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
	return nil
}

// Update implements Updater.Update. fn runs while the store is locked, so it
// must not call back into the store.
func (s *InMemory) Update(ctx context.Context, key string, fn UpdateFunc) error {
	ctx, _, done := s.observe(ctx, "Store.Update", key)
	defer done()
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	old, found := s.lookup(key)
	value, expiresAt, err := fn(old, found)
	if errors.Is(err, ErrAborted) {
		return nil
	}
	if err != nil {
		return err
	}
	if value == nil {
		delete(s.items, key)
		return nil
	}
	s.put(key, value, expiresAt)
	return nil
}

// sweeper periodically samples the map and removes expired items, repeating
// while a large share of the sample turns out to be expired.
func (s *InMemory) sweeper() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	const (
		sampleSize    = 20
		evictionRatio = 0.25
	)

	for {
		select {
		case <-ticker.C:
			for {
				expired, checked := 0, 0
				now := s.now()

				s.mu.Lock()
				if len(s.items) == 0 {
					s.mu.Unlock()
					break
				}
				for k, it := range s.items {
					checked++
					if it.expired(now) {
						delete(s.items, k)
						if s.expiredCounter != nil {
							s.expiredCounter.Inc()
						}
						expired++
					}
					if checked >= sampleSize {
						break
					}
				}
				s.mu.Unlock()

				if float64(expired) < float64(sampleSize)*evictionRatio {
					break
				}
			}
		case <-s.ctx.Done():
			return
		}
	}
}

// Close terminates the sweeper and drops all items.
func (s *InMemory) Close() {
	s.cancel()
	s.wg.Wait()
	s.mu.Lock()
	s.items = make(map[string]item)
	s.mu.Unlock()
}

// Stats reports basic metrics about store usage.
type Stats struct {
	Hits   uint64
	Misses uint64
	Size   int
}

// Metrics returns current metrics for the store. Size counts keys that have
// not been swept yet, expired or not.
func (s *InMemory) Metrics() Stats {
	s.mu.RLock()
	size := len(s.items)
	s.mu.RUnlock()
	return Stats{
		Hits:   s.hits.Load(),
		Misses: s.misses.Load(),
		Size:   size,
	}
}
