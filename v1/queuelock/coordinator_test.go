package queuelock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirkobrombin/go-queuelock/v1/store"
)

const testPoll = 10 * time.Millisecond

func newTestCoordinator(t *testing.T, opts ...Option) (*Coordinator, *store.InMemory) {
	t.Helper()
	s := store.NewInMemory(store.WithSweepInterval(0))
	t.Cleanup(s.Close)
	opts = append([]Option{WithPollInterval(testPoll)}, opts...)
	return New(s, nil, opts...), s
}

func count(t *testing.T, c *Coordinator, key string) int {
	t.Helper()
	n, err := c.CountWaiters(context.Background(), key)
	require.NoError(t, err)
	return n
}

type lockResult struct {
	ticket Ticket
	err    error
}

func lockAsync(c *Coordinator, ctx context.Context, key string, timeout time.Duration) <-chan lockResult {
	ch := make(chan lockResult, 1)
	go func() {
		tk, err := c.Lock(ctx, key, timeout)
		ch <- lockResult{tk, err}
	}()
	return ch
}

func TestLockSolitaryReturnsImmediately(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	start := time.Now()
	tk, err := c.Lock(ctx, "L", time.Minute)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 10*testPoll)
	assert.Equal(t, time.Minute, tk.TTL)
	assert.NotEmpty(t, tk.Owner)
	assert.Equal(t, 1, count(t, c, "L"))

	require.NoError(t, c.Release(ctx, "L"))
	assert.Equal(t, 0, count(t, c, "L"))
}

func TestLockDefaultsTimeout(t *testing.T) {
	c, _ := newTestCoordinator(t)
	tk, err := c.Lock(context.Background(), "L", 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultTimeout, tk.TTL)
}

func TestLockEmptyKey(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()
	_, err := c.Lock(ctx, "", time.Second)
	assert.ErrorIs(t, err, ErrEmptyKey)
	assert.ErrorIs(t, c.Release(ctx, ""), ErrEmptyKey)
	_, err = c.CountWaiters(ctx, "")
	assert.ErrorIs(t, err, ErrEmptyKey)
}

func TestCountAfterLocksAndReleases(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()
	const n, m = 5, 3

	results := make([]<-chan lockResult, 0, n)
	for i := 0; i < n; i++ {
		results = append(results, lockAsync(c, ctx, "L", time.Minute))
		want := i + 1
		require.Eventually(t, func() bool { return count(t, c, "L") == want }, time.Second, time.Millisecond)
	}
	for i := 0; i < m; i++ {
		require.NoError(t, c.Release(ctx, "L"))
	}
	assert.Equal(t, n-m, count(t, c, "L"))

	for i := 0; i < n-m; i++ {
		require.NoError(t, c.Release(ctx, "L"))
	}
	for _, r := range results {
		res := <-r
		require.NoError(t, res.err)
	}
	assert.Equal(t, 0, count(t, c, "L"))
}

func TestSecondLockBlocksUntilRelease(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	_, err := c.Lock(ctx, "L", time.Minute)
	require.NoError(t, err)

	second := lockAsync(c, ctx, "L", time.Minute)
	select {
	case r := <-second:
		t.Fatalf("second Lock returned while first held: %+v", r)
	case <-time.After(10 * testPoll):
	}

	require.NoError(t, c.Release(ctx, "L"))
	select {
	case r := <-second:
		require.NoError(t, r.err)
	case <-time.After(time.Second):
		t.Fatal("second Lock not granted after release")
	}
	assert.Equal(t, 1, count(t, c, "L"))
}

func TestStoreEntryRemovedAfterLastRelease(t *testing.T) {
	c, s := newTestCoordinator(t)
	ctx := context.Background()

	_, err := c.Lock(ctx, "L", time.Minute)
	require.NoError(t, err)
	_, ok, err := s.Get(ctx, "L")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, c.Release(ctx, "L"))
	_, ok, err = s.Get(ctx, "L")
	require.NoError(t, err)
	assert.False(t, ok)

	// releasing an empty queue stays a no-op
	require.NoError(t, c.Release(ctx, "L"))
	_, ok, _ = s.Get(ctx, "L")
	assert.False(t, ok)
}

func TestTwoCallerScenario(t *testing.T) {
	s := store.NewInMemory(store.WithSweepInterval(0))
	defer s.Close()
	c := New(s, nil)
	ctx := context.Background()

	_, err := c.Lock(ctx, "L", 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, count(t, c, "L"))

	second := lockAsync(c, ctx, "L", 5*time.Minute)
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 2, count(t, c, "L"))

	released := time.Now()
	require.NoError(t, c.Release(ctx, "L"))
	select {
	case r := <-second:
		require.NoError(t, r.err)
		assert.Less(t, time.Since(released), DefaultPollInterval+250*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("second caller not granted")
	}
	assert.Equal(t, 1, count(t, c, "L"))

	require.NoError(t, c.Release(ctx, "L"))
	assert.Equal(t, 0, count(t, c, "L"))
}

func TestCancelledWaitLeavesTicketQueued(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	_, err := c.Lock(ctx, "L", time.Minute)
	require.NoError(t, err)

	wctx, cancel := context.WithCancel(ctx)
	waiter := lockAsync(c, wctx, "L", time.Minute)
	require.Eventually(t, func() bool { return count(t, c, "L") == 2 }, time.Second, time.Millisecond)
	cancel()

	r := <-waiter
	require.ErrorIs(t, r.err, ErrCancelled)
	require.ErrorIs(t, r.err, context.Canceled)
	assert.False(t, errors.Is(r.err, ErrGateTimeout))
	assert.Equal(t, 2, count(t, c, "L"))
}

func TestFIFOOrder(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	_, err := c.Lock(ctx, "L", time.Minute)
	require.NoError(t, err)

	const waiters = 5
	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := c.Lock(ctx, "L", time.Minute)
			if err != nil {
				t.Errorf("lock %d: %v", i, err)
				return
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			if err := c.Release(ctx, "L"); err != nil {
				t.Errorf("release %d: %v", i, err)
			}
		}(i)
		want := i + 2
		require.Eventually(t, func() bool { return count(t, c, "L") == want }, time.Second, time.Millisecond)
	}

	require.NoError(t, c.Release(ctx, "L"))
	wg.Wait()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
	assert.Equal(t, 0, count(t, c, "L"))
}

func TestReleaseTicket(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	first, err := c.Lock(ctx, "L", time.Minute)
	require.NoError(t, err)
	waiter := lockAsync(c, ctx, "L", time.Minute)
	require.Eventually(t, func() bool { return count(t, c, "L") == 2 }, time.Second, time.Millisecond)

	q, err := c.Waiters(ctx, "L")
	require.NoError(t, err)
	require.Len(t, q, 2)
	assert.ErrorIs(t, c.ReleaseTicket(ctx, "L", q[1]), ErrNotHolder)
	assert.Equal(t, 2, count(t, c, "L"))

	require.NoError(t, c.ReleaseTicket(ctx, "L", first))
	r := <-waiter
	require.NoError(t, r.err)
	assert.True(t, r.ticket.Is(q[1]))

	require.NoError(t, c.ReleaseTicket(ctx, "L", r.ticket))
	assert.ErrorIs(t, c.ReleaseTicket(ctx, "L", r.ticket), ErrNotHolder)
}

func TestTicketExpiredWhenQueueVanishes(t *testing.T) {
	clock := newTestClock(time.Now())
	s := store.NewInMemory(store.WithSweepInterval(0), store.WithClock(clock.Now))
	defer s.Close()
	c := New(s, nil, WithPollInterval(testPoll), WithClock(clock.Now))
	ctx := context.Background()

	_, err := c.Lock(ctx, "L", time.Minute)
	require.NoError(t, err)
	waiter := lockAsync(c, ctx, "L", time.Minute)
	require.Eventually(t, func() bool { return count(t, c, "L") == 2 }, time.Second, time.Millisecond)

	clock.Advance(2 * time.Minute)
	select {
	case r := <-waiter:
		require.ErrorIs(t, r.err, ErrTicketExpired)
	case <-time.After(time.Second):
		t.Fatal("waiter did not notice the expired queue")
	}
	assert.Equal(t, 0, count(t, c, "L"))
}

func TestTicketExpiredAfterOwnTTL(t *testing.T) {
	clock := newTestClock(time.Now())
	s := store.NewInMemory(store.WithSweepInterval(0))
	defer s.Close()
	c := New(s, nil, WithPollInterval(testPoll), WithClock(clock.Now))
	ctx := context.Background()

	_, err := c.Lock(ctx, "L", time.Hour)
	require.NoError(t, err)
	waiter := lockAsync(c, ctx, "L", time.Minute)
	require.Eventually(t, func() bool { return count(t, c, "L") == 2 }, time.Second, time.Millisecond)

	clock.Advance(2 * time.Minute)
	select {
	case r := <-waiter:
		require.ErrorIs(t, r.err, ErrTicketExpired)
	case <-time.After(time.Second):
		t.Fatal("waiter did not give up after its own ttl")
	}
	// the expired ticket is not removed implicitly
	assert.Equal(t, 2, count(t, c, "L"))
}

func TestGateTimeout(t *testing.T) {
	gate := NewGate()
	s := store.NewInMemory(store.WithSweepInterval(0))
	defer s.Close()
	c := New(s, gate)
	ctx := context.Background()

	require.NoError(t, gate.Acquire(ctx, time.Second))
	defer gate.Release()

	_, err := c.Lock(ctx, "L", 20*time.Millisecond)
	require.ErrorIs(t, err, ErrGateTimeout)
	assert.False(t, errors.Is(err, ErrCancelled))

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	_, err = c.Lock(cctx, "L", time.Second)
	require.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, 0, count(t, c, "L"))
}

func TestLockWithDoneContextOnFreeGate(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Lock(ctx, "L", time.Second)
	require.ErrorIs(t, err, ErrCancelled)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, count(t, c, "L"))
}

func TestSharedGateAcrossCoordinators(t *testing.T) {
	gate := NewGate()
	s := store.NewInMemory(store.WithSweepInterval(0))
	defer s.Close()
	a := New(s, gate, WithPollInterval(testPoll))
	b := New(s, gate, WithPollInterval(testPoll))
	ctx := context.Background()

	_, err := a.Lock(ctx, "L", time.Minute)
	require.NoError(t, err)
	waiter := lockAsync(b, ctx, "L", time.Minute)
	require.Eventually(t, func() bool { return count(t, a, "L") == 2 }, time.Second, time.Millisecond)

	require.NoError(t, a.Release(ctx, "L"))
	require.NoError(t, (<-waiter).err)
	require.NoError(t, b.Release(ctx, "L"))
	assert.Equal(t, 0, count(t, b, "L"))
}

type failingStore struct{ err error }

func (f failingStore) Get(context.Context, string) ([]byte, bool, error) { return nil, false, f.err }
func (f failingStore) Set(context.Context, string, []byte, time.Time) error {
	return f.err
}
func (f failingStore) Remove(context.Context, string) error { return f.err }

func TestStoreErrorsPropagate(t *testing.T) {
	boom := errors.Join(ErrStoreUnavailable, errors.New("connection refused"))
	c := New(failingStore{err: boom}, nil)
	ctx := context.Background()

	_, err := c.Lock(ctx, "L", time.Second)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.ErrorIs(t, c.Release(ctx, "L"), ErrStoreUnavailable)
	_, err = c.CountWaiters(ctx, "L")
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestCorruptQueueIsAnError(t *testing.T) {
	c, s := newTestCoordinator(t)
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "L", []byte("not json"), time.Time{}))

	_, err := c.CountWaiters(ctx, "L")
	require.Error(t, err)
	_, err = c.Lock(ctx, "L", time.Second)
	require.Error(t, err)
}

func TestWithLockReleasesOwnTicket(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := c.WithLock(ctx, "L", time.Minute, func(context.Context) error {
		assert.Equal(t, 1, count(t, c, "L"))
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 0, count(t, c, "L"))

	ran := false
	require.NoError(t, c.WithLock(ctx, "L", time.Minute, func(context.Context) error {
		ran = true
		return nil
	}))
	assert.True(t, ran)
}

func TestKeyPrefix(t *testing.T) {
	c, s := newTestCoordinator(t, WithKeyPrefix("locks:"))
	ctx := context.Background()

	_, err := c.Lock(ctx, "L", time.Minute)
	require.NoError(t, err)
	_, ok, _ := s.Get(ctx, "locks:L")
	assert.True(t, ok)
	_, ok, _ = s.Get(ctx, "L")
	assert.False(t, ok)
}

func TestGobCodec(t *testing.T) {
	c, _ := newTestCoordinator(t, WithCodec(GobCodec{}))
	ctx := context.Background()

	first, err := c.Lock(ctx, "L", time.Minute)
	require.NoError(t, err)
	q, err := c.Waiters(ctx, "L")
	require.NoError(t, err)
	require.Len(t, q, 1)
	assert.True(t, q[0].Is(first))
	assert.Equal(t, time.Minute, q[0].TTL)
}

func TestNonUpdaterStore(t *testing.T) {
	s := store.NewInMemory(store.WithSweepInterval(0))
	defer s.Close()
	// hide Update so the coordinator falls back to Get/Set/Remove
	c := New(struct{ store.Store }{s}, nil, WithPollInterval(testPoll))
	ctx := context.Background()

	_, err := c.Lock(ctx, "L", time.Minute)
	require.NoError(t, err)
	waiter := lockAsync(c, ctx, "L", time.Minute)
	require.Eventually(t, func() bool { return count(t, c, "L") == 2 }, time.Second, time.Millisecond)
	require.NoError(t, c.Release(ctx, "L"))
	require.NoError(t, (<-waiter).err)
	require.NoError(t, c.Release(ctx, "L"))
	_, ok, _ := s.Get(ctx, "L")
	assert.False(t, ok)
}
