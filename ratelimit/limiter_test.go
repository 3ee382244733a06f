package ratelimit

import (
	"context"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"listing_harvester/models"
	"listing_harvester/storage"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return nil
}

func newStore(t *testing.T) *storage.SQLiteStore {
	t.Helper()
	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "budget.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestAcquireWaitsForQuotaAndSpacing(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: start}

	var waited time.Duration
	l, err := New(ctx, store, Config{SourceID: "mock", Quota: 2, Window: 10 * time.Second, Spacing: time.Second},
		WithClock(clock.Now, clock.Sleep),
		WithWaitObserver(func(_ string, d time.Duration) { waited += d }))
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		require.NoError(t, l.Acquire(ctx))
	}

	times, err := store.CallTimes(ctx, "mock")
	require.NoError(t, err)
	var offsets []time.Duration
	for _, ts := range times {
		offsets = append(offsets, ts.Sub(start))
	}
	// Calls 0 and 1 expired out of the 10s window, leaving the last two.
	assert.Equal(t, []time.Duration{10 * time.Second, 11 * time.Second}, offsets)
	assert.Equal(t, 11*time.Second, waited)
}

func TestCanCallNow(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}

	l, err := New(ctx, store, Config{SourceID: "mock", Quota: 1, Window: time.Minute},
		WithClock(clock.Now, clock.Sleep))
	require.NoError(t, err)

	ok, err := l.CanCallNow(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, l.RecordCall(ctx))
	ok, err = l.CanCallNow(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.ErrorIs(t, l.RecordCall(ctx), ErrBudgetExhausted)

	clock.now = clock.now.Add(time.Minute)
	ok, err = l.CanCallNow(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestWaitUntilAllowedHonorsCancellation(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	l, err := New(ctx, store, Config{SourceID: "mock", Quota: 1, Window: time.Hour})
	require.NoError(t, err)
	require.NoError(t, l.RecordCall(ctx))

	cctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	started := time.Now()
	err = l.WaitUntilAllowed(cctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(started), 5*time.Second)
}

func TestPenalizeAndRelax(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	l, err := New(ctx, store, Config{SourceID: "mock", Quota: 10, Window: time.Minute,
		Spacing: 500 * time.Millisecond, MaxBackoff: 5 * time.Second})
	require.NoError(t, err)

	backoff := func() time.Duration {
		b, err := store.GetBudget(ctx, "mock")
		require.NoError(t, err)
		return b.Backoff
	}

	require.NoError(t, l.Penalize(ctx, 0))
	assert.Equal(t, time.Second, backoff())
	require.NoError(t, l.Penalize(ctx, 0))
	assert.Equal(t, 2*time.Second, backoff())
	require.NoError(t, l.Penalize(ctx, 3*time.Second))
	assert.Equal(t, 4*time.Second, backoff())
	require.NoError(t, l.Penalize(ctx, 0))
	assert.Equal(t, 5*time.Second, backoff(), "capped")

	require.NoError(t, l.Relax(ctx))
	assert.Equal(t, 2500*time.Millisecond, backoff())
	require.NoError(t, l.Relax(ctx))
	require.NoError(t, l.Relax(ctx))
	require.NoError(t, l.Relax(ctx))
	assert.Equal(t, time.Duration(0), backoff())
}

// recordingStore captures every granted call time, including ones later
// pruned from the sliding log.
type recordingStore struct {
	*storage.SQLiteStore
	mu    sync.Mutex
	times []time.Time
}

func (r *recordingStore) RecordCallIfAllowed(ctx context.Context, sourceID string, now time.Time, quota int, window, spacing time.Duration) (models.BudgetDecision, error) {
	d, err := r.SQLiteStore.RecordCallIfAllowed(ctx, sourceID, now, quota, window, spacing)
	if err == nil && d.Allowed {
		r.mu.Lock()
		r.times = append(r.times, d.CalledAt)
		r.mu.Unlock()
	}
	return d, err
}

// Many executors sharing one budget must never put more than Quota calls
// inside any window.
func TestConcurrentAcquireIsRateSafe(t *testing.T) {
	ctx := context.Background()
	store := &recordingStore{SQLiteStore: newStore(t)}

	const quota = 3
	const window = 150 * time.Millisecond

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		l, err := New(ctx, store, Config{SourceID: "shared", Quota: quota, Window: window})
		require.NoError(t, err)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 3; i++ {
				assert.NoError(t, l.Acquire(ctx))
			}
		}()
	}
	wg.Wait()

	times := store.times
	require.Len(t, times, 12)
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })
	for i := 0; i+quota < len(times); i++ {
		assert.GreaterOrEqual(t, times[i+quota].Sub(times[i]), window,
			"calls %d and %d share a window", i, i+quota)
	}
}

func TestRegistryBuildsOnePerSource(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	reg := NewRegistry(store, func(string) Config {
		return Config{Quota: 5, Window: time.Minute}
	})
	a, err := reg.For(ctx, "a")
	require.NoError(t, err)
	again, err := reg.For(ctx, "a")
	require.NoError(t, err)
	b, err := reg.For(ctx, "b")
	require.NoError(t, err)

	assert.Same(t, a, again)
	assert.NotSame(t, a, b)
	assert.Equal(t, "b", b.SourceID())
}
