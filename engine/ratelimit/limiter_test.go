package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/varenq/legion/errors"
)

// mockClock controls time for idle-sweep tests.
type mockClock struct {
	mu  sync.Mutex
	now time.Time
}

func newMockClock(now time.Time) *mockClock {
	return &mockClock{now: now}
}

func (m *mockClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *mockClock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

func newTestLimiter(maxPerTarget int, idleThreshold time.Duration) *Limiter {
	return NewLimiter(maxPerTarget, idleThreshold, zap.NewNop().Sugar())
}

func TestLimiterPermitCeiling(t *testing.T) {
	limiter := newTestLimiter(2, time.Hour)
	ctx := context.Background()

	first, err := limiter.Acquire(ctx, "warlord-1", time.Second)
	require.NoError(t, err)
	second, err := limiter.Acquire(ctx, "warlord-1", time.Second)
	require.NoError(t, err)

	// Ceiling reached: the third acquire must refuse within the timeout.
	_, err = limiter.Acquire(ctx, "warlord-1", 50*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrAcquireTimeout))

	// A different target has its own semaphore and admits immediately.
	other, err := limiter.Acquire(ctx, "warlord-2", 50*time.Millisecond)
	require.NoError(t, err)
	other.Release()

	first.Release()
	third, err := limiter.Acquire(ctx, "warlord-1", 50*time.Millisecond)
	require.NoError(t, err)

	second.Release()
	third.Release()
}

func TestLimiterBlocksUntilRelease(t *testing.T) {
	limiter := newTestLimiter(1, time.Hour)
	ctx := context.Background()

	held, err := limiter.Acquire(ctx, "warlord-1", time.Second)
	require.NoError(t, err)

	acquired := make(chan error, 1)
	go func() {
		p, err := limiter.Acquire(ctx, "warlord-1", 5*time.Second)
		if err == nil {
			p.Release()
		}
		acquired <- err
	}()

	// The waiter must still be blocked while the permit is held.
	select {
	case err := <-acquired:
		t.Fatalf("acquire returned while permit was held: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	held.Release()
	select {
	case err := <-acquired:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("acquire did not unblock after release")
	}
}

func TestLimiterAcquireErrors(t *testing.T) {
	t.Run("timeout is ErrAcquireTimeout", func(t *testing.T) {
		limiter := newTestLimiter(1, time.Hour)
		held, err := limiter.Acquire(context.Background(), "warlord-1", time.Second)
		require.NoError(t, err)
		defer held.Release()

		_, err = limiter.Acquire(context.Background(), "warlord-1", 20*time.Millisecond)
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrAcquireTimeout))
		assert.False(t, errors.Is(err, context.DeadlineExceeded))
		assert.Contains(t, err.Error(), "warlord-1")
	})

	t.Run("caller cancellation is not a timeout", func(t *testing.T) {
		limiter := newTestLimiter(1, time.Hour)
		held, err := limiter.Acquire(context.Background(), "warlord-1", time.Second)
		require.NoError(t, err)
		defer held.Release()

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(20 * time.Millisecond)
			cancel()
		}()
		_, err = limiter.Acquire(ctx, "warlord-1", time.Minute)
		require.Error(t, err)
		assert.True(t, errors.Is(err, context.Canceled))
		assert.False(t, errors.Is(err, errors.ErrAcquireTimeout))
	})

	t.Run("zero timeout waits on context", func(t *testing.T) {
		limiter := newTestLimiter(1, time.Hour)
		held, err := limiter.Acquire(context.Background(), "warlord-1", 0)
		require.NoError(t, err)
		defer held.Release()

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err = limiter.Acquire(ctx, "warlord-1", 0)
		require.Error(t, err)
		assert.True(t, errors.Is(err, context.DeadlineExceeded))
	})
}

func TestLimiterReleaseIsIdempotent(t *testing.T) {
	limiter := newTestLimiter(1, time.Hour)

	p, err := limiter.Acquire(context.Background(), "warlord-1", time.Second)
	require.NoError(t, err)
	p.Release()
	p.Release()

	stats, ok := limiter.StatsForTarget("warlord-1")
	require.True(t, ok)
	assert.Equal(t, int64(0), stats.Held)
	assert.Equal(t, int64(1), stats.Available)

	// The semaphore stays coherent: the full ceiling is still available.
	again, err := limiter.Acquire(context.Background(), "warlord-1", 50*time.Millisecond)
	require.NoError(t, err)
	again.Release()
}

func TestLimiterIdleSweep(t *testing.T) {
	clock := newMockClock(time.Now())
	limiter := NewLimiterWithClock(2, 10*time.Minute, zap.NewNop().Sugar(), clock.Now)
	ctx := context.Background()

	for _, key := range []string{"warlord-1", "warlord-2"} {
		p, err := limiter.Acquire(ctx, key, time.Second)
		require.NoError(t, err)
		p.Release()
	}
	held, err := limiter.Acquire(ctx, "warlord-3", time.Second)
	require.NoError(t, err)
	require.Equal(t, 3, limiter.GlobalStats().Targets)

	// Nothing has sat idle yet.
	assert.Equal(t, 0, limiter.Sweep())

	clock.Advance(11 * time.Minute)

	// Idle targets go; the one with a held permit stays regardless of age.
	assert.Equal(t, 2, limiter.Sweep())
	assert.Equal(t, 1, limiter.GlobalStats().Targets)
	_, ok := limiter.StatsForTarget("warlord-3")
	assert.True(t, ok)

	held.Release()
	clock.Advance(11 * time.Minute)
	assert.Equal(t, 1, limiter.Sweep())
	assert.Equal(t, 0, limiter.GlobalStats().Targets)

	// A swept key is recreated transparently on next use.
	p, err := limiter.Acquire(ctx, "warlord-1", time.Second)
	require.NoError(t, err)
	p.Release()
}

func TestLimiterSetMaxPerTarget(t *testing.T) {
	clock := newMockClock(time.Now())
	limiter := NewLimiterWithClock(1, 10*time.Minute, zap.NewNop().Sugar(), clock.Now)
	ctx := context.Background()

	preexisting, err := limiter.Acquire(ctx, "warlord-1", time.Second)
	require.NoError(t, err)

	limiter.SetMaxPerTarget(2)

	// A live target keeps its original ceiling until it is swept.
	_, err = limiter.Acquire(ctx, "warlord-1", 20*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrAcquireTimeout))

	// Targets created after the retune get the new ceiling.
	a, err := limiter.Acquire(ctx, "warlord-2", 20*time.Millisecond)
	require.NoError(t, err)
	b, err := limiter.Acquire(ctx, "warlord-2", 20*time.Millisecond)
	require.NoError(t, err)
	a.Release()
	b.Release()

	// Once swept, the original target rebuilds at the new ceiling.
	preexisting.Release()
	clock.Advance(11 * time.Minute)
	limiter.Sweep()

	a, err = limiter.Acquire(ctx, "warlord-1", 20*time.Millisecond)
	require.NoError(t, err)
	b, err = limiter.Acquire(ctx, "warlord-1", 20*time.Millisecond)
	require.NoError(t, err)
	a.Release()
	b.Release()
}

func TestLimiterStats(t *testing.T) {
	limiter := newTestLimiter(3, time.Hour)
	ctx := context.Background()

	p1, err := limiter.Acquire(ctx, "beta", time.Second)
	require.NoError(t, err)
	p2, err := limiter.Acquire(ctx, "beta", time.Second)
	require.NoError(t, err)
	p3, err := limiter.Acquire(ctx, "alpha", time.Second)
	require.NoError(t, err)

	stats, ok := limiter.StatsForTarget("beta")
	require.True(t, ok)
	assert.Equal(t, int64(2), stats.Held)
	assert.Equal(t, int64(1), stats.Available)
	assert.Equal(t, int64(3), stats.Max)

	_, ok = limiter.StatsForTarget("never-seen")
	assert.False(t, ok)

	g := limiter.GlobalStats()
	assert.Equal(t, 2, g.Targets)
	assert.Equal(t, int64(3), g.Held)
	assert.Equal(t, int64(3), g.Available)

	all := limiter.AllTargetStats()
	require.Len(t, all, 2)
	assert.Equal(t, "alpha", all[0].Target)
	assert.Equal(t, "beta", all[1].Target)

	p1.Release()
	p2.Release()
	p3.Release()
}

func TestLimiterConcurrentAdmission(t *testing.T) {
	const ceiling = 3
	limiter := newTestLimiter(ceiling, time.Hour)
	ctx := context.Background()

	var inFlight, highWater int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := limiter.Acquire(ctx, "warlord-1", 5*time.Second)
			if err != nil {
				t.Error(err)
				return
			}
			n := atomic.AddInt64(&inFlight, 1)
			for {
				old := atomic.LoadInt64(&highWater)
				if n <= old || atomic.CompareAndSwapInt64(&highWater, old, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt64(&inFlight, -1)
			p.Release()
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt64(&highWater), int64(ceiling))
	assert.Greater(t, atomic.LoadInt64(&highWater), int64(0))

	stats, ok := limiter.StatsForTarget("warlord-1")
	require.True(t, ok)
	assert.Equal(t, int64(0), stats.Held)
}
