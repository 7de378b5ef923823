package ratelimit

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestLimiter_BurstThenDenyWithRetryAfter(t *testing.T) {
	clk := &fakeClock{t: time.Date(2024, 1, 2, 15, 0, 0, 0, time.UTC)}
	l := New(clk.Now)
	l.Set("yahoo", NewTokenBucket(1, 2))

	require.True(t, l.Admit("yahoo").Admitted)
	require.True(t, l.Admit("yahoo").Admitted)

	d := l.Admit("yahoo")
	require.False(t, d.Admitted)
	require.InDelta(t, float64(time.Second), float64(d.RetryAfter), float64(10*time.Millisecond))

	// a denied admission must not consume budget
	d2 := l.Admit("yahoo")
	require.False(t, d2.Admitted)
	require.InDelta(t, float64(d.RetryAfter), float64(d2.RetryAfter), float64(10*time.Millisecond))

	clk.Advance(time.Second)
	require.True(t, l.Admit("yahoo").Admitted)
	require.False(t, l.Admit("yahoo").Admitted)
}

func TestLimiter_UnknownProviderAlwaysAdmitted(t *testing.T) {
	l := New(nil)
	for i := 0; i < 100; i++ {
		require.True(t, l.Admit("nobody").Admitted)
	}
}

func TestLimiter_ProvidersAreIndependent(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	l := New(clk.Now)
	l.Set("a", NewTokenBucket(1, 1))
	l.Set("b", NewTokenBucket(1, 1))

	require.True(t, l.Admit("a").Admitted)
	require.False(t, l.Admit("a").Admitted)
	require.True(t, l.Admit("b").Admitted)

	l.Set("a", nil)
	require.True(t, l.Admit("a").Admitted)
}

func TestMinInterval(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	l := New(clk.Now)
	l.Set("p", NewMinInterval(10*time.Second))

	require.True(t, l.Admit("p").Admitted)
	d := l.Admit("p")
	require.False(t, d.Admitted)
	require.InDelta(t, float64(10*time.Second), float64(d.RetryAfter), float64(10*time.Millisecond))

	clk.Advance(10 * time.Second)
	require.True(t, l.Admit("p").Admitted)
}

func TestPerMinute(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	l := New(clk.Now)
	l.Set("p", NewPerMinute(60, 1))

	require.True(t, l.Admit("p").Admitted)
	d := l.Admit("p")
	require.False(t, d.Admitted)
	require.InDelta(t, float64(time.Second), float64(d.RetryAfter), float64(10*time.Millisecond))
}

func TestLimiter_ConcurrentAdmitNeverOverspends(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	l := New(clk.Now)
	l.Set("p", NewTokenBucket(0.001, 5))

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Admit("p").Admitted {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(5), admitted.Load())
}
