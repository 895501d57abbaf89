package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacer_MinimumGap(t *testing.T) {
	interval := 50 * time.Millisecond
	jitter := 0.1
	pacer := NewPacer(map[Class]time.Duration{ClassWinticket: interval}, jitter)

	ctx := context.Background()
	var stamps []time.Time
	for i := 0; i < 3; i++ {
		require.NoError(t, pacer.Wait(ctx, ClassWinticket))
		stamps = append(stamps, time.Now())
	}

	minGap := time.Duration(float64(interval) * (1 - jitter))
	for i := 1; i < len(stamps); i++ {
		gap := stamps[i].Sub(stamps[i-1])
		assert.GreaterOrEqual(t, gap, minGap, "gap %d", i)
	}
}

func TestPacer_ClassesAreIndependent(t *testing.T) {
	pacer := NewPacer(map[Class]time.Duration{
		ClassWinticket:  200 * time.Millisecond,
		ClassYenjoyHTML: time.Millisecond,
	}, 0)

	ctx := context.Background()
	require.NoError(t, pacer.Wait(ctx, ClassWinticket))

	// A different class must not be held up by the first one's interval.
	start := time.Now()
	require.NoError(t, pacer.Wait(ctx, ClassYenjoyHTML))
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestPacer_ConcurrentCallersSerialize(t *testing.T) {
	interval := 30 * time.Millisecond
	pacer := NewPacer(map[Class]time.Duration{ClassYenjoyAPI: interval}, 0)

	const callers = 4
	var (
		mu     sync.Mutex
		stamps []time.Time
		wg     sync.WaitGroup
	)

	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func() {
			defer wg.Done()
			if err := pacer.Wait(context.Background(), ClassYenjoyAPI); err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			stamps = append(stamps, time.Now())
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, stamps, callers)
	for i := 1; i < len(stamps); i++ {
		gap := stamps[i].Sub(stamps[i-1])
		assert.GreaterOrEqual(t, gap, interval-5*time.Millisecond, "gap %d", i)
	}
}

func TestPacer_CancelledContext(t *testing.T) {
	pacer := NewPacer(map[Class]time.Duration{ClassWinticket: time.Second}, 0)

	ctx := context.Background()
	require.NoError(t, pacer.Wait(ctx, ClassWinticket))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	err := pacer.Wait(cancelled, ClassWinticket)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBackoff_GrowsAndResets(t *testing.T) {
	b := NewBackoff(time.Second, 8*time.Second)
	const ep = "GET /keirin/cups"

	assert.Equal(t, time.Duration(0), b.Delay(ep))

	b.Failure(ep)
	assert.Equal(t, time.Second, b.Delay(ep))

	b.Failure(ep)
	assert.Equal(t, 2*time.Second, b.Delay(ep))

	b.Failure(ep)
	b.Failure(ep)
	b.Failure(ep)
	assert.Equal(t, 8*time.Second, b.Delay(ep), "clamped to max")

	b.Success(ep)
	assert.Equal(t, time.Duration(0), b.Delay(ep))
}

func TestBackoff_EndpointsAreIndependent(t *testing.T) {
	b := NewBackoff(time.Second, time.Minute)

	b.Failure("a")
	assert.Equal(t, time.Second, b.Delay("a"))
	assert.Equal(t, time.Duration(0), b.Delay("b"))
}

func TestHostLimiter_Wait(t *testing.T) {
	l := NewHostLimiter(100, 1)

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, l.Wait(context.Background(), "api.example.jp"))
	}
	// Burst 1 at 100 rps: two refills needed, ~20ms.
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
}

func TestHostLimiter_HostsAreIndependent(t *testing.T) {
	l := NewHostLimiter(1, 1)

	assert.True(t, l.Allow("host-a"))
	assert.False(t, l.Allow("host-a"), "bucket drained")
	assert.True(t, l.Allow("host-b"), "other host has its own bucket")
}
