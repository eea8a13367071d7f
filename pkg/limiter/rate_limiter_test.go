package limiter

import (
	"context"
	"sync"
	"testing"
	"time"

	"stockpipe/pkg/core"
	"stockpipe/pkg/timing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T, clock timing.Clock, specs ...core.ProviderSpec) *RateLimiter {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)
	l := NewRateLimiter(clock, logrus.NewEntry(log))
	for _, spec := range specs {
		require.NoError(t, l.Register(spec))
	}
	return l
}

func TestRateLimiter_Register(t *testing.T) {
	l := newTestLimiter(t, timing.NewFakeClock(time.Unix(0, 0)))

	assert.Error(t, l.Register(core.ProviderSpec{Name: "", RateLimitPerMinute: 60}))
	assert.Error(t, l.Register(core.ProviderSpec{Name: "yahoo", RateLimitPerMinute: 0}))
	assert.Error(t, l.Register(core.ProviderSpec{Name: "yahoo", RateLimitPerMinute: -5}))

	require.NoError(t, l.Register(core.ProviderSpec{Name: "yahoo", RateLimitPerMinute: 120}))
	interval, ok := l.Interval("yahoo")
	require.True(t, ok)
	assert.Equal(t, 500*time.Millisecond, interval)

	// 重复注册更新间隔
	require.NoError(t, l.Register(core.ProviderSpec{Name: "yahoo", RateLimitPerMinute: 30}))
	interval, _ = l.Interval("yahoo")
	assert.Equal(t, 2*time.Second, interval)

	_, ok = l.Interval("missing")
	assert.False(t, ok)
}

func TestRateLimiter_UnknownProvider(t *testing.T) {
	l := newTestLimiter(t, timing.NewFakeClock(time.Unix(0, 0)))
	err := l.Acquire(context.Background(), "nobody")
	assert.Error(t, err)
}

func TestRateLimiter_FirstCallDoesNotWait(t *testing.T) {
	clock := timing.NewFakeClock(time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC))
	l := newTestLimiter(t, clock, core.ProviderSpec{Name: "alpaca", RateLimitPerMinute: 200})

	require.NoError(t, l.Acquire(context.Background(), "alpaca"))
	assert.Empty(t, clock.Sleeps(), "第一次调用不应等待")
}

func TestRateLimiter_SequentialSpacing(t *testing.T) {
	start := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
	clock := timing.NewFakeClock(start)
	l := newTestLimiter(t, clock, core.ProviderSpec{Name: "yahoo", RateLimitPerMinute: 60})
	ctx := context.Background()

	require.NoError(t, l.Acquire(ctx, "yahoo"))

	// 0.25 秒后再次调用，应等待剩余的 0.75 秒
	clock.Advance(250 * time.Millisecond)
	require.NoError(t, l.Acquire(ctx, "yahoo"))
	assert.Equal(t, []time.Duration{750 * time.Millisecond}, clock.Sleeps())
	assert.Equal(t, start.Add(time.Second), clock.Now())

	// 超过间隔后调用不等待
	clock.Advance(5 * time.Second)
	require.NoError(t, l.Acquire(ctx, "yahoo"))
	assert.Len(t, clock.Sleeps(), 1)
}

func TestRateLimiter_ConcurrentContentionKeepsSpacing(t *testing.T) {
	clock := timing.NewFakeClock(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))
	const rpm = 30
	l := newTestLimiter(t, clock, core.ProviderSpec{Name: "alpha_vantage", RateLimitPerMinute: rpm})
	minInterval := time.Minute / rpm

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Acquire(context.Background(), "alpha_vantage"); err != nil {
				t.Errorf("acquire failed: %v", err)
			}
		}()
	}
	wg.Wait()

	status := l.GetStatus()["alpha_vantage"].(map[string]interface{})
	assert.Equal(t, int64(25), status["calls"])

	// 假时钟只在 Sleep 时前进，所以除第一次外每次放行都必须等满一个间隔
	sleeps := clock.Sleeps()
	require.Len(t, sleeps, 24)
	for _, d := range sleeps {
		assert.Equal(t, minInterval, d)
	}
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC).Add(24*minInterval), clock.Now())
}

func TestRateLimiter_ProvidersAreIndependent(t *testing.T) {
	clock := timing.NewFakeClock(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))
	l := newTestLimiter(t, clock,
		core.ProviderSpec{Name: "yahoo", RateLimitPerMinute: 1},
		core.ProviderSpec{Name: "alpaca", RateLimitPerMinute: 1},
	)
	ctx := context.Background()

	require.NoError(t, l.Acquire(ctx, "yahoo"))
	require.NoError(t, l.Acquire(ctx, "alpaca"))
	assert.Empty(t, clock.Sleeps(), "不同提供商之间不应互相等待")
}

func TestRateLimiter_CancelledWhileWaiting(t *testing.T) {
	l := newTestLimiter(t, timing.SystemClock{}, core.ProviderSpec{Name: "yahoo", RateLimitPerMinute: 1})

	require.NoError(t, l.Acquire(context.Background(), "yahoo"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := l.Acquire(ctx, "yahoo")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)

	status := l.GetStatus()["yahoo"].(map[string]interface{})
	assert.Equal(t, int64(1), status["calls"], "取消的等待不应记录调用")
}

func TestRateLimiter_RealClockSpacing(t *testing.T) {
	// 6000 rpm => 10ms
	l := newTestLimiter(t, timing.SystemClock{}, core.ProviderSpec{Name: "yahoo", RateLimitPerMinute: 6000})
	ctx := context.Background()

	var stamps []time.Time
	for i := 0; i < 4; i++ {
		require.NoError(t, l.Acquire(ctx, "yahoo"))
		stamps = append(stamps, time.Now())
	}
	for i := 1; i < len(stamps); i++ {
		assert.GreaterOrEqual(t, stamps[i].Sub(stamps[i-1]), 10*time.Millisecond-time.Millisecond)
	}
}
