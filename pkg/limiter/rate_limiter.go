package limiter

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"stockpipe/pkg/core"
	"stockpipe/pkg/logger"
	"stockpipe/pkg/timing"

	"github.com/sirupsen/logrus"
)

// gate 单个提供商的间隔闸门，检查与更新在同一把锁内完成
type gate struct {
	mu       sync.Mutex
	interval time.Duration
	last     time.Time
	calls    int64
	waited   time.Duration
}

// RateLimiter 按提供商名称分别限流：同一提供商两次放行的间隔不小于 60/rpm 秒。
// 不同提供商之间互不阻塞。
type RateLimiter struct {
	mu    sync.RWMutex
	gates map[string]*gate
	clock timing.Clock
	log   *logrus.Entry
}

// NewRateLimiter 创建限流器，clock 为 nil 时使用系统时钟
func NewRateLimiter(clock timing.Clock, log *logrus.Entry) *RateLimiter {
	if clock == nil {
		clock = timing.SystemClock{}
	}
	if log == nil {
		log = logger.WithComponent("RateLimiter")
	}
	return &RateLimiter{
		gates: make(map[string]*gate),
		clock: clock,
		log:   log,
	}
}

// Register 注册提供商的每分钟请求数限制，重复注册会更新间隔但保留上次调用时间
func (l *RateLimiter) Register(spec core.ProviderSpec) error {
	if spec.Name == "" {
		return fmt.Errorf("provider name cannot be empty")
	}
	if spec.RateLimitPerMinute <= 0 {
		return fmt.Errorf("provider %s: rate_limit must be positive, got %d", spec.Name, spec.RateLimitPerMinute)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if g, ok := l.gates[spec.Name]; ok {
		g.mu.Lock()
		g.interval = spec.MinInterval()
		g.mu.Unlock()
		return nil
	}
	l.gates[spec.Name] = &gate{interval: spec.MinInterval()}
	return nil
}

// Acquire 阻塞直到距离该提供商上一次放行至少经过最小间隔，然后记录本次放行时间。
// 等待期间 ctx 被取消则返回 ctx 错误，且不更新时间戳。
func (l *RateLimiter) Acquire(ctx context.Context, provider string) error {
	l.mu.RLock()
	g, ok := l.gates[provider]
	l.mu.RUnlock()
	if !ok {
		return fmt.Errorf("provider %s is not registered with the rate limiter", provider)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.last.IsZero() {
		elapsed := l.clock.Now().Sub(g.last)
		if elapsed < g.interval {
			wait := g.interval - elapsed
			l.log.WithFields(logrus.Fields{
				"provider": provider,
				"wait":     wait,
			}).Debug("限流等待")
			if err := l.clock.Sleep(ctx, wait); err != nil {
				return err
			}
			g.waited += wait
		}
	}

	g.last = l.clock.Now()
	g.calls++
	return nil
}

// Interval 返回提供商的最小间隔
func (l *RateLimiter) Interval(provider string) (time.Duration, bool) {
	l.mu.RLock()
	g, ok := l.gates[provider]
	l.mu.RUnlock()
	if !ok {
		return 0, false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.interval, true
}

// GetStatus 获取各提供商的限流状态
func (l *RateLimiter) GetStatus() map[string]interface{} {
	l.mu.RLock()
	names := make([]string, 0, len(l.gates))
	for name := range l.gates {
		names = append(names, name)
	}
	l.mu.RUnlock()
	sort.Strings(names)

	status := make(map[string]interface{}, len(names))
	for _, name := range names {
		l.mu.RLock()
		g := l.gates[name]
		l.mu.RUnlock()

		g.mu.Lock()
		status[name] = map[string]interface{}{
			"min_interval": g.interval.String(),
			"last_call":    g.last,
			"calls":        g.calls,
			"total_wait":   g.waited.String(),
		}
		g.mu.Unlock()
	}
	return status
}
