package decorators

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"stockpipe/pkg/core"
	pipeerr "stockpipe/pkg/error"
	"stockpipe/pkg/limiter"
	"stockpipe/pkg/logger"
	"stockpipe/pkg/provider"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// CircuitBreakerProvider 熔断器装饰器
// 使用 sony/gobreaker 提供熔断功能，熔断打开期间直接返回 TRANSIENT，回退链继续尝试下一个提供商
type CircuitBreakerProvider struct {
	*BaseDecorator

	// 熔断器组件
	cb     *gobreaker.CircuitBreaker
	config *CircuitBreakerConfig

	// 统计信息
	mu    sync.RWMutex
	stats CircuitBreakerStats
	log   *logrus.Entry
}

// CircuitBreakerConfig 熔断器配置
type CircuitBreakerConfig struct {
	Name        string        `yaml:"name"`          // 熔断器名称
	MaxRequests uint32        `yaml:"max_requests"`  // 半开状态下的最大请求数
	Interval    time.Duration `yaml:"interval"`      // 统计窗口时间
	Timeout     time.Duration `yaml:"timeout"`       // 熔断器打开后的超时时间
	ReadyToTrip uint32        `yaml:"ready_to_trip"` // 触发熔断的连续失败次数阈值
}

// CircuitBreakerStats 熔断器统计信息
type CircuitBreakerStats struct {
	TotalRequests      int64     `json:"total_requests"`
	SuccessfulRequests int64     `json:"successful_requests"`
	FailedRequests     int64     `json:"failed_requests"`
	RejectedRequests   int64     `json:"rejected_requests"`
	LastFailure        time.Time `json:"last_failure"`
}

// DefaultCircuitBreakerConfig 默认熔断器配置
func DefaultCircuitBreakerConfig() *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		Name:        "OHLCVProvider",
		MaxRequests: 1,                // 半开状态允许1个探测请求
		Interval:    60 * time.Second, // 60秒统计窗口
		Timeout:     30 * time.Second, // 熔断30秒
		ReadyToTrip: 5,                // 连续5次失败触发熔断
	}
}

// NewCircuitBreakerProvider 创建熔断器装饰器。
// 无数据类错误不计为失败，只有网络、限流、服务端等错误才会累积到熔断阈值。
func NewCircuitBreakerProvider(base provider.Adapter, config *CircuitBreakerConfig, log *logrus.Entry) *CircuitBreakerProvider {
	if config == nil {
		config = DefaultCircuitBreakerConfig()
	}
	if config.Name == "" {
		config.Name = base.Name()
	}
	if log == nil {
		log = logger.WithComponent("CircuitBreaker")
	}
	classifier := limiter.NewErrorClassifier()

	settings := gobreaker.Settings{
		Name:        config.Name,
		MaxRequests: config.MaxRequests,
		Interval:    config.Interval,
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.ReadyToTrip
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("熔断器状态变更")
		},
		IsSuccessful: func(err error) bool {
			return !classifier.CountsAsFailure(err)
		},
	}

	return &CircuitBreakerProvider{
		BaseDecorator: NewBaseDecorator(base),
		cb:            gobreaker.NewCircuitBreaker(settings),
		config:        config,
		log:           log,
	}
}

// Fetch 实现带熔断器的K线获取
func (c *CircuitBreakerProvider) Fetch(ctx context.Context, ticker string, start, end time.Time) (*core.OHLCVSeries, error) {
	c.mu.Lock()
	c.stats.TotalRequests++
	c.mu.Unlock()

	result, err := c.cb.Execute(func() (interface{}, error) {
		return c.base.Fetch(ctx, ticker, start, end)
	})

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		c.mu.Lock()
		c.stats.RejectedRequests++
		c.mu.Unlock()
		return nil, pipeerr.Transient(c.Name(), fmt.Errorf("circuit breaker %s: %w", c.config.Name, err))
	}

	c.handleResult(err)
	if err != nil {
		return nil, err
	}

	series, ok := result.(*core.OHLCVSeries)
	if !ok {
		return nil, pipeerr.Transient(c.Name(), fmt.Errorf("熔断器返回数据类型错误: %T", result))
	}
	return series, nil
}

// handleResult 更新统计信息
func (c *CircuitBreakerProvider) handleResult(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err != nil {
		c.stats.FailedRequests++
		c.stats.LastFailure = time.Now()
	} else {
		c.stats.SuccessfulRequests++
	}
}

// GetState 获取熔断器当前状态
func (c *CircuitBreakerProvider) GetState() gobreaker.State {
	return c.cb.State()
}

// GetCounts 获取熔断器计数信息
func (c *CircuitBreakerProvider) GetCounts() gobreaker.Counts {
	return c.cb.Counts()
}

// GetStats 获取统计信息副本
func (c *CircuitBreakerProvider) GetStats() CircuitBreakerStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

// GetStatus 获取熔断器状态信息
func (c *CircuitBreakerProvider) GetStatus() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()

	counts := c.cb.Counts()

	return map[string]interface{}{
		"decorator_type": "CircuitBreaker",
		"base_provider":  c.base.Name(),
		"state":          c.cb.State().String(),
		"counts": map[string]interface{}{
			"requests":              counts.Requests,
			"total_successes":       counts.TotalSuccesses,
			"total_failures":        counts.TotalFailures,
			"consecutive_successes": counts.ConsecutiveSuccesses,
			"consecutive_failures":  counts.ConsecutiveFailures,
		},
		"stats": map[string]interface{}{
			"total_requests":      c.stats.TotalRequests,
			"successful_requests": c.stats.SuccessfulRequests,
			"failed_requests":     c.stats.FailedRequests,
			"rejected_requests":   c.stats.RejectedRequests,
			"last_failure":        c.stats.LastFailure,
		},
	}
}

// IsOpen 检查熔断器是否处于打开状态
func (c *CircuitBreakerProvider) IsOpen() bool {
	return c.cb.State() == gobreaker.StateOpen
}
