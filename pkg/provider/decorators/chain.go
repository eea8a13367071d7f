package decorators

import (
	"stockpipe/pkg/config"
	"stockpipe/pkg/core"
	"stockpipe/pkg/provider"

	"github.com/sirupsen/logrus"
)

// FromConfig 返回供 ProviderRegistry.Use 使用的装饰器：
// 提供商配置中启用了 circuit_breaker 时包一层熔断器，否则原样返回。
func FromConfig(log *logrus.Entry) provider.Decorator {
	return func(spec core.ProviderSpec, cfg config.ProviderConfig, a provider.Adapter) provider.Adapter {
		cb := cfg.CircuitBreaker
		if !cb.Enabled {
			return a
		}

		breakerCfg := DefaultCircuitBreakerConfig()
		breakerCfg.Name = spec.Name
		if cb.MaxRequests > 0 {
			breakerCfg.MaxRequests = cb.MaxRequests
		}
		if cb.Interval > 0 {
			breakerCfg.Interval = cb.Interval
		}
		if cb.Timeout > 0 {
			breakerCfg.Timeout = cb.Timeout
		}
		if cb.ConsecutiveFailures > 0 {
			breakerCfg.ReadyToTrip = cb.ConsecutiveFailures
		}

		var entry *logrus.Entry
		if log != nil {
			entry = log.WithField("provider", spec.Name)
		}
		return NewCircuitBreakerProvider(a, breakerCfg, entry)
	}
}
