package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"stockpipe/pkg/core"
	pipeerr "stockpipe/pkg/error"
	"stockpipe/pkg/limiter"
	"stockpipe/pkg/logger"
	"stockpipe/pkg/provider"

	"github.com/sirupsen/logrus"
)

// Fetcher 获取单只股票的结果，BatchScheduler 只依赖此接口
type Fetcher interface {
	Fetch(ctx context.Context, ticker string, start, end time.Time) core.FetchResult
}

// FallbackCoordinator 按回退链顺序依次尝试各提供商，第一个返回有效数据的胜出。
// 每个提供商每次调用最多尝试一次，不做重试。
type FallbackCoordinator struct {
	providers    []provider.Entry
	limiter      *limiter.RateLimiter
	fetchTimeout time.Duration
	log          *logrus.Entry
}

// NewFallbackCoordinator 创建回退协调器，并把各提供商的限额注册到限流器
func NewFallbackCoordinator(providers []provider.Entry, rl *limiter.RateLimiter, fetchTimeout time.Duration, log *logrus.Entry) (*FallbackCoordinator, error) {
	if len(providers) == 0 {
		return nil, pipeerr.Configuration("fallback chain has no available provider")
	}
	if rl == nil {
		return nil, fmt.Errorf("rate limiter cannot be nil")
	}
	if log == nil {
		log = logger.WithComponent("FallbackCoordinator")
	}

	for _, p := range providers {
		if err := rl.Register(p.Spec); err != nil {
			return nil, pipeerr.WrapError(pipeerr.CodeConfiguration, "register rate limit", err)
		}
	}

	return &FallbackCoordinator{
		providers:    providers,
		limiter:      rl,
		fetchTimeout: fetchTimeout,
		log:          log,
	}, nil
}

// Providers 返回回退链上的提供商名称
func (f *FallbackCoordinator) Providers() []string {
	names := make([]string, 0, len(f.providers))
	for _, p := range f.providers {
		names = append(names, p.Spec.Name)
	}
	return names
}

// Fetch 获取单只股票，全部提供商失败时返回 ALL_PROVIDERS_EXHAUSTED，
// 其中包装了每个提供商的失败原因
func (f *FallbackCoordinator) Fetch(ctx context.Context, ticker string, start, end time.Time) core.FetchResult {
	began := time.Now()
	log := f.log.WithField("ticker", ticker)

	causes := make([]error, 0, len(f.providers))
	for _, p := range f.providers {
		name := p.Spec.Name

		series, err := f.attempt(ctx, p, ticker, start, end)
		if err == nil {
			result := core.Success(series, name)
			result.Duration = time.Since(began)
			log.WithFields(logrus.Fields{
				"provider":    name,
				"data_points": series.Len(),
			}).Debug("获取成功")
			return result
		}

		causes = append(causes, fmt.Errorf("%s: %w", name, err))
		log.WithFields(logrus.Fields{
			"provider": name,
			"code":     pipeerr.CodeOf(err),
			"error":    err,
		}).Debug("提供商失败，尝试下一个")

		// 调用方主动取消时不再尝试剩余提供商；单次获取超时只影响当前提供商
		if ctx.Err() != nil {
			break
		}
	}

	reason := pipeerr.WrapError(pipeerr.CodeAllProvidersExhausted,
		fmt.Sprintf("all %d providers failed for %s", len(causes), ticker), errors.Join(causes...)).
		WithContext("ticker", ticker)
	result := core.Failure(ticker, reason)
	result.Duration = time.Since(began)
	log.WithField("attempts", len(causes)).Warn("所有提供商均失败")
	return result
}

func (f *FallbackCoordinator) attempt(ctx context.Context, p provider.Entry, ticker string, start, end time.Time) (*core.OHLCVSeries, error) {
	if err := ctx.Err(); err != nil {
		return nil, pipeerr.Transient(p.Spec.Name, err)
	}
	if err := f.limiter.Acquire(ctx, p.Spec.Name); err != nil {
		return nil, pipeerr.Transient(p.Spec.Name, fmt.Errorf("rate limiter: %w", err))
	}

	fctx := ctx
	if f.fetchTimeout > 0 {
		var cancel context.CancelFunc
		fctx, cancel = context.WithTimeout(ctx, f.fetchTimeout)
		defer cancel()
	}

	name := p.Spec.Name
	fctx = provider.WithPacer(fctx, func(ctx context.Context) error {
		return f.limiter.Acquire(ctx, name)
	})

	series, err := p.Adapter.Fetch(fctx, ticker, start, end)
	if err != nil {
		if pipeerr.CodeOf(err) == "" {
			err = pipeerr.Transient(p.Spec.Name, err)
		}
		return nil, err
	}
	if series.IsEmpty() {
		return nil, pipeerr.NoData(p.Spec.Name, ticker)
	}
	if series.Ticker == "" {
		series.Ticker = ticker
	}
	if err := series.Validate(); err != nil {
		return nil, pipeerr.Transient(p.Spec.Name, fmt.Errorf("invalid series: %w", err))
	}
	return series, nil
}
