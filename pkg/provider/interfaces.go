package provider

import (
	"context"
	"time"

	"stockpipe/pkg/config"
	"stockpipe/pkg/core"

	"github.com/sirupsen/logrus"
)

// Adapter 是所有行情数据提供商的能力接口。
// 每个实现负责把数据源的原生字段转换为统一的 open/high/low/close/volume。
type Adapter interface {
	// Name 返回提供商的名称，例如 "yahoo" 或 "alpaca"。
	Name() string

	// Fetch 获取单只股票在 [start, end] 区间内的日K线，按时间升序返回。
	// 请求成功但结果为空时返回 NO_DATA 错误，网络或接口失败返回 TRANSIENT 错误。
	Fetch(ctx context.Context, ticker string, start, end time.Time) (*core.OHLCVSeries, error)
}

// Closable 可关闭接口
// 需要清理资源的提供商应实现此接口
type Closable interface {
	Close() error
}

// Factory 根据配置构建提供商。
// 初始化失败（例如缺少凭据）时返回 UNAVAILABLE 错误，该提供商在本次运行中被排除。
type Factory func(cfg config.ProviderConfig, log *logrus.Entry) (Adapter, error)

type pacerKey struct{}

// Pacer 在一次 Fetch 内发出额外 HTTP 请求（例如分页）之前调用，用于遵守提供商的请求间隔
type Pacer func(ctx context.Context) error

// WithPacer 把 Pacer 放入 ctx，供适配器在后续请求前使用
func WithPacer(ctx context.Context, p Pacer) context.Context {
	return context.WithValue(ctx, pacerKey{}, p)
}

// Pace 调用 ctx 中的 Pacer，未设置时直接返回
func Pace(ctx context.Context) error {
	if p, ok := ctx.Value(pacerKey{}).(Pacer); ok && p != nil {
		return p(ctx)
	}
	return nil
}
