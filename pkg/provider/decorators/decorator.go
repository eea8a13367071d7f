package decorators

import (
	"context"
	"time"

	"stockpipe/pkg/core"
	"stockpipe/pkg/provider"
)

// Decorator 装饰器基础接口
// 所有装饰器都应该实现此接口
type Decorator interface {
	provider.Adapter

	// GetBaseProvider 获取被装饰的基础提供商
	GetBaseProvider() provider.Adapter
}

// BaseDecorator 装饰器基础实现
// 提供通用的装饰器功能，名称沿用被装饰的提供商
type BaseDecorator struct {
	base provider.Adapter
}

// NewBaseDecorator 创建基础装饰器
func NewBaseDecorator(base provider.Adapter) *BaseDecorator {
	return &BaseDecorator{base: base}
}

// Name 实现 Adapter 接口
func (d *BaseDecorator) Name() string {
	return d.base.Name()
}

// Fetch 实现 Adapter 接口
func (d *BaseDecorator) Fetch(ctx context.Context, ticker string, start, end time.Time) (*core.OHLCVSeries, error) {
	return d.base.Fetch(ctx, ticker, start, end)
}

// GetBaseProvider 实现 Decorator 接口
func (d *BaseDecorator) GetBaseProvider() provider.Adapter {
	return d.base
}

// Close 关闭被装饰的提供商
func (d *BaseDecorator) Close() error {
	if closable, ok := d.base.(provider.Closable); ok {
		return closable.Close()
	}
	return nil
}

// Unwrap 逐层剥离装饰器，返回最内层的提供商
func Unwrap(a provider.Adapter) provider.Adapter {
	for {
		d, ok := a.(Decorator)
		if !ok {
			return a
		}
		a = d.GetBaseProvider()
	}
}
