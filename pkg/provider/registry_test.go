package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	"stockpipe/pkg/config"
	"stockpipe/pkg/core"
	pipeerr "stockpipe/pkg/error"
	"stockpipe/pkg/logger"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubAdapter 模拟提供商
type stubAdapter struct {
	name   string
	closed bool
}

func (s *stubAdapter) Name() string { return s.name }

func (s *stubAdapter) Fetch(ctx context.Context, ticker string, start, end time.Time) (*core.OHLCVSeries, error) {
	return &core.OHLCVSeries{Ticker: ticker}, nil
}

func (s *stubAdapter) Close() error {
	s.closed = true
	return nil
}

func stubFactory(name string) Factory {
	return func(cfg config.ProviderConfig, log *logrus.Entry) (Adapter, error) {
		return &stubAdapter{name: name}, nil
	}
}

func specs(names ...string) []core.ProviderSpec {
	out := make([]core.ProviderSpec, 0, len(names))
	for i, n := range names {
		out = append(out, core.ProviderSpec{Name: n, RateLimitPerMinute: 60, Position: i})
	}
	return out
}

func TestRegistry_RegisterFactory(t *testing.T) {
	r := NewRegistry(logger.Discard())

	assert.Error(t, r.RegisterFactory("", stubFactory("x")), "空名称应该返回错误")
	assert.Error(t, r.RegisterFactory("yahoo", nil), "空工厂应该返回错误")
	assert.NoError(t, r.RegisterFactory("yahoo", stubFactory("yahoo")))
}

func TestRegistry_ProbeKeepsChainOrder(t *testing.T) {
	r := NewRegistry(logger.Discard())
	for _, n := range []string{"yahoo", "alpaca", "alpha_vantage"} {
		require.NoError(t, r.RegisterFactory(n, stubFactory(n)))
	}

	require.NoError(t, r.Probe(specs("alpha_vantage", "yahoo", "alpaca"), nil))

	available, excluded := r.ListProviders()
	assert.Equal(t, []string{"alpha_vantage", "yahoo", "alpaca"}, available)
	assert.Empty(t, excluded)

	entries := r.Available()
	require.Len(t, entries, 3)
	assert.Equal(t, 0, entries[0].Spec.Position)
	assert.Equal(t, "alpha_vantage", entries[0].Adapter.Name())
}

func TestRegistry_ProbeExcludesUnavailable(t *testing.T) {
	r := NewRegistry(logger.Discard())
	require.NoError(t, r.RegisterFactory("yahoo", stubFactory("yahoo")))
	require.NoError(t, r.RegisterFactory("alpaca", func(cfg config.ProviderConfig, log *logrus.Entry) (Adapter, error) {
		return nil, pipeerr.Unavailable("alpaca", "missing api key")
	}))
	require.NoError(t, r.RegisterFactory("alpha_vantage", func(cfg config.ProviderConfig, log *logrus.Entry) (Adapter, error) {
		return nil, errors.New("boom")
	}))

	require.NoError(t, r.Probe(specs("alpaca", "yahoo", "alpha_vantage"), nil))

	entries := r.Available()
	require.Len(t, entries, 1)
	assert.Equal(t, "yahoo", entries[0].Spec.Name)

	excluded := r.Excluded()
	require.Len(t, excluded, 2)
	assert.True(t, pipeerr.IsCode(excluded["alpaca"], pipeerr.CodeUnavailable))
	assert.True(t, pipeerr.IsCode(excluded["alpha_vantage"], pipeerr.CodeUnavailable), "普通初始化错误也应归为不可用")

	_, err := r.Get("alpaca")
	assert.Error(t, err)
	a, err := r.Get("yahoo")
	require.NoError(t, err)
	assert.Equal(t, "yahoo", a.Name())
}

func TestRegistry_ProbeConfigurationErrors(t *testing.T) {
	r := NewRegistry(logger.Discard())
	require.NoError(t, r.RegisterFactory("alpaca", func(cfg config.ProviderConfig, log *logrus.Entry) (Adapter, error) {
		return nil, pipeerr.Unavailable("alpaca", "missing api key")
	}))

	err := r.Probe(nil, nil)
	assert.True(t, pipeerr.IsCode(err, pipeerr.CodeConfiguration), "空回退链应为配置错误")

	err = r.Probe(specs("quandl"), nil)
	assert.True(t, pipeerr.IsCode(err, pipeerr.CodeConfiguration), "未知提供商应为配置错误")

	err = r.Probe(specs("alpaca"), nil)
	assert.True(t, pipeerr.IsCode(err, pipeerr.CodeConfiguration), "全部不可用应为配置错误")
	assert.Empty(t, r.Available())
}

func TestRegistry_FactoryReceivesSettings(t *testing.T) {
	r := NewRegistry(logger.Discard())
	var got config.ProviderConfig
	require.NoError(t, r.RegisterFactory("alpaca", func(cfg config.ProviderConfig, log *logrus.Entry) (Adapter, error) {
		got = cfg
		return &stubAdapter{name: "alpaca"}, nil
	}))

	settings := map[string]config.ProviderConfig{
		"alpaca": {RateLimit: 200, APIKey: "key", APISecret: "secret"},
	}
	require.NoError(t, r.Probe(specs("alpaca"), settings))
	assert.Equal(t, "key", got.APIKey)
	assert.Equal(t, "secret", got.APISecret)
}

// namedWrapper 用于验证装饰器被应用
type namedWrapper struct {
	Adapter
	tag string
}

func TestRegistry_Decorators(t *testing.T) {
	r := NewRegistry(logger.Discard())
	require.NoError(t, r.RegisterFactory("yahoo", stubFactory("yahoo")))
	r.Use(func(spec core.ProviderSpec, cfg config.ProviderConfig, a Adapter) Adapter {
		return &namedWrapper{Adapter: a, tag: "inner"}
	})
	r.Use(func(spec core.ProviderSpec, cfg config.ProviderConfig, a Adapter) Adapter {
		return &namedWrapper{Adapter: a, tag: "outer"}
	})

	require.NoError(t, r.Probe(specs("yahoo"), nil))

	outer, ok := r.Available()[0].Adapter.(*namedWrapper)
	require.True(t, ok)
	assert.Equal(t, "outer", outer.tag)
	inner, ok := outer.Adapter.(*namedWrapper)
	require.True(t, ok)
	assert.Equal(t, "inner", inner.tag)
	assert.Equal(t, "yahoo", outer.Name())
}

func TestRegistry_AddAndClose(t *testing.T) {
	r := NewRegistry(logger.Discard())
	a := &stubAdapter{name: "yahoo"}

	require.NoError(t, r.Add(core.ProviderSpec{RateLimitPerMinute: 60}, a))
	assert.Error(t, r.Add(core.ProviderSpec{Name: "yahoo"}, &stubAdapter{name: "yahoo"}), "重复名称应该返回错误")
	assert.Error(t, r.Add(core.ProviderSpec{Name: "nil"}, nil))

	assert.Equal(t, "yahoo", r.Specs()[0].Name, "未指定名称时使用提供商名称")

	require.NoError(t, r.Close())
	assert.True(t, a.closed)
	assert.Empty(t, r.Available())
}
