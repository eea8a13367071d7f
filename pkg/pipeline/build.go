package pipeline

import (
	"context"
	"fmt"

	"stockpipe/pkg/config"
	"stockpipe/pkg/logger"
	"stockpipe/pkg/provider"
	"stockpipe/pkg/provider/alpaca"
	"stockpipe/pkg/provider/alphavantage"
	"stockpipe/pkg/provider/decorators"
	"stockpipe/pkg/provider/yahoo"
	"stockpipe/pkg/sink"
	"stockpipe/pkg/storage"

	"github.com/go-redis/redis/v8"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/sirupsen/logrus"
)

// Factories 内置提供商工厂，键为配置中的名称
func Factories() map[string]provider.Factory {
	return map[string]provider.Factory{
		config.ProviderYahoo:        yahoo.Factory,
		config.ProviderAlpaca:       alpaca.Factory,
		config.ProviderAlphaVantage: alphavantage.Factory,
	}
}

// Runtime 按配置组装好的运行环境
type Runtime struct {
	Pipeline *Pipeline
	Registry *provider.Registry
	Store    *storage.PartitionedStore
	Catalog  *storage.Catalog // 未配置 catalog_path 时为 nil

	closers []func() error
	log     *logrus.Entry
}

// NewFromConfig 探测提供商并创建存储与可选的结果输出。
// 回退链为空或没有任何可用提供商时返回 CONFIGURATION 错误。
func NewFromConfig(ctx context.Context, cfg *config.Config, log *logrus.Entry) (*Runtime, error) {
	if log == nil {
		log = logger.WithComponent("Pipeline")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	specs, err := cfg.ProviderSpecs()
	if err != nil {
		return nil, err
	}

	rt := &Runtime{log: log}
	ok := false
	defer func() {
		if !ok {
			rt.Close()
		}
	}()

	registry := provider.NewRegistry(log.WithField("component", "ProviderRegistry"))
	for name, f := range Factories() {
		if err := registry.RegisterFactory(name, f); err != nil {
			return nil, err
		}
	}
	registry.Use(decorators.FromConfig(log.WithField("component", "CircuitBreaker")))
	if err := registry.Probe(specs, cfg.Providers.Sources); err != nil {
		return nil, err
	}
	rt.Registry = registry
	rt.closers = append(rt.closers, registry.Close)

	store, err := storage.NewPartitionedStore(cfg.Storage.BaseDir, log.WithField("component", "PartitionedStore"))
	if err != nil {
		return nil, err
	}
	rt.Store = store
	rt.closers = append(rt.closers, store.Close)

	var opts []Option
	if cfg.Storage.CatalogPath != "" {
		catalog, err := storage.NewCatalog(cfg.Storage.CatalogPath, log.WithField("component", "Catalog"))
		if err != nil {
			return nil, err
		}
		rt.Catalog = catalog
		rt.closers = append(rt.closers, catalog.Close)
		opts = append(opts, WithResultHandler(sink.NewCatalogRecorder(catalog)))
	}

	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		rt.closers = append(rt.closers, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		publisher := sink.NewRedisPublisher(client, "stockpipe", cfg.Redis.MaxLen, log.WithField("component", "RedisPublisher"))
		opts = append(opts, WithResultHandler(publisher), WithCheckpointHandler(publisher))
		log.WithField("addr", cfg.Redis.Addr).Info("✓ Redis 结果流已连接")
	}

	if cfg.InfluxDB.Enabled {
		client := influxdb2.NewClient(cfg.InfluxDB.URL, cfg.InfluxDB.Token)
		rt.closers = append(rt.closers, func() error { client.Close(); return nil })
		health, err := client.Health(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to InfluxDB: %w", err)
		}
		if health.Status != "pass" {
			return nil, fmt.Errorf("InfluxDB health check failed: %s", health.Status)
		}
		writeAPI := client.WriteAPIBlocking(cfg.InfluxDB.Org, cfg.InfluxDB.Bucket)
		opts = append(opts, WithResultHandler(sink.NewInfluxMirror(writeAPI, log.WithField("component", "InfluxMirror"))))
		log.WithField("url", cfg.InfluxDB.URL).Info("✓ InfluxDB 镜像已连接")
	}

	rt.Pipeline = New(cfg, registry, store, log, opts...)

	available, excluded := registry.ListProviders()
	log.WithFields(logrus.Fields{
		"available": available,
		"excluded":  excluded,
	}).Info("运行环境就绪")

	ok = true
	return rt, nil
}

// Close 按创建的逆序释放资源
func (rt *Runtime) Close() error {
	var first error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	rt.closers = nil
	return first
}
