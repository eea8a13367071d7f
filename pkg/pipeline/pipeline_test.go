package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockpipe/pkg/config"
	"stockpipe/pkg/core"
	pipeerr "stockpipe/pkg/error"
	"stockpipe/pkg/logger"
	"stockpipe/pkg/provider"
	"stockpipe/pkg/storage"
	"stockpipe/pkg/timing"
)

type checkpointRecorder struct {
	mu  sync.Mutex
	got []*core.Checkpoint
}

func (c *checkpointRecorder) PublishCheckpoint(_ context.Context, cp *core.Checkpoint) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, cp)
	return nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Providers.FallbackChain = []string{config.ProviderAlpaca, config.ProviderYahoo}
	cfg.Providers.Sources[config.ProviderAlpaca] = config.ProviderConfig{RateLimit: 600}
	cfg.Providers.Sources[config.ProviderYahoo] = config.ProviderConfig{RateLimit: 600}
	cfg.Batch.Concurrency = 2
	cfg.Batch.FetchTimeout = time.Second
	cfg.Batch.LookbackDays = 30
	cfg.Storage.BaseDir = filepath.Join(dir, "data")
	cfg.Storage.CheckpointPath = filepath.Join(dir, "logs", "phase2_checkpoint.json")
	cfg.Storage.CatalogPath = ""
	return cfg
}

func probedRegistry(t *testing.T, cfg *config.Config, adapters map[string]*fakeAdapter) *provider.Registry {
	t.Helper()
	r := provider.NewRegistry(logger.Discard())
	for name, a := range adapters {
		a := a
		require.NoError(t, r.RegisterFactory(name, func(config.ProviderConfig, *logrus.Entry) (provider.Adapter, error) {
			return a, nil
		}))
	}
	specs, err := cfg.ProviderSpecs()
	require.NoError(t, err)
	require.NoError(t, r.Probe(specs, cfg.Providers.Sources))
	return r
}

func TestPipeline_Run(t *testing.T) {
	cfg := testConfig(t)
	alpaca := newFakeAdapter(config.ProviderAlpaca, func(_ context.Context, ticker string) (*core.OHLCVSeries, error) {
		if ticker == "MSFT" {
			return nil, pipeerr.Transient(config.ProviderAlpaca, assert.AnError)
		}
		return barsFor(ticker), nil
	})
	yahoo := newFakeAdapter(config.ProviderYahoo, func(_ context.Context, ticker string) (*core.OHLCVSeries, error) {
		if ticker == "GONE" {
			return nil, pipeerr.NoData(config.ProviderYahoo, ticker)
		}
		return barsFor(ticker), nil
	})
	registry := probedRegistry(t, cfg, map[string]*fakeAdapter{
		config.ProviderAlpaca: alpaca,
		config.ProviderYahoo:  yahoo,
	})

	store, err := storage.NewPartitionedStore(cfg.Storage.BaseDir, logger.Discard())
	require.NoError(t, err)
	defer store.Close()

	cps := &checkpointRecorder{}
	clock := timing.NewFakeClock(time.Date(2024, 3, 8, 21, 0, 0, 0, time.UTC))
	p := New(cfg, registry, store, logger.Discard(), WithClock(clock), WithCheckpointHandler(cps))
	assert.Nil(t, p.Latest())

	report, cp, err := p.Run(context.Background(), []string{"AAPL", "MSFT", "GONE", "AAPL"})
	require.NoError(t, err)

	assert.Len(t, report.Results, 3)
	assert.Equal(t, config.ProviderAlpaca, report.Results["AAPL"].Provider)
	assert.Equal(t, config.ProviderYahoo, report.Results["MSFT"].Provider)
	assert.Equal(t, pipeerr.CodeAllProvidersExhausted, pipeerr.CodeOf(report.Results["GONE"].Reason))

	// 检查点
	assert.NotEmpty(t, cp.RunID)
	assert.Equal(t, 2, cp.Phase)
	assert.Equal(t, "data_acquisition", cp.Step)
	assert.Equal(t, "completed", cp.Status)
	assert.Equal(t, 3, cp.TickersProcessed)
	assert.Equal(t, 2, cp.SuccessfulDownloads)
	assert.Equal(t, 1, cp.FailedDownloads)
	assert.InDelta(t, 2.0/3.0, cp.DataQuality.SuccessRate, 1e-9)
	assert.Greater(t, cp.DataQuality.Completeness, 0.0)

	onDisk, err := ReadCheckpoint(cfg.Storage.CheckpointPath)
	require.NoError(t, err)
	assert.Equal(t, cp.RunID, onDisk.RunID)
	assert.Equal(t, cp.SuccessfulDownloads, onDisk.SuccessfulDownloads)

	assert.FileExists(t, filepath.Join(filepath.Dir(cfg.Storage.CheckpointPath), "data_quality_report.txt"))

	// 分区已写入
	meta, err := store.Verify("AAPL", testDay)
	require.NoError(t, err)
	assert.Equal(t, 3, meta.DataPoints)
	_, err = store.Verify("MSFT", testDay)
	require.NoError(t, err)

	require.Len(t, cps.got, 1)
	assert.Equal(t, cp.RunID, cps.got[0].RunID)
	require.NotNil(t, p.Latest())
	assert.Equal(t, cp.RunID, p.Latest().RunID)
}

func TestPipeline_EmptyChainFailsBeforeFetching(t *testing.T) {
	cfg := testConfig(t)
	adapter := newFakeAdapter(config.ProviderAlpaca, succeed)
	registry := probedRegistry(t, cfg, map[string]*fakeAdapter{
		config.ProviderAlpaca: adapter,
		config.ProviderYahoo:  newFakeAdapter(config.ProviderYahoo, succeed),
	})
	store := newMemoryStore()

	cfg.Providers.FallbackChain = nil
	p := New(cfg, registry, store, logger.Discard(), WithClock(timing.NewFakeClock(testDay)))

	report, cp, err := p.Run(context.Background(), []string{"AAPL", "MSFT"})
	require.Error(t, err)
	assert.True(t, pipeerr.IsCode(err, pipeerr.CodeConfiguration))
	assert.Nil(t, report)
	assert.Nil(t, cp)
	assert.Zero(t, adapter.Total())
	assert.Zero(t, store.Count())

	_, statErr := os.Stat(cfg.Storage.CheckpointPath)
	assert.True(t, os.IsNotExist(statErr))
}

func TestPipeline_NoAvailableProviders(t *testing.T) {
	cfg := testConfig(t)
	p := New(cfg, provider.NewRegistry(logger.Discard()), newMemoryStore(), logger.Discard())

	_, _, err := p.Run(context.Background(), []string{"AAPL"})
	require.Error(t, err)
	assert.True(t, pipeerr.IsCode(err, pipeerr.CodeConfiguration))
}

func TestBuildCheckpoint_EmptyRun(t *testing.T) {
	cp := BuildCheckpoint("run", testDay, &RunReport{Results: map[string]core.FetchResult{}}, nil)
	assert.Equal(t, 0, cp.TickersProcessed)
	assert.Zero(t, cp.DataQuality.SuccessRate)
	assert.Zero(t, cp.DataQuality.Completeness)
	assert.Equal(t, testDay, cp.Timestamp)
}

func TestWriteCheckpoint(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "cp.json")
	cp := &core.Checkpoint{RunID: "r1", Phase: 2, Step: "data_acquisition", Status: "completed"}
	require.NoError(t, WriteCheckpoint(path, cp))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"phase": 2`)
	assert.Contains(t, string(raw), `"step": "data_acquisition"`)
	assert.Contains(t, string(raw), `"data_quality"`)

	assert.Error(t, WriteCheckpoint("", cp))
}

func TestNewFromConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Providers.FallbackChain = []string{config.ProviderAlpaca, config.ProviderYahoo}
	cfg.Storage.CatalogPath = filepath.Join(t.TempDir(), "catalog.db")
	cfg.Providers.Sources[config.ProviderYahoo] = config.ProviderConfig{
		RateLimit:      60,
		CircuitBreaker: config.CircuitBreakerConfig{Enabled: true},
	}

	rt, err := NewFromConfig(context.Background(), cfg, logger.Discard())
	require.NoError(t, err)
	defer rt.Close()

	// alpaca 缺少凭据被排除
	available, excluded := rt.Registry.ListProviders()
	assert.Equal(t, []string{config.ProviderYahoo}, available)
	assert.Equal(t, []string{config.ProviderAlpaca}, excluded)
	assert.True(t, pipeerr.IsCode(rt.Registry.Excluded()[config.ProviderAlpaca], pipeerr.CodeUnavailable))
	assert.NotNil(t, rt.Catalog)
	assert.NotNil(t, rt.Pipeline)
}

func TestNewFromConfig_NothingAvailable(t *testing.T) {
	cfg := testConfig(t)
	cfg.Providers.FallbackChain = []string{config.ProviderAlpaca}

	_, err := NewFromConfig(context.Background(), cfg, logger.Discard())
	require.Error(t, err)
	assert.True(t, pipeerr.IsCode(err, pipeerr.CodeConfiguration))
}
