package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"stockpipe/pkg/core"
	pipeerr "stockpipe/pkg/error"
)

// fakeAdapter 按股票代码返回预设结果并记录调用
type fakeAdapter struct {
	name  string
	delay time.Duration
	fn    func(ctx context.Context, ticker string) (*core.OHLCVSeries, error)

	mu    sync.Mutex
	calls map[string]int
	total atomic.Int64
}

func newFakeAdapter(name string, fn func(ctx context.Context, ticker string) (*core.OHLCVSeries, error)) *fakeAdapter {
	return &fakeAdapter{name: name, fn: fn, calls: make(map[string]int)}
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Fetch(ctx context.Context, ticker string, start, end time.Time) (*core.OHLCVSeries, error) {
	f.total.Add(1)
	f.mu.Lock()
	f.calls[ticker]++
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.fn(ctx, ticker)
}

func (f *fakeAdapter) Calls(ticker string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[ticker]
}

func (f *fakeAdapter) Total() int {
	return int(f.total.Load())
}

var testDay = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func barsFor(ticker string) *core.OHLCVSeries {
	return &core.OHLCVSeries{Ticker: ticker, Bars: []core.Bar{
		{Timestamp: testDay, Open: 100, High: 102, Low: 99, Close: 101, Volume: 1000},
		{Timestamp: testDay.AddDate(0, 0, 3), Open: 101, High: 103, Low: 100, Close: 102, Volume: 1200},
		{Timestamp: testDay.AddDate(0, 0, 4), Open: 102, High: 104, Low: 101, Close: 103, Volume: 900},
	}}
}

func succeed(_ context.Context, ticker string) (*core.OHLCVSeries, error) {
	return barsFor(ticker), nil
}

func noData(name string) func(context.Context, string) (*core.OHLCVSeries, error) {
	return func(_ context.Context, ticker string) (*core.OHLCVSeries, error) {
		return nil, pipeerr.NoData(name, ticker)
	}
}

func transient(name string) func(context.Context, string) (*core.OHLCVSeries, error) {
	return func(_ context.Context, _ string) (*core.OHLCVSeries, error) {
		return nil, pipeerr.Transient(name, errors.New("503 service unavailable"))
	}
}

// memoryStore 记录持久化调用的内存存储
type memoryStore struct {
	mu        sync.Mutex
	persisted map[string]*core.OHLCVSeries
	err       error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{persisted: make(map[string]*core.OHLCVSeries)}
}

func (m *memoryStore) Persist(_ context.Context, series *core.OHLCVSeries) (*core.PartitionMetadata, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.persisted[series.Ticker] = series
	return &core.PartitionMetadata{
		Ticker:     series.Ticker,
		DataPoints: series.Len(),
		DateRange:  core.DateRange{Start: series.First(), End: series.Last()},
	}, nil
}

func (m *memoryStore) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.persisted)
}
