package pipeline

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"stockpipe/pkg/core"
	pipeerr "stockpipe/pkg/error"
	"stockpipe/pkg/logger"
	"stockpipe/pkg/storage"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ResultHandler 在结果确定后接收每只股票的结果，例如发布到消息流或写入目录。
// 处理器由收集协程依次调用，返回的错误只记录日志。
type ResultHandler interface {
	HandleResult(ctx context.Context, result core.FetchResult) error
}

// ResultHandlerFunc 函数形式的 ResultHandler
type ResultHandlerFunc func(ctx context.Context, result core.FetchResult) error

func (f ResultHandlerFunc) HandleResult(ctx context.Context, result core.FetchResult) error {
	return f(ctx, result)
}

// RunReport 一次批次运行的全部结果，每只输入股票恰好一条
type RunReport struct {
	Results  map[string]core.FetchResult
	Tickers  []string // 去重后的输入顺序
	Started  time.Time
	Finished time.Time
}

// Successes 按输入顺序返回成功的结果
func (r *RunReport) Successes() []core.FetchResult {
	return r.filter(true)
}

// Failures 按输入顺序返回失败的结果
func (r *RunReport) Failures() []core.FetchResult {
	return r.filter(false)
}

func (r *RunReport) filter(ok bool) []core.FetchResult {
	out := make([]core.FetchResult, 0)
	for _, t := range r.Tickers {
		if res, found := r.Results[t]; found && res.OK() == ok {
			out = append(out, res)
		}
	}
	return out
}

// SuccessRate 成功占比，没有股票时为 0
func (r *RunReport) SuccessRate() float64 {
	if len(r.Tickers) == 0 {
		return 0
	}
	return float64(len(r.Successes())) / float64(len(r.Tickers))
}

// FailureCodes 按错误代码统计失败数量
func (r *RunReport) FailureCodes() map[pipeerr.ErrorCode]int {
	out := make(map[pipeerr.ErrorCode]int)
	for _, res := range r.Failures() {
		out[pipeerr.CodeOf(res.Reason)]++
	}
	return out
}

// BatchScheduler 以有限并发对一批股票执行获取与持久化
type BatchScheduler struct {
	fetcher  Fetcher
	store    storage.Store
	handlers []ResultHandler

	inFlight atomic.Int64
	peak     atomic.Int64

	log *logrus.Entry
}

// NewBatchScheduler 创建批次调度器
func NewBatchScheduler(fetcher Fetcher, store storage.Store, log *logrus.Entry, handlers ...ResultHandler) *BatchScheduler {
	if log == nil {
		log = logger.WithComponent("BatchScheduler")
	}
	return &BatchScheduler{
		fetcher:  fetcher,
		store:    store,
		handlers: handlers,
		log:      log,
	}
}

// Use 追加结果处理器
func (b *BatchScheduler) Use(h ResultHandler) {
	b.handlers = append(b.handlers, h)
}

// PeakInFlight 最近一次运行中同时处理的最大股票数
func (b *BatchScheduler) PeakInFlight() int {
	return int(b.peak.Load())
}

// Run 最多 n 只股票同时处理，第 n+1 只等待空闲槽位。
// 单只股票失败不影响其他股票；重复的输入只处理第一次出现的那只。
// ctx 取消后尚未开始的股票记为 CANCELLED，已开始的继续完成或超时。
func (b *BatchScheduler) Run(ctx context.Context, tickers []string, start, end time.Time, n int) (*RunReport, error) {
	if n <= 0 {
		return nil, pipeerr.Configuration("concurrency must be positive, got %d", n)
	}
	if b.fetcher == nil || b.store == nil {
		return nil, fmt.Errorf("batch scheduler requires a fetcher and a store")
	}

	unique := dedupe(tickers)
	report := &RunReport{
		Results: make(map[string]core.FetchResult, len(unique)),
		Tickers: unique,
		Started: time.Now(),
	}
	b.peak.Store(0)

	b.log.WithFields(logrus.Fields{
		"tickers":     len(unique),
		"duplicates":  len(tickers) - len(unique),
		"concurrency": n,
		"start":       start.Format("2006-01-02"),
		"end":         end.Format("2006-01-02"),
	}).Info("批次开始")

	results := make(chan core.FetchResult, len(unique))
	collected := make(chan struct{})
	go b.collect(ctx, results, report, collected)

	var g errgroup.Group
	g.SetLimit(n)
	for _, ticker := range unique {
		if ctx.Err() != nil {
			results <- cancelled(ticker, ctx.Err())
			continue
		}

		ticker := ticker
		g.Go(func() error {
			// 等待槽位期间批次可能已经到期
			if err := ctx.Err(); err != nil {
				results <- cancelled(ticker, err)
				return nil
			}
			results <- b.process(ctx, ticker, start, end)
			return nil
		})
	}
	_ = g.Wait()
	close(results)
	<-collected

	report.Finished = time.Now()
	b.log.WithFields(logrus.Fields{
		"successes": len(report.Successes()),
		"failures":  len(report.Failures()),
		"peak":      b.PeakInFlight(),
		"elapsed":   report.Finished.Sub(report.Started).Round(time.Millisecond),
	}).Info("批次完成")
	return report, nil
}

// collect 唯一写入 report 的协程
func (b *BatchScheduler) collect(ctx context.Context, results <-chan core.FetchResult, report *RunReport, done chan<- struct{}) {
	defer close(done)
	hctx := context.WithoutCancel(ctx)

	for res := range results {
		report.Results[res.Ticker] = res

		for _, h := range b.handlers {
			if err := h.HandleResult(hctx, res); err != nil {
				b.log.WithFields(logrus.Fields{
					"ticker": res.Ticker,
					"error":  err,
				}).Warn("结果处理器失败")
			}
		}
	}
}

func (b *BatchScheduler) process(ctx context.Context, ticker string, start, end time.Time) core.FetchResult {
	cur := b.inFlight.Add(1)
	defer b.inFlight.Add(-1)
	for {
		p := b.peak.Load()
		if cur <= p || b.peak.CompareAndSwap(p, cur) {
			break
		}
	}

	// 已开始的股票不受批次截止时间影响，由单次获取超时兜底
	began := time.Now()
	result := b.fetcher.Fetch(context.WithoutCancel(ctx), ticker, start, end)
	result.Ticker = ticker
	if !result.OK() {
		result.Duration = time.Since(began)
		return result
	}

	meta, err := b.store.Persist(context.WithoutCancel(ctx), result.Series)
	if err != nil {
		if !pipeerr.IsCode(err, pipeerr.CodeStorageWrite) {
			err = pipeerr.WrapError(pipeerr.CodeStorageWrite, "persist "+ticker, err)
		}
		failed := core.Failure(ticker, err)
		failed.Provider = result.Provider
		failed.Duration = time.Since(began)
		b.log.WithFields(logrus.Fields{
			"ticker":   ticker,
			"provider": result.Provider,
			"error":    err,
		}).Error("持久化失败")
		return failed
	}

	meta.Provider = result.Provider
	result.Metadata = meta
	result.Duration = time.Since(began)
	return result
}

func cancelled(ticker string, cause error) core.FetchResult {
	return core.Failure(ticker,
		pipeerr.WrapError(pipeerr.CodeCancelled, "batch deadline reached before "+ticker+" started", cause).
			WithContext("ticker", ticker))
}

func dedupe(tickers []string) []string {
	seen := make(map[string]struct{}, len(tickers))
	out := make([]string, 0, len(tickers))
	for _, t := range tickers {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
