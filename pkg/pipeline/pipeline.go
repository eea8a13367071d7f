package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"stockpipe/pkg/config"
	"stockpipe/pkg/core"
	pipeerr "stockpipe/pkg/error"
	"stockpipe/pkg/limiter"
	"stockpipe/pkg/logger"
	"stockpipe/pkg/provider"
	"stockpipe/pkg/storage"
	"stockpipe/pkg/timing"
	"stockpipe/pkg/validation"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	// CheckpointPhase 数据获取属于流水线第二阶段
	CheckpointPhase = 2
	// CheckpointStep 检查点步骤名
	CheckpointStep = "data_acquisition"
	// StatusCompleted 运行结束（不论成功多少只股票）
	StatusCompleted = "completed"

	qualityReportName = "data_quality_report.txt"
)

// CheckpointHandler 接收运行结束后的检查点
type CheckpointHandler interface {
	PublishCheckpoint(ctx context.Context, cp *core.Checkpoint) error
}

// Pipeline 一次运行所需的配置与组件。
// 运行之间共享限流器，连续的定时运行也遵守提供商间隔。
type Pipeline struct {
	cfg       *config.Config
	registry  *provider.Registry
	limiter   *limiter.RateLimiter
	store     storage.Store
	validator *validation.Validator
	clock     timing.Clock

	results     []ResultHandler
	checkpoints []CheckpointHandler

	mu      sync.RWMutex
	latest  *core.Checkpoint
	running bool

	log *logrus.Entry
}

// Option 配置 Pipeline
type Option func(*Pipeline)

// WithClock 注入时钟，用于限流器和日期窗口
func WithClock(c timing.Clock) Option {
	return func(p *Pipeline) { p.clock = c }
}

// WithResultHandler 追加结果处理器
func WithResultHandler(h ResultHandler) Option {
	return func(p *Pipeline) { p.results = append(p.results, h) }
}

// WithCheckpointHandler 追加检查点处理器
func WithCheckpointHandler(h CheckpointHandler) Option {
	return func(p *Pipeline) { p.checkpoints = append(p.checkpoints, h) }
}

// New 创建 Pipeline；registry 需要已经完成探测
func New(cfg *config.Config, registry *provider.Registry, store storage.Store, log *logrus.Entry, opts ...Option) *Pipeline {
	if log == nil {
		log = logger.WithComponent("Pipeline")
	}
	p := &Pipeline{
		cfg:       cfg,
		registry:  registry,
		store:     store,
		validator: validation.NewValidator(),
		clock:     timing.SystemClock{},
		log:       log,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.limiter = limiter.NewRateLimiter(p.clock, log.WithField("component", "RateLimiter"))
	return p
}

// Config 返回运行配置
func (p *Pipeline) Config() *config.Config {
	return p.cfg
}

// Latest 返回最近一次运行的检查点，尚未运行时为 nil
func (p *Pipeline) Latest() *core.Checkpoint {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.latest == nil {
		return nil
	}
	cp := *p.latest
	return &cp
}

// Limiter 返回共享的限流器
func (p *Pipeline) Limiter() *limiter.RateLimiter {
	return p.limiter
}

// Run 对 tickers 执行一次完整运行：校验配置、并发获取与持久化、写入检查点。
// 配置错误在任何获取开始之前返回。
func (p *Pipeline) Run(ctx context.Context, tickers []string) (*RunReport, *core.Checkpoint, error) {
	if err := p.cfg.Validate(); err != nil {
		return nil, nil, err
	}
	if p.registry == nil {
		return nil, nil, pipeerr.Configuration("provider registry is not configured")
	}
	if p.store == nil {
		return nil, nil, pipeerr.Configuration("storage is not configured")
	}
	providers := p.registry.Available()
	if len(providers) == 0 {
		return nil, nil, pipeerr.Configuration("no provider in the fallback chain is available")
	}

	if !p.begin() {
		return nil, nil, fmt.Errorf("a run is already in progress")
	}
	defer p.finish()

	runID := uuid.NewString()
	log := p.log.WithField("run_id", runID)
	start, end := p.cfg.Window(p.clock.Now())

	coordinator, err := NewFallbackCoordinator(providers, p.limiter, p.cfg.Batch.FetchTimeout, log.WithField("component", "FallbackCoordinator"))
	if err != nil {
		return nil, nil, err
	}

	quality := newQualityCollector(p.validator)
	scheduler := NewBatchScheduler(coordinator, p.store, log.WithField("component", "BatchScheduler"), quality)
	for _, h := range p.results {
		scheduler.Use(h)
	}

	runCtx := ctx
	if p.cfg.Batch.Deadline > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, p.cfg.Batch.Deadline)
		defer cancel()
	}

	if market := timing.NewMarketTime(p.clock); market.IsTradingTime() {
		log.WithField("last_completed_session", market.LastCompletedSession().Format("2006-01-02")).
			Warn("美股仍在交易时段，当日K线可能不完整")
	}

	log.WithFields(logrus.Fields{
		"providers": coordinator.Providers(),
		"tickers":   len(tickers),
	}).Info("开始数据获取")

	report, err := scheduler.Run(runCtx, tickers, start, end, p.cfg.Batch.Concurrency)
	if err != nil {
		return nil, nil, err
	}

	cp := BuildCheckpoint(runID, p.clock.Now(), report, quality.Reports())
	if err := WriteCheckpoint(p.cfg.Storage.CheckpointPath, cp); err != nil {
		log.WithError(err).Error("写入检查点失败")
	} else {
		log.WithField("path", p.cfg.Storage.CheckpointPath).Info("✓ 检查点已保存")
	}
	p.writeQualityReport(log, quality.Reports())

	p.mu.Lock()
	p.latest = cp
	p.mu.Unlock()

	pctx := context.WithoutCancel(ctx)
	for _, h := range p.checkpoints {
		if err := h.PublishCheckpoint(pctx, cp); err != nil {
			log.WithError(err).Warn("发布检查点失败")
		}
	}

	log.WithFields(logrus.Fields{
		"successful":   cp.SuccessfulDownloads,
		"failed":       cp.FailedDownloads,
		"success_rate": fmt.Sprintf("%.1f%%", cp.DataQuality.SuccessRate*100),
		"completeness": fmt.Sprintf("%.1f%%", cp.DataQuality.Completeness*100),
		"failures":     report.FailureCodes(),
	}).Info("数据获取完成")
	return report, cp, nil
}

func (p *Pipeline) begin() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return false
	}
	p.running = true
	return true
}

func (p *Pipeline) finish() {
	p.mu.Lock()
	p.running = false
	p.mu.Unlock()
}

func (p *Pipeline) writeQualityReport(log *logrus.Entry, reports []validation.Report) {
	if len(reports) == 0 || p.cfg.Storage.CheckpointPath == "" {
		return
	}
	path := filepath.Join(filepath.Dir(p.cfg.Storage.CheckpointPath), qualityReportName)
	text := validation.FormatReport(reports, p.clock.Now())
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		log.WithError(err).Warn("写入数据质量报告失败")
		return
	}
	log.WithField("path", path).Info("✓ 数据质量报告已保存")
}

// BuildCheckpoint 汇总运行结果，completeness 取成功序列完整度的平均值
func BuildCheckpoint(runID string, at time.Time, report *RunReport, quality []validation.Report) *core.Checkpoint {
	successes := len(report.Successes())
	cp := &core.Checkpoint{
		RunID:               runID,
		Phase:               CheckpointPhase,
		Step:                CheckpointStep,
		Timestamp:           at.UTC(),
		Status:              StatusCompleted,
		TickersProcessed:    len(report.Tickers),
		SuccessfulDownloads: successes,
		FailedDownloads:     len(report.Tickers) - successes,
		DataQuality: core.DataQuality{
			SuccessRate: report.SuccessRate(),
		},
	}
	if len(quality) > 0 {
		var sum float64
		for _, q := range quality {
			sum += q.Completeness
		}
		cp.DataQuality.Completeness = sum / float64(len(quality))
	}
	return cp
}

// WriteCheckpoint 以 JSON 写入检查点，先写临时文件再重命名
func WriteCheckpoint(path string, cp *core.Checkpoint) error {
	if path == "" {
		return fmt.Errorf("checkpoint path cannot be empty")
	}
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// ReadCheckpoint 读取检查点文件
func ReadCheckpoint(path string) (*core.Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cp core.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("parse checkpoint %s: %w", path, err)
	}
	return &cp, nil
}

// qualityCollector 为成功的序列生成质量报告
type qualityCollector struct {
	validator *validation.Validator

	mu      sync.Mutex
	reports []validation.Report
}

func newQualityCollector(v *validation.Validator) *qualityCollector {
	return &qualityCollector{validator: v}
}

func (q *qualityCollector) HandleResult(_ context.Context, result core.FetchResult) error {
	if !result.OK() || result.Series == nil {
		return nil
	}
	report := q.validator.Validate(result.Series)

	q.mu.Lock()
	q.reports = append(q.reports, report)
	q.mu.Unlock()
	return nil
}

func (q *qualityCollector) Reports() []validation.Report {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]validation.Report, len(q.reports))
	copy(out, q.reports)
	return out
}
