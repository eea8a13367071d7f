package core

import (
	"fmt"
	"time"
)

// Bar 单根K线
type Bar struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// OHLCVSeries 单只股票的一段有序K线序列。
// 每次获取尝试创建一个，交给 PartitionedStore 持久化后即丢弃。
type OHLCVSeries struct {
	Ticker string `json:"ticker"`
	Bars   []Bar  `json:"bars"`
}

// Len 返回K线数量
func (s *OHLCVSeries) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Bars)
}

// IsEmpty 序列为空或为 nil
func (s *OHLCVSeries) IsEmpty() bool {
	return s.Len() == 0
}

// First 返回最早一根K线的时间
func (s *OHLCVSeries) First() time.Time {
	return s.Bars[0].Timestamp
}

// Last 返回最晚一根K线的时间
func (s *OHLCVSeries) Last() time.Time {
	return s.Bars[len(s.Bars)-1].Timestamp
}

// Validate 检查序列不变量：时间戳严格递增、high >= low、价格与成交量非负
func (s *OHLCVSeries) Validate() error {
	if s == nil {
		return fmt.Errorf("series is nil")
	}
	if s.Ticker == "" {
		return fmt.Errorf("series ticker is empty")
	}
	for i, b := range s.Bars {
		if b.Open < 0 || b.High < 0 || b.Low < 0 || b.Close < 0 {
			return fmt.Errorf("bar[%d] %s: negative price", i, b.Timestamp.Format(time.RFC3339))
		}
		if b.Volume < 0 {
			return fmt.Errorf("bar[%d] %s: negative volume", i, b.Timestamp.Format(time.RFC3339))
		}
		if b.High < b.Low {
			return fmt.Errorf("bar[%d] %s: high %.4f < low %.4f", i, b.Timestamp.Format(time.RFC3339), b.High, b.Low)
		}
		if i > 0 && !b.Timestamp.After(s.Bars[i-1].Timestamp) {
			return fmt.Errorf("bar[%d] %s: timestamp not strictly increasing", i, b.Timestamp.Format(time.RFC3339))
		}
	}
	return nil
}

// ProviderSpec 回退链中一个提供商的不可变配置
type ProviderSpec struct {
	Name               string `json:"name"`
	RateLimitPerMinute int    `json:"rate_limit"`
	Position           int    `json:"position"`
}

// MinInterval 两次调用之间的最小间隔 60/rpm 秒
func (p ProviderSpec) MinInterval() time.Duration {
	if p.RateLimitPerMinute <= 0 {
		return 0
	}
	return time.Minute / time.Duration(p.RateLimitPerMinute)
}

// Outcome 单只股票的处理结果类型
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// FetchResult 每次批次运行中每只股票对应一个结果
type FetchResult struct {
	Ticker   string             `json:"ticker"`
	Outcome  Outcome            `json:"outcome"`
	Provider string             `json:"provider,omitempty"` // 成功时使用的提供商
	Series   *OHLCVSeries       `json:"-"`
	Metadata *PartitionMetadata `json:"metadata,omitempty"`
	Reason   error              `json:"-"`
	Duration time.Duration      `json:"duration"`
}

// Success 构造成功结果
func Success(series *OHLCVSeries, provider string) FetchResult {
	return FetchResult{
		Ticker:   series.Ticker,
		Outcome:  OutcomeSuccess,
		Provider: provider,
		Series:   series,
	}
}

// Failure 构造失败结果
func Failure(ticker string, reason error) FetchResult {
	return FetchResult{
		Ticker:  ticker,
		Outcome: OutcomeFailure,
		Reason:  reason,
	}
}

// OK 是否成功
func (r FetchResult) OK() bool {
	return r.Outcome == OutcomeSuccess
}

// ReasonText 失败原因文本，成功时为空
func (r FetchResult) ReasonText() string {
	if r.Reason == nil {
		return ""
	}
	return r.Reason.Error()
}

// DateRange 分区数据的时间范围
type DateRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// PartitionMetadata 分区元数据，与数据文件并列写入磁盘
type PartitionMetadata struct {
	Ticker     string    `json:"ticker"`
	DataPoints int       `json:"data_points"`
	DateRange  DateRange `json:"date_range"`
	Checksum   string    `json:"checksum"`
	SavedAt    time.Time `json:"saved_at"`
	FileSize   int64     `json:"file_size"`

	Path     string `json:"-"` // 数据文件路径
	Provider string `json:"-"`
}

// DataQuality 运行级数据质量指标
type DataQuality struct {
	Completeness float64 `json:"completeness"`
	SuccessRate  float64 `json:"success_rate"`
}

// Checkpoint 运行级检查点记录
type Checkpoint struct {
	RunID               string      `json:"run_id"`
	Phase               int         `json:"phase"`
	Step                string      `json:"step"`
	Timestamp           time.Time   `json:"timestamp"`
	Status              string      `json:"status"`
	TickersProcessed    int         `json:"tickers_processed"`
	SuccessfulDownloads int         `json:"successful_downloads"`
	FailedDownloads     int         `json:"failed_downloads"`
	DataQuality         DataQuality `json:"data_quality"`
}
