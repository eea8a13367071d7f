package alphavantage

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"stockpipe/pkg/config"
	"stockpipe/pkg/core"
	pipeerr "stockpipe/pkg/error"
	"stockpipe/pkg/logger"
	"stockpipe/pkg/provider"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Name 提供商名称
const Name = "alpha_vantage"

const (
	defaultBaseURL = "https://www.alphavantage.co"
	// compactDays compact 模式返回最近 100 个交易日，按日历日保守估计
	compactDays = 100
)

// Adapter Alpha Vantage TIME_SERIES_DAILY
type Adapter struct {
	baseURL string
	apiKey  string
	client  *http.Client
	now     func() time.Time
	log     *logrus.Entry
}

// New 创建 Alpha Vantage 提供商，缺少 api_key 时返回 UNAVAILABLE
func New(cfg config.ProviderConfig, log *logrus.Entry) (*Adapter, error) {
	if cfg.APIKey == "" {
		return nil, pipeerr.Unavailable(Name, "api_key is required")
	}
	if log == nil {
		log = logger.WithComponent("AlphaVantageProvider")
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Adapter{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  provider.NewHTTPClient(cfg.Timeout),
		now:     time.Now,
		log:     log,
	}, nil
}

// Factory 注册到 ProviderRegistry 的工厂
func Factory(cfg config.ProviderConfig, log *logrus.Entry) (provider.Adapter, error) {
	a, err := New(cfg, log)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Name 返回提供商名称
func (a *Adapter) Name() string {
	return Name
}

// dailyResponse 字段名带序号，数值为十进制字符串
type dailyResponse struct {
	Note         string              `json:"Note"`
	Information  string              `json:"Information"`
	ErrorMessage string              `json:"Error Message"`
	TimeSeries   map[string]dailyBar `json:"Time Series (Daily)"`
	MetaData     map[string]string   `json:"Meta Data"`
}

type dailyBar struct {
	Open   string `json:"1. open"`
	High   string `json:"2. high"`
	Low    string `json:"3. low"`
	Close  string `json:"4. close"`
	Volume string `json:"5. volume"`
}

// Fetch 获取 [start, end] 区间的日K线
func (a *Adapter) Fetch(ctx context.Context, ticker string, start, end time.Time) (*core.OHLCVSeries, error) {
	q := url.Values{}
	q.Set("function", "TIME_SERIES_DAILY")
	q.Set("symbol", ticker)
	q.Set("outputsize", a.outputSize(start))
	q.Set("datatype", "json")
	q.Set("apikey", a.apiKey)
	u := fmt.Sprintf("%s/query?%s", a.baseURL, q.Encode())

	req, err := http.NewRequest(http.MethodGet, u, nil)
	if err != nil {
		return nil, pipeerr.Transient(Name, fmt.Errorf("create request: %w", err))
	}

	var resp dailyResponse
	if err := provider.GetJSON(ctx, a.client, req, Name, ticker, &resp); err != nil {
		return nil, err
	}

	// 限流与额度提示以 200 返回
	switch {
	case resp.Note != "":
		return nil, pipeerr.Transient(Name, fmt.Errorf("throttled: %s", resp.Note))
	case resp.Information != "":
		return nil, pipeerr.Transient(Name, fmt.Errorf("information: %s", resp.Information))
	case resp.ErrorMessage != "":
		a.log.WithFields(logrus.Fields{
			"ticker": ticker,
			"error":  resp.ErrorMessage,
		}).Debug("Alpha Vantage 返回错误信息")
		return nil, pipeerr.NoData(Name, ticker)
	}

	bars := make([]core.Bar, 0, len(resp.TimeSeries))
	for day, raw := range resp.TimeSeries {
		b, err := parseBar(day, raw)
		if err != nil {
			return nil, pipeerr.Transient(Name, fmt.Errorf("parse %s %s: %w", ticker, day, err))
		}
		bars = append(bars, b)
	}

	return provider.NewSeries(Name, ticker, bars, start, end)
}

// outputSize 窗口起点在最近 100 天以内时使用 compact 减少响应体
func (a *Adapter) outputSize(start time.Time) string {
	if !start.IsZero() && a.now().Sub(start) < compactDays*24*time.Hour {
		return "compact"
	}
	return "full"
}

func parseBar(day string, raw dailyBar) (core.Bar, error) {
	ts, err := time.Parse("2006-01-02", day)
	if err != nil {
		return core.Bar{}, err
	}

	fields := []string{raw.Open, raw.High, raw.Low, raw.Close, raw.Volume}
	values := make([]float64, len(fields))
	for i, f := range fields {
		d, err := decimal.NewFromString(strings.TrimSpace(f))
		if err != nil {
			return core.Bar{}, err
		}
		values[i] = d.InexactFloat64()
	}

	return core.Bar{
		Timestamp: ts.UTC(),
		Open:      values[0],
		High:      values[1],
		Low:       values[2],
		Close:     values[3],
		Volume:    values[4],
	}, nil
}
