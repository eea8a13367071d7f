package yahoo

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"stockpipe/pkg/config"
	"stockpipe/pkg/core"
	pipeerr "stockpipe/pkg/error"
	"stockpipe/pkg/logger"
	"stockpipe/pkg/provider"

	"github.com/sirupsen/logrus"
)

// Name 提供商名称
const Name = "yahoo"

const defaultBaseURL = "https://query1.finance.yahoo.com"

// Adapter 通过 Yahoo Finance v8 chart 接口获取日K线，无需凭据
type Adapter struct {
	baseURL   string
	userAgent string
	client    *http.Client
	log       *logrus.Entry
}

// New 创建 Yahoo 提供商
func New(cfg config.ProviderConfig, log *logrus.Entry) *Adapter {
	if log == nil {
		log = logger.WithComponent("YahooProvider")
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = "Mozilla/5.0"
	}
	return &Adapter{
		baseURL:   strings.TrimRight(baseURL, "/"),
		userAgent: userAgent,
		client:    provider.NewHTTPClient(cfg.Timeout),
		log:       log,
	}
}

// Factory 注册到 ProviderRegistry 的工厂
func Factory(cfg config.ProviderConfig, log *logrus.Entry) (provider.Adapter, error) {
	return New(cfg, log), nil
}

// Name 返回提供商名称
func (a *Adapter) Name() string {
	return Name
}

// chartResponse Yahoo chart 接口的响应结构
type chartResponse struct {
	Chart struct {
		Result []struct {
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Open   []*float64 `json:"open"`
					High   []*float64 `json:"high"`
					Low    []*float64 `json:"low"`
					Close  []*float64 `json:"close"`
					Volume []*float64 `json:"volume"`
				} `json:"quote"`
			} `json:"indicators"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

// Fetch 获取 [start, end] 区间的日K线
func (a *Adapter) Fetch(ctx context.Context, ticker string, start, end time.Time) (*core.OHLCVSeries, error) {
	q := url.Values{}
	q.Set("period1", strconv.FormatInt(start.UTC().Unix(), 10))
	// period2 不含端点，加一天使 end 当天包含在内
	q.Set("period2", strconv.FormatInt(end.UTC().Add(24*time.Hour).Unix(), 10))
	q.Set("interval", "1d")
	q.Set("events", "history")
	u := fmt.Sprintf("%s/v8/finance/chart/%s?%s", a.baseURL, url.PathEscape(ticker), q.Encode())

	req, err := http.NewRequest(http.MethodGet, u, nil)
	if err != nil {
		return nil, pipeerr.Transient(Name, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("User-Agent", a.userAgent)

	a.log.WithField("ticker", ticker).Debug("请求 Yahoo chart 接口")

	var chart chartResponse
	if err := provider.GetJSON(ctx, a.client, req, Name, ticker, &chart); err != nil {
		return nil, err
	}

	if chart.Chart.Error != nil {
		if strings.EqualFold(chart.Chart.Error.Code, "Not Found") {
			return nil, pipeerr.NoData(Name, ticker)
		}
		return nil, pipeerr.Transient(Name, fmt.Errorf("api error %s: %s", chart.Chart.Error.Code, chart.Chart.Error.Description))
	}
	if len(chart.Chart.Result) == 0 || len(chart.Chart.Result[0].Timestamp) == 0 ||
		len(chart.Chart.Result[0].Indicators.Quote) == 0 {
		return nil, pipeerr.NoData(Name, ticker)
	}

	result := chart.Chart.Result[0]
	quote := result.Indicators.Quote[0]
	bars := make([]core.Bar, 0, len(result.Timestamp))

	for i, ts := range result.Timestamp {
		o, h, l, c := at(quote.Open, i), at(quote.High, i), at(quote.Low, i), at(quote.Close, i)
		if o == nil || h == nil || l == nil || c == nil {
			continue // 停牌或节假日的空K线
		}
		var volume float64
		if v := at(quote.Volume, i); v != nil {
			volume = *v
		}
		bars = append(bars, core.Bar{
			Timestamp: time.Unix(ts, 0).UTC(),
			Open:      *o,
			High:      *h,
			Low:       *l,
			Close:     *c,
			Volume:    volume,
		})
	}

	return provider.NewSeries(Name, ticker, bars, start, end)
}

func at(values []*float64, i int) *float64 {
	if i >= len(values) {
		return nil
	}
	return values[i]
}
