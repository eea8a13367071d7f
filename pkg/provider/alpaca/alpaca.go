package alpaca

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
const Name = "alpaca"

const (
	defaultBaseURL = "https://data.alpaca.markets"
	pageLimit      = 10000
	// maxPages 防止服务端返回循环的 page token
	maxPages = 100
)

// Adapter Alpaca Market Data v2 日K线
type Adapter struct {
	baseURL   string
	keyID     string
	secretKey string
	client    *http.Client
	log       *logrus.Entry
}

// New 创建 Alpaca 提供商，缺少 key 或 secret 时返回 UNAVAILABLE
func New(cfg config.ProviderConfig, log *logrus.Entry) (*Adapter, error) {
	if cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, pipeerr.Unavailable(Name, "api_key and api_secret are required")
	}
	if log == nil {
		log = logger.WithComponent("AlpacaProvider")
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Adapter{
		baseURL:   strings.TrimRight(baseURL, "/"),
		keyID:     cfg.APIKey,
		secretKey: cfg.APISecret,
		client:    provider.NewHTTPClient(cfg.Timeout),
		log:       log,
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

type bar struct {
	T time.Time       `json:"t"`
	O decimal.Decimal `json:"o"`
	H decimal.Decimal `json:"h"`
	L decimal.Decimal `json:"l"`
	C decimal.Decimal `json:"c"`
	V decimal.Decimal `json:"v"`
}

type barsResponse struct {
	Bars          []bar   `json:"bars"`
	Symbol        string  `json:"symbol"`
	NextPageToken *string `json:"next_page_token"`
}

// Fetch 分页获取 [start, end] 区间的日K线
func (a *Adapter) Fetch(ctx context.Context, ticker string, start, end time.Time) (*core.OHLCVSeries, error) {
	var bars []core.Bar
	pageToken := ""

	for page := 0; page < maxPages; page++ {
		// 第一页的间隔由调用方获取，后续每页都是独立请求
		if page > 0 {
			if err := provider.Pace(ctx); err != nil {
				return nil, pipeerr.Transient(Name, fmt.Errorf("rate limiter: %w", err))
			}
		}
		resp, err := a.fetchPage(ctx, ticker, start, end, pageToken)
		if err != nil {
			return nil, err
		}

		for _, b := range resp.Bars {
			bars = append(bars, core.Bar{
				Timestamp: b.T.UTC(),
				Open:      b.O.InexactFloat64(),
				High:      b.H.InexactFloat64(),
				Low:       b.L.InexactFloat64(),
				Close:     b.C.InexactFloat64(),
				Volume:    b.V.InexactFloat64(),
			})
		}

		if resp.NextPageToken == nil || *resp.NextPageToken == "" {
			return provider.NewSeries(Name, ticker, bars, start, end)
		}
		pageToken = *resp.NextPageToken
		a.log.WithFields(logrus.Fields{
			"ticker": ticker,
			"page":   page + 1,
		}).Debug("继续获取下一页")
	}

	return nil, pipeerr.Transient(Name, fmt.Errorf("too many pages for %s", ticker))
}

func (a *Adapter) fetchPage(ctx context.Context, ticker string, start, end time.Time, pageToken string) (*barsResponse, error) {
	q := url.Values{}
	q.Set("timeframe", "1Day")
	q.Set("start", start.UTC().Format(time.RFC3339))
	q.Set("end", end.UTC().Add(24*time.Hour-time.Second).Format(time.RFC3339))
	q.Set("limit", fmt.Sprintf("%d", pageLimit))
	q.Set("adjustment", "raw")
	if pageToken != "" {
		q.Set("page_token", pageToken)
	}
	u := fmt.Sprintf("%s/v2/stocks/%s/bars?%s", a.baseURL, url.PathEscape(ticker), q.Encode())

	req, err := http.NewRequest(http.MethodGet, u, nil)
	if err != nil {
		return nil, pipeerr.Transient(Name, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("APCA-API-KEY-ID", a.keyID)
	req.Header.Set("APCA-API-SECRET-KEY", a.secretKey)
	req.Header.Set("Accept", "application/json")

	var resp barsResponse
	if err := provider.GetJSON(ctx, a.client, req, Name, ticker, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
