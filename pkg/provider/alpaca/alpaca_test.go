package alpaca

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"stockpipe/pkg/config"
	pipeerr "stockpipe/pkg/error"
	"stockpipe/pkg/logger"
	"stockpipe/pkg/provider"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	windowStart = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	windowEnd   = time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)
)

func testConfig(url string) config.ProviderConfig {
	return config.ProviderConfig{
		BaseURL:   url,
		APIKey:    "key-id",
		APISecret: "secret",
		Timeout:   2 * time.Second,
	}
}

func TestAlpaca_MissingCredentialsUnavailable(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.ProviderConfig
	}{
		{"全部缺失", config.ProviderConfig{}},
		{"缺少 secret", config.ProviderConfig{APIKey: "key"}},
		{"缺少 key", config.ProviderConfig{APISecret: "secret"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := Factory(tt.cfg, logger.Discard())
			assert.Nil(t, a)
			assert.True(t, pipeerr.IsCode(err, pipeerr.CodeUnavailable))
		})
	}
}

func TestAlpaca_FetchPaginated(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		assert.Equal(t, "/v2/stocks/AAPL/bars", r.URL.Path)
		assert.Equal(t, "key-id", r.Header.Get("APCA-API-KEY-ID"))
		assert.Equal(t, "secret", r.Header.Get("APCA-API-SECRET-KEY"))
		assert.Equal(t, "1Day", r.URL.Query().Get("timeframe"))
		assert.Equal(t, "2024-03-01T00:00:00Z", r.URL.Query().Get("start"))

		switch r.URL.Query().Get("page_token") {
		case "":
			w.Write([]byte(`{"bars":[
				{"t":"2024-03-01T05:00:00Z","o":179.55,"h":180.53,"l":177.38,"c":179.66,"v":73563082,"n":1,"vw":179.2},
				{"t":"2024-03-04T05:00:00Z","o":176.15,"h":176.9,"l":173.79,"c":175.1,"v":81510101}
			],"symbol":"AAPL","next_page_token":"p2"}`))
		case "p2":
			w.Write([]byte(`{"bars":[
				{"t":"2024-03-05T05:00:00Z","o":170.76,"h":172.04,"l":169.62,"c":170.12,"v":95132355}
			],"symbol":"AAPL","next_page_token":null}`))
		default:
			t.Errorf("unexpected page token %q", r.URL.Query().Get("page_token"))
		}
	}))
	defer srv.Close()

	a, err := New(testConfig(srv.URL), logger.Discard())
	require.NoError(t, err)

	series, err := a.Fetch(context.Background(), "AAPL", windowStart, windowEnd)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	require.Equal(t, 3, series.Len())

	assert.Equal(t, time.Date(2024, 3, 1, 5, 0, 0, 0, time.UTC), series.First())
	assert.Equal(t, time.Date(2024, 3, 5, 5, 0, 0, 0, time.UTC), series.Last())
	assert.Equal(t, 179.55, series.Bars[0].Open)
	assert.Equal(t, 73563082.0, series.Bars[0].Volume)
	assert.Equal(t, 170.12, series.Bars[2].Close)
	assert.NoError(t, series.Validate())
}

func TestAlpaca_PacesFollowUpPages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page_token") == "" {
			w.Write([]byte(`{"bars":[{"t":"2024-03-01T05:00:00Z","o":1,"h":2,"l":1,"c":2,"v":10}],"next_page_token":"p2"}`))
			return
		}
		w.Write([]byte(`{"bars":[{"t":"2024-03-04T05:00:00Z","o":2,"h":3,"l":2,"c":3,"v":20}],"next_page_token":null}`))
	}))
	defer srv.Close()

	a, err := New(testConfig(srv.URL), logger.Discard())
	require.NoError(t, err)

	var paced int
	ctx := provider.WithPacer(context.Background(), func(context.Context) error {
		paced++
		return nil
	})
	series, err := a.Fetch(ctx, "AAPL", windowStart, windowEnd)
	require.NoError(t, err)
	assert.Equal(t, 2, series.Len())
	assert.Equal(t, 1, paced)

	blocked := provider.WithPacer(context.Background(), func(context.Context) error {
		return context.DeadlineExceeded
	})
	_, err = a.Fetch(blocked, "AAPL", windowStart, windowEnd)
	require.Error(t, err)
	assert.True(t, pipeerr.IsCode(err, pipeerr.CodeTransient))
}

func TestAlpaca_EmptyBarsIsNoData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"bars":null,"symbol":"ZZZZ","next_page_token":null}`))
	}))
	defer srv.Close()

	a, err := New(testConfig(srv.URL), logger.Discard())
	require.NoError(t, err)

	_, err = a.Fetch(context.Background(), "ZZZZ", windowStart, windowEnd)
	assert.True(t, pipeerr.IsCode(err, pipeerr.CodeNoData))
}

func TestAlpaca_HTTPErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		code   pipeerr.ErrorCode
	}{
		{"凭据被拒", http.StatusForbidden, pipeerr.CodeTransient},
		{"限流", http.StatusTooManyRequests, pipeerr.CodeTransient},
		{"服务端错误", http.StatusInternalServerError, pipeerr.CodeTransient},
		{"未找到", http.StatusNotFound, pipeerr.CodeNoData},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, `{"message":"error"}`, tt.status)
			}))
			defer srv.Close()

			a, err := New(testConfig(srv.URL), logger.Discard())
			require.NoError(t, err)
			_, err = a.Fetch(context.Background(), "AAPL", windowStart, windowEnd)
			assert.Equal(t, tt.code, pipeerr.CodeOf(err))
		})
	}
}
