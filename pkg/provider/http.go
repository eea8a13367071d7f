package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	pipeerr "stockpipe/pkg/error"
)

// maxErrorBody 错误信息中保留的响应体长度
const maxErrorBody = 256

// NewHTTPClient 创建提供商共用配置的 HTTP 客户端
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     30 * time.Second,
			MaxConnsPerHost:     10,
		},
		Timeout: timeout,
	}
}

// GetJSON 发送 GET 请求并把响应体解码到 out。
// 网络错误、429、5xx 及其他非 200 状态返回 TRANSIENT，404 返回 NO_DATA。
func GetJSON(ctx context.Context, client *http.Client, req *http.Request, provider, ticker string, out interface{}) error {
	resp, err := client.Do(req.WithContext(ctx))
	if err != nil {
		return pipeerr.Transient(provider, fmt.Errorf("http get: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return pipeerr.Transient(provider, fmt.Errorf("read body: %w", err))
	}

	if err := StatusError(provider, ticker, resp.StatusCode, body); err != nil {
		return err
	}

	if err := json.Unmarshal(body, out); err != nil {
		return pipeerr.Transient(provider, fmt.Errorf("decode: %w", err))
	}
	return nil
}

// StatusError 把 HTTP 状态码映射为错误分类，200 返回 nil
func StatusError(provider, ticker string, status int, body []byte) error {
	if status == http.StatusOK {
		return nil
	}
	if status == http.StatusNotFound {
		return pipeerr.NoData(provider, ticker).WithContext("status", status)
	}

	snippet := string(body)
	if len(snippet) > maxErrorBody {
		snippet = snippet[:maxErrorBody]
	}
	return pipeerr.Transient(provider,
		fmt.Errorf("unexpected status %d %s: %s", status, http.StatusText(status), snippet)).
		WithContext("status", status)
}
