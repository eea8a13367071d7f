package limiter

import (
	"context"
	"errors"
	"strings"

	pipeerr "stockpipe/pkg/error"
)

// ErrorLevel 定义错误的严重级别
type ErrorLevel int

const (
	LevelFatal   ErrorLevel = iota // 致命级：凭据被拒、主机不存在
	LevelNetwork                   // 网络/限流/服务端错误，换提供商可能成功
	LevelInvalid                   // 无数据或参数无效，提供商本身是正常的
	LevelUnknown                   // 未知错误
)

// String 返回级别名称，用于日志字段
func (l ErrorLevel) String() string {
	switch l {
	case LevelFatal:
		return "fatal"
	case LevelNetwork:
		return "network"
	case LevelInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// ErrorClassifier 负责根据错误类型进行分类
type ErrorClassifier struct{}

// NewErrorClassifier 创建新的错误分类器
func NewErrorClassifier() *ErrorClassifier {
	return &ErrorClassifier{}
}

// Classify 根据错误代码与错误内容分类错误级别
func (c *ErrorClassifier) Classify(err error) ErrorLevel {
	if err == nil {
		return LevelUnknown
	}

	switch pipeerr.CodeOf(err) {
	case pipeerr.CodeNoData:
		return LevelInvalid
	case pipeerr.CodeUnavailable:
		return LevelFatal
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return LevelNetwork
	}

	msg := strings.ToLower(err.Error())

	// 致命级错误
	switch {
	case strings.Contains(msg, "401"), strings.Contains(msg, "unauthorized"):
		return LevelFatal
	case strings.Contains(msg, "forbidden") && strings.Contains(msg, "403"):
		return LevelFatal
	case strings.Contains(msg, "no such host"):
		return LevelFatal
	}

	// 网络错误
	switch {
	case strings.Contains(msg, "timeout"):
		return LevelNetwork
	case strings.Contains(msg, "429"), strings.Contains(msg, "too many requests"):
		return LevelNetwork
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "connection reset"):
		return LevelNetwork
	case strings.Contains(msg, "network is unreachable"), strings.Contains(msg, "temporary failure"):
		return LevelNetwork
	case strings.Contains(msg, "internal server error"),
		strings.Contains(msg, "bad gateway"),
		strings.Contains(msg, "service unavailable"),
		strings.Contains(msg, "gateway timeout"):
		return LevelNetwork
	}

	// 无效参数
	switch {
	case strings.Contains(msg, "invalid argument"):
		return LevelInvalid
	case strings.Contains(msg, "bad request"):
		return LevelInvalid
	case strings.Contains(msg, "not found") && strings.Contains(msg, "404"):
		return LevelInvalid
	}

	return LevelUnknown
}

// CountsAsFailure 熔断器是否应把该错误计为失败；无数据/参数错误说明提供商仍在正常响应
func (c *ErrorClassifier) CountsAsFailure(err error) bool {
	if err == nil {
		return false
	}
	switch c.Classify(err) {
	case LevelInvalid:
		return false
	default:
		return true
	}
}
