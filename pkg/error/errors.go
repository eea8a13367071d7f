package error

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode 错误代码类型
type ErrorCode string

const (
	// CodeNoData 请求成功但提供商没有返回任何数据
	CodeNoData ErrorCode = "NO_DATA"
	// CodeTransient 网络或API失败，换一个提供商可能成功
	CodeTransient ErrorCode = "TRANSIENT"
	// CodeUnavailable 提供商初始化失败（例如缺少凭据），本次运行内被排除
	CodeUnavailable ErrorCode = "UNAVAILABLE"
	// CodeAllProvidersExhausted 回退链上所有提供商都失败
	CodeAllProvidersExhausted ErrorCode = "ALL_PROVIDERS_EXHAUSTED"
	// CodeStorageWrite 获取成功后持久化失败
	CodeStorageWrite ErrorCode = "STORAGE_WRITE"
	// CodeConfiguration 回退链或限额配置缺失/非法，整个运行在开始前中止
	CodeConfiguration ErrorCode = "CONFIGURATION"
	// CodeCancelled 批次截止时间到达，股票尚未开始处理
	CodeCancelled ErrorCode = "CANCELLED"
)

// BaseError 基础错误类型
type BaseError struct {
	Code      ErrorCode              `json:"code"`              // 错误的分类代码
	Message   string                 `json:"message"`           // 人类可读的错误信息
	Cause     error                  `json:"-"`                 // 导致此错误的原始错误
	Context   map[string]interface{} `json:"context,omitempty"` // 额外的上下文信息
	Timestamp time.Time              `json:"timestamp"`         // 错误发生的时间戳
}

// NewError 创建新的基础错误
func NewError(code ErrorCode, message string) *BaseError {
	return &BaseError{
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
		Context:   make(map[string]interface{}),
	}
}

// WrapError 包装现有错误
func WrapError(code ErrorCode, message string, cause error) *BaseError {
	e := NewError(code, message)
	e.Cause = cause
	return e
}

// Error 实现 error 接口
func (e *BaseError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap 支持错误包装
func (e *BaseError) Unwrap() error {
	return e.Cause
}

// Is 按错误代码比较，errors.Is(err, NewError(CodeNoData, "")) 即可匹配同类错误
func (e *BaseError) Is(target error) bool {
	if t, ok := target.(*BaseError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithContext 为错误附加一个键值对形式的上下文信息。
func (e *BaseError) WithContext(key string, value interface{}) *BaseError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// ErrorCode 返回错误代码，嵌入 BaseError 的类型同样满足 coder
func (e *BaseError) ErrorCode() ErrorCode {
	return e.Code
}

type coder interface {
	ErrorCode() ErrorCode
}

// CodeOf 返回错误链中第一个带代码的错误的代码，没有则返回空字符串
func CodeOf(err error) ErrorCode {
	var c coder
	if errors.As(err, &c) {
		return c.ErrorCode()
	}
	return ""
}

// IsCode 判断错误链中是否包含指定代码
func IsCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

// NoData 创建 NO_DATA 错误
func NoData(provider, ticker string) *BaseError {
	return NewError(CodeNoData, fmt.Sprintf("%s returned no data for %s", provider, ticker)).
		WithContext("provider", provider).
		WithContext("ticker", ticker)
}

// Transient 创建 TRANSIENT 错误
func Transient(provider string, cause error) *BaseError {
	return WrapError(CodeTransient, provider+" request failed", cause).
		WithContext("provider", provider)
}

// Unavailable 创建 UNAVAILABLE 错误
func Unavailable(provider, reason string) *BaseError {
	return NewError(CodeUnavailable, provider+" unavailable: "+reason).
		WithContext("provider", provider)
}

// Configuration 创建 CONFIGURATION 错误
func Configuration(format string, args ...interface{}) *BaseError {
	return NewError(CodeConfiguration, fmt.Sprintf(format, args...))
}
