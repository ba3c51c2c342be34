package core

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode 是一个字符串类型，用于表示框架中所有预定义的错误类别。
type ErrorCode string

// 标准错误代码常量。
const (
	// ErrCacheMiss 表示在缓存中未找到请求的条目。
	ErrCacheMiss ErrorCode = "CACHE_MISS"
	// ErrCacheIO 表示持久化缓存的读写失败。
	ErrCacheIO ErrorCode = "CACHE_IO"

	// ErrProviderError 表示提供商返回了一个通用错误。
	ErrProviderError ErrorCode = "PROVIDER_ERROR"
	// ErrProviderTimeout 表示提供商调用超时。
	ErrProviderTimeout ErrorCode = "PROVIDER_TIMEOUT"
	// ErrProviderThrottled 表示提供商返回了限流信号（429/503）。
	ErrProviderThrottled ErrorCode = "PROVIDER_THROTTLED"
	// ErrProviderNotFound 表示请求了一个未注册的提供商。
	ErrProviderNotFound ErrorCode = "PROVIDER_NOT_FOUND"

	// ErrTaskNotFound 表示任务或批次不存在。
	ErrTaskNotFound ErrorCode = "TASK_NOT_FOUND"
	// ErrTaskNotCancellable 表示任务已离开 Pending 状态，无法取消。
	ErrTaskNotCancellable ErrorCode = "TASK_NOT_CANCELLABLE"

	// ErrInvalidTrack 表示曲目缺少 artist/title 等必填字段（契约违规）。
	ErrInvalidTrack ErrorCode = "INVALID_TRACK"
	// ErrConfigInvalid 表示配置无效。
	ErrConfigInvalid ErrorCode = "CONFIG_INVALID"
	// ErrNoProviders 表示没有任何可用的提供商被配置。
	ErrNoProviders ErrorCode = "NO_PROVIDERS"
	// ErrSystemShutdown 表示系统正在关闭。
	ErrSystemShutdown ErrorCode = "SYSTEM_SHUTDOWN"
)

// EnrichError 是 trackenrich 的自定义错误类型。
// 它包含错误代码、消息、可选的原始错误(cause)和附加上下文信息。
type EnrichError struct {
	Code      ErrorCode              `json:"code"`              // 错误的分类代码
	Message   string                 `json:"message"`           // 人类可读的错误信息
	Cause     error                  `json:"-"`                 // 导致此错误的原始错误
	Context   map[string]interface{} `json:"context,omitempty"` // 额外的上下文信息
	Timestamp time.Time              `json:"timestamp"`         // 错误发生的时间戳
}

// Error 实现了 Go 内置的 error 接口。
func (e *EnrichError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %s)", e.Code, e.Message, e.Cause.Error())
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap 实现了错误包装接口，允许访问被包装的原始错误。
func (e *EnrichError) Unwrap() error {
	return e.Cause
}

// Is 实现了错误判断接口，用于判断一个错误是否与目标错误具有相同的错误代码。
func (e *EnrichError) Is(target error) bool {
	var enErr *EnrichError
	if errors.As(target, &enErr) {
		return e.Code == enErr.Code
	}
	return false
}

// WithContext 为错误附加一个键值对形式的上下文信息。
func (e *EnrichError) WithContext(key string, value interface{}) *EnrichError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewError 创建一个新的 EnrichError。
func NewError(code ErrorCode, message string) *EnrichError {
	return &EnrichError{
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// WrapError 将一个已有的 error 包装成一个新的 EnrichError。
func WrapError(code ErrorCode, message string, cause error) *EnrichError {
	return &EnrichError{
		Code:      code,
		Message:   message,
		Cause:     cause,
		Timestamp: time.Now(),
	}
}

// IsCode 判断 err 链上是否存在带指定代码的 EnrichError。
func IsCode(err error, code ErrorCode) bool {
	var enErr *EnrichError
	if errors.As(err, &enErr) {
		return enErr.Code == code
	}
	return false
}

// 预定义的常用错误实例
var (
	ErrEntryNotFound      = NewError(ErrCacheMiss, "cache entry not found")
	ErrShutdownInProgress = NewError(ErrSystemShutdown, "system shutdown in progress")
)
