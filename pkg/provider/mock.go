package provider

import (
	"context"
	"sync"
	"time"

	"trackenrich/pkg/core"
)

// MockProvider 可编程的假提供商，用于测试和本地开发。
// 不依赖网络，按脚本返回载荷或错误。
type MockProvider struct {
	name    string
	latency time.Duration

	mu        sync.Mutex
	responses map[string]core.Payload // 按 "artist|title" 索引
	failWith  error
	calls     int
}

// NewMockProvider 创建假提供商。
func NewMockProvider(name string) *MockProvider {
	return &MockProvider{
		name:      name,
		responses: make(map[string]core.Payload),
	}
}

// Name 返回提供商名称。
func (m *MockProvider) Name() string { return m.name }

// SetResponse 预置某条曲目的响应载荷。
func (m *MockProvider) SetResponse(track core.Track, payload core.Payload) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[track.Artist+"|"+track.Title] = payload
}

// SetError 让后续所有调用返回指定错误。传 nil 恢复正常。
func (m *MockProvider) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWith = err
}

// SetLatency 为每次调用注入固定延迟。
func (m *MockProvider) SetLatency(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latency = d
}

// CallCount 返回累计调用次数。
func (m *MockProvider) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Call 返回预置的响应。未预置的曲目返回 PROVIDER_NOT_FOUND 类错误。
func (m *MockProvider) Call(ctx context.Context, track core.Track) (core.Payload, error) {
	m.mu.Lock()
	m.calls++
	latency := m.latency
	failWith := m.failWith
	payload, ok := m.responses[track.Artist+"|"+track.Title]
	m.mu.Unlock()

	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return nil, core.WrapError(core.ErrProviderTimeout, "mock call cancelled", ctx.Err())
		}
	}

	if failWith != nil {
		return nil, failWith
	}
	if !ok {
		return nil, core.NewError(core.ErrProviderNotFound, "no metadata for track").
			WithContext("artist", track.Artist).WithContext("title", track.Title)
	}
	return payload.Clone(), nil
}

var _ core.Provider = (*MockProvider)(nil)
