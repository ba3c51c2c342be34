package provider

import (
	"context"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"trackenrich/pkg/core"
	"trackenrich/pkg/logger"
)

// CircuitBreakerConfig 熔断器配置。
type CircuitBreakerConfig struct {
	MaxRequests uint32        `yaml:"max_requests" json:"max_requests"`   // 半开状态下的最大探测请求数
	Interval    time.Duration `yaml:"interval" json:"interval"`           // 闭合状态的统计窗口
	Timeout     time.Duration `yaml:"timeout" json:"timeout"`             // 打开后转入半开的等待时间
	ReadyToTrip uint32        `yaml:"ready_to_trip" json:"ready_to_trip"` // 触发熔断的连续失败阈值
}

// DefaultCircuitBreakerConfig 返回默认熔断参数。
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: 5,
	}
}

// CircuitBreakerStats 熔断器统计信息。
type CircuitBreakerStats struct {
	TotalRequests      int64     `json:"total_requests"`
	SuccessfulRequests int64     `json:"successful_requests"`
	FailedRequests     int64     `json:"failed_requests"`
	Rejected           int64     `json:"rejected"` // 熔断打开期间被直接拒绝的请求
	LastFailure        time.Time `json:"last_failure"`
}

// CircuitBreakerProvider 熔断器装饰器。
// 包裹任意提供商，连续失败达到阈值后快速失败，保护下游和调用方。
// 与限流器的健康状态互补：限流器放慢请求，熔断器在彻底不可用时直接短路。
type CircuitBreakerProvider struct {
	inner core.Provider
	cb    *gobreaker.CircuitBreaker

	mu    sync.RWMutex
	stats CircuitBreakerStats
}

// WithCircuitBreaker 用熔断器包裹一个提供商。
func WithCircuitBreaker(inner core.Provider, config CircuitBreakerConfig) *CircuitBreakerProvider {
	log := logger.WithComponent("provider")
	settings := gobreaker.Settings{
		Name:        inner.Name(),
		MaxRequests: config.MaxRequests,
		Interval:    config.Interval,
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.ReadyToTrip
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warnf("熔断器 %s 状态变更: %v -> %v", name, from, to)
		},
	}
	return &CircuitBreakerProvider{
		inner: inner,
		cb:    gobreaker.NewCircuitBreaker(settings),
	}
}

// Name 透传内层提供商的名称。
func (p *CircuitBreakerProvider) Name() string {
	return p.inner.Name()
}

// Call 经熔断器执行内层调用。熔断打开时返回 PROVIDER_ERROR 类错误。
func (p *CircuitBreakerProvider) Call(ctx context.Context, track core.Track) (core.Payload, error) {
	p.recordRequest()

	result, err := p.cb.Execute(func() (interface{}, error) {
		return p.inner.Call(ctx, track)
	})
	if err != nil {
		p.recordFailure()
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			p.recordRejected()
			return nil, core.WrapError(core.ErrProviderError, "circuit breaker open", err).
				WithContext("provider", p.inner.Name())
		}
		return nil, err
	}

	p.recordSuccess()
	return result.(core.Payload), nil
}

// Close 透传关闭请求。
func (p *CircuitBreakerProvider) Close() error {
	if c, ok := p.inner.(core.Closable); ok {
		return c.Close()
	}
	return nil
}

// State 返回熔断器当前状态。
func (p *CircuitBreakerProvider) State() gobreaker.State {
	return p.cb.State()
}

// Stats 返回统计快照。
func (p *CircuitBreakerProvider) Stats() CircuitBreakerStats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stats
}

func (p *CircuitBreakerProvider) recordRequest() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats.TotalRequests++
}

func (p *CircuitBreakerProvider) recordSuccess() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats.SuccessfulRequests++
}

func (p *CircuitBreakerProvider) recordFailure() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats.FailedRequests++
	p.stats.LastFailure = time.Now()
}

func (p *CircuitBreakerProvider) recordRejected() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats.Rejected++
}

var _ core.Provider = (*CircuitBreakerProvider)(nil)
var _ core.Closable = (*CircuitBreakerProvider)(nil)
