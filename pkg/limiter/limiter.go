// Package limiter 实现针对外部元数据提供商的自适应限流与健康跟踪。
// 每个提供商维护独立的指标和锁：延迟窗口、连续成败计数、动态延迟和健康状态，
// 不同提供商之间互不阻塞。
package limiter

import (
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"trackenrich/pkg/core"
	"trackenrich/pkg/logger"
)

// latencyWindowSize 延迟滚动窗口容量，最旧的样本先被淘汰。
const latencyWindowSize = 100

// SourceLimits 单个提供商的限流基础参数。
type SourceLimits struct {
	MinDelay       time.Duration `mapstructure:"min_delay" yaml:"min_delay" json:"min_delay"`                   // 两次请求的最小间隔
	MaxDelay       time.Duration `mapstructure:"max_delay" yaml:"max_delay" json:"max_delay"`                   // 退避的上限
	BaseTimeout    time.Duration `mapstructure:"base_timeout" yaml:"base_timeout" json:"base_timeout"`          // 无历史数据时的基准超时
	ErrorThreshold int           `mapstructure:"error_threshold" yaml:"error_threshold" json:"error_threshold"` // 判定降级的连续错误阈值
}

// Config 限流器配置：按提供商的参数表加一份通用默认值。
type Config struct {
	Sources  map[string]SourceLimits `mapstructure:"sources" yaml:"sources" json:"sources"`
	Fallback SourceLimits            `mapstructure:"fallback" yaml:"fallback" json:"fallback"` // 未知提供商的默认参数
}

// DefaultConfig 返回内置的提供商参数。
// 各提供商的数值反映其公开 API 的实际限流严格程度。
func DefaultConfig() Config {
	return Config{
		Sources: map[string]SourceLimits{
			"musicbrainz": {MinDelay: 1 * time.Second, MaxDelay: 30 * time.Second, BaseTimeout: 15 * time.Second, ErrorThreshold: 3},
			"spotify":     {MinDelay: 100 * time.Millisecond, MaxDelay: 10 * time.Second, BaseTimeout: 12 * time.Second, ErrorThreshold: 5},
			"discogs":     {MinDelay: 800 * time.Millisecond, MaxDelay: 20 * time.Second, BaseTimeout: 18 * time.Second, ErrorThreshold: 3},
			"lastfm":      {MinDelay: 200 * time.Millisecond, MaxDelay: 15 * time.Second, BaseTimeout: 10 * time.Second, ErrorThreshold: 4},
		},
		Fallback: SourceLimits{MinDelay: 200 * time.Millisecond, MaxDelay: 15 * time.Second, BaseTimeout: 10 * time.Second, ErrorThreshold: 3},
	}
}

// Result 一次提供商调用的结果，供 RecordResult 更新指标。
type Result struct {
	Success    bool          // 调用是否成功
	Latency    time.Duration // 响应耗时
	StatusCode int           // HTTP 状态码（无则为 0）
	Throttled  bool          // 是否收到限流信号
	Timeout    bool          // 是否超时
	RetryAfter time.Duration // 提供商声明的 Retry-After（无则为 0）
}

// sourceMetrics 单个提供商的运行指标。
// 由所属的互斥锁独占保护；currentDelay 始终满足 minDelay ≤ currentDelay ≤ maxDelay。
type sourceMetrics struct {
	mu sync.Mutex

	limits    SourceLimits
	latencies []time.Duration // 滚动窗口

	successCount  int64
	errorCount    int64
	throttleCount int64
	timeoutCount  int64

	consecutiveErrors    int
	consecutiveSuccesses int

	currentDelay time.Duration
	health       core.HealthStatus

	lastRequest time.Time
	lastSuccess time.Time
	lastError   time.Time
}

// AdaptiveRateLimiter 自适应限流器。
// 所有未知提供商在首次访问时按通用默认值惰性初始化，从不返回致命错误。
type AdaptiveRateLimiter struct {
	mu      sync.RWMutex // 仅保护 sources 映射本身
	sources map[string]*sourceMetrics
	config  Config
	log     *logrus.Entry

	// 测试钩子：可替换的睡眠和时钟函数
	sleep func(time.Duration)
	now   func() time.Time
}

// New 创建自适应限流器。
func New(config Config) *AdaptiveRateLimiter {
	if config.Sources == nil {
		config = DefaultConfig()
	}
	rl := &AdaptiveRateLimiter{
		sources: make(map[string]*sourceMetrics),
		config:  config,
		log:     logger.WithComponent("limiter"),
		sleep:   time.Sleep,
		now:     time.Now,
	}
	for name := range config.Sources {
		rl.metricsFor(name)
	}
	return rl
}

// metricsFor 查找或惰性创建提供商指标。
func (rl *AdaptiveRateLimiter) metricsFor(source string) *sourceMetrics {
	rl.mu.RLock()
	m, ok := rl.sources[source]
	rl.mu.RUnlock()
	if ok {
		return m
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if m, ok = rl.sources[source]; ok {
		return m
	}

	limits, ok := rl.config.Sources[source]
	if !ok {
		limits = rl.config.Fallback
		rl.log.Infof("未配置的提供商 %s，使用通用默认参数", source)
	}
	m = &sourceMetrics{
		limits:       limits,
		latencies:    make([]time.Duration, 0, latencyWindowSize),
		currentDelay: limits.MinDelay,
		health:       core.HealthHealthy,
	}
	rl.sources[source] = m
	return m
}

// WaitForSlot 阻塞直到允许向提供商发起下一次调用，返回实际等待时长。
// 所需延迟由健康状态决定：Down 用 maxDelay，Throttled/Degraded 在当前延迟上加乘数。
// 同一提供商的并发调用者在该提供商自己的锁上排队，不会阻塞其他提供商。
func (rl *AdaptiveRateLimiter) WaitForSlot(source string) time.Duration {
	m := rl.metricsFor(source)

	m.mu.Lock()
	defer m.mu.Unlock()

	required := requiredDelay(m)
	waited := time.Duration(0)

	// 持锁睡眠：同一提供商的并发调用者在此排队，天然串行化；
	// 其他提供商使用各自的锁，不受影响。
	if !m.lastRequest.IsZero() {
		elapsed := rl.now().Sub(m.lastRequest)
		if elapsed < required {
			waited = required - elapsed
			rl.log.Debugf("限流等待 %s: %.2fs (状态: %s)", source, waited.Seconds(), m.health)
			rl.sleep(waited)
		}
	}

	m.lastRequest = rl.now()
	return waited
}

// requiredDelay 根据健康状态计算本次调用前所需的最小间隔。调用方必须持有 m.mu。
func requiredDelay(m *sourceMetrics) time.Duration {
	switch m.health {
	case core.HealthDown:
		return m.limits.MaxDelay
	case core.HealthThrottled:
		return clampDelay(2*m.currentDelay, m.limits)
	case core.HealthDegraded:
		return clampDelay(time.Duration(1.5*float64(m.currentDelay)), m.limits)
	default:
		return m.currentDelay
	}
}

// RecordResult 记录一次调用结果，更新计数、动态延迟和健康状态。
func (rl *AdaptiveRateLimiter) RecordResult(source string, res Result) {
	m := rl.metricsFor(source)

	m.mu.Lock()
	defer m.mu.Unlock()

	now := rl.now()

	// 滚动延迟窗口
	if len(m.latencies) >= latencyWindowSize {
		m.latencies = m.latencies[1:]
	}
	m.latencies = append(m.latencies, res.Latency)

	if res.Success {
		m.successCount++
		m.lastSuccess = now
		m.consecutiveSuccesses++
		m.consecutiveErrors = 0

		// 渐进恢复：连续 3 次成功后才按 0.8 收缩，绝不一步跳回最小值
		if m.consecutiveSuccesses >= 3 && m.currentDelay > m.limits.MinDelay {
			m.currentDelay = clampDelay(time.Duration(0.8*float64(m.currentDelay)), m.limits)
		}
	} else {
		m.errorCount++
		m.lastError = now
		m.consecutiveErrors++
		m.consecutiveSuccesses = 0

		if res.Throttled {
			m.throttleCount++
		}
		if res.Timeout {
			m.timeoutCount++
		}

		switch {
		case res.Throttled || res.StatusCode == 429 || res.StatusCode == 503:
			// 命中限流，激进退避
			m.currentDelay = clampDelay(2*m.currentDelay, m.limits)
		case res.Timeout:
			m.currentDelay = clampDelay(time.Duration(1.5*float64(m.currentDelay)), m.limits)
		case m.consecutiveErrors >= 3:
			m.currentDelay = clampDelay(time.Duration(1.3*float64(m.currentDelay)), m.limits)
		}
	}

	rl.updateHealth(source, m)

	// 提供商显式给出的 Retry-After 覆盖计算出的延迟
	if res.RetryAfter > 0 {
		m.currentDelay = clampDelay(res.RetryAfter, m.limits)
	}

	// 响应时间反馈微调
	if res.Latency > 5*time.Second {
		m.currentDelay = clampDelay(time.Duration(1.2*float64(m.currentDelay)), m.limits)
	} else if res.Latency < time.Second && res.Success {
		m.currentDelay = clampDelay(time.Duration(0.95*float64(m.currentDelay)), m.limits)
	}
}

// updateHealth 重新评估健康状态。检查是有序的，首个命中者生效：
// Down 先于 Degraded 判定，保证同一提供商不会被同时报告为两种状态。
// 调用方必须持有 m.mu。
func (rl *AdaptiveRateLimiter) updateHealth(source string, m *sourceMetrics) {
	threshold := m.limits.ErrorThreshold
	if threshold <= 0 {
		threshold = rl.config.Fallback.ErrorThreshold
	}

	total := m.successCount + m.errorCount
	successRate := 1.0
	if total > 0 {
		successRate = float64(m.successCount) / float64(total)
	}

	previous := m.health
	switch {
	case m.consecutiveErrors >= 2*threshold:
		m.health = core.HealthDown
		m.currentDelay = m.limits.MaxDelay
	case m.throttleCount > m.successCount && m.throttleCount > 3:
		m.health = core.HealthThrottled
	case successRate < 0.5 || m.consecutiveErrors >= threshold:
		m.health = core.HealthDegraded
	case m.consecutiveSuccesses >= 3 && successRate > 0.8:
		m.health = core.HealthHealthy
	}

	if m.health != previous {
		rl.log.WithFields(logrus.Fields{
			"source": source,
			"from":   previous,
			"to":     m.health,
		}).Info("提供商健康状态变更")
	}
}

// OptimalTimeout 基于历史延迟计算提供商的最优超时。
// 样本不足 5 个时返回基准超时；否则取 2×p95，并夹在 [max(0.5×base, 3s), 3×base] 之间。
func (rl *AdaptiveRateLimiter) OptimalTimeout(source string) time.Duration {
	m := rl.metricsFor(source)

	m.mu.Lock()
	defer m.mu.Unlock()

	base := m.limits.BaseTimeout
	if len(m.latencies) < 5 {
		return base
	}

	p95 := percentile95(m.latencies)
	optimal := 2 * p95

	minTimeout := base / 2
	if minTimeout < 3*time.Second {
		minTimeout = 3 * time.Second
	}
	maxTimeout := 3 * base

	if optimal < minTimeout {
		return minTimeout
	}
	if optimal > maxTimeout {
		return maxTimeout
	}
	return optimal
}

// ForceRecovery 管理接口：强制将提供商恢复为 Healthy 并重置延迟。
func (rl *AdaptiveRateLimiter) ForceRecovery(source string) {
	m := rl.metricsFor(source)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.health = core.HealthHealthy
	m.consecutiveErrors = 0
	m.consecutiveSuccesses = 1
	m.currentDelay = m.limits.MinDelay
	rl.log.Infof("强制恢复提供商 %s", source)
}

// Reset 管理接口：清空提供商的全部指标。
func (rl *AdaptiveRateLimiter) Reset(source string) {
	m := rl.metricsFor(source)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.latencies = make([]time.Duration, 0, latencyWindowSize)
	m.successCount = 0
	m.errorCount = 0
	m.throttleCount = 0
	m.timeoutCount = 0
	m.consecutiveErrors = 0
	m.consecutiveSuccesses = 0
	m.currentDelay = m.limits.MinDelay
	m.health = core.HealthHealthy
	m.lastRequest = time.Time{}
	m.lastSuccess = time.Time{}
	m.lastError = time.Time{}
	rl.log.Infof("限流指标已重置: %s", source)
}

// clampDelay 将延迟夹在 [minDelay, maxDelay] 内。
func clampDelay(d time.Duration, limits SourceLimits) time.Duration {
	if d < limits.MinDelay {
		return limits.MinDelay
	}
	if d > limits.MaxDelay {
		return limits.MaxDelay
	}
	return d
}

// percentile95 计算延迟窗口的 95 分位数。
func percentile95(samples []time.Duration) time.Duration {
	sorted := make([]time.Duration, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := (95 * len(sorted)) / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
