package limiter

import (
	"time"
)

// GetSourceStatus 返回单个提供商的状态快照，供管理接口展示。
func (rl *AdaptiveRateLimiter) GetSourceStatus(source string) map[string]interface{} {
	m := rl.metricsFor(source)

	m.mu.Lock()
	defer m.mu.Unlock()
	return snapshotLocked(m)
}

// GetAllStatus 返回所有已知提供商的状态快照。
func (rl *AdaptiveRateLimiter) GetAllStatus() map[string]map[string]interface{} {
	rl.mu.RLock()
	names := make([]string, 0, len(rl.sources))
	for name := range rl.sources {
		names = append(names, name)
	}
	rl.mu.RUnlock()

	status := make(map[string]map[string]interface{}, len(names))
	for _, name := range names {
		status[name] = rl.GetSourceStatus(name)
	}
	return status
}

// snapshotLocked 组装单个提供商的状态映射。调用方必须持有 m.mu。
func snapshotLocked(m *sourceMetrics) map[string]interface{} {
	total := m.successCount + m.errorCount
	successRate := 1.0
	if total > 0 {
		successRate = float64(m.successCount) / float64(total)
	}

	var avgLatency, p95Latency time.Duration
	if len(m.latencies) > 0 {
		var sum time.Duration
		for _, l := range m.latencies {
			sum += l
		}
		avgLatency = sum / time.Duration(len(m.latencies))
		p95Latency = percentile95(m.latencies)
	}

	return map[string]interface{}{
		"health":                m.health,
		"current_delay_ms":      m.currentDelay.Milliseconds(),
		"success_rate":          successRate,
		"total_requests":        total,
		"success_count":         m.successCount,
		"error_count":           m.errorCount,
		"throttle_count":        m.throttleCount,
		"timeout_count":         m.timeoutCount,
		"consecutive_errors":    m.consecutiveErrors,
		"consecutive_successes": m.consecutiveSuccesses,
		"avg_latency_ms":        avgLatency.Milliseconds(),
		"p95_latency_ms":        p95Latency.Milliseconds(),
		"last_success":          m.lastSuccess,
		"last_error":            m.lastError,
	}
}
