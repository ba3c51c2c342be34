// Package core 定义了 trackenrich 的核心数据结构、协作者接口和错误类型。
// 这些类型为所有子包（limiter, cache, scheduler, aggregator）提供统一的抽象和交互契约。
package core

import (
	"time"
)

// Track 代表一条待丰富的音乐曲目记录。
// Artist 和 Title 是必填字段，其余元数据可选。
type Track struct {
	Artist string `json:"artist"`          // 艺术家名称
	Title  string `json:"title"`           // 曲目标题
	Album  string `json:"album,omitempty"` // 专辑名称（可选）
	Year   int    `json:"year,omitempty"`  // 发行年份（可选）
}

// IsValid 检查曲目是否携带了进行任何外部查询所必需的字段。
func (t Track) IsValid() bool {
	return t.Artist != "" && t.Title != ""
}

// Payload 是单个提供商返回的原始响应载荷。
// 核心层不解释其线上格式，只透传给打分和聚合逻辑。
type Payload map[string]interface{}

// Clone 返回载荷的浅拷贝，避免缓存条目被调用方原地修改。
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	cp := make(Payload, len(p))
	for k, v := range p {
		cp[k] = v
	}
	return cp
}

// HealthStatus 提供商健康状态
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"   // 正常
	HealthDegraded  HealthStatus = "degraded"  // 降级
	HealthThrottled HealthStatus = "throttled" // 被限流
	HealthDown      HealthStatus = "down"      // 不可用
)

// SourceData 是一个提供商贡献的流派数据，作为打分器的输入。
type SourceData struct {
	Source        string   `json:"source"`         // 提供商名称
	Genres        []string `json:"genres"`         // 解析出的流派标签
	Metadata      Payload  `json:"metadata"`       // 提供商原始载荷
	RawConfidence float64  `json:"raw_confidence"` // 来源级原始置信度 [0,1]
}

// GenreScore 代表一个候选流派及其综合置信度。
type GenreScore struct {
	Genre          string   `json:"genre"`           // 流派名称
	Confidence     float64  `json:"confidence"`      // 综合置信度 [0,1]
	Sources        []string `json:"sources"`         // 贡献该流派的提供商
	ConsensusScore float64  `json:"consensus_score"` // 多源共识分量
	QualityScore   float64  `json:"quality_score"`   // 流派特异性分量
}

// AggregationResult 是一次完整聚合请求的最终结果。
// 结果对象在返回后不再被修改；调用方通过 Errors/ConfidenceScore 判断部分失败。
type AggregationResult struct {
	FinalGenres    []string      `json:"final_genres"`    // 排序后的最终流派列表
	ConfidenceScore float64      `json:"confidence_score"` // 整体置信度（top-K 均值）
	SourcesUsed    []string      `json:"sources_used"`    // 实际产出数据的提供商
	ProcessingTime time.Duration `json:"processing_time"` // 墙钟耗时
	DetailedScores []GenreScore  `json:"detailed_scores"` // 每个候选流派的明细分数
	FallbackUsed   bool          `json:"fallback_used"`   // 是否触发了后备层
	Errors         []string      `json:"errors"`          // 非致命错误（每个失败的提供商一条）
}

// CacheEntry 代表响应缓存中的一个条目。
// 过期时间由 创建时间 + baseDuration(source) × max(0.1, confidence) × 2 决定。
type CacheEntry struct {
	Key          string    `json:"key"`           // 规范化后的缓存键（md5）
	Source       string    `json:"source"`        // 提供商名称
	Artist       string    `json:"artist"`        // 规范化艺术家
	Title        string    `json:"title"`         // 规范化标题
	Data         Payload   `json:"data"`          // 提供商载荷
	Confidence   float64   `json:"confidence"`    // 写入时的置信度 [0,1]
	CreatedAt    time.Time `json:"created_at"`    // 创建时间
	LastAccessed time.Time `json:"last_accessed"` // 最后访问时间
	HitCount     int64     `json:"hit_count"`     // 命中次数
	ExpiresAt    time.Time `json:"expires_at"`    // 过期时间
}

// IsExpired 判断条目在给定时刻是否已经过期。
func (e *CacheEntry) IsExpired(now time.Time) bool {
	return !e.ExpiresAt.After(now)
}

// CacheStats 包含响应缓存的全局统计信息。
type CacheStats struct {
	TotalRequests int64   `json:"total_requests"` // 总查询次数
	CacheHits     int64   `json:"cache_hits"`     // 命中次数
	CacheMisses   int64   `json:"cache_misses"`   // 未命中次数
	APICallsSaved int64   `json:"api_calls_saved"` // 因命中而省下的 API 调用数
	TotalSizeMB   float64 `json:"total_size_mb"`  // 内存索引的近似占用
	Entries       int64   `json:"entries"`        // 当前内存条目数
}

// HitRate 返回命中率；无请求时为 0。
func (s CacheStats) HitRate() float64 {
	if s.TotalRequests == 0 {
		return 0
	}
	return float64(s.CacheHits) / float64(s.TotalRequests)
}
