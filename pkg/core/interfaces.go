package core

import (
	"context"
	"time"
)

// Provider 是所有元数据提供商（Spotify/MusicBrainz/Discogs/Last.fm 等价物）的基础接口。
// 核心层不感知其线上格式，只要求调用是同步的、可失败的、延迟可变的。
type Provider interface {
	// Name 返回提供商的名称，例如 "spotify" 或 "musicbrainz"。
	Name() string

	// Call 针对一条曲目执行一次元数据查询，返回原始载荷。
	// ctx 携带由限流器计算出的最优超时。
	Call(ctx context.Context, track Track) (Payload, error)
}

// Closable 可关闭接口。
// 需要清理资源的提供商应实现此接口。
type Closable interface {
	// Close 关闭提供商，清理资源
	Close() error
}

// ConfidenceScorer 定义了置信度打分协作者的行为。
// 它将多个提供商的流派数据合并为按置信度排序的候选列表。
type ConfidenceScorer interface {
	// ScoreGenres 对多源流派数据打分，返回按置信度降序排列的候选。
	ScoreGenres(sources []SourceData) []GenreScore
}

// Curator 定义了最终策展协作者的行为（同义词去重、截断）。
type Curator interface {
	// Curate 对候选流派去重、规范化并截断到 maxCount 个。
	Curate(genres []string, maxCount int) []string
}

// Store 定义了响应缓存的持久化后端。
// 任何键值存储（嵌入式数据库、Redis、文件）实现此接口即可接入。
// 存储层的失败不会阻断内存路径；上层记录日志后继续服务。
type Store interface {
	// PutEntry 写入或覆盖一个缓存条目。
	PutEntry(ctx context.Context, entry *CacheEntry) error
	// UpdateAccess 更新条目的命中计数和最后访问时间。
	UpdateAccess(ctx context.Context, key string, hits int64, lastAccessed time.Time) error
	// DeleteEntry 删除一个条目。
	DeleteEntry(ctx context.Context, key string) error
	// DeleteBySource 删除某个提供商的全部条目。
	DeleteBySource(ctx context.Context, source string) error
	// DeleteExpiredBefore 删除在给定时刻之前过期的所有条目。
	DeleteExpiredBefore(ctx context.Context, cutoff time.Time) error
	// LoadRecent 按最后访问时间降序加载最多 limit 条未过期条目，用于启动时预热内存索引。
	LoadRecent(ctx context.Context, now time.Time, limit int) ([]*CacheEntry, error)
	// Clear 清空全部条目。
	Clear(ctx context.Context) error
	// Close 关闭存储连接并释放资源。
	Close() error
}
