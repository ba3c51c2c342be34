// Package cache 实现提供商响应的持久化缓存。
// TTL 随写入时的置信度伸缩：高置信结果缓存更久，低置信结果很快重新查询。
// 内存索引是权威路径，持久化后端（SQLite/Redis）异步跟随，后端故障不阻断服务。
package cache

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"trackenrich/pkg/core"
	"trackenrich/pkg/logger"
)

// Config 响应缓存配置。
type Config struct {
	MaxEntries      int                      `mapstructure:"max_entries" yaml:"max_entries" json:"max_entries"`                // 内存条目上限，超过触发批量驱逐
	BaseDurations   map[string]time.Duration `mapstructure:"base_durations" yaml:"base_durations" json:"base_durations"`       // 各提供商的基准缓存时长
	DefaultDuration time.Duration            `mapstructure:"default_duration" yaml:"default_duration" json:"default_duration"` // 未知提供商的基准时长
	WarmLimit       int                      `mapstructure:"warm_limit" yaml:"warm_limit" json:"warm_limit"`                   // 启动时从后端预热的最大条目数
}

// DefaultConfig 返回内置缓存参数。
// 基准时长反映各提供商数据的稳定程度：目录型数据库缓存更久。
func DefaultConfig() Config {
	return Config{
		MaxEntries: 10000,
		BaseDurations: map[string]time.Duration{
			"musicbrainz": 7 * 24 * time.Hour,
			"spotify":     5 * 24 * time.Hour,
			"discogs":     10 * 24 * time.Hour,
			"lastfm":      3 * 24 * time.Hour,
		},
		DefaultDuration: 24 * time.Hour,
		WarmLimit:       5000,
	}
}

// Validate 检查配置有效性。
func (c *Config) Validate() error {
	if c.MaxEntries <= 0 {
		return core.NewError(core.ErrConfigInvalid, "max_entries must be positive")
	}
	if c.DefaultDuration <= 0 {
		return core.NewError(core.ErrConfigInvalid, "default_duration must be positive")
	}
	return nil
}

// ResponseCache 置信度加权的响应缓存。
// 读写都先走内存索引；store 为 nil 时退化为纯内存缓存。
type ResponseCache struct {
	mu      sync.RWMutex
	entries map[string]*core.CacheEntry
	config  Config
	store   core.Store
	log     *logrus.Entry

	statsMu sync.Mutex
	stats   core.CacheStats

	now func() time.Time // 测试钩子
}

// New 创建响应缓存，并从持久化后端预热内存索引。
// 预热失败只记录日志，缓存以空索引启动。
func New(config Config, store core.Store) *ResponseCache {
	rc := &ResponseCache{
		entries: make(map[string]*core.CacheEntry),
		config:  config,
		store:   store,
		log:     logger.WithComponent("cache"),
		now:     time.Now,
	}

	if store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		warmed, err := store.LoadRecent(ctx, rc.now(), config.WarmLimit)
		if err != nil {
			rc.log.Warnf("缓存预热失败，以空索引启动: %v", err)
		} else {
			for _, e := range warmed {
				rc.entries[e.Key] = e
			}
			rc.log.Infof("缓存预热完成: %d 条", len(warmed))
		}
	}
	return rc
}

// Get 查询一条缓存。未命中或已过期返回 ErrCacheMiss 类错误。
// 命中会更新命中计数和最后访问时间，并异步同步到后端。
func (rc *ResponseCache) Get(ctx context.Context, source string, track core.Track) (core.Payload, error) {
	key := cacheKey(source, track.Artist, track.Title)
	now := rc.now()

	rc.mu.Lock()
	entry, ok := rc.entries[key]
	if !ok {
		rc.mu.Unlock()
		rc.recordMiss()
		return nil, core.ErrEntryNotFound
	}

	// 惰性过期：读到过期条目时当场删除
	if entry.IsExpired(now) {
		delete(rc.entries, key)
		rc.mu.Unlock()
		rc.recordMiss()
		rc.asyncStore(func(sctx context.Context) error {
			return rc.store.DeleteEntry(sctx, key)
		})
		return nil, core.ErrEntryNotFound
	}

	entry.HitCount++
	entry.LastAccessed = now
	hits := entry.HitCount
	data := entry.Data.Clone()
	rc.mu.Unlock()

	rc.recordHit()
	rc.asyncStore(func(sctx context.Context) error {
		return rc.store.UpdateAccess(sctx, key, hits, now)
	})
	return data, nil
}

// Put 写入一条缓存。过期时间 = 现在 + 基准时长 × max(0.1, confidence) × 2。
// 空载荷或非正置信度的数据不值得缓存，直接丢弃。
// 同键覆盖旧条目并重置命中计数。
func (rc *ResponseCache) Put(ctx context.Context, source string, track core.Track, data core.Payload, confidence float64) {
	if confidence <= 0 || len(data) == 0 {
		return
	}
	if confidence > 1 {
		confidence = 1
	}

	now := rc.now()
	ttl := rc.ttlFor(source, confidence)
	entry := &core.CacheEntry{
		Key:          cacheKey(source, track.Artist, track.Title),
		Source:       source,
		Artist:       normalizeText(track.Artist),
		Title:        normalizeText(track.Title),
		Data:         data.Clone(),
		Confidence:   confidence,
		CreatedAt:    now,
		LastAccessed: now,
		ExpiresAt:    now.Add(ttl),
	}

	rc.mu.Lock()
	rc.entries[entry.Key] = entry
	if len(rc.entries) > rc.config.MaxEntries {
		rc.evictLocked()
	}
	rc.mu.Unlock()

	rc.log.WithFields(logrus.Fields{
		"source":     source,
		"confidence": confidence,
		"ttl":        ttl.String(),
	}).Debug("缓存写入")

	rc.asyncStore(func(sctx context.Context) error {
		return rc.store.PutEntry(sctx, entry)
	})
}

// ttlFor 计算置信度加权 TTL。置信度下限 0.1 保证任何条目至少缓存一小段时间。
func (rc *ResponseCache) ttlFor(source string, confidence float64) time.Duration {
	base, ok := rc.config.BaseDurations[source]
	if !ok {
		base = rc.config.DefaultDuration
	}
	factor := confidence
	if factor < 0.1 {
		factor = 0.1
	}
	return time.Duration(float64(base) * factor * 2)
}

// evictLocked 批量驱逐 20% 条目，优先淘汰命中少、访问早的。调用方必须持有 rc.mu。
func (rc *ResponseCache) evictLocked() {
	type victim struct {
		key          string
		hitCount     int64
		lastAccessed time.Time
	}
	candidates := make([]victim, 0, len(rc.entries))
	for k, e := range rc.entries {
		candidates = append(candidates, victim{k, e.HitCount, e.LastAccessed})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].hitCount != candidates[j].hitCount {
			return candidates[i].hitCount < candidates[j].hitCount
		}
		return candidates[i].lastAccessed.Before(candidates[j].lastAccessed)
	})

	evictCount := len(rc.entries) / 5
	if evictCount < 1 {
		evictCount = 1
	}
	evicted := make([]string, 0, evictCount)
	for i := 0; i < evictCount && i < len(candidates); i++ {
		delete(rc.entries, candidates[i].key)
		evicted = append(evicted, candidates[i].key)
	}
	rc.log.Infof("缓存驱逐 %d 条（上限 %d）", len(evicted), rc.config.MaxEntries)

	rc.asyncStore(func(sctx context.Context) error {
		for _, k := range evicted {
			if err := rc.store.DeleteEntry(sctx, k); err != nil {
				return err
			}
		}
		return nil
	})
}

// InvalidateSource 删除某个提供商的全部条目，返回删除数量。
func (rc *ResponseCache) InvalidateSource(ctx context.Context, source string) int {
	rc.mu.Lock()
	removed := 0
	for k, e := range rc.entries {
		if e.Source == source {
			delete(rc.entries, k)
			removed++
		}
	}
	rc.mu.Unlock()

	rc.asyncStore(func(sctx context.Context) error {
		return rc.store.DeleteBySource(sctx, source)
	})
	rc.log.Infof("失效提供商 %s 的缓存: %d 条", source, removed)
	return removed
}

// CleanupExpired 删除所有已过期条目，返回删除数量。由维护任务周期性调用。
func (rc *ResponseCache) CleanupExpired(ctx context.Context) int {
	now := rc.now()

	rc.mu.Lock()
	removed := 0
	for k, e := range rc.entries {
		if e.IsExpired(now) {
			delete(rc.entries, k)
			removed++
		}
	}
	rc.mu.Unlock()

	rc.asyncStore(func(sctx context.Context) error {
		return rc.store.DeleteExpiredBefore(sctx, now)
	})
	if removed > 0 {
		rc.log.Infof("清理过期缓存: %d 条", removed)
	}
	return removed
}

// Clear 清空全部缓存和统计。
func (rc *ResponseCache) Clear(ctx context.Context) {
	rc.mu.Lock()
	rc.entries = make(map[string]*core.CacheEntry)
	rc.mu.Unlock()

	rc.statsMu.Lock()
	rc.stats = core.CacheStats{}
	rc.statsMu.Unlock()

	rc.asyncStore(func(sctx context.Context) error {
		return rc.store.Clear(sctx)
	})
	rc.log.Info("缓存已清空")
}

// Stats 返回全局统计快照。
func (rc *ResponseCache) Stats() core.CacheStats {
	rc.statsMu.Lock()
	stats := rc.stats
	rc.statsMu.Unlock()

	rc.mu.RLock()
	stats.Entries = int64(len(rc.entries))
	rc.mu.RUnlock()
	stats.TotalSizeMB = float64(stats.Entries) * approxEntryKB / 1024
	return stats
}

// approxEntryKB 单条目近似占用，用于统计展示。
const approxEntryKB = 2.0

// Report 返回详细报表：全局命中率加上按提供商的条目分布。
func (rc *ResponseCache) Report() map[string]interface{} {
	stats := rc.Stats()

	rc.mu.RLock()
	bySource := make(map[string]int64)
	var totalHits int64
	oldest := time.Time{}
	for _, e := range rc.entries {
		bySource[e.Source]++
		totalHits += e.HitCount
		if oldest.IsZero() || e.CreatedAt.Before(oldest) {
			oldest = e.CreatedAt
		}
	}
	rc.mu.RUnlock()

	return map[string]interface{}{
		"total_requests":  stats.TotalRequests,
		"cache_hits":      stats.CacheHits,
		"cache_misses":    stats.CacheMisses,
		"hit_rate":        stats.HitRate(),
		"api_calls_saved": stats.APICallsSaved,
		"entries":         stats.Entries,
		"total_size_mb":   stats.TotalSizeMB,
		"by_source":       bySource,
		"total_hit_count": totalHits,
		"oldest_entry":    oldest,
	}
}

// Close 关闭持久化后端。
func (rc *ResponseCache) Close() error {
	if rc.store == nil {
		return nil
	}
	return rc.store.Close()
}

func (rc *ResponseCache) recordHit() {
	rc.statsMu.Lock()
	defer rc.statsMu.Unlock()
	rc.stats.TotalRequests++
	rc.stats.CacheHits++
	rc.stats.APICallsSaved++
}

func (rc *ResponseCache) recordMiss() {
	rc.statsMu.Lock()
	defer rc.statsMu.Unlock()
	rc.stats.TotalRequests++
	rc.stats.CacheMisses++
}

// asyncStore 在后台执行一次后端操作，错误只记日志。
// 内存路径永远不等待持久化。
func (rc *ResponseCache) asyncStore(op func(context.Context) error) {
	if rc.store == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := op(ctx); err != nil {
			rc.log.Warnf("缓存后端操作失败: %v", err)
		}
	}()
}
