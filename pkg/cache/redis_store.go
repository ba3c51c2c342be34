package cache

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"

	"trackenrich/pkg/core"
)

// keyPrefix Redis 键命名空间，避免与同实例上的其他应用冲突。
const keyPrefix = "trackenrich:cache:"

// RedisStoreConfig Redis 后端配置。
type RedisStoreConfig struct {
	Address  string `mapstructure:"address" yaml:"address" json:"address"`    // host:port
	Password string `mapstructure:"password" yaml:"password" json:"password"` // 可为空
	DB       int    `mapstructure:"db" yaml:"db" json:"db"`                   // 逻辑库编号
}

// RedisStore 基于 Redis 的缓存持久化后端，适合多实例共享缓存的部署。
// 条目以 JSON 存储，过期交给 Redis 原生 TTL。
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore 连接 Redis 并验证可达性。
func NewRedisStore(config RedisStoreConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Address,
		Password: config.Password,
		DB:       config.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, core.WrapError(core.ErrCacheIO, "connect redis", err)
	}
	return &RedisStore{client: client}, nil
}

// PutEntry 写入一个条目，TTL 取条目剩余生存时间。已过期的条目不写入。
func (s *RedisStore) PutEntry(ctx context.Context, entry *core.CacheEntry) error {
	ttl := time.Until(entry.ExpiresAt)
	if ttl <= 0 {
		return nil
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return core.WrapError(core.ErrCacheIO, "marshal cache entry", err)
	}
	if err := s.client.Set(ctx, keyPrefix+entry.Key, data, ttl).Err(); err != nil {
		return core.WrapError(core.ErrCacheIO, "persist cache entry", err)
	}
	return nil
}

// UpdateAccess 更新条目的命中计数和最后访问时间，保留原有 TTL。
func (s *RedisStore) UpdateAccess(ctx context.Context, key string, hits int64, lastAccessed time.Time) error {
	full := keyPrefix + key
	data, err := s.client.Get(ctx, full).Bytes()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return core.WrapError(core.ErrCacheIO, "read cache entry", err)
	}

	var entry core.CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return core.WrapError(core.ErrCacheIO, "unmarshal cache entry", err)
	}
	entry.HitCount = hits
	entry.LastAccessed = lastAccessed

	updated, err := json.Marshal(&entry)
	if err != nil {
		return core.WrapError(core.ErrCacheIO, "marshal cache entry", err)
	}
	if err := s.client.Set(ctx, full, updated, redis.KeepTTL).Err(); err != nil {
		return core.WrapError(core.ErrCacheIO, "update cache access", err)
	}
	return nil
}

// DeleteEntry 删除一个条目。
func (s *RedisStore) DeleteEntry(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, keyPrefix+key).Err(); err != nil {
		return core.WrapError(core.ErrCacheIO, "delete cache entry", err)
	}
	return nil
}

// DeleteBySource 扫描命名空间，删除某个提供商的全部条目。
func (s *RedisStore) DeleteBySource(ctx context.Context, source string) error {
	return s.scanEntries(ctx, func(key string, entry *core.CacheEntry) error {
		if entry.Source != source {
			return nil
		}
		return s.client.Del(ctx, key).Err()
	})
}

// DeleteExpiredBefore Redis 的原生 TTL 已经处理过期，这里无事可做。
func (s *RedisStore) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) error {
	return nil
}

// LoadRecent 扫描命名空间加载条目，按最后访问时间降序截取 limit 条。
func (s *RedisStore) LoadRecent(ctx context.Context, now time.Time, limit int) ([]*core.CacheEntry, error) {
	var entries []*core.CacheEntry
	err := s.scanEntries(ctx, func(key string, entry *core.CacheEntry) error {
		if !entry.IsExpired(now) {
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].LastAccessed.After(entries[j].LastAccessed)
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// Clear 删除命名空间下的全部条目。
func (s *RedisStore) Clear(ctx context.Context) error {
	return s.scanKeys(ctx, func(key string) error {
		return s.client.Del(ctx, key).Err()
	})
}

// Close 关闭 Redis 连接。
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// scanKeys 用 SCAN 遍历命名空间下的所有键，避免 KEYS 阻塞服务器。
func (s *RedisStore) scanKeys(ctx context.Context, fn func(key string) error) error {
	iter := s.client.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := fn(iter.Val()); err != nil {
			return core.WrapError(core.ErrCacheIO, "scan cache keys", err)
		}
	}
	if err := iter.Err(); err != nil {
		return core.WrapError(core.ErrCacheIO, "scan cache keys", err)
	}
	return nil
}

// scanEntries 遍历并反序列化所有条目，损坏的条目跳过。
func (s *RedisStore) scanEntries(ctx context.Context, fn func(key string, entry *core.CacheEntry) error) error {
	return s.scanKeys(ctx, func(key string) error {
		data, err := s.client.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return nil
		}
		if err != nil {
			return err
		}
		var entry core.CacheEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			return nil
		}
		return fn(key, &entry)
	})
}

var _ core.Store = (*RedisStore)(nil)
