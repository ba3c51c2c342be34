package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"trackenrich/pkg/core"
)

// SQLiteStore 基于嵌入式 SQLite 的缓存持久化后端。
// 纯 Go 驱动，无 cgo 依赖，适合单机部署的默认选择。
type SQLiteStore struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS cache_entries (
	key           TEXT PRIMARY KEY,
	source        TEXT NOT NULL,
	artist        TEXT NOT NULL,
	title         TEXT NOT NULL,
	data          TEXT NOT NULL,
	confidence    REAL NOT NULL,
	created_at    INTEGER NOT NULL,
	last_accessed INTEGER NOT NULL,
	hit_count     INTEGER NOT NULL DEFAULT 0,
	expires_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cache_source ON cache_entries(source);
CREATE INDEX IF NOT EXISTS idx_cache_expires ON cache_entries(expires_at);
CREATE INDEX IF NOT EXISTS idx_cache_accessed ON cache_entries(last_accessed);
`

// NewSQLiteStore 打开（或创建）缓存数据库并初始化表结构。
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open cache database: %w", err)
	}
	// 单写者模型：SQLite 在并发写入下依赖串行化连接
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply pragma: %w", err)
		}
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create cache schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// PutEntry 写入或覆盖一个缓存条目。
func (s *SQLiteStore) PutEntry(ctx context.Context, entry *core.CacheEntry) error {
	data, err := json.Marshal(entry.Data)
	if err != nil {
		return core.WrapError(core.ErrCacheIO, "marshal cache payload", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cache_entries (key, source, artist, title, data, confidence, created_at, last_accessed, hit_count, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			source = excluded.source,
			artist = excluded.artist,
			title = excluded.title,
			data = excluded.data,
			confidence = excluded.confidence,
			created_at = excluded.created_at,
			last_accessed = excluded.last_accessed,
			hit_count = excluded.hit_count,
			expires_at = excluded.expires_at`,
		entry.Key, entry.Source, entry.Artist, entry.Title, string(data), entry.Confidence,
		entry.CreatedAt.UnixNano(), entry.LastAccessed.UnixNano(), entry.HitCount, entry.ExpiresAt.UnixNano(),
	)
	if err != nil {
		return core.WrapError(core.ErrCacheIO, "persist cache entry", err)
	}
	return nil
}

// UpdateAccess 更新条目的命中计数和最后访问时间。
func (s *SQLiteStore) UpdateAccess(ctx context.Context, key string, hits int64, lastAccessed time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE cache_entries SET hit_count = ?, last_accessed = ? WHERE key = ?`,
		hits, lastAccessed.UnixNano(), key,
	)
	if err != nil {
		return core.WrapError(core.ErrCacheIO, "update cache access", err)
	}
	return nil
}

// DeleteEntry 删除一个条目。
func (s *SQLiteStore) DeleteEntry(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key); err != nil {
		return core.WrapError(core.ErrCacheIO, "delete cache entry", err)
	}
	return nil
}

// DeleteBySource 删除某个提供商的全部条目。
func (s *SQLiteStore) DeleteBySource(ctx context.Context, source string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE source = ?`, source); err != nil {
		return core.WrapError(core.ErrCacheIO, "delete cache entries by source", err)
	}
	return nil
}

// DeleteExpiredBefore 删除在 cutoff 之前过期的所有条目。
func (s *SQLiteStore) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE expires_at <= ?`, cutoff.UnixNano()); err != nil {
		return core.WrapError(core.ErrCacheIO, "delete expired cache entries", err)
	}
	return nil
}

// LoadRecent 按最后访问时间降序加载最多 limit 条未过期条目。
func (s *SQLiteStore) LoadRecent(ctx context.Context, now time.Time, limit int) ([]*core.CacheEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, source, artist, title, data, confidence, created_at, last_accessed, hit_count, expires_at
		FROM cache_entries
		WHERE expires_at > ?
		ORDER BY last_accessed DESC
		LIMIT ?`, now.UnixNano(), limit)
	if err != nil {
		return nil, core.WrapError(core.ErrCacheIO, "load cache entries", err)
	}
	defer rows.Close()

	var entries []*core.CacheEntry
	for rows.Next() {
		var (
			e                                 core.CacheEntry
			data                              string
			createdAt, lastAccessed, expireAt int64
		)
		if err := rows.Scan(&e.Key, &e.Source, &e.Artist, &e.Title, &data, &e.Confidence,
			&createdAt, &lastAccessed, &e.HitCount, &expireAt); err != nil {
			return nil, core.WrapError(core.ErrCacheIO, "scan cache entry", err)
		}
		if err := json.Unmarshal([]byte(data), &e.Data); err != nil {
			// 损坏的载荷跳过，不让单条坏数据毁掉整次预热
			continue
		}
		e.CreatedAt = time.Unix(0, createdAt)
		e.LastAccessed = time.Unix(0, lastAccessed)
		e.ExpiresAt = time.Unix(0, expireAt)
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, core.WrapError(core.ErrCacheIO, "iterate cache entries", err)
	}
	return entries, nil
}

// Clear 清空全部条目。
func (s *SQLiteStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries`); err != nil {
		return core.WrapError(core.ErrCacheIO, "clear cache entries", err)
	}
	return nil
}

// Close 关闭数据库连接。
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

var _ core.Store = (*SQLiteStore)(nil)
