// Package config 聚合 trackenrich 各子系统的配置，支持从 YAML 文件加载。
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"

	"trackenrich/pkg/aggregator"
	"trackenrich/pkg/cache"
	"trackenrich/pkg/core"
	"trackenrich/pkg/limiter"
	"trackenrich/pkg/logger"
	"trackenrich/pkg/scheduler"
)

// StoreConfig 缓存持久化后端选择。
type StoreConfig struct {
	Type       string                 `mapstructure:"type" yaml:"type" json:"type"`                      // sqlite, redis, memory
	SQLitePath string                 `mapstructure:"sqlite_path" yaml:"sqlite_path" json:"sqlite_path"` // sqlite 数据库文件
	Redis      cache.RedisStoreConfig `mapstructure:"redis" yaml:"redis" json:"redis"`
}

// APIConfig 管理 API 配置。
type APIConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Listen  string `mapstructure:"listen" yaml:"listen" json:"listen"`    // host:port
}

// MaintenanceConfig 周期性维护任务配置。
type MaintenanceConfig struct {
	Schedule      string        `mapstructure:"schedule" yaml:"schedule" json:"schedule"`                   // cron 表达式
	TaskRetention time.Duration `mapstructure:"task_retention" yaml:"task_retention" json:"task_retention"` // 终态任务保留时长
}

// Config trackenrich 总配置。
type Config struct {
	Log         logger.Config     `mapstructure:"log" yaml:"log" json:"log"`
	Limiter     limiter.Config    `mapstructure:"limiter" yaml:"limiter" json:"limiter"`
	Cache       cache.Config      `mapstructure:"cache" yaml:"cache" json:"cache"`
	Store       StoreConfig       `mapstructure:"store" yaml:"store" json:"store"`
	Scheduler   scheduler.Config  `mapstructure:"scheduler" yaml:"scheduler" json:"scheduler"`
	Aggregator  aggregator.Config `mapstructure:"aggregator" yaml:"aggregator" json:"aggregator"`
	API         APIConfig         `mapstructure:"api" yaml:"api" json:"api"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance" yaml:"maintenance" json:"maintenance"`
}

// Default 返回全部内置默认值的配置。
func Default() *Config {
	return &Config{
		Log:        logger.Config{Level: "info", Format: "text"},
		Limiter:    limiter.DefaultConfig(),
		Cache:      cache.DefaultConfig(),
		Store:      StoreConfig{Type: "sqlite", SQLitePath: "trackenrich_cache.db"},
		Scheduler:  scheduler.DefaultConfig(),
		Aggregator: aggregator.DefaultConfig(),
		API:        APIConfig{Enabled: false, Listen: ":8080"},
		Maintenance: MaintenanceConfig{
			Schedule:      "0 */10 * * * *", // 每 10 分钟
			TaskRetention: time.Hour,
		},
	}
}

// Validate 检查配置有效性。
func (c *Config) Validate() error {
	if err := c.Cache.Validate(); err != nil {
		return err
	}
	if err := c.Scheduler.Validate(); err != nil {
		return err
	}
	if err := c.Aggregator.Validate(); err != nil {
		return err
	}
	switch c.Store.Type {
	case "sqlite":
		if c.Store.SQLitePath == "" {
			return core.NewError(core.ErrConfigInvalid, "store.sqlite_path must not be empty")
		}
	case "redis":
		if c.Store.Redis.Address == "" {
			return core.NewError(core.ErrConfigInvalid, "store.redis.address must not be empty")
		}
	case "memory":
	default:
		return core.NewError(core.ErrConfigInvalid,
			fmt.Sprintf("unknown store type %q (expected sqlite, redis or memory)", c.Store.Type))
	}
	if c.API.Enabled && c.API.Listen == "" {
		return core.NewError(core.ErrConfigInvalid, "api.listen must not be empty when api is enabled")
	}
	if c.Maintenance.TaskRetention <= 0 {
		return core.NewError(core.ErrConfigInvalid, "maintenance.task_retention must be positive")
	}
	return nil
}

// Load 从 YAML 文件加载配置，未出现的字段保持默认值。
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	config := Default()
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}
