// Package logger 提供基于 logrus 的全局日志器初始化和便捷方法。
package logger

import (
	"os"

	"github.com/sirupsen/logrus"
)

type Entry = logrus.Entry

// Logger 全局日志实例
var Logger *logrus.Logger

// Config 日志配置
type Config struct {
	Level  string `mapstructure:"level" json:"level" yaml:"level"`    // debug, info, warn, error
	Format string `mapstructure:"format" json:"format" yaml:"format"` // text, json
}

// Init 初始化日志器。未设置的字段从环境变量兜底：
// TRACKENRICH_LOG_LEVEL / TRACKENRICH_LOG_FORMAT，DEBUG=1 等价于 debug 级别。
func Init(config Config) {
	Logger = logrus.New()

	if config.Level == "" {
		config.Level = os.Getenv("TRACKENRICH_LOG_LEVEL")
		if config.Level == "" && os.Getenv("DEBUG") == "1" {
			config.Level = "debug"
		}
	}
	level, err := logrus.ParseLevel(config.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	Logger.SetLevel(level)

	if config.Format == "" {
		config.Format = os.Getenv("TRACKENRICH_LOG_FORMAT")
	}
	if config.Format == "json" {
		Logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02 15:04:05.000",
		})
	} else {
		Logger.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: "2006-01-02 15:04:05.000",
			FullTimestamp:   true,
		})
	}

	Logger.SetOutput(os.Stdout)
}

// GetLogger 获取日志器实例，未初始化时按环境变量兜底初始化。
func GetLogger() *logrus.Logger {
	if Logger == nil {
		Init(Config{})
	}
	return Logger
}

// WithComponent 创建带组件名的日志器
func WithComponent(component string) *logrus.Entry {
	return GetLogger().WithField("component", component)
}

// WithTrack 创建带曲目上下文的日志器，用于贯穿一次丰富请求的日志。
func WithTrack(component, artist, title string) *logrus.Entry {
	return GetLogger().WithFields(logrus.Fields{
		"component": component,
		"artist":    artist,
		"title":     title,
	})
}
