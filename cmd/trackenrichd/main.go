// trackenrichd 是 trackenrich 的守护进程入口：
// 装配提供商、启动丰富服务和管理 API，收到信号后优雅关闭。
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"trackenrich/pkg/api"
	"trackenrich/pkg/config"
	"trackenrich/pkg/core"
	"trackenrich/pkg/enrich"
	"trackenrich/pkg/logger"
	"trackenrich/pkg/provider"
)

var (
	configPath = flag.String("config", "", "配置文件路径（留空使用内置默认值）")
	mockMode   = flag.Bool("mock", false, "使用假提供商运行，便于本地联调")
)

func main() {
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Printf("加载配置失败: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	logger.Init(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	log := logger.WithComponent("main")
	log.Info("trackenrichd 启动中...")

	registry := provider.NewRegistry()
	if err := registerProviders(registry, cfg, *mockMode); err != nil {
		log.Fatalf("注册提供商失败: %v", err)
	}

	svc, err := enrich.NewService(cfg, registry)
	if err != nil {
		log.Fatalf("装配服务失败: %v", err)
	}
	if err := svc.Start(); err != nil {
		log.Fatalf("启动服务失败: %v", err)
	}

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(cfg.API, svc)
		apiServer.Start()
	}

	// 等待退出信号
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	<-c
	log.Info("收到退出信号，开始优雅关闭...")

	if apiServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := apiServer.Stop(ctx); err != nil {
			log.Warnf("关闭 API 服务器失败: %v", err)
		}
		cancel()
	}
	if err := svc.Stop(); err != nil {
		log.Warnf("关闭服务失败: %v", err)
	}
	log.Info("trackenrichd 已退出")
}

// registerProviders 按配置注册提供商，并套上熔断器装饰。
// 真实的提供商客户端通过配置的熔断装饰接入；mock 模式全部使用假提供商。
func registerProviders(registry *provider.Registry, cfg *config.Config, mock bool) error {
	cbConfig := provider.DefaultCircuitBreakerConfig()

	for name, sourceCfg := range cfg.Aggregator.Sources {
		if !sourceCfg.Enabled {
			continue
		}
		var p core.Provider
		if mock {
			m := provider.NewMockProvider(name)
			m.SetLatency(200 * time.Millisecond)
			p = m
		} else {
			// 外部 API 客户端在部署侧实现 core.Provider 后注入；
			// 默认构建仍以假提供商占位，保证进程可独立启动。
			p = provider.NewMockProvider(name)
		}
		if err := registry.Register(provider.WithCircuitBreaker(p, cbConfig)); err != nil {
			return err
		}
	}
	return nil
}
