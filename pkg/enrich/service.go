// Package enrich 把限流器、缓存、调度器和聚合器装配成一个服务门面。
// 进程内嵌入或由管理 API 暴露都经由这里。
package enrich

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"trackenrich/pkg/aggregator"
	"trackenrich/pkg/cache"
	"trackenrich/pkg/config"
	"trackenrich/pkg/core"
	"trackenrich/pkg/limiter"
	"trackenrich/pkg/logger"
	"trackenrich/pkg/provider"
	"trackenrich/pkg/scheduler"
	"trackenrich/pkg/scoring"
)

// Service 曲目元数据丰富服务。
// 所有协作者由构造函数显式装配，无全局状态。
type Service struct {
	config   *config.Config
	registry *provider.Registry

	rateLimiter *limiter.AdaptiveRateLimiter
	respCache   *cache.ResponseCache
	sched       *scheduler.TaskScheduler
	agg         *aggregator.Aggregator

	cron *cron.Cron
	log  *logrus.Entry

	mu      sync.Mutex
	started bool
}

// NewService 按配置装配服务。提供商须在调用前注册进 registry。
func NewService(cfg *config.Config, registry *provider.Registry) (*Service, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(registry.Names()) == 0 {
		return nil, core.NewError(core.ErrNoProviders, "registry has no providers")
	}

	store, err := buildStore(cfg.Store)
	if err != nil {
		return nil, err
	}

	rl := limiter.New(cfg.Limiter)
	rc := cache.New(cfg.Cache, store)
	sched := scheduler.New(cfg.Scheduler, rl, rc, registry)
	agg := aggregator.New(cfg.Aggregator, sched, scoring.NewScorer(), scoring.NewCurator())

	return &Service{
		config:      cfg,
		registry:    registry,
		rateLimiter: rl,
		respCache:   rc,
		sched:       sched,
		agg:         agg,
		log:         logger.WithComponent("enrich"),
	}, nil
}

// buildStore 按配置创建缓存持久化后端。memory 类型返回 nil，缓存退化为纯内存。
func buildStore(cfg config.StoreConfig) (core.Store, error) {
	switch cfg.Type {
	case "sqlite":
		return cache.NewSQLiteStore(cfg.SQLitePath)
	case "redis":
		return cache.NewRedisStore(cfg.Redis)
	case "memory":
		return nil, nil
	default:
		return nil, core.NewError(core.ErrConfigInvalid, fmt.Sprintf("unknown store type %q", cfg.Type))
	}
}

// Start 启动工作协程池和周期维护任务。重复调用无害。
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	s.sched.Start()

	s.cron = cron.New(cron.WithSeconds())
	_, err := s.cron.AddFunc(s.config.Maintenance.Schedule, s.maintenance)
	if err != nil {
		return core.WrapError(core.ErrConfigInvalid, "invalid maintenance schedule", err)
	}
	s.cron.Start()

	s.started = true
	s.log.Infof("服务已启动，提供商: %v", s.registry.Names())
	return nil
}

// Stop 优雅关闭：停止维护任务和调度器，关闭缓存后端和提供商。
func (s *Service) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil
	}

	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	s.sched.Stop()

	var firstErr error
	if err := s.respCache.Close(); err != nil {
		firstErr = err
	}
	if err := s.registry.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	s.started = false
	s.log.Info("服务已停止")
	return firstErr
}

// maintenance 周期性清理过期缓存和终态任务。
func (s *Service) maintenance() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	expired := s.respCache.CleanupExpired(ctx)
	tasks := s.sched.CleanupCompleted(s.config.Maintenance.TaskRetention)
	s.log.Debugf("维护完成: 过期缓存 %d 条, 终态任务 %d 个", expired, tasks)
}

// Enrich 同步丰富一条曲目：扇出、交叉验证、打分并合并流派。
func (s *Service) Enrich(ctx context.Context, track core.Track) (*core.AggregationResult, error) {
	return s.agg.Enrich(ctx, track)
}

// EnrichAsync 异步提交一条曲目的扇出任务，返回任务 ID。
// 回调拿到的是各提供商的原始载荷，不经过聚合打分。
func (s *Service) EnrichAsync(track core.Track, priority int, callback scheduler.Callback) (string, error) {
	return s.sched.Submit(track, s.agg.PrimarySources(), priority, callback)
}

// EnrichBatchAsync 异步提交一批曲目，返回批次 ID。
func (s *Service) EnrichBatchAsync(tracks []core.Track, priority int, callback scheduler.BatchCallback) (string, error) {
	return s.sched.SubmitBatch(tracks, s.agg.PrimarySources(), priority, callback)
}

// CancelTask 取消尚未开始执行的任务。
func (s *Service) CancelTask(taskID string) error {
	return s.sched.CancelTask(taskID)
}

// GetTaskStatus 查询任务状态。
func (s *Service) GetTaskStatus(taskID string) (*scheduler.EnrichmentTask, error) {
	return s.sched.GetTaskStatus(taskID)
}

// GetBatchStatus 查询批次状态。
func (s *Service) GetBatchStatus(batchID string) (*scheduler.BatchTask, error) {
	return s.sched.GetBatchStatus(batchID)
}

// GetProviderStatus 查询单个提供商的限流与健康状态。
func (s *Service) GetProviderStatus(source string) map[string]interface{} {
	return s.rateLimiter.GetSourceStatus(source)
}

// GetAllProviderStatus 查询所有提供商的限流与健康状态。
func (s *Service) GetAllProviderStatus() map[string]map[string]interface{} {
	return s.rateLimiter.GetAllStatus()
}

// ResetProvider 清空提供商的限流指标。
func (s *Service) ResetProvider(source string) {
	s.rateLimiter.Reset(source)
}

// ForceRecovery 强制提供商恢复 Healthy。
func (s *Service) ForceRecovery(source string) {
	s.rateLimiter.ForceRecovery(source)
}

// GetCacheReport 返回缓存详细报表。
func (s *Service) GetCacheReport() map[string]interface{} {
	return s.respCache.Report()
}

// InvalidateSource 失效某个提供商的全部缓存，返回删除数量。
func (s *Service) InvalidateSource(ctx context.Context, source string) int {
	return s.respCache.InvalidateSource(ctx, source)
}

// ClearCache 清空全部缓存。
func (s *Service) ClearCache(ctx context.Context) {
	s.respCache.Clear(ctx)
}

// CleanupCompleted 立即清理进入终态超过 olderThan 的任务和批次，返回清理数量。
// 周期维护之外的手动触发入口。
func (s *Service) CleanupCompleted(olderThan time.Duration) int {
	return s.sched.CleanupCompleted(olderThan)
}

// OptimizeSourcePriorities 按历史成败率重排提供商优先级。
func (s *Service) OptimizeSourcePriorities() {
	s.agg.OptimizeSourcePriorities()
}

// Stats 返回全系统统计：缓存、调度器和各提供商的聚合层成败。
func (s *Service) Stats() map[string]interface{} {
	cacheStats := s.respCache.Stats()
	return map[string]interface{}{
		"cache": map[string]interface{}{
			"total_requests":  cacheStats.TotalRequests,
			"hits":            cacheStats.CacheHits,
			"misses":          cacheStats.CacheMisses,
			"hit_rate":        cacheStats.HitRate(),
			"entries":         cacheStats.Entries,
			"api_calls_saved": cacheStats.APICallsSaved,
		},
		"scheduler": s.sched.Stats(),
		"sources":   s.agg.Stats(),
		"providers": s.registry.Names(),
	}
}
