// Package scheduler 实现丰富任务的优先级调度和有界并发执行。
// 工作协程在条件变量上等待新任务，关闭通过 context 传播到在途的提供商调用。
package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"trackenrich/pkg/cache"
	"trackenrich/pkg/core"
	"trackenrich/pkg/limiter"
	"trackenrich/pkg/logger"
)

// ProviderLookup 按名称解析提供商。由静态注册表实现。
type ProviderLookup interface {
	Get(name string) (core.Provider, bool)
}

// Config 调度器配置。
type Config struct {
	Workers            int            `mapstructure:"workers" yaml:"workers" json:"workers"`                                     // 工作协程数
	SourceConcurrency  map[string]int `mapstructure:"source_concurrency" yaml:"source_concurrency" json:"source_concurrency"`    // 各提供商的在途调用上限
	DefaultConcurrency int            `mapstructure:"default_concurrency" yaml:"default_concurrency" json:"default_concurrency"`
}

// DefaultConfig 返回内置调度参数。
// 各提供商的并发上限与其限流严格程度相称。
func DefaultConfig() Config {
	return Config{
		Workers: 5,
		SourceConcurrency: map[string]int{
			"musicbrainz": 2,
			"spotify":     5,
			"discogs":     3,
			"lastfm":      4,
		},
		DefaultConcurrency: 3,
	}
}

// Validate 检查配置有效性。
func (c *Config) Validate() error {
	if c.Workers <= 0 {
		return core.NewError(core.ErrConfigInvalid, "workers must be positive")
	}
	if c.DefaultConcurrency <= 0 {
		return core.NewError(core.ErrConfigInvalid, "default_concurrency must be positive")
	}
	return nil
}

// 写入缓存时使用的置信度：带流派数据的载荷缓存更久。
const (
	cacheConfidenceRich   = 0.8
	cacheConfidenceSparse = 0.3
)

// TaskScheduler 优先级任务调度器。
// 队列和任务表由单一互斥锁保护；提供商调用在锁外执行。
type TaskScheduler struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   taskHeap
	tasks   map[string]*EnrichmentTask
	batches map[string]*BatchTask
	seq     uint64
	closed  bool

	config      Config
	rateLimiter *limiter.AdaptiveRateLimiter
	respCache   *cache.ResponseCache
	providers   ProviderLookup
	log         *logrus.Entry

	semMu      sync.Mutex
	semaphores map[string]chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	submitted int64
	completed int64
	failed    int64
	cancelled int64
}

// New 创建调度器。调用 Start 前不会执行任何任务。
func New(config Config, rl *limiter.AdaptiveRateLimiter, rc *cache.ResponseCache, providers ProviderLookup) *TaskScheduler {
	if config.Workers <= 0 {
		config = DefaultConfig()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &TaskScheduler{
		queue:       make(taskHeap, 0),
		tasks:       make(map[string]*EnrichmentTask),
		batches:     make(map[string]*BatchTask),
		config:      config,
		rateLimiter: rl,
		respCache:   rc,
		providers:   providers,
		semaphores:  make(map[string]chan struct{}),
		log:         logger.WithComponent("scheduler"),
		ctx:         ctx,
		cancel:      cancel,
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Start 启动工作协程池。
func (s *TaskScheduler) Start() {
	for i := 0; i < s.config.Workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
	s.log.Infof("调度器已启动: %d 个工作协程", s.config.Workers)
}

// Stop 优雅关闭：拒绝新任务，取消在途调用，等待工作协程退出。
func (s *TaskScheduler) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	s.log.Info("调度器已停止")
}

// Submit 提交单条曲目的丰富任务，返回任务 ID。
// 任务进入终态后 callback 恰好被调用一次（可为 nil）。
func (s *TaskScheduler) Submit(track core.Track, providers []string, priority int, callback Callback) (string, error) {
	if !track.IsValid() {
		return "", core.NewError(core.ErrInvalidTrack, "track requires artist and title").
			WithContext("artist", track.Artist).WithContext("title", track.Title)
	}
	if len(providers) == 0 {
		return "", core.NewError(core.ErrNoProviders, "no providers specified")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", core.ErrShutdownInProgress
	}

	task := &EnrichmentTask{
		ID:        uuid.New().String(),
		Track:     track,
		Providers: append([]string(nil), providers...),
		Priority:  priority,
		Status:    TaskPending,
		CreatedAt: time.Now(),
		callback:  callback,
		seq:       s.seq,
	}
	s.seq++
	s.submitted++

	s.tasks[task.ID] = task
	heap.Push(&s.queue, task)
	s.cond.Signal()
	return task.ID, nil
}

// SubmitBatch 提交一批曲目，返回批次 ID。
// 无效曲目被跳过并计入批次失败数；全部无效时返回错误。
func (s *TaskScheduler) SubmitBatch(tracks []core.Track, providers []string, priority int, callback BatchCallback) (string, error) {
	if len(providers) == 0 {
		return "", core.NewError(core.ErrNoProviders, "no providers specified")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", core.ErrShutdownInProgress
	}

	batch := &BatchTask{
		ID:        uuid.New().String(),
		Status:    TaskInProgress,
		CreatedAt: time.Now(),
		callback:  callback,
	}

	valid := 0
	for _, track := range tracks {
		if !track.IsValid() {
			batch.Total++
			batch.Done++
			batch.Failed++
			continue
		}
		task := &EnrichmentTask{
			ID:        uuid.New().String(),
			BatchID:   batch.ID,
			Track:     track,
			Providers: append([]string(nil), providers...),
			Priority:  priority,
			Status:    TaskPending,
			CreatedAt: time.Now(),
			seq:       s.seq,
		}
		s.seq++
		s.submitted++
		batch.Total++
		batch.TaskIDs = append(batch.TaskIDs, task.ID)
		s.tasks[task.ID] = task
		heap.Push(&s.queue, task)
		valid++
	}

	if valid == 0 {
		return "", core.NewError(core.ErrInvalidTrack, "batch contains no valid tracks")
	}

	s.batches[batch.ID] = batch
	s.cond.Broadcast()
	s.log.Infof("批次已提交: %s (%d/%d 条有效)", batch.ID, valid, len(tracks))
	return batch.ID, nil
}

// CancelTask 取消一个尚未开始执行的任务。
// 已进入 InProgress 或终态的任务不可取消。
func (s *TaskScheduler) CancelTask(taskID string) error {
	s.mu.Lock()
	task, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return core.NewError(core.ErrTaskNotFound, fmt.Sprintf("task %s not found", taskID))
	}
	if task.Status != TaskPending {
		s.mu.Unlock()
		return core.NewError(core.ErrTaskNotCancellable,
			fmt.Sprintf("task %s is %s", taskID, task.Status))
	}

	// 留在堆里，工作协程弹出时识别并跳过
	task.Status = TaskCancelled
	task.CompletedAt = time.Now()
	s.cancelled++
	cb := task.callback
	task.callback = nil
	batchCb := s.updateBatchLocked(task)
	s.mu.Unlock()

	if cb != nil {
		cb(task.clone())
	}
	if batchCb != nil {
		batchCb()
	}
	return nil
}

// GetTaskStatus 返回任务状态快照。
func (s *TaskScheduler) GetTaskStatus(taskID string) (*EnrichmentTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return nil, core.NewError(core.ErrTaskNotFound, fmt.Sprintf("task %s not found", taskID))
	}
	return task.clone(), nil
}

// GetBatchStatus 返回批次状态快照。
func (s *TaskScheduler) GetBatchStatus(batchID string) (*BatchTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch, ok := s.batches[batchID]
	if !ok {
		return nil, core.NewError(core.ErrTaskNotFound, fmt.Sprintf("batch %s not found", batchID))
	}
	return batch.clone(), nil
}

// CleanupCompleted 删除进入终态超过 olderThan 的任务和批次，返回删除数量。
func (s *TaskScheduler) CleanupCompleted(olderThan time.Duration) int {
	cutoff := time.Now().Add(-olderThan)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, task := range s.tasks {
		if task.Status.IsTerminal() && task.CompletedAt.Before(cutoff) {
			delete(s.tasks, id)
			removed++
		}
	}
	for id, batch := range s.batches {
		if batch.Status.IsTerminal() && batch.CompletedAt.Before(cutoff) {
			delete(s.batches, id)
		}
	}
	if removed > 0 {
		s.log.Infof("清理终态任务: %d 个", removed)
	}
	return removed
}

// Stats 返回调度器统计快照。
func (s *TaskScheduler) Stats() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	byStatus := make(map[TaskStatus]int)
	for _, task := range s.tasks {
		byStatus[task.Status]++
	}
	return map[string]interface{}{
		"workers":      s.config.Workers,
		"queue_length": s.queue.Len(),
		"submitted":    s.submitted,
		"completed":    s.completed,
		"failed":       s.failed,
		"cancelled":    s.cancelled,
		"by_status":    byStatus,
		"batches":      len(s.batches),
	}
}

// worker 工作协程主循环：等待任务、执行、落终态。
func (s *TaskScheduler) worker(id int) {
	defer s.wg.Done()

	for {
		s.mu.Lock()
		for s.queue.Len() == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.queue.Len() == 0 && s.closed {
			s.mu.Unlock()
			return
		}

		task := heap.Pop(&s.queue).(*EnrichmentTask)
		if task.Status != TaskPending {
			// 已被取消的任务直接丢弃
			s.mu.Unlock()
			continue
		}
		task.Status = TaskInProgress
		task.StartedAt = time.Now()
		s.mu.Unlock()

		s.execute(task)
	}
}

// execute 对任务的所有提供商并发扇出，聚合结果后落终态。
func (s *TaskScheduler) execute(task *EnrichmentTask) {
	results := make(map[string]core.Payload)
	errs := make(map[string]string)
	fromCache := make(map[string]bool)
	latencies := make(map[string]time.Duration)

	var (
		wg    sync.WaitGroup
		resMu sync.Mutex
	)
	for _, name := range task.Providers {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			payload, cached, latency, err := s.callProvider(name, task.Track)

			resMu.Lock()
			defer resMu.Unlock()
			latencies[name] = latency
			if err != nil {
				errs[name] = err.Error()
				return
			}
			results[name] = payload
			fromCache[name] = cached
		}(name)
	}
	wg.Wait()

	s.mu.Lock()
	task.Results = results
	task.Errors = errs
	task.FromCache = fromCache
	task.Latencies = latencies
	task.CompletedAt = time.Now()
	if len(results) > 0 {
		task.Status = TaskCompleted
		s.completed++
	} else {
		task.Status = TaskFailed
		s.failed++
	}
	cb := task.callback
	task.callback = nil
	batchCb := s.updateBatchLocked(task)
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{
		"task":    task.ID,
		"status":  task.Status,
		"results": len(results),
		"errors":  len(errs),
	}).Debug("任务结束")

	if cb != nil {
		cb(task.clone())
	}
	if batchCb != nil {
		batchCb()
	}
}

// callProvider 执行一次带缓存、限流和超时控制的提供商调用。
func (s *TaskScheduler) callProvider(name string, track core.Track) (core.Payload, bool, time.Duration, error) {
	// 缓存命中则完全跳过限流和网络调用
	if cached, err := s.respCache.Get(s.ctx, name, track); err == nil {
		return cached, true, 0, nil
	}

	p, ok := s.providers.Get(name)
	if !ok {
		return nil, false, 0, core.NewError(core.ErrProviderNotFound, fmt.Sprintf("provider %s not registered", name))
	}

	release, err := s.acquireSlot(name)
	if err != nil {
		return nil, false, 0, err
	}
	defer release()

	s.rateLimiter.WaitForSlot(name)

	timeout := s.rateLimiter.OptimalTimeout(name)
	ctx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()

	start := time.Now()
	payload, err := p.Call(ctx, track)
	latency := time.Since(start)

	s.rateLimiter.RecordResult(name, limiter.Result{
		Success:   err == nil,
		Latency:   latency,
		Timeout:   errors.Is(err, context.DeadlineExceeded) || core.IsCode(err, core.ErrProviderTimeout),
		Throttled: core.IsCode(err, core.ErrProviderThrottled),
	})

	if err != nil {
		return nil, false, latency, err
	}

	confidence := cacheConfidenceSparse
	if payloadHasGenres(payload) {
		confidence = cacheConfidenceRich
	}
	s.respCache.Put(s.ctx, name, track, payload, confidence)
	return payload, false, latency, nil
}

// acquireSlot 获取提供商的并发槽位，关闭时立即放弃。
func (s *TaskScheduler) acquireSlot(name string) (func(), error) {
	sem := s.semaphoreFor(name)
	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-s.ctx.Done():
		return nil, core.ErrShutdownInProgress
	}
}

// semaphoreFor 查找或惰性创建提供商的并发信号量。
func (s *TaskScheduler) semaphoreFor(name string) chan struct{} {
	s.semMu.Lock()
	defer s.semMu.Unlock()

	if sem, ok := s.semaphores[name]; ok {
		return sem
	}
	limit, ok := s.config.SourceConcurrency[name]
	if !ok || limit <= 0 {
		limit = s.config.DefaultConcurrency
	}
	sem := make(chan struct{}, limit)
	s.semaphores[name] = sem
	return sem
}

// updateBatchLocked 把终态子任务计入所属批次，批次结束时返回待执行的回调。
// 调用方必须持有 s.mu。
func (s *TaskScheduler) updateBatchLocked(task *EnrichmentTask) func() {
	if task.BatchID == "" {
		return nil
	}
	batch, ok := s.batches[task.BatchID]
	if !ok {
		return nil
	}

	batch.Done++
	if task.Status == TaskCompleted {
		batch.Succeeded++
	} else {
		batch.Failed++
	}

	if batch.Done < batch.Total {
		return nil
	}

	batch.CompletedAt = time.Now()
	if batch.Succeeded > 0 {
		batch.Status = TaskCompleted
	} else {
		batch.Status = TaskFailed
	}
	cb := batch.callback
	batch.callback = nil
	if cb == nil {
		return nil
	}
	snapshot := batch.clone()
	return func() { cb(snapshot) }
}

// payloadHasGenres 判断载荷是否携带可用的流派数据。
func payloadHasGenres(p core.Payload) bool {
	v, ok := p["genres"]
	if !ok {
		return false
	}
	switch genres := v.(type) {
	case []string:
		return len(genres) > 0
	case []interface{}:
		return len(genres) > 0
	default:
		return false
	}
}
