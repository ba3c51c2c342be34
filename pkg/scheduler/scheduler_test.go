package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trackenrich/pkg/cache"
	"trackenrich/pkg/core"
	"trackenrich/pkg/limiter"
)

// stubRegistry 测试用静态提供商表。
type stubRegistry map[string]core.Provider

func (r stubRegistry) Get(name string) (core.Provider, bool) {
	p, ok := r[name]
	return p, ok
}

// stubProvider 可编程的假提供商，记录调用次数、顺序和在途并发峰值。
type stubProvider struct {
	name  string
	delay time.Duration
	fn    func(track core.Track) (core.Payload, error)

	mu    sync.Mutex
	calls int
	order []string

	inFlight    int32
	maxInFlight int32
}

func (p *stubProvider) Name() string { return p.name }

func (p *stubProvider) Call(ctx context.Context, track core.Track) (core.Payload, error) {
	cur := atomic.AddInt32(&p.inFlight, 1)
	defer atomic.AddInt32(&p.inFlight, -1)
	for {
		max := atomic.LoadInt32(&p.maxInFlight)
		if cur <= max || atomic.CompareAndSwapInt32(&p.maxInFlight, max, cur) {
			break
		}
	}

	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	p.calls++
	p.order = append(p.order, track.Title)
	p.mu.Unlock()

	if p.fn != nil {
		return p.fn(track)
	}
	return core.Payload{"genres": []string{"rock"}, "source": p.name}, nil
}

func (p *stubProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// fastLimiter 零延迟限流器，让测试不真正等待。
func fastLimiter() *limiter.AdaptiveRateLimiter {
	return limiter.New(limiter.Config{
		Sources:  map[string]limiter.SourceLimits{},
		Fallback: limiter.SourceLimits{MinDelay: 0, MaxDelay: 10 * time.Millisecond, BaseTimeout: time.Second, ErrorThreshold: 3},
	})
}

func newTestScheduler(providers stubRegistry, workers int) *TaskScheduler {
	config := DefaultConfig()
	config.Workers = workers
	return New(config, fastLimiter(), cache.New(cache.DefaultConfig(), nil), providers)
}

func waitTerminal(t *testing.T, s *TaskScheduler, taskID string) *EnrichmentTask {
	t.Helper()
	var task *EnrichmentTask
	require.Eventually(t, func() bool {
		got, err := s.GetTaskStatus(taskID)
		if err != nil {
			return false
		}
		task = got
		return got.Status.IsTerminal()
	}, 5*time.Second, 10*time.Millisecond, "任务应进入终态")
	return task
}

func TestSubmitValidation(t *testing.T) {
	s := newTestScheduler(stubRegistry{}, 1)
	defer s.Stop()

	_, err := s.Submit(core.Track{Artist: "X"}, []string{"spotify"}, PriorityNormal, nil)
	assert.True(t, core.IsCode(err, core.ErrInvalidTrack), "缺少标题应报 INVALID_TRACK")

	_, err = s.Submit(core.Track{Artist: "X", Title: "Y"}, nil, PriorityNormal, nil)
	assert.True(t, core.IsCode(err, core.ErrNoProviders), "空提供商列表应报 NO_PROVIDERS")
}

func TestTaskLifecycle(t *testing.T) {
	sp := &stubProvider{name: "spotify"}
	s := newTestScheduler(stubRegistry{"spotify": sp}, 2)
	s.Start()
	defer s.Stop()

	done := make(chan *EnrichmentTask, 1)
	track := core.Track{Artist: "Radiohead", Title: "Karma Police"}
	id, err := s.Submit(track, []string{"spotify"}, PriorityNormal, func(task *EnrichmentTask) {
		done <- task
	})
	require.NoError(t, err)

	select {
	case task := <-done:
		assert.Equal(t, TaskCompleted, task.Status)
		assert.Contains(t, task.Results, "spotify")
		assert.False(t, task.FromCache["spotify"])
		assert.False(t, task.CompletedAt.IsZero())
	case <-time.After(5 * time.Second):
		t.Fatal("回调未触发")
	}

	// 同曲目再次提交应命中缓存，不再调用提供商
	id2, err := s.Submit(track, []string{"spotify"}, PriorityNormal, nil)
	require.NoError(t, err)
	task2 := waitTerminal(t, s, id2)
	assert.Equal(t, TaskCompleted, task2.Status)
	assert.True(t, task2.FromCache["spotify"], "第二次应由缓存命中")
	assert.Equal(t, 1, sp.callCount(), "缓存命中不应触发提供商调用")

	_, err = s.GetTaskStatus(id)
	assert.NoError(t, err)
}

func TestPartialFailureStillCompletes(t *testing.T) {
	ok := &stubProvider{name: "spotify"}
	bad := &stubProvider{name: "lastfm", fn: func(core.Track) (core.Payload, error) {
		return nil, errors.New("upstream 500")
	}}
	s := newTestScheduler(stubRegistry{"spotify": ok, "lastfm": bad}, 2)
	s.Start()
	defer s.Stop()

	id, err := s.Submit(core.Track{Artist: "A", Title: "B"}, []string{"spotify", "lastfm"}, PriorityNormal, nil)
	require.NoError(t, err)

	task := waitTerminal(t, s, id)
	assert.Equal(t, TaskCompleted, task.Status, "只要有一个提供商成功就算完成")
	assert.Contains(t, task.Results, "spotify")
	assert.Contains(t, task.Errors, "lastfm")
}

func TestAllProvidersFail(t *testing.T) {
	bad := &stubProvider{name: "spotify", fn: func(core.Track) (core.Payload, error) {
		return nil, errors.New("upstream 500")
	}}
	s := newTestScheduler(stubRegistry{"spotify": bad}, 1)
	s.Start()
	defer s.Stop()

	id, err := s.Submit(core.Track{Artist: "A", Title: "B"}, []string{"spotify", "unregistered"}, PriorityNormal, nil)
	require.NoError(t, err)

	task := waitTerminal(t, s, id)
	assert.Equal(t, TaskFailed, task.Status)
	assert.Len(t, task.Errors, 2)
	assert.Contains(t, task.Errors["unregistered"], "not registered")
}

func TestPriorityOrdering(t *testing.T) {
	sp := &stubProvider{name: "spotify"}
	s := newTestScheduler(stubRegistry{"spotify": sp}, 1)

	// 启动前排队，单工作协程按优先级严格出队
	_, err := s.Submit(core.Track{Artist: "A", Title: "low"}, []string{"spotify"}, PriorityLow, nil)
	require.NoError(t, err)
	_, err = s.Submit(core.Track{Artist: "A", Title: "high"}, []string{"spotify"}, PriorityHigh, nil)
	require.NoError(t, err)
	idNormal, err := s.Submit(core.Track{Artist: "A", Title: "normal"}, []string{"spotify"}, PriorityNormal, nil)
	require.NoError(t, err)

	s.Start()
	defer s.Stop()
	waitTerminal(t, s, idNormal)

	require.Eventually(t, func() bool { return sp.callCount() == 3 }, 5*time.Second, 10*time.Millisecond)
	sp.mu.Lock()
	defer sp.mu.Unlock()
	assert.Equal(t, []string{"high", "normal", "low"}, sp.order)
}

func TestLowerNumberServedFirst(t *testing.T) {
	sp := &stubProvider{name: "spotify"}
	s := newTestScheduler(stubRegistry{"spotify": sp}, 1)

	// 直接用数值提交：1=高，3=低
	_, err := s.Submit(core.Track{Artist: "A", Title: "p3"}, []string{"spotify"}, 3, nil)
	require.NoError(t, err)
	idHigh, err := s.Submit(core.Track{Artist: "A", Title: "p1"}, []string{"spotify"}, 1, nil)
	require.NoError(t, err)

	s.Start()
	defer s.Stop()
	waitTerminal(t, s, idHigh)

	require.Eventually(t, func() bool { return sp.callCount() == 2 }, 5*time.Second, 10*time.Millisecond)
	sp.mu.Lock()
	defer sp.mu.Unlock()
	assert.Equal(t, []string{"p1", "p3"}, sp.order, "数值小者应先执行")
}

func TestFIFOWithinPriority(t *testing.T) {
	sp := &stubProvider{name: "spotify"}
	s := newTestScheduler(stubRegistry{"spotify": sp}, 1)

	var last string
	for i := 0; i < 5; i++ {
		title := fmt.Sprintf("t%d", i)
		id, err := s.Submit(core.Track{Artist: "A", Title: title}, []string{"spotify"}, PriorityNormal, nil)
		require.NoError(t, err)
		last = id
	}

	s.Start()
	defer s.Stop()
	waitTerminal(t, s, last)

	sp.mu.Lock()
	defer sp.mu.Unlock()
	assert.Equal(t, []string{"t0", "t1", "t2", "t3", "t4"}, sp.order, "同优先级应保持提交顺序")
}

func TestCancelTask(t *testing.T) {
	sp := &stubProvider{name: "spotify"}
	s := newTestScheduler(stubRegistry{"spotify": sp}, 1)

	cancelled := make(chan *EnrichmentTask, 1)
	id, err := s.Submit(core.Track{Artist: "A", Title: "B"}, []string{"spotify"}, PriorityNormal, func(task *EnrichmentTask) {
		cancelled <- task
	})
	require.NoError(t, err)

	require.NoError(t, s.CancelTask(id))
	select {
	case task := <-cancelled:
		assert.Equal(t, TaskCancelled, task.Status)
	case <-time.After(time.Second):
		t.Fatal("取消回调未触发")
	}

	// 终态任务不可再取消
	err = s.CancelTask(id)
	assert.True(t, core.IsCode(err, core.ErrTaskNotCancellable))

	err = s.CancelTask("no-such-id")
	assert.True(t, core.IsCode(err, core.ErrTaskNotFound))

	// 启动后被取消的任务不会被执行
	s.Start()
	defer s.Stop()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, sp.callCount())
}

func TestBatch(t *testing.T) {
	sp := &stubProvider{name: "spotify", fn: func(track core.Track) (core.Payload, error) {
		if track.Title == "bad" {
			return nil, errors.New("not found")
		}
		return core.Payload{"genres": []string{"rock"}}, nil
	}}
	s := newTestScheduler(stubRegistry{"spotify": sp}, 3)
	s.Start()
	defer s.Stop()

	tracks := []core.Track{
		{Artist: "A", Title: "one"},
		{Artist: "A", Title: "two"},
		{Artist: "A", Title: "bad"},
		{Artist: "", Title: "invalid"}, // 跳过并计入失败
	}

	done := make(chan *BatchTask, 1)
	batchID, err := s.SubmitBatch(tracks, []string{"spotify"}, PriorityNormal, func(batch *BatchTask) {
		done <- batch
	})
	require.NoError(t, err)

	select {
	case batch := <-done:
		assert.Equal(t, TaskCompleted, batch.Status)
		assert.Equal(t, 4, batch.Total)
		assert.Equal(t, 4, batch.Done)
		assert.Equal(t, 2, batch.Succeeded)
		assert.Equal(t, 2, batch.Failed)
		assert.Equal(t, 1.0, batch.Progress())
	case <-time.After(5 * time.Second):
		t.Fatal("批次回调未触发")
	}

	got, err := s.GetBatchStatus(batchID)
	require.NoError(t, err)
	assert.Equal(t, TaskCompleted, got.Status)
}

// TestBoundedConcurrency 验证不变式：每个提供商的在途调用数不超过配置上限。
func TestBoundedConcurrency(t *testing.T) {
	providers := stubRegistry{
		"musicbrainz": &stubProvider{name: "musicbrainz", delay: 5 * time.Millisecond},
		"spotify":     &stubProvider{name: "spotify", delay: 5 * time.Millisecond},
		"discogs":     &stubProvider{name: "discogs", delay: 5 * time.Millisecond},
		"lastfm":      &stubProvider{name: "lastfm", delay: 5 * time.Millisecond},
	}
	names := []string{"musicbrainz", "spotify", "discogs", "lastfm"}

	s := newTestScheduler(providers, 5)
	s.Start()
	defer s.Stop()

	var lastID string
	for i := 0; i < 50; i++ {
		track := core.Track{Artist: fmt.Sprintf("artist-%d", i), Title: fmt.Sprintf("title-%d", i)}
		id, err := s.Submit(track, names, PriorityNormal, nil)
		require.NoError(t, err)
		lastID = id
	}

	waitTerminal(t, s, lastID)
	require.Eventually(t, func() bool {
		stats := s.Stats()
		return stats["completed"].(int64) == 50
	}, 10*time.Second, 20*time.Millisecond, "全部任务应完成")

	limits := DefaultConfig().SourceConcurrency
	for _, name := range names {
		p := providers[name].(*stubProvider)
		max := atomic.LoadInt32(&p.maxInFlight)
		assert.LessOrEqual(t, int(max), limits[name], "提供商 %s 在途并发超限", name)
	}
}

func TestSubmitAfterStop(t *testing.T) {
	s := newTestScheduler(stubRegistry{}, 1)
	s.Start()
	s.Stop()

	_, err := s.Submit(core.Track{Artist: "A", Title: "B"}, []string{"spotify"}, PriorityNormal, nil)
	assert.True(t, core.IsCode(err, core.ErrSystemShutdown))
}

func TestCleanupCompleted(t *testing.T) {
	sp := &stubProvider{name: "spotify"}
	s := newTestScheduler(stubRegistry{"spotify": sp}, 1)
	s.Start()
	defer s.Stop()

	id, err := s.Submit(core.Track{Artist: "A", Title: "B"}, []string{"spotify"}, PriorityNormal, nil)
	require.NoError(t, err)
	waitTerminal(t, s, id)

	// 保留期内不清理
	assert.Equal(t, 0, s.CleanupCompleted(time.Hour))

	removed := s.CleanupCompleted(0)
	assert.Equal(t, 1, removed)
	_, err = s.GetTaskStatus(id)
	assert.True(t, core.IsCode(err, core.ErrTaskNotFound))
}
