package scheduler

import (
	"time"

	"trackenrich/pkg/core"
)

// TaskStatus 任务生命周期状态。
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"     // 排队中
	TaskInProgress TaskStatus = "in_progress" // 执行中
	TaskCompleted  TaskStatus = "completed"   // 成功（至少一个提供商产出数据）
	TaskFailed     TaskStatus = "failed"      // 失败（所有提供商都失败）
	TaskCancelled  TaskStatus = "cancelled"   // 在执行前被取消
)

// IsTerminal 判断状态是否为终态。终态任务不再变更，等待清理。
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// 预定义优先级。数值越小越先执行：1=高，3=低。
const (
	PriorityHigh   = 1
	PriorityNormal = 2
	PriorityLow    = 3
)

// Callback 任务进入终态后被调用一次。
type Callback func(task *EnrichmentTask)

// BatchCallback 批次全部结束后被调用一次。
type BatchCallback func(batch *BatchTask)

// EnrichmentTask 一条曲目的丰富任务：对一组提供商做扇出查询。
type EnrichmentTask struct {
	ID        string     `json:"id"`                 // uuid
	BatchID   string     `json:"batch_id,omitempty"` // 所属批次（独立任务为空）
	Track     core.Track `json:"track"`              // 待丰富的曲目
	Providers []string   `json:"providers"`          // 本任务要查询的提供商
	Priority  int        `json:"priority"`           // 调度优先级，数值越小越优先
	Status    TaskStatus `json:"status"`

	CreatedAt   time.Time `json:"created_at"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`

	Results   map[string]core.Payload  `json:"results,omitempty"`    // 按提供商的成功载荷
	Errors    map[string]string        `json:"errors,omitempty"`     // 按提供商的失败原因
	FromCache map[string]bool          `json:"from_cache,omitempty"` // 哪些提供商由缓存命中
	Latencies map[string]time.Duration `json:"latencies,omitempty"`  // 各提供商的调用耗时

	callback Callback
	seq      uint64 // 同优先级内的 FIFO 序号
}

// clone 返回任务的深拷贝，供状态查询接口使用。
func (t *EnrichmentTask) clone() *EnrichmentTask {
	cp := *t
	cp.callback = nil
	cp.Providers = append([]string(nil), t.Providers...)
	if t.Results != nil {
		cp.Results = make(map[string]core.Payload, len(t.Results))
		for k, v := range t.Results {
			cp.Results[k] = v.Clone()
		}
	}
	if t.Errors != nil {
		cp.Errors = make(map[string]string, len(t.Errors))
		for k, v := range t.Errors {
			cp.Errors[k] = v
		}
	}
	if t.FromCache != nil {
		cp.FromCache = make(map[string]bool, len(t.FromCache))
		for k, v := range t.FromCache {
			cp.FromCache[k] = v
		}
	}
	if t.Latencies != nil {
		cp.Latencies = make(map[string]time.Duration, len(t.Latencies))
		for k, v := range t.Latencies {
			cp.Latencies[k] = v
		}
	}
	return &cp
}

// BatchTask 一组曲目的批量丰富任务，跟踪子任务的整体进度。
type BatchTask struct {
	ID      string     `json:"id"`
	TaskIDs []string   `json:"task_ids"`
	Status  TaskStatus `json:"status"`

	Total     int `json:"total"`     // 子任务总数
	Done      int `json:"done"`      // 已进入终态的子任务数
	Succeeded int `json:"succeeded"` // 成功的子任务数
	Failed    int `json:"failed"`    // 失败或取消的子任务数

	CreatedAt   time.Time `json:"created_at"`
	CompletedAt time.Time `json:"completed_at,omitempty"`

	callback BatchCallback
}

// Progress 返回批次完成进度 [0,1]。
func (b *BatchTask) Progress() float64 {
	if b.Total == 0 {
		return 1
	}
	return float64(b.Done) / float64(b.Total)
}

// clone 返回批次的拷贝，供状态查询接口使用。
func (b *BatchTask) clone() *BatchTask {
	cp := *b
	cp.callback = nil
	cp.TaskIDs = append([]string(nil), b.TaskIDs...)
	return &cp
}

// taskHeap 优先级队列：数值小者先出，同优先级按提交顺序 FIFO。
type taskHeap []*EnrichmentTask

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x interface{}) {
	*h = append(*h, x.(*EnrichmentTask))
}

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	task := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return task
}
