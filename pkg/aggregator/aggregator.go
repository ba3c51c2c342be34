// Package aggregator 实现多提供商流派数据的扇出采集、交叉验证和合并。
// 主层提供商并发查询；产出不足时升级到后备层。整体失败不报错，
// 调用方通过空结果和 Errors 字段判断。
package aggregator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"trackenrich/pkg/core"
	"trackenrich/pkg/logger"
	"trackenrich/pkg/scheduler"
)

// SourceConfig 单个提供商在聚合层的配置。
type SourceConfig struct {
	Enabled      bool `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Priority     int  `mapstructure:"priority" yaml:"priority" json:"priority"`                // 1=高 2=中 3=低
	FallbackOnly bool `mapstructure:"fallback_only" yaml:"fallback_only" json:"fallback_only"` // 仅在主层产出不足时启用
}

// Config 聚合器配置。
type Config struct {
	Sources           map[string]SourceConfig `mapstructure:"sources" yaml:"sources" json:"sources"`
	TopK              int                     `mapstructure:"top_k" yaml:"top_k" json:"top_k"`                                           // 最终保留的流派数
	MinConfidence     float64                 `mapstructure:"min_confidence" yaml:"min_confidence" json:"min_confidence"`                // 候选流派的置信度下限
	ReferenceSource   string                  `mapstructure:"reference_source" yaml:"reference_source" json:"reference_source"`          // 交叉验证的基准提供商
	MinPrimaryResults int                     `mapstructure:"min_primary_results" yaml:"min_primary_results" json:"min_primary_results"` // 低于此数触发后备层
}

// DefaultConfig 返回内置聚合参数。
func DefaultConfig() Config {
	return Config{
		Sources: map[string]SourceConfig{
			"musicbrainz": {Enabled: true, Priority: 1},
			"spotify":     {Enabled: true, Priority: 1},
			"discogs":     {Enabled: true, Priority: 2},
			"lastfm":      {Enabled: true, Priority: 3, FallbackOnly: true},
		},
		TopK:              4,
		MinConfidence:     0.3,
		ReferenceSource:   "spotify",
		MinPrimaryResults: 2,
	}
}

// Validate 检查配置有效性。
func (c *Config) Validate() error {
	if c.TopK <= 0 {
		return core.NewError(core.ErrConfigInvalid, "top_k must be positive")
	}
	if c.MinConfidence < 0 || c.MinConfidence >= 1 {
		return core.NewError(core.ErrConfigInvalid, "min_confidence must be in [0,1)")
	}
	if c.MinPrimaryResults < 1 {
		return core.NewError(core.ErrConfigInvalid, "min_primary_results must be at least 1")
	}
	return nil
}

// MatchFunc 判断候选流派与基准流派是否语义匹配，用于交叉验证。
type MatchFunc func(candidate, reference string) bool

// DefaultMatch 双向子串匹配："house" 匹配 "deep house"，反之亦然。
func DefaultMatch(candidate, reference string) bool {
	c := strings.ToLower(candidate)
	r := strings.ToLower(reference)
	return strings.Contains(c, r) || strings.Contains(r, c)
}

// cachedConfidence 缓存命中结果的原始置信度。缓存写入时已做过筛选。
const cachedConfidence = 0.9

// sourceStats 单个提供商的聚合层统计。
type sourceStats struct {
	success int64
	failure int64
}

// Aggregator 多源流派聚合器。
// 所有提供商调用经由调度器执行，从而共享限流、缓存和并发控制。
type Aggregator struct {
	config  Config
	sched   *scheduler.TaskScheduler
	scorer  core.ConfidenceScorer
	curator core.Curator
	matchFn MatchFunc
	log     *logrus.Entry

	mu    sync.Mutex
	stats map[string]*sourceStats
}

// Option 聚合器可选项。
type Option func(*Aggregator)

// WithMatchFunc 替换交叉验证的匹配函数。
func WithMatchFunc(fn MatchFunc) Option {
	return func(a *Aggregator) { a.matchFn = fn }
}

// New 创建聚合器。
func New(config Config, sched *scheduler.TaskScheduler, scorer core.ConfidenceScorer, curator core.Curator, opts ...Option) *Aggregator {
	if config.Sources == nil {
		config = DefaultConfig()
	}
	a := &Aggregator{
		config:  config,
		sched:   sched,
		scorer:  scorer,
		curator: curator,
		matchFn: DefaultMatch,
		log:     logger.WithComponent("aggregator"),
		stats:   make(map[string]*sourceStats),
	}
	for name := range config.Sources {
		a.stats[name] = &sourceStats{}
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Enrich 同步聚合一条曲目的流派。
// 契约违规（缺 artist/title）立即报错；提供商全部失败返回空结果和错误列表，不返回 error。
func (a *Aggregator) Enrich(ctx context.Context, track core.Track) (*core.AggregationResult, error) {
	start := time.Now()

	if !track.IsValid() {
		return nil, core.NewError(core.ErrInvalidTrack, "track requires artist and title").
			WithContext("artist", track.Artist).WithContext("title", track.Title)
	}

	primary := a.activeSources(false)
	if len(primary) == 0 {
		return nil, core.NewError(core.ErrNoProviders, "no enabled sources configured")
	}

	log := logger.WithTrack("aggregator", track.Artist, track.Title)
	log.Infof("开始聚合，主层提供商: %s", strings.Join(primary, ", "))

	var errs []string
	sources := a.runRound(ctx, track, primary, &errs)

	// 主层产出不足时升级后备层
	fallbackUsed := false
	if len(sources) < a.config.MinPrimaryResults {
		fallback := a.fallbackSources(primary)
		if len(fallback) > 0 {
			log.Warnf("主层仅产出 %d 个来源，启用后备层: %s", len(sources), strings.Join(fallback, ", "))
			fbData := a.runRound(ctx, track, fallback, &errs)
			if len(fbData) > 0 {
				fallbackUsed = true
				sources = append(sources, fbData...)
			}
		}
	}

	if len(sources) > 1 {
		a.crossValidate(sources, log)
	}

	result := &core.AggregationResult{
		FinalGenres:  []string{},
		FallbackUsed: fallbackUsed,
		Errors:       errs,
	}

	if len(sources) == 0 {
		result.Errors = append(result.Errors, "no data obtained from any source")
		result.ProcessingTime = time.Since(start)
		log.Warn("聚合无产出")
		return result, nil
	}

	scored := a.scorer.ScoreGenres(sources)

	top := make([]string, 0, a.config.TopK)
	for i := 0; i < len(scored) && i < a.config.TopK; i++ {
		if scored[i].Confidence > a.config.MinConfidence {
			top = append(top, scored[i].Genre)
		}
	}
	result.FinalGenres = a.curator.Curate(top, a.config.TopK)
	result.DetailedScores = scored

	n := len(scored)
	if n > a.config.TopK {
		n = a.config.TopK
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += scored[i].Confidence
	}
	if n > 0 {
		result.ConfidenceScore = sum / float64(n)
	}

	for _, sd := range sources {
		result.SourcesUsed = append(result.SourcesUsed, sd.Source)
	}
	result.ProcessingTime = time.Since(start)

	log.WithFields(logrus.Fields{
		"genres":     strings.Join(result.FinalGenres, "; "),
		"confidence": fmt.Sprintf("%.2f", result.ConfidenceScore),
		"sources":    len(result.SourcesUsed),
		"fallback":   fallbackUsed,
	}).Info("聚合完成")
	return result, nil
}

// runRound 经调度器对一组提供商做一轮扇出，返回产出流派的来源数据。
func (a *Aggregator) runRound(ctx context.Context, track core.Track, names []string, errs *[]string) []core.SourceData {
	done := make(chan *scheduler.EnrichmentTask, 1)
	_, err := a.sched.Submit(track, names, scheduler.PriorityNormal, func(task *scheduler.EnrichmentTask) {
		done <- task
	})
	if err != nil {
		*errs = append(*errs, err.Error())
		a.recordFailures(names)
		return nil
	}

	var task *scheduler.EnrichmentTask
	select {
	case task = <-done:
	case <-ctx.Done():
		*errs = append(*errs, fmt.Sprintf("aggregation cancelled: %v", ctx.Err()))
		a.recordFailures(names)
		return nil
	}

	var sources []core.SourceData
	for _, name := range names {
		payload, ok := task.Results[name]
		if !ok {
			if msg, failed := task.Errors[name]; failed {
				*errs = append(*errs, fmt.Sprintf("%s: %s", name, msg))
			}
			a.recordFailure(name)
			continue
		}

		genres := parseGenres(name, payload)
		if len(genres) == 0 {
			*errs = append(*errs, fmt.Sprintf("%s: no genres in response", name))
			a.recordFailure(name)
			continue
		}

		confidence := cachedConfidence
		if !task.FromCache[name] {
			confidence = rawConfidence(name, payload, task.Latencies[name])
		}
		sources = append(sources, core.SourceData{
			Source:        name,
			Genres:        genres,
			Metadata:      payload,
			RawConfidence: confidence,
		})
		a.recordSuccess(name)
	}
	return sources
}

// crossValidate 用基准提供商的流派过滤其他来源。
// 过滤结果为空时保留原列表：交叉验证只提纯，绝不清空一个来源。
func (a *Aggregator) crossValidate(sources []core.SourceData, log *logrus.Entry) {
	var reference []string
	for _, sd := range sources {
		if sd.Source == a.config.ReferenceSource {
			reference = sd.Genres
			break
		}
	}
	if len(reference) == 0 {
		return
	}

	for i := range sources {
		if sources[i].Source == a.config.ReferenceSource {
			continue
		}
		var validated []string
		for _, genre := range sources[i].Genres {
			for _, ref := range reference {
				if a.matchFn(genre, ref) {
					validated = append(validated, genre)
					break
				}
			}
		}
		if len(validated) > 0 && len(validated) < len(sources[i].Genres) {
			log.Debugf("交叉验证 %s: %d -> %d 个流派", sources[i].Source, len(sources[i].Genres), len(validated))
			sources[i].Genres = validated
		}
	}
}

// PrimarySources 返回主层提供商（启用且非仅后备），按优先级排序。
// 调用方可用它直接向调度器提交任务，跳过聚合流程。
func (a *Aggregator) PrimarySources() []string {
	return a.activeSources(false)
}

// activeSources 返回启用的提供商，按优先级升序（1 最先）、同级按名称排序。
// includeFallback 为 true 时包含仅后备的提供商。
func (a *Aggregator) activeSources(includeFallback bool) []string {
	var names []string
	for name, cfg := range a.config.Sources {
		if !cfg.Enabled {
			continue
		}
		if cfg.FallbackOnly && !includeFallback {
			continue
		}
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		pi, pj := a.config.Sources[names[i]].Priority, a.config.Sources[names[j]].Priority
		if pi != pj {
			return pi < pj
		}
		return names[i] < names[j]
	})
	return names
}

// fallbackSources 返回启用的后备层提供商（不含主层已查询过的）。
func (a *Aggregator) fallbackSources(primary []string) []string {
	used := make(map[string]bool, len(primary))
	for _, name := range primary {
		used[name] = true
	}
	var names []string
	for _, name := range a.activeSources(true) {
		if !used[name] {
			names = append(names, name)
		}
	}
	return names
}

// Stats 返回各提供商在聚合层的成败统计。
func (a *Aggregator) Stats() map[string]map[string]interface{} {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make(map[string]map[string]interface{}, len(a.stats))
	for name, st := range a.stats {
		total := st.success + st.failure
		rate := 0.0
		if total > 0 {
			rate = float64(st.success) / float64(total)
		}
		cfg := a.config.Sources[name]
		out[name] = map[string]interface{}{
			"success_count":  st.success,
			"failure_count":  st.failure,
			"total_requests": total,
			"success_rate":   rate,
			"enabled":        cfg.Enabled,
			"priority":       cfg.Priority,
			"fallback_only":  cfg.FallbackOnly,
		}
	}
	return out
}

// OptimizeSourcePriorities 根据历史成败率重排优先级：
// 请求量足够的提供商按可靠性降序，前三名提升为高优先级。
func (a *Aggregator) OptimizeSourcePriorities() {
	a.mu.Lock()
	defer a.mu.Unlock()

	type scored struct {
		name  string
		score float64
	}
	var reliable []scored
	for name, st := range a.stats {
		total := st.success + st.failure
		if total <= 5 {
			continue
		}
		rate := float64(st.success) / float64(total)
		volumeBonus := float64(total) / 100
		if volumeBonus > 0.5 {
			volumeBonus = 0.5
		}
		reliable = append(reliable, scored{name, rate * (1 + volumeBonus)})
	}
	sort.Slice(reliable, func(i, j int) bool { return reliable[i].score > reliable[j].score })

	for i, sc := range reliable {
		if i >= 3 {
			break
		}
		cfg, ok := a.config.Sources[sc.name]
		if !ok {
			continue
		}
		if cfg.Priority != 1 {
			a.log.Infof("提供商 %s 提升为高优先级 (score: %.2f)", sc.name, sc.score)
		}
		cfg.Priority = 1
		a.config.Sources[sc.name] = cfg
	}
}

func (a *Aggregator) statsFor(name string) *sourceStats {
	if st, ok := a.stats[name]; ok {
		return st
	}
	st := &sourceStats{}
	a.stats[name] = st
	return st
}

func (a *Aggregator) recordSuccess(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.statsFor(name).success++
}

func (a *Aggregator) recordFailure(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.statsFor(name).failure++
}

func (a *Aggregator) recordFailures(names []string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, name := range names {
		a.statsFor(name).failure++
	}
}
