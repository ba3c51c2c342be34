package aggregator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trackenrich/pkg/cache"
	"trackenrich/pkg/core"
	"trackenrich/pkg/limiter"
	"trackenrich/pkg/provider"
	"trackenrich/pkg/scheduler"
	"trackenrich/pkg/scoring"
)

var testTrack = core.Track{Artist: "Boards of Canada", Title: "Roygbiv"}

// testHarness 聚合器加上它依赖的完整调度栈。
type testHarness struct {
	agg   *Aggregator
	sched *scheduler.TaskScheduler
	mocks map[string]*provider.MockProvider
}

func newHarness(t *testing.T, opts ...Option) *testHarness {
	t.Helper()

	registry := provider.NewRegistry()
	mocks := make(map[string]*provider.MockProvider)
	for _, name := range []string{"musicbrainz", "spotify", "discogs", "lastfm"} {
		m := provider.NewMockProvider(name)
		m.SetError(errors.New("not configured"))
		mocks[name] = m
		require.NoError(t, registry.Register(m))
	}

	rl := limiter.New(limiter.Config{
		Sources:  map[string]limiter.SourceLimits{},
		Fallback: limiter.SourceLimits{MinDelay: 0, MaxDelay: 10 * time.Millisecond, BaseTimeout: time.Second, ErrorThreshold: 3},
	})
	rc := cache.New(cache.DefaultConfig(), nil)

	sched := scheduler.New(scheduler.DefaultConfig(), rl, rc, registry)
	sched.Start()
	t.Cleanup(sched.Stop)

	agg := New(DefaultConfig(), sched, scoring.NewScorer(), scoring.NewCurator(), opts...)
	return &testHarness{agg: agg, sched: sched, mocks: mocks}
}

func (h *testHarness) respond(source string, payload core.Payload) {
	h.mocks[source].SetError(nil)
	h.mocks[source].SetResponse(testTrack, payload)
}

func TestEnrichInvalidTrack(t *testing.T) {
	h := newHarness(t)

	_, err := h.agg.Enrich(context.Background(), core.Track{Artist: "X"})
	assert.True(t, core.IsCode(err, core.ErrInvalidTrack), "契约违规应快速失败")
}

func TestEnrichHappyPath(t *testing.T) {
	h := newHarness(t)
	h.respond("musicbrainz", core.Payload{"genres": []string{"idm", "ambient techno"}, "artist": "Boards of Canada"})
	h.respond("spotify", core.Payload{"genres": []string{"idm", "downtempo"}, "spotify_track_id": "abc", "artist": "Boards of Canada", "album": "MHTRTC"})
	h.respond("discogs", core.Payload{"genre": "Electronic", "styles": []interface{}{"IDM", "Downtempo"}})

	result, err := h.agg.Enrich(context.Background(), testTrack)
	require.NoError(t, err)

	assert.NotEmpty(t, result.FinalGenres)
	// 策展器把 "idm" 别名归一为规范名
	assert.Contains(t, result.FinalGenres, "intelligent dance music", "多源共识流派应入选")
	assert.False(t, result.FallbackUsed, "主层产出充足时不应触发后备层")
	assert.ElementsMatch(t, []string{"musicbrainz", "spotify", "discogs"}, result.SourcesUsed)
	assert.Greater(t, result.ConfidenceScore, 0.0)
	assert.NotEmpty(t, result.DetailedScores)
	assert.LessOrEqual(t, len(result.FinalGenres), 4)

	// 后备提供商未被触达
	assert.Equal(t, 0, h.mocks["lastfm"].CallCount())
}

func TestFallbackEscalation(t *testing.T) {
	h := newHarness(t)
	// 主层只有 spotify 产出，触发后备层
	h.respond("spotify", core.Payload{"genres": []string{"shoegaze"}})
	h.respond("lastfm", core.Payload{"genres": []string{"shoegaze", "dream pop"}})

	result, err := h.agg.Enrich(context.Background(), testTrack)
	require.NoError(t, err)

	assert.True(t, result.FallbackUsed)
	assert.Contains(t, result.SourcesUsed, "lastfm")
	assert.Contains(t, result.FinalGenres, "shoegaze")
	assert.NotEmpty(t, result.Errors, "失败的主层提供商应留下错误记录")
}

func TestTotalFailureReturnsEmptyResult(t *testing.T) {
	h := newHarness(t)

	result, err := h.agg.Enrich(context.Background(), testTrack)
	require.NoError(t, err, "提供商全部失败不是 error，通过结果表达")

	assert.Empty(t, result.FinalGenres)
	assert.Equal(t, 0.0, result.ConfidenceScore)
	assert.Empty(t, result.SourcesUsed)
	assert.NotEmpty(t, result.Errors)
}

func TestNoEnabledSources(t *testing.T) {
	h := newHarness(t)
	h.agg.config.Sources = map[string]SourceConfig{
		"spotify": {Enabled: false, Priority: 1},
	}

	_, err := h.agg.Enrich(context.Background(), testTrack)
	assert.True(t, core.IsCode(err, core.ErrNoProviders))
}

func TestCrossValidateFilters(t *testing.T) {
	a := New(DefaultConfig(), nil, scoring.NewScorer(), scoring.NewCurator())
	log := logrus.NewEntry(logrus.New())

	sources := []core.SourceData{
		{Source: "spotify", Genres: []string{"techno"}},
		{Source: "discogs", Genres: []string{"deep techno", "polka"}},
	}
	a.crossValidate(sources, log)
	assert.Equal(t, []string{"deep techno"}, sources[1].Genres, "不匹配基准的流派被滤除")
	assert.Equal(t, []string{"techno"}, sources[0].Genres, "基准来源自身不变")
}

func TestCrossValidateNeverEmptiesSource(t *testing.T) {
	a := New(DefaultConfig(), nil, scoring.NewScorer(), scoring.NewCurator())
	log := logrus.NewEntry(logrus.New())

	sources := []core.SourceData{
		{Source: "spotify", Genres: []string{"techno"}},
		{Source: "discogs", Genres: []string{"polka", "klezmer"}},
	}
	a.crossValidate(sources, log)
	assert.Equal(t, []string{"polka", "klezmer"}, sources[1].Genres, "全不匹配时保留原列表")
}

func TestCrossValidateCustomMatch(t *testing.T) {
	exact := func(candidate, reference string) bool { return candidate == reference }
	a := New(DefaultConfig(), nil, scoring.NewScorer(), scoring.NewCurator(), WithMatchFunc(exact))
	log := logrus.NewEntry(logrus.New())

	sources := []core.SourceData{
		{Source: "spotify", Genres: []string{"techno"}},
		{Source: "discogs", Genres: []string{"techno", "deep techno"}},
	}
	a.crossValidate(sources, log)
	assert.Equal(t, []string{"techno"}, sources[1].Genres, "严格匹配下子串不算命中")
}

func TestDefaultMatch(t *testing.T) {
	tests := []struct {
		candidate string
		reference string
		expected  bool
	}{
		{"deep house", "house", true},
		{"house", "deep house", true},
		{"Techno", "techno", true},
		{"polka", "techno", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, DefaultMatch(tt.candidate, tt.reference),
			"DefaultMatch(%q, %q)", tt.candidate, tt.reference)
	}
}

func TestActiveSources(t *testing.T) {
	a := New(DefaultConfig(), nil, scoring.NewScorer(), scoring.NewCurator())

	primary := a.activeSources(false)
	assert.Equal(t, []string{"musicbrainz", "spotify", "discogs"}, primary, "按优先级排序且排除后备层")

	all := a.activeSources(true)
	assert.Equal(t, []string{"musicbrainz", "spotify", "discogs", "lastfm"}, all)

	assert.Equal(t, []string{"lastfm"}, a.fallbackSources(primary))
}

func TestParseGenres(t *testing.T) {
	tests := []struct {
		name     string
		source   string
		payload  core.Payload
		expected []string
	}{
		{
			name:     "字符串数组",
			source:   "spotify",
			payload:  core.Payload{"genres": []string{"idm", "ambient"}},
			expected: []string{"idm", "ambient"},
		},
		{
			name:     "逗号分隔字符串",
			source:   "musicbrainz",
			payload:  core.Payload{"genre": "electronic, idm , downtempo"},
			expected: []string{"electronic", "idm", "downtempo"},
		},
		{
			name:     "JSON 反序列化产生的 interface 切片",
			source:   "lastfm",
			payload:  core.Payload{"genres": []interface{}{"trip hop", "electronica"}},
			expected: []string{"trip hop", "electronica"},
		},
		{
			name:     "discogs 合并 genre 和 style",
			source:   "discogs",
			payload:  core.Payload{"genre": "Electronic", "styles": []string{"IDM", "Electronic"}},
			expected: []string{"Electronic", "IDM"},
		},
		{
			name:     "无流派字段",
			source:   "spotify",
			payload:  core.Payload{"artist": "X"},
			expected: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, parseGenres(tt.source, tt.payload))
		})
	}
}

func TestRawConfidence(t *testing.T) {
	// 快速响应 + 全部元数据 + 来源 ID
	full := core.Payload{"artist": "A", "album": "B", "title": "C", "year": 2002, "spotify_track_id": "x"}
	got := rawConfidence("spotify", full, time.Second)
	assert.InDelta(t, 0.95, got, 0.001) // 0.5 + 0.1 + 0.2 + 0.15

	// 慢响应、空元数据
	sparse := core.Payload{"genres": []string{"idm"}}
	got = rawConfidence("spotify", sparse, 11*time.Second)
	assert.InDelta(t, 0.4, got, 0.001)
}

func TestStatsAndOptimize(t *testing.T) {
	h := newHarness(t)
	h.respond("spotify", core.Payload{"genres": []string{"idm"}})
	h.respond("lastfm", core.Payload{"genres": []string{"idm"}})

	// 多次聚合累积统计
	for i := 0; i < 6; i++ {
		_, err := h.agg.Enrich(context.Background(), testTrack)
		require.NoError(t, err)
	}

	stats := h.agg.Stats()
	sp := stats["spotify"]
	assert.Equal(t, int64(6), sp["success_count"])
	assert.Equal(t, 1.0, sp["success_rate"])
	mb := stats["musicbrainz"]
	assert.Equal(t, int64(6), mb["failure_count"])

	h.agg.OptimizeSourcePriorities()
	assert.Equal(t, 1, h.agg.config.Sources["spotify"].Priority)
	assert.Equal(t, 1, h.agg.config.Sources["lastfm"].Priority, "高成功率的后备提供商被提升优先级")
}
