package scoring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trackenrich/pkg/core"
)

func TestScoreGenresEmpty(t *testing.T) {
	s := NewScorer()
	assert.Nil(t, s.ScoreGenres(nil))
	assert.Empty(t, s.ScoreGenres([]core.SourceData{}))
}

func TestConsensusBeatsOneOff(t *testing.T) {
	s := NewScorer()

	// "deep house" 被三个来源提及，"polka" 只有一个
	sources := []core.SourceData{
		{Source: "musicbrainz", Genres: []string{"deep house", "polka"}},
		{Source: "spotify", Genres: []string{"deep house"}},
		{Source: "discogs", Genres: []string{"deep house"}},
	}

	scored := s.ScoreGenres(sources)
	require.NotEmpty(t, scored)
	assert.Equal(t, "deep house", scored[0].Genre, "多源共识流派应排第一")
	assert.Len(t, scored[0].Sources, 3)

	var polka *core.GenreScore
	for i := range scored {
		if scored[i].Genre == "polka" {
			polka = &scored[i]
		}
	}
	require.NotNil(t, polka)
	assert.Greater(t, scored[0].Confidence, polka.Confidence)
	assert.Greater(t, scored[0].ConsensusScore, polka.ConsensusScore)
}

func TestSpecificGenresBeatGeneric(t *testing.T) {
	s := NewScorer()

	sources := []core.SourceData{
		{Source: "spotify", Genres: []string{"minimal techno", "electronic"}},
	}
	scored := s.ScoreGenres(sources)
	require.Len(t, scored, 2)

	assert.Equal(t, "minimal techno", scored[0].Genre, "特异流派应胜过泛化标签")
	assert.Equal(t, 1.0, scored[0].QualityScore)
	assert.Equal(t, 0.3, scored[1].QualityScore)
}

func TestGenreQuality(t *testing.T) {
	tests := []struct {
		name     string
		genre    string
		expected float64
	}{
		{"高特异流派", "detroit techno", 1.0},
		{"泛化标签", "rock", 0.3},
		{"复合流派加分", "melodic death metal", 0.9}, // 0.5 + 0.2 长度 + 0.2 复合
		{"年代标签扣分", "80s", 0.4},                 // 0.5 - 0.1
		{"技术术语加分", "deep cuts", 0.95},          // 0.5 + 0.1 长度 + 0.2 复合 + 0.15 术语
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, genreQuality(tt.genre), 0.001)
		})
	}
}

func TestSourceConfidence(t *testing.T) {
	s := NewScorer()

	// 空流派列表置信度为 0
	assert.Equal(t, 0.0, s.sourceConfidence(core.SourceData{Source: "spotify"}))

	// 带来源 ID 和专辑/艺术家元数据的结果置信度更高
	rich := core.SourceData{
		Source: "spotify",
		Genres: []string{"progressive house", "tech house", "deep house", "minimal techno", "acid house"},
		Metadata: core.Payload{
			"spotify_track_id": "abc",
			"artist":           "X",
			"album":            "Y",
		},
	}
	bare := core.SourceData{Source: "spotify", Genres: []string{"pop"}}
	assert.Greater(t, s.sourceConfidence(rich), s.sourceConfidence(bare))

	// 未知来源退化到中性权重，不报错
	unknown := core.SourceData{Source: "someapi", Genres: []string{"ambient"}}
	assert.Greater(t, s.sourceConfidence(unknown), 0.0)
}

func TestScoreOrderingDeterministic(t *testing.T) {
	s := NewScorer()
	sources := []core.SourceData{
		{Source: "spotify", Genres: []string{"pop", "rock", "dance"}},
	}

	first := s.ScoreGenres(sources)
	for i := 0; i < 5; i++ {
		again := s.ScoreGenres(sources)
		require.Equal(t, first, again, "同一输入应得到确定性排序")
	}
}

func TestCurate(t *testing.T) {
	c := NewCurator()

	tests := []struct {
		name     string
		input    []string
		maxCount int
		expected []string
	}{
		{
			name:     "别名合并去重",
			input:    []string{"Drum & Bass", "dnb", "liquid dnb"},
			maxCount: 4,
			expected: []string{"drum and bass", "liquid dnb"},
		},
		{
			name:     "大小写与空白归一",
			input:    []string{"Deep  House", "deep house", "DEEP HOUSE"},
			maxCount: 4,
			expected: []string{"deep house"},
		},
		{
			name:     "截断保留靠前候选",
			input:    []string{"a", "b", "c", "d", "e"},
			maxCount: 3,
			expected: []string{"a", "b", "c"},
		},
		{
			name:     "空白条目被丢弃",
			input:    []string{"", "  ", "techno"},
			maxCount: 4,
			expected: []string{"techno"},
		},
		{
			name:     "maxCount 为零",
			input:    []string{"techno"},
			maxCount: 0,
			expected: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, c.Curate(tt.input, tt.maxCount))
		})
	}
}
