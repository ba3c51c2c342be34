// Package scoring 实现多源流派数据的置信度打分和最终策展。
// 置信度由三个分量加权合成：多源共识、流派特异性和来源质量。
package scoring

import (
	"regexp"
	"sort"
	"strings"

	"trackenrich/pkg/core"
)

// sourceBaseWeights 各提供商的基础权重，反映其流派数据的历史可靠性。
var sourceBaseWeights = map[string]float64{
	"musicbrainz": 0.90,
	"spotify":     0.85,
	"discogs":     0.80,
	"lastfm":      0.70,
	"local":       0.60,
}

// unknownSourceWeight 未知提供商的基础权重。
const unknownSourceWeight = 0.5

// highConfidenceGenres 高特异性流派：出现即强信号。
var highConfidenceGenres = map[string]bool{
	"progressive house": true, "deep house": true, "tech house": true, "minimal techno": true,
	"drum and bass": true, "liquid dnb": true, "neurofunk": true, "jump up": true,
	"trance": true, "uplifting trance": true, "progressive trance": true, "psytrance": true,
	"dubstep": true, "melodic dubstep": true, "riddim": true, "future bass": true,
	"hardcore": true, "gabber": true, "speedcore": true, "breakcore": true,
	"ambient": true, "dark ambient": true, "drone": true, "field recording": true,
	"jazz fusion": true, "bebop": true, "hard bop": true, "free jazz": true,
	"black metal": true, "death metal": true, "thrash metal": true, "doom metal": true,
	"post rock": true, "post punk": true, "shoegaze": true, "dream pop": true,
	"acid house": true, "chicago house": true, "detroit techno": true, "uk garage": true,
}

// lowConfidenceGenres 泛化标签：信息量低，拉低置信度。
var lowConfidenceGenres = map[string]bool{
	"electronic": true, "rock": true, "pop": true, "dance": true, "alternative": true,
	"indie": true, "experimental": true, "various": true, "other": true,
	"music": true, "sound": true, "audio": true,
}

// technicalTerms 出现在流派名中的音乐术语，提示更具体的子流派。
var technicalTerms = []string{"progressive", "deep", "minimal", "ambient", "fusion", "experimental"}

var yearPattern = regexp.MustCompile(`\d{4}s?|\d{2}s`)

// 最终置信度的分量权重。
const (
	consensusWeight = 0.40
	qualityWeight   = 0.35
	sourceWeight    = 0.25
)

// DefaultScorer 默认置信度打分器。无状态，可并发使用。
type DefaultScorer struct{}

// NewScorer 创建默认打分器。
func NewScorer() *DefaultScorer {
	return &DefaultScorer{}
}

// ScoreGenres 对多源流派数据打分，返回按置信度降序排列的候选。
// 同名流派（去除首尾空白后）跨来源合并，其共识分随来源数增长。
func (s *DefaultScorer) ScoreGenres(sources []core.SourceData) []core.GenreScore {
	if len(sources) == 0 {
		return nil
	}

	genreSources := make(map[string][]string)
	genreConfidences := make(map[string][]float64)
	for _, sd := range sources {
		sourceConfidence := s.sourceConfidence(sd)
		for _, genre := range sd.Genres {
			clean := strings.TrimSpace(genre)
			if clean == "" {
				continue
			}
			genreSources[clean] = append(genreSources[clean], sd.Source)
			genreConfidences[clean] = append(genreConfidences[clean], sourceConfidence)
		}
	}

	scored := make([]core.GenreScore, 0, len(genreSources))
	for genre, srcs := range genreSources {
		consensus := consensusScore(srcs)
		quality := genreQuality(genre)

		var sum float64
		for _, c := range genreConfidences[genre] {
			sum += c
		}
		sourceAvg := sum / float64(len(genreConfidences[genre]))

		scored = append(scored, core.GenreScore{
			Genre:          genre,
			Confidence:     consensus*consensusWeight + quality*qualityWeight + sourceAvg*sourceWeight,
			Sources:        uniqueSorted(srcs),
			ConsensusScore: consensus,
			QualityScore:   quality,
		})
	}

	// 降序，同分按流派名保证确定性
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Confidence != scored[j].Confidence {
			return scored[i].Confidence > scored[j].Confidence
		}
		return scored[i].Genre < scored[j].Genre
	})
	return scored
}

// sourceConfidence 评估单个来源本次数据的质量 [0,1]。
// 综合基础权重、流派数量、流派特异性和元数据完整度。
func (s *DefaultScorer) sourceConfidence(sd core.SourceData) float64 {
	if len(sd.Genres) == 0 {
		return 0
	}

	baseWeight, ok := sourceBaseWeights[sd.Source]
	if !ok {
		baseWeight = unknownSourceWeight
	}

	quantityFactor := float64(len(sd.Genres)) / 5.0
	if quantityFactor > 1.0 {
		quantityFactor = 1.0
	}

	var qualitySum float64
	for _, genre := range sd.Genres {
		g := strings.ToLower(strings.TrimSpace(genre))
		switch {
		case highConfidenceGenres[g]:
			qualitySum += 1.5
		case lowConfidenceGenres[g]:
			qualitySum += 0.3
		case len(g) > 8 && strings.Contains(g, " "): // 复合流派
			qualitySum += 1.2
		case len(g) > 4:
			qualitySum += 1.0
		default:
			qualitySum += 0.5
		}
	}
	qualityFactor := qualitySum / float64(len(sd.Genres))
	if qualityFactor > 1.5 {
		qualityFactor = 1.5
	}

	metadataFactor := 1.0
	if len(sd.Metadata) > 0 {
		for key := range sd.Metadata {
			if strings.Contains(key, sd.Source+"_") {
				metadataFactor += 0.1
				break
			}
		}
		if sd.Metadata["album"] != nil && sd.Metadata["artist"] != nil {
			metadataFactor += 0.1
		}
	}

	confidence := baseWeight * quantityFactor * qualityFactor * metadataFactor
	if confidence > 1.0 {
		return 1.0
	}
	return confidence
}

// consensusScore 基于提及该流派的来源数量计算共识分 [0,1]。
func consensusScore(srcs []string) float64 {
	if len(srcs) == 0 {
		return 0
	}

	consensusBase := float64(len(srcs)) / float64(len(sourceBaseWeights))

	unique := make(map[string]bool, len(srcs))
	highConfidence := 0
	for _, src := range srcs {
		unique[src] = true
		if sourceBaseWeights[src] > 0.8 {
			highConfidence++
		}
	}
	diversity := float64(len(unique)) / float64(len(srcs))
	confidenceBonus := float64(highConfidence) / float64(len(srcs))

	score := consensusBase*0.6 + diversity*0.2 + confidenceBonus*0.2
	if score > 1.0 {
		return 1.0
	}
	return score
}

// genreQuality 评估流派名本身的特异性 [0,1]。
func genreQuality(genre string) float64 {
	g := strings.ToLower(strings.TrimSpace(genre))

	if highConfidenceGenres[g] {
		return 1.0
	}
	if lowConfidenceGenres[g] {
		return 0.3
	}

	score := 0.5
	if len(g) > 10 {
		score += 0.2
	} else if len(g) > 6 {
		score += 0.1
	}
	if strings.Contains(g, " ") || strings.Contains(g, "-") {
		score += 0.2
	}
	// 年代标签（"80s"、"1990s"）不是真正的流派
	if yearPattern.MatchString(g) {
		score -= 0.1
	}
	for _, term := range technicalTerms {
		if strings.Contains(g, term) {
			score += 0.15
			break
		}
	}

	if score > 1.0 {
		return 1.0
	}
	if score < 0 {
		return 0
	}
	return score
}

func uniqueSorted(srcs []string) []string {
	seen := make(map[string]bool, len(srcs))
	out := make([]string, 0, len(srcs))
	for _, s := range srcs {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

var _ core.ConfidenceScorer = (*DefaultScorer)(nil)
