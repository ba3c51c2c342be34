package scoring

import (
	"strings"

	"trackenrich/pkg/core"
)

// genreSynonyms 常见别名到规范名的映射，合并不同提供商的命名习惯。
var genreSynonyms = map[string]string{
	"dnb":           "drum and bass",
	"d&b":           "drum and bass",
	"drum & bass":   "drum and bass",
	"drum'n'bass":   "drum and bass",
	"hip-hop":       "hip hop",
	"hiphop":        "hip hop",
	"r&b":           "rnb",
	"r'n'b":         "rnb",
	"idm":           "intelligent dance music",
	"edm":           "electronic dance music",
	"post-rock":     "post rock",
	"post-punk":     "post punk",
	"synth-pop":     "synthpop",
	"electro-house": "electro house",
	"alt rock":      "alternative rock",
	"alt-rock":      "alternative rock",
	"prog rock":     "progressive rock",
	"prog house":    "progressive house",
}

// DefaultCurator 默认策展器：别名归一、去重、截断。无状态，可并发使用。
type DefaultCurator struct{}

// NewCurator 创建默认策展器。
func NewCurator() *DefaultCurator {
	return &DefaultCurator{}
}

// Curate 规范化并去重候选流派，保持输入顺序，截断到 maxCount 个。
// 输入顺序即置信度顺序，靠前的候选优先保留。
func (c *DefaultCurator) Curate(genres []string, maxCount int) []string {
	if maxCount <= 0 {
		return nil
	}

	seen := make(map[string]bool, len(genres))
	out := make([]string, 0, maxCount)
	for _, genre := range genres {
		canonical := canonicalize(genre)
		if canonical == "" || seen[canonical] {
			continue
		}
		seen[canonical] = true
		out = append(out, canonical)
		if len(out) == maxCount {
			break
		}
	}
	return out
}

// canonicalize 小写、去空白并解析别名。
func canonicalize(genre string) string {
	g := strings.ToLower(strings.TrimSpace(genre))
	g = strings.Join(strings.Fields(g), " ")
	if canonical, ok := genreSynonyms[g]; ok {
		return canonical
	}
	return g
}

var _ core.Curator = (*DefaultCurator)(nil)
