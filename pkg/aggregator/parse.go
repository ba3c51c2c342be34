package aggregator

import (
	"strings"
	"time"

	"trackenrich/pkg/core"
)

// parseGenres 从提供商载荷中解析流派列表。
// 各提供商格式不同：有的返回字符串数组，有的返回逗号分隔的字符串；
// Discogs 在 genre 之外还有 style 字段，一并收集。
func parseGenres(source string, payload core.Payload) []string {
	keys := []string{"genres", "genre"}
	if source == "discogs" {
		keys = append(keys, "styles", "style")
	}

	var out []string
	seen := make(map[string]bool)
	for _, key := range keys {
		for _, genre := range splitGenreValue(payload[key]) {
			if !seen[genre] {
				seen[genre] = true
				out = append(out, genre)
			}
		}
	}
	return out
}

// splitGenreValue 把任意形态的流派值拍平成去空白的字符串切片。
func splitGenreValue(v interface{}) []string {
	var raw []string
	switch val := v.(type) {
	case nil:
		return nil
	case []string:
		raw = val
	case []interface{}:
		for _, item := range val {
			if s, ok := item.(string); ok {
				raw = append(raw, s)
			}
		}
	case string:
		raw = strings.Split(val, ",")
	default:
		return nil
	}

	var out []string
	for _, g := range raw {
		if g = strings.TrimSpace(g); g != "" {
			out = append(out, g)
		}
	}
	return out
}

// rawConfidence 估算一次提供商响应的原始置信度 [0,1]。
// 基准 0.5，按响应速度、元数据完整度和来源专属 ID 加减。
func rawConfidence(source string, payload core.Payload, latency time.Duration) float64 {
	confidence := 0.5

	if latency > 0 && latency < 2*time.Second {
		confidence += 0.1
	} else if latency > 10*time.Second {
		confidence -= 0.1
	}

	fields := []string{"artist", "album", "title", "year"}
	present := 0
	for _, field := range fields {
		if payload[field] != nil {
			present++
		}
	}
	confidence += float64(present) / float64(len(fields)) * 0.2

	// 来源专属 ID 表明精确匹配而非模糊搜索
	for key := range payload {
		if strings.HasPrefix(key, source+"_") && strings.HasSuffix(key, "_id") {
			confidence += 0.15
			break
		}
	}

	if confidence > 1.0 {
		return 1.0
	}
	if confidence < 0 {
		return 0
	}
	return confidence
}
