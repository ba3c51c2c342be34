package cache

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// normalizeText 规范化艺术家/标题文本：Unicode NFKC 归一、大小写折叠、
// 去掉标点等非字母数字字符、压缩空白。
// 保证 "The Beatles" 与 "the  beatles!" 产生相同的缓存键。
// Caser 有内部状态，不能跨 goroutine 共享，每次调用新建。
func normalizeText(s string) string {
	s = norm.NFKC.String(s)
	s = cases.Fold().String(s)
	s = strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) || r == '_' {
			return r
		}
		return -1
	}, s)
	return strings.Join(strings.Fields(s), " ")
}

// cacheKey 由规范化后的曲目字段和提供商名称生成确定性缓存键。
func cacheKey(source, artist, title string) string {
	raw := fmt.Sprintf("%s|%s|%s", source, normalizeText(artist), normalizeText(title))
	sum := md5.Sum([]byte(raw))
	return hex.EncodeToString(sum[:])
}
