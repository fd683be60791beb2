package str

import (
	"unicode/utf8"
)

// Truncate 截断超长字符串，记错误信息时避免整页 HTML 入库。
// 截断点回退到 rune 边界，不会留下残缺的多字节序列。
func Truncate(str string, limit int) string {
	if limit <= 0 || len(str) <= limit {
		return str
	}
	for limit > 0 && !utf8.RuneStart(str[limit]) {
		limit--
	}
	return str[:limit]
}
