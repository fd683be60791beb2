package str

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestTruncate(t *testing.T) {
	assert.Equal(t, "", Truncate("", 8))
	assert.Equal(t, "short", Truncate("short", 8))
	assert.Equal(t, "exact", Truncate("exact", 5))
	assert.Equal(t, "untouched", Truncate("untouched", 0))
	assert.Equal(t, "abcde", Truncate("abcdefgh", 5))
}

func TestTruncateKeepsRuneBoundary(t *testing.T) {
	// "表单" 每个汉字占 3 字节，限长 4 落在第二个字中间
	cut := Truncate("表单", 4)
	assert.Equal(t, "表", cut)
	assert.True(t, utf8.ValidString(cut))

	// 错误信息里混入多字节字符时截断结果始终是合法 UTF-8
	msg := strings.Repeat("加", 100)
	for limit := 1; limit < 12; limit++ {
		assert.True(t, utf8.ValidString(Truncate(msg, limit)), "limit %d", limit)
	}
}
