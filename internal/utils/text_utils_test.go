package utils

import (
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestNormalizeText(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"case folding", "Hello WORLD", "hello world"},
		{"whitespace collapse", "  a \t b\n\nc  ", "a b c"},
		{"compatibility forms", "ＦＵＬＬ width", "full width"},
		{"invalid utf8 dropped", "ok\xffay", "okay"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeText(tt.input))
		})
	}
}

func TestMaskDigits(t *testing.T) {
	assert.Equal(t, "invoice # for order #", MaskDigits("invoice 2024 for order 77"))
	assert.Equal(t, "no digits", MaskDigits("no digits"))
	assert.Equal(t, "#", MaskDigits("123456"))
}

func TestRuneLength(t *testing.T) {
	assert.Equal(t, 0, RuneLength())
	assert.Equal(t, 5, RuneLength("héllo"))
	assert.Equal(t, 7, RuneLength("ab", "日本語", "cd"))
}

func TestTruncateText(t *testing.T) {
	tp := NewTextProcessor(zap.NewNop())

	assert.Equal(t, "short", tp.TruncateText("short", 100))
	assert.Equal(t, "unlimited", tp.TruncateText("unlimited", 0))

	out := tp.TruncateText("日本語のテキスト", 4)
	assert.True(t, utf8.ValidString(out))
	assert.Equal(t, "日 [truncated]", out)
}

func TestProcessText(t *testing.T) {
	tp := NewTextProcessor(nil)
	out := tp.ProcessText("abc\xffdef", 4)
	assert.Equal(t, "abcd [truncated]", out)
}
