package utils

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// NormalizeText applies NFKC normalization, case folding and whitespace collapsing
func NormalizeText(text string) string {
	text = SanitizeUTF8(text)
	text = norm.NFKC.String(text)
	text = cases.Fold().String(text)
	return strings.Join(strings.FieldsFunc(text, unicode.IsSpace), " ")
}

// RuneLength counts characters rather than bytes
func RuneLength(parts ...string) int {
	n := 0
	for _, p := range parts {
		n += utf8.RuneCountInString(p)
	}
	return n
}

// MaskDigits replaces every run of digits with a single '#'
func MaskDigits(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	inDigits := false
	for _, r := range text {
		if unicode.IsDigit(r) {
			if !inDigits {
				b.WriteByte('#')
				inDigits = true
			}
			continue
		}
		inDigits = false
		b.WriteRune(r)
	}
	return b.String()
}

// SanitizeUTF8 drops invalid UTF-8 bytes
func SanitizeUTF8(text string) string {
	if utf8.ValidString(text) {
		return text
	}
	return strings.ToValidUTF8(text, "")
}

// TextProcessor prepares free text for inclusion in prompts
type TextProcessor struct {
	logger *zap.Logger
}

// NewTextProcessor creates a new TextProcessor
func NewTextProcessor(logger *zap.Logger) *TextProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TextProcessor{
		logger: logger,
	}
}

// TruncateText cuts text to at most maxSize bytes without splitting a rune
func (tp *TextProcessor) TruncateText(text string, maxSize int) string {
	if maxSize <= 0 || len(text) <= maxSize {
		return text
	}

	truncated := text[:maxSize]
	for !utf8.ValidString(truncated) && len(truncated) > 0 {
		truncated = truncated[:len(truncated)-1]
	}

	tp.logger.Debug("Text truncated",
		zap.Int("original_size", len(text)),
		zap.Int("truncated_size", len(truncated)),
		zap.Int("max_size", maxSize))

	return truncated + " [truncated]"
}

// ProcessText sanitizes then truncates text
func (tp *TextProcessor) ProcessText(text string, maxSize int) string {
	return tp.TruncateText(SanitizeUTF8(text), maxSize)
}
