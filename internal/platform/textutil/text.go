package textutil

import (
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/text/width"
)

const maxFreeTextRunes = 500

var strictPolicy = bluemonday.StrictPolicy()

// NormalizeCode folds full-width characters to their ASCII forms, strips whitespace and
// upper-cases the result so "ｓａｖｅ１０" and " save10 " address the same coupon.
func NormalizeCode(code string) string {
	folded := width.Fold.String(code)
	var b strings.Builder
	b.Grow(len(folded))
	for _, r := range folded {
		if unicode.IsSpace(r) {
			continue
		}
		b.WriteRune(unicode.ToUpper(r))
	}
	return b.String()
}

// SanitizeText removes markup from operator supplied text such as cancel and refund reasons,
// collapses whitespace and caps the length.
func SanitizeText(value string) string {
	cleaned := strictPolicy.Sanitize(value)
	cleaned = strings.Join(strings.Fields(cleaned), " ")
	runes := []rune(cleaned)
	if len(runes) > maxFreeTextRunes {
		cleaned = string(runes[:maxFreeTextRunes])
	}
	return cleaned
}

// NormalizeMetadata trims keys and values, drops entries with an empty key or value and
// truncates long values. Gateway metadata stored on transactions passes through here.
func NormalizeMetadata(values map[string]string) map[string]string {
	if len(values) == 0 {
		return nil
	}
	result := make(map[string]string, len(values))
	for key, value := range values {
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if key == "" || value == "" {
			continue
		}
		if runes := []rune(value); len(runes) > maxFreeTextRunes {
			value = string(runes[:maxFreeTextRunes])
		}
		result[key] = value
	}
	if len(result) == 0 {
		return nil
	}
	return result
}
