package textindex

import (
	"strings"
	"unicode"
)

// maxTextRunes caps the text taken from a single span. Protects the index
// (and the metadata store upstream) from pathological OCR output.
const maxTextRunes = 50_000

// Clean normalizes whitespace in raw extracted text: NUL bytes become
// spaces, horizontal whitespace runs collapse, and the result is clipped
// to maxTextRunes.
func Clean(text string) string {
	if text == "" {
		return ""
	}
	text = strings.ReplaceAll(text, "\x00", " ")
	var b strings.Builder
	b.Grow(len(text))
	space := false
	for _, r := range text {
		if r == '\n' {
			b.WriteRune('\n')
			space = false
			continue
		}
		if unicode.IsSpace(r) {
			space = true
			continue
		}
		if space && b.Len() > 0 {
			b.WriteByte(' ')
		}
		space = false
		b.WriteRune(r)
	}
	out := strings.TrimSpace(b.String())
	if runes := []rune(out); len(runes) > maxTextRunes {
		out = string(runes[:maxTextRunes])
	}
	return out
}

// Tokenize lowercases text, strips punctuation and splits on whitespace.
// It is the single normalization point shared by index and query paths.
func Tokenize(text string) []string {
	lowered := strings.Map(func(r rune) rune {
		switch {
		case unicode.IsLetter(r) || unicode.IsNumber(r):
			return unicode.ToLower(r)
		default:
			return ' '
		}
	}, text)
	return strings.Fields(lowered)
}
