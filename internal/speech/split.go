package speech

import (
	"strings"
	"unicode"
)

// SplitSentences splits text after every '.', '!' or '?' that is followed by
// whitespace. Newlines count as spaces, fragments are trimmed and empty
// fragments are dropped. Terminal punctuation stays with its sentence, and
// punctuation not followed by whitespace ("3.14", "e.g.") does not split.
func SplitSentences(text string) []string {
	text = strings.TrimSpace(strings.ReplaceAll(text, "\n", " "))
	if text == "" {
		return nil
	}

	var (
		out   []string
		start int
		prev  rune
	)
	for i, r := range text {
		if unicode.IsSpace(r) && isTerminal(prev) {
			if s := strings.TrimSpace(text[start:i]); s != "" {
				out = append(out, s)
			}
			start = i
		}
		prev = r
	}
	if s := strings.TrimSpace(text[start:]); s != "" {
		out = append(out, s)
	}
	return out
}

func isTerminal(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}
