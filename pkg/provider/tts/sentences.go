package tts

import (
	"strings"
	"unicode"
)

// SplitSentences splits text after '.', '!' or '?' when followed by
// whitespace or the end of text. "Dr.Who" and "3.14" are not split. Blank
// sentences are dropped.
func SplitSentences(text string) []string {
	var out []string
	for {
		idx := sentenceBoundary(text)
		if idx < 0 {
			break
		}
		if s := strings.TrimSpace(text[:idx+1]); s != "" {
			out = append(out, s)
		}
		text = text[idx+1:]
	}
	if s := strings.TrimSpace(text); s != "" {
		out = append(out, s)
	}
	return out
}

func sentenceBoundary(s string) int {
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '.', '!', '?':
			if i+1 >= len(s) || unicode.IsSpace(rune(s[i+1])) {
				return i
			}
		}
	}
	return -1
}
