package ingest

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// normalize canonicalizes document text so identical content always produces
// the same fingerprint: line endings unified, trailing space stripped, runs
// of 3+ blank lines collapsed to one, and the whole string trimmed.
func normalize(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	blanks := 0
	for _, line := range lines {
		line = strings.TrimRightFunc(line, unicode.IsSpace)
		if line == "" {
			blanks++
			if blanks > 1 {
				continue
			}
		} else {
			blanks = 0
		}
		out = append(out, line)
	}

	return strings.TrimSpace(strings.Join(out, "\n"))
}

// estimateTokens provides a rough token count: rune count divided by 2, a
// conservative estimate that works for both English (~4 chars/token) and
// CJK (~1.5 chars/token) text.
func estimateTokens(text string) int {
	return utf8.RuneCountInString(text) / 2
}
