package util

import (
	"strings"
	"unicode"
)

const ellipsis = "..."

// TruncateString shortens s to at most maxLen runes, ending in "..." when
// anything was cut. With preserveWords the cut moves back to the last
// whitespace so words stay whole.
func TruncateString(s string, maxLen int, preserveWords bool) string {
	if maxLen <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	if maxLen <= len(ellipsis) {
		return ellipsis[:maxLen]
	}

	keep := runes[:maxLen-len(ellipsis)]
	if preserveWords {
		for i := len(keep) - 1; i > 0; i-- {
			if unicode.IsSpace(keep[i]) {
				keep = keep[:i]
				break
			}
		}
	}
	return string(keep) + ellipsis
}

// FirstNonEmpty returns the first argument that is not blank.
func FirstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
