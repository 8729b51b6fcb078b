package provider

import "strings"

// Truncate cuts s to at most max runes.
func Truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}

// FirstLine returns the first non-blank line of a commit message, cut to
// max runes.
func FirstLine(msg string, max int) string {
	for _, line := range strings.Split(msg, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return Truncate(line, max)
		}
	}
	return ""
}
