package mcp

import (
	"strconv"
	"strings"

	"changes-agent/src/patterns"
)

// compressMessage shrinks a test failure message (usually a stack trace)
// to at most maxLines cleaned lines. Blank lines are dropped and the
// remainder is counted on a trailing marker line.
func compressMessage(msg string, maxLines int) []string {
	lines := patterns.NormalizeLines(strings.Split(msg, "\n"), patterns.MaskPresentation)

	if maxLines > 0 && len(lines) > maxLines {
		dropped := len(lines) - maxLines
		lines = append(lines[:maxLines:maxLines], "... "+plural(dropped, "more line"))
	}
	return lines
}

func plural(n int, word string) string {
	if n == 1 {
		return "1 " + word
	}
	return strconv.Itoa(n) + " " + word + "s"
}
