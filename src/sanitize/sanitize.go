// Package sanitize cleans failure text captured from CI before it is
// stored. Test reports and Jenkins stack traces often carry terminal
// colouring and Buildkite timestamp markers that mean nothing once the
// text leaves the log viewer.
package sanitize

import (
	"regexp"
	"strings"
)

var (
	// SGR sequences, e.g. \x1b[31m
	ansiPattern = regexp.MustCompile(`\x1b\[[0-9;]*m`)

	// Buildkite timestamp markers: \x1b_bk;t=...\x07
	buildkiteTimestamp = regexp.MustCompile(`\x1b_bk;t=[0-9]+\x07`)
)

// StripANSI removes colour codes and Buildkite timestamp markers.
func StripANSI(s string) string {
	s = buildkiteTimestamp.ReplaceAllString(s, "")
	return ansiPattern.ReplaceAllString(s, "")
}

// Clean strips escape sequences, turns CRLF into LF, drops the rest of
// the C0 control characters except tab and newline, and trims the result.
func Clean(s string) string {
	s = StripANSI(s)
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.Map(func(r rune) rune {
		switch {
		case r == '\n' || r == '\t':
			return r
		case r < 0x20 || r == 0x7f:
			return -1
		}
		return r
	}, s)
	return strings.TrimSpace(s)
}
