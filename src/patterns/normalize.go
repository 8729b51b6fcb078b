// Package patterns normalizes test failure messages, either for display
// or for recognising the same failure across test cases.
//
//   - MaskPresentation keeps diagnostic detail such as file names and line
//     numbers and only drops noise.
//   - MaskRecurrence masks everything that varies between runs so that
//     equal failures compare equal.
package patterns

import (
	"regexp"
	"strings"

	"github.com/zeebo/xxh3"

	"changes-agent/src/sanitize"
)

// MaskingLevel controls how aggressively lines are normalized.
type MaskingLevel int

const (
	// MaskPresentation: /var/lib/ci/workspace/app/calc_test.go:42 → .../calc_test.go:42
	MaskPresentation MaskingLevel = iota
	// MaskRecurrence: expected 42 got 7 → expected [NUM] got [NUM]
	MaskRecurrence
)

var (
	// ISO8601 and common log timestamps.
	timestampPattern = regexp.MustCompile(`\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}([.,]\d+)?(Z|[+-]\d{2}:?\d{2})?`)

	uuidPattern = regexp.MustCompile(`\b[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}\b`)

	// Container ids, git shas.
	longHashPattern = regexp.MustCompile(`\b[a-f0-9]{12,}\b`)

	hexAddressPattern = regexp.MustCompile(`\b0x[0-9a-fA-F]+\b`)

	numberPattern = regexp.MustCompile(`\b\d+\b`)

	// Absolute paths with 3+ directories; captures the file name and
	// optional line number.
	longPathPattern = regexp.MustCompile(`/(?:[^/\s]+/){3,}([^/\s:]+(?::\d+)?)`)

	whitespacePattern = regexp.MustCompile(`\s+`)
)

// minPrefixLength is the shortest common prefix worth removing.
const minPrefixLength = 20

// signatureLines is how many leading lines of a message identify it.
const signatureLines = 3

// Normalize applies the transforms of level to one line.
func Normalize(line string, level MaskingLevel) string {
	line = sanitize.StripANSI(line)

	switch level {
	case MaskPresentation:
		// Only a leading timestamp is noise; one inside the text may be
		// what the assertion compared.
		if loc := timestampPattern.FindStringIndex(line); loc != nil && loc[0] < 5 {
			line = line[loc[1]:]
		}
		line = uuidPattern.ReplaceAllString(line, "<UUID>")
		line = hexAddressPattern.ReplaceAllString(line, "<HEX>")
		line = longPathPattern.ReplaceAllString(line, ".../$1")
		line = longHashPattern.ReplaceAllString(line, "<HASH>")
	case MaskRecurrence:
		line = timestampPattern.ReplaceAllString(line, "[TIMESTAMP]")
		line = uuidPattern.ReplaceAllString(line, "[UUID]")
		line = hexAddressPattern.ReplaceAllString(line, "[HEX]")
		line = longPathPattern.ReplaceAllString(line, "[PATH]")
		line = longHashPattern.ReplaceAllString(line, "[HASH]")
		line = numberPattern.ReplaceAllString(line, "[NUM]")
	}

	return strings.TrimSpace(whitespacePattern.ReplaceAllString(line, " "))
}

// NormalizeLines normalizes every line and drops the ones left empty. In
// presentation mode a long prefix shared by all lines, typically a
// repeated stack frame location, is replaced with "... ".
func NormalizeLines(lines []string, level MaskingLevel) []string {
	var out []string
	for _, line := range lines {
		if n := Normalize(line, level); n != "" {
			out = append(out, n)
		}
	}
	if level == MaskPresentation {
		out = removeCommonPrefix(out)
	}
	return out
}

// Signature identifies a failure message by its first lines under
// MaskRecurrence. Messages differing only in ids, numbers, paths or
// timestamps share a signature. An empty message has signature 0.
func Signature(msg string) uint64 {
	lines := NormalizeLines(strings.Split(msg, "\n"), MaskRecurrence)
	if len(lines) == 0 {
		return 0
	}
	if len(lines) > signatureLines {
		lines = lines[:signatureLines]
	}
	return xxh3.HashString(strings.Join(lines, "\n"))
}

func removeCommonPrefix(lines []string) []string {
	prefix := findCommonPrefix(lines)
	if prefix == "" {
		return lines
	}

	out := make([]string, len(lines))
	for i, line := range lines {
		out[i] = "... " + line[len(prefix):]
	}
	return out
}

func findCommonPrefix(lines []string) string {
	if len(lines) < 2 {
		return ""
	}

	prefix := lines[0]
	for _, line := range lines[1:] {
		for len(prefix) > 0 && !strings.HasPrefix(line, prefix) {
			prefix = prefix[:len(prefix)-1]
		}
		if prefix == "" {
			break
		}
	}

	if len(prefix) < minPrefixLength {
		return ""
	}
	return prefix
}
