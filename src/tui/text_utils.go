package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/x/ansi"
	"github.com/mattn/go-runewidth"
)

// plain drops escape sequences that CI labels and log lines may carry.
func plain(s string) string {
	return ansi.Strip(s)
}

// VisualWidth returns the display width of text, accounting for multi-byte characters
func VisualWidth(s string) int {
	return runewidth.StringWidth(s)
}

// Truncate truncates text to maxLen cells with optional ellipsis
func Truncate(s string, maxLen int, ellipsis bool) string {
	s = strings.TrimSpace(plain(s))
	if maxLen <= 0 {
		return ""
	}

	if VisualWidth(s) > maxLen {
		if ellipsis && maxLen > 3 {
			return runewidth.Truncate(s, maxLen-3, "") + "..."
		}
		return runewidth.Truncate(s, maxLen, "")
	}
	return s
}

// TruncateAndPad truncates text and pads it to exactly width cells.
// Used for table cells to maintain consistent column widths
func TruncateAndPad(s string, width int, ellipsis bool) string {
	s = Truncate(s, width, ellipsis)
	if w := VisualWidth(s); w < width {
		return s + strings.Repeat(" ", width-w)
	}
	return s
}

// Wrap wraps text to width cells, breaking on word boundaries when
// possible. Words longer than width are broken mid-word.
func Wrap(text string, width int) string {
	text = plain(text)
	if width <= 0 {
		return text
	}
	words := strings.Fields(text)
	if len(words) == 0 {
		return text
	}

	var result strings.Builder
	lineLength := 0
	for _, word := range words {
		wordLen := VisualWidth(word)

		if wordLen > width {
			if lineLength > 0 {
				result.WriteString("\n")
			}
			for _, chunk := range splitWidth(word, width) {
				if result.Len() > 0 && !strings.HasSuffix(result.String(), "\n") {
					result.WriteString("\n")
				}
				result.WriteString(chunk)
			}
			result.WriteString("\n")
			lineLength = 0
			continue
		}

		switch {
		case lineLength == 0:
			result.WriteString(word)
			lineLength = wordLen
		case lineLength+1+wordLen <= width:
			result.WriteString(" ")
			result.WriteString(word)
			lineLength += 1 + wordLen
		default:
			result.WriteString("\n")
			result.WriteString(word)
			lineLength = wordLen
		}
	}

	return strings.TrimSuffix(result.String(), "\n")
}

// splitWidth cuts word into chunks of at most width cells.
func splitWidth(word string, width int) []string {
	var chunks []string
	var cur strings.Builder
	curWidth := 0
	for _, r := range word {
		rw := runewidth.RuneWidth(r)
		if curWidth+rw > width && curWidth > 0 {
			chunks = append(chunks, cur.String())
			cur.Reset()
			curWidth = 0
		}
		cur.WriteRune(r)
		curWidth += rw
	}
	if cur.Len() > 0 {
		chunks = append(chunks, cur.String())
	}
	return chunks
}

// FormatDuration renders a millisecond duration compactly, "-" when unknown.
func FormatDuration(ms *int64) string {
	if ms == nil {
		return "-"
	}
	secs := *ms / 1000
	switch {
	case secs < 60:
		return fmt.Sprintf("%ds", secs)
	case secs < 3600:
		return fmt.Sprintf("%dm%02ds", secs/60, secs%60)
	default:
		return fmt.Sprintf("%dh%02dm", secs/3600, (secs%3600)/60)
	}
}

// ShortSHA returns the first seven characters of a revision.
func ShortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}
