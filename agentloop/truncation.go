package agentloop

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// TruncationMode specifies which part of an oversized output is kept.
type TruncationMode string

const (
	TruncateHeadTail TruncationMode = "head_tail"
	TruncateTail     TruncationMode = "tail"
)

// TruncatedMarker terminates every hard-truncated body.
const TruncatedMarker = "...truncated"

// Sanitize caps text at limit bytes, ending it with TruncatedMarker when
// anything was cut. It never splits a UTF-8 sequence and is idempotent:
// Sanitize(Sanitize(s, n), n) == Sanitize(s, n). A limit <= 0 disables the cap.
func Sanitize(text string, limit int) string {
	if limit <= 0 || len(text) <= limit {
		return text
	}
	keep := limit - len(TruncatedMarker)
	if keep < 0 {
		keep = 0
	}
	return text[:runeFloor(text, keep)] + TruncatedMarker
}

// runeFloor returns the largest rune boundary <= n.
func runeFloor(s string, n int) int {
	if n >= len(s) {
		return len(s)
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return n
}

// runeCeil returns the smallest rune boundary >= n.
func runeCeil(s string, n int) int {
	for n < len(s) && !utf8.RuneStart(s[n]) {
		n++
	}
	return n
}

// TruncateOutput bounds a capability output to maxChars bytes including the
// omission notice. Head/tail keeps both ends, tail keeps the end.
func TruncateOutput(output string, maxChars int, mode TruncationMode) string {
	if maxChars <= 0 || len(output) <= maxChars {
		return output
	}

	removed := len(output) - maxChars
	switch mode {
	case TruncateTail:
		notice := fmt.Sprintf("[%d characters omitted]\n", removed)
		keep := maxChars - len(notice)
		if keep <= 0 {
			return Sanitize(output, maxChars)
		}
		start := runeCeil(output, len(output)-keep)
		return notice + output[start:]
	default:
		notice := fmt.Sprintf("\n[... %d characters omitted ...]\n", removed)
		keep := maxChars - len(notice)
		if keep <= 1 {
			return Sanitize(output, maxChars)
		}
		head := runeFloor(output, keep/2)
		tail := runeCeil(output, len(output)-(keep-keep/2))
		return output[:head] + notice + output[tail:]
	}
}

// TruncateLines keeps the first and last lines of output when it has more
// than maxLines lines.
func TruncateLines(output string, maxLines int) string {
	if maxLines <= 0 {
		return output
	}
	lines := strings.Split(output, "\n")
	if len(lines) <= maxLines {
		return output
	}

	headCount := maxLines / 2
	tailCount := maxLines - headCount
	omitted := len(lines) - headCount - tailCount

	return strings.Join(lines[:headCount], "\n") +
		fmt.Sprintf("\n[... %d lines omitted ...]\n", omitted) +
		strings.Join(lines[len(lines)-tailCount:], "\n")
}
