// Package display prepares engine-supplied strings for presentation.
package display

import (
	"strings"
	"unicode/utf8"

	"github.com/rivo/uniseg"
	"golang.org/x/text/unicode/norm"
)

const (
	controlPictures = 0x2400 // U+2400 SYMBOL FOR NULL
	symbolForDelete = 0x2421
)

// EscapeFilename renders a raw buffer name safe to show in a title, tab or
// list. Invalid UTF-8 becomes U+FFFD. C0 controls and DEL become their
// Unicode control pictures so they stay visible. C1 controls and
// directional formatting characters, which could disguise the name,
// become U+FFFD. The result is NFC-normalised. Path separators are kept.
//
// EscapeFilename is deterministic and idempotent.
func EscapeFilename(raw string) string {
	var sb strings.Builder
	sb.Grow(len(raw))

	for i := 0; i < len(raw); {
		r, size := utf8.DecodeRuneInString(raw[i:])
		i += size
		sb.WriteRune(escapeRune(r))
	}

	return norm.NFC.String(sb.String())
}

func escapeRune(r rune) rune {
	switch {
	case r == utf8.RuneError:
		return utf8.RuneError
	case r < 0x20:
		return controlPictures + r
	case r == 0x7f:
		return symbolForDelete
	case r >= 0x80 && r <= 0x9f:
		return utf8.RuneError
	case isBidiControl(r):
		return utf8.RuneError
	}
	return r
}

func isBidiControl(r rune) bool {
	switch {
	case r == 0x061c, r == 0x200e, r == 0x200f:
		return true
	case r >= 0x202a && r <= 0x202e:
		return true
	case r >= 0x2066 && r <= 0x2069:
		return true
	}
	return false
}

// Width returns the number of terminal cells s occupies.
func Width(s string) int {
	return uniseg.StringWidth(s)
}

// Truncate shortens s to at most width cells, ending with an ellipsis when
// anything was cut. Grapheme clusters are never split.
func Truncate(s string, width int) string {
	if width <= 0 {
		return ""
	}
	if uniseg.StringWidth(s) <= width {
		return s
	}
	if width == 1 {
		return "…"
	}

	var sb strings.Builder
	used := 0
	state := -1
	rest := s
	for len(rest) > 0 {
		var cluster string
		var w int
		cluster, rest, w, state = uniseg.FirstGraphemeClusterInString(rest, state)
		if used+w > width-1 {
			break
		}
		sb.WriteString(cluster)
		used += w
	}
	sb.WriteString("…")
	return sb.String()
}

// TruncateLeft keeps the end of s, which is the useful part of a path.
func TruncateLeft(s string, width int) string {
	if width <= 0 {
		return ""
	}
	if uniseg.StringWidth(s) <= width {
		return s
	}
	if width == 1 {
		return "…"
	}

	var clusters []string
	var widths []int
	state := -1
	rest := s
	for len(rest) > 0 {
		var cluster string
		var w int
		cluster, rest, w, state = uniseg.FirstGraphemeClusterInString(rest, state)
		clusters = append(clusters, cluster)
		widths = append(widths, w)
	}

	used := 0
	start := len(clusters)
	for start > 0 && used+widths[start-1] <= width-1 {
		start--
		used += widths[start]
	}
	return "…" + strings.Join(clusters[start:], "")
}
