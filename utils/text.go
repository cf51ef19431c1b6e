package utils

import (
	"fmt"
	"strings"
	"unicode"
)

// Truncate cuts a string down to at most limit runes. Counting runes rather
// than bytes matters for non-English titles which would otherwise end up
// sliced mid-character.
func Truncate(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}

// StripNonASCII drops any character outside the printable ASCII range.
// Discord button labels render inconsistently with anything fancier.
func StripNonASCII(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= 32 && r <= unicode.MaxASCII {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// FormatDuration renders a millisecond duration as H:MM:SS, or M:SS when
// under an hour.
func FormatDuration(ms int64) string {
	totalSeconds := ms / 1000
	hours := totalSeconds / 3600
	minutes := (totalSeconds % 3600) / 60
	seconds := totalSeconds % 60
	if hours > 0 {
		return fmt.Sprintf("%d:%02d:%02d", hours, minutes, seconds)
	}
	return fmt.Sprintf("%d:%02d", minutes, seconds)
}

// Capitalise uppercases the first letter of a playback state for display.
func Capitalise(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
