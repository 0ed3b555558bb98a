package utils

// Truncate shortens s to at most max runes, appending "..." when text was
// cut. Used for citation previews and related snippets.
func Truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}

// TruncateChars shortens s to at most max runes without an ellipsis.
func TruncateChars(s string, max int) string {
	if max <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
