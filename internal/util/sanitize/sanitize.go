package sanitize

import (
	"strings"
	"unicode"
)

// Text strips control characters from a caller-supplied free-text
// field (an agent description or capability tag) and truncates it to
// maxLen runes, so a malformed or oversized value can't corrupt the
// presence registry's display fields.
func Text(s string, maxLen int) string {
	var b strings.Builder
	b.Grow(len(s))
	n := 0
	for _, r := range s {
		if unicode.IsControl(r) {
			continue
		}
		if n >= maxLen {
			break
		}
		b.WriteRune(r)
		n++
	}
	return strings.TrimSpace(b.String())
}
