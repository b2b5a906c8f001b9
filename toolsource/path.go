package toolsource

import "strings"

// SanitizeSegment normalizes a raw name into a valid tool path segment:
// [a-z_][a-z0-9_]*. Uppercase letters lower-case, with an underscore
// inserted at camelCase boundaries; runs of other characters collapse to a
// single underscore; a leading digit gets an underscore prepended; an empty
// result becomes "default".
func SanitizeSegment(raw string) string {
	var b strings.Builder
	pendingSep := false
	prevWord := false
	prevUpper := false
	for _, r := range strings.TrimSpace(raw) {
		upper := r >= 'A' && r <= 'Z'
		switch {
		case upper:
			if pendingSep || (prevWord && !prevUpper) {
				b.WriteByte('_')
			}
			b.WriteRune(r - 'A' + 'a')
		case r == '_' || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			if pendingSep {
				b.WriteByte('_')
			}
			b.WriteRune(r)
		default:
			if b.Len() > 0 {
				pendingSep = true
			}
			prevWord = false
			prevUpper = false
			continue
		}
		pendingSep = false
		prevWord = r != '_'
		prevUpper = upper
	}
	out := b.String()
	if out == "" {
		return "default"
	}
	if out[0] >= '0' && out[0] <= '9' {
		out = "_" + out
	}
	return out
}

// JoinPath builds a dotted tool path from raw segments, sanitizing each.
func JoinPath(segments ...string) string {
	parts := make([]string, len(segments))
	for i, s := range segments {
		parts[i] = SanitizeSegment(s)
	}
	return strings.Join(parts, ".")
}
