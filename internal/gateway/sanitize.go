package gateway

import (
	"strings"
	"unicode"
)

// maxHeaderUnits caps sanitized header values, measured in UTF-16 code units
// so the limit matches what browser-side tooling reports.
const maxHeaderUnits = 300

// SanitizeHeaderValue makes a request header safe for structured logs:
// control characters (0x00..0x1F, 0x7F..0x9F) and Unicode format characters
// become spaces, whitespace runs collapse, and the result is capped at
// maxHeaderUnits without splitting a surrogate pair.
func SanitizeHeaderValue(v string) string {
	if v == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(len(v))
	for _, r := range v {
		if r <= 0x1F || (r >= 0x7F && r <= 0x9F) || unicode.Is(unicode.Cf, r) {
			b.WriteRune(' ')
			continue
		}
		b.WriteRune(r)
	}

	cleaned := strings.Join(strings.Fields(b.String()), " ")

	units := 0
	for i, r := range cleaned {
		// Supplementary-plane runes take a surrogate pair.
		w := 1
		if r > 0xFFFF {
			w = 2
		}
		if units+w > maxHeaderUnits {
			return cleaned[:i]
		}
		units += w
	}
	return cleaned
}
