// Package sanitize prepares untrusted text for embedding inside the
// structured JSON instruction sent to an AI judge. The judge message wraps
// the prompt as a single string field; the attacker must never be able to
// close that string and forge extra fields.
package sanitize

import "strings"

// ForEmbedding escapes untrusted text so it can sit inside a JSON string
// value. The order is load-bearing: backslash must be escaped first, or a
// pre-existing backslash in the input would re-interpret the escapes we
// insert afterwards. Remaining control characters (0-31) are stripped
// rather than escaped; the judges gain nothing from seeing them.
func ForEmbedding(text string) string {
	var b strings.Builder
	b.Grow(len(text) + len(text)/8)

	for _, r := range text {
		switch r {
		case '\\':
			b.WriteString(`\\`)
		case '"':
			b.WriteString(`\"`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			if r < 0x20 {
				continue
			}
			b.WriteRune(r)
		}
	}
	return b.String()
}
