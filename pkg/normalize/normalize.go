// Package normalize reverses common text-encoding obfuscation before any
// pattern matching runs. Attackers hide payloads behind escape sequences,
// percent-encoding, and HTML entities (often nested two or three layers
// deep); the fast path and the AI judges must all see the decoded form.
//
// Design principles:
// - TOTAL: Normalize never fails. A decode step that errors leaves the
//   text unchanged for that step.
// - IDEMPOTENT: Normalize(Normalize(x)) == Normalize(x). Malformed escape
//   sequences are left verbatim so a second pass finds nothing new.
// - BOUNDED: the re-decode loop is capped even though well-formed inputs
//   terminate naturally.
package normalize

import (
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// MaxPasses caps the recursive re-decode loop. Well-formed encodings
// strictly shrink each pass, but adversarial input must not be able to
// keep us spinning.
const MaxPasses = 5

// Precompiled escape-sequence patterns, compiled once at package init.
var (
	reUnicodeEscape = regexp.MustCompile(`\\u([0-9a-fA-F]{4})`)
	reHexEscape     = regexp.MustCompile(`\\x([0-9a-fA-F]{2})`)
	rePercent       = regexp.MustCompile(`%([0-9a-fA-F]{2})`)
	reDecimalEntity = regexp.MustCompile(`&#(\d+);`)
	reHexEntity     = regexp.MustCompile(`&#[xX]([0-9a-fA-F]+);`)
	reNamedEntity   = regexp.MustCompile(`&[a-zA-Z]+;`)
)

// namedEntities is the fixed table of named HTML entities we decode.
// Anything not in this table is left verbatim.
var namedEntities = map[string]string{
	"&lt;":   "<",
	"&gt;":   ">",
	"&amp;":  "&",
	"&quot;": `"`,
	"&apos;": "'",
	"&nbsp;": " ",
}

// Normalize decodes escape-obfuscated text. It applies, in fixed order:
// NFKC folding, backslash-u unicode escapes, backslash-x hex escapes,
// percent-encoding, numeric HTML entities (decimal and hex), and a fixed
// table of named HTML entities. A pass that changed the text repeats on
// its own output until a fixed point, unwinding double/triple encoding
// (%2525 and friends), up to MaxPasses.
func Normalize(text string) string {
	if text == "" {
		return text
	}

	// Compatibility fold before the loop and again after every decode
	// pass: full-width forms, ligatures, and other visually-equivalent
	// code points collapse to their canonical form even when an escape
	// sequence produced them. NFKC is idempotent, so the fixed-point
	// property survives.
	out := norm.NFKC.String(text)

	for i := 0; i < MaxPasses; i++ {
		decoded := norm.NFKC.String(decodeOnce(out))
		if decoded == out {
			break
		}
		out = decoded
	}
	return out
}

// decodeOnce runs every decoder exactly once, in order. Order matters:
// \u and \x run before percent-decoding so that a percent-encoded
// backslash does not create a new escape mid-pass.
func decodeOnce(s string) string {
	s = reUnicodeEscape.ReplaceAllStringFunc(s, func(m string) string {
		code, err := strconv.ParseUint(m[2:], 16, 32)
		if err != nil {
			return m
		}
		return string(rune(code))
	})

	s = reHexEscape.ReplaceAllStringFunc(s, func(m string) string {
		code, err := strconv.ParseUint(m[2:], 16, 16)
		if err != nil {
			return m
		}
		return string(rune(code))
	})

	s = rePercent.ReplaceAllStringFunc(s, func(m string) string {
		code, err := strconv.ParseUint(m[1:], 16, 16)
		if err != nil {
			return m
		}
		return string(rune(code))
	})

	s = reDecimalEntity.ReplaceAllStringFunc(s, func(m string) string {
		digits := m[2 : len(m)-1]
		code, err := strconv.ParseUint(digits, 10, 32)
		if err != nil || code > 0x10FFFF {
			return m
		}
		return string(rune(code))
	})

	s = reHexEntity.ReplaceAllStringFunc(s, func(m string) string {
		digits := m[3 : len(m)-1]
		code, err := strconv.ParseUint(digits, 16, 32)
		if err != nil || code > 0x10FFFF {
			return m
		}
		return string(rune(code))
	})

	s = reNamedEntity.ReplaceAllStringFunc(s, func(m string) string {
		if repl, ok := namedEntities[strings.ToLower(m)]; ok {
			return repl
		}
		return m
	})

	return s
}

// EncodingDepth reports how many decode passes were needed before the
// text reached a fixed point. 0 means the input contained no decodable
// encodings. The session tracker uses this to spot encoding-chain
// attacks, where successive turns arrive progressively more obfuscated.
func EncodingDepth(text string) int {
	if text == "" {
		return 0
	}
	out := norm.NFKC.String(text)
	depth := 0
	for i := 0; i < MaxPasses; i++ {
		decoded := norm.NFKC.String(decodeOnce(out))
		if decoded == out {
			break
		}
		depth++
		out = decoded
	}
	return depth
}
