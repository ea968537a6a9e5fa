package guard

import (
	"fmt"
	"regexp"
	"strings"
)

// Custom phrase constraints. Phrases are plain text: any structure that
// could smuggle an executable payload through the custom-lists feature is
// rejected before the phrase is ever matched against a prompt.
const (
	MinPhraseLength = 2
	MaxPhraseLength = 100
)

var allowedPhraseChars = regexp.MustCompile(`^[a-zA-Z0-9\s\-_'.#@]+$`)

type forbiddenPhrasePattern struct {
	re          *regexp.Regexp
	description string
}

var forbiddenPhrasePatterns = []forbiddenPhrasePattern{
	{regexp.MustCompile(`(?i)script`), "script keyword"},
	{regexp.MustCompile(`(?i)eval`), "eval keyword"},
	{regexp.MustCompile(`(?i)exec`), "exec keyword"},
	{regexp.MustCompile(`(?i)system`), "system keyword"},
	{regexp.MustCompile(`(?i)rm\s+-rf`), "dangerous command"},
	{regexp.MustCompile(`\.\.`), "path traversal"},
	{regexp.MustCompile(`(?i)\.env`), "environment file reference"},
	{regexp.MustCompile(`(?i)/etc/passwd`), "system file reference"},
	{regexp.MustCompile(`(?i)DROP\s+TABLE`), "SQL injection"},
	{regexp.MustCompile(`(?i)base64`), "encoding attempt"},
	{regexp.MustCompile(`(?i)\\x[0-9a-f]{2}`), "hex encoding"},
}

// PhraseError reports a rejected custom phrase. It is a request-level
// error: the caller gets it back with the offending phrase, and no verdict
// is produced.
type PhraseError struct {
	List   string // "whitelist" or "blacklist"
	Phrase string
	Reason string
}

func (e *PhraseError) Error() string {
	return fmt.Sprintf("invalid %s phrase %q: %s", e.List, e.Phrase, e.Reason)
}

// SanitizePhrase validates a single custom phrase and returns its canonical
// form (trimmed, lowercased).
func SanitizePhrase(phrase string) (string, error) {
	trimmed := strings.TrimSpace(phrase)

	if trimmed == "" {
		return "", fmt.Errorf("phrase cannot be empty")
	}
	if len(trimmed) < MinPhraseLength {
		return "", fmt.Errorf("phrase must be at least %d characters", MinPhraseLength)
	}
	if len(trimmed) > MaxPhraseLength {
		return "", fmt.Errorf("phrase cannot exceed %d characters", MaxPhraseLength)
	}
	if !allowedPhraseChars.MatchString(trimmed) {
		return "", fmt.Errorf("phrase contains invalid characters; allowed: letters, numbers, spaces, hyphens, underscores, apostrophes, periods, #, @")
	}
	for _, fp := range forbiddenPhrasePatterns {
		if fp.re.MatchString(trimmed) {
			return "", fmt.Errorf("phrase matches forbidden pattern: %s", fp.description)
		}
	}

	return strings.ToLower(trimmed), nil
}

// ValidateCustomRules validates every phrase in both lists and returns a
// canonicalized copy. The first invalid phrase aborts with a PhraseError
// naming the list and phrase.
func ValidateCustomRules(rules *CustomRules) (*CustomRules, error) {
	if rules == nil {
		return nil, nil
	}

	out := &CustomRules{}
	for _, p := range rules.Whitelist {
		clean, err := SanitizePhrase(p)
		if err != nil {
			return nil, &PhraseError{List: "whitelist", Phrase: p, Reason: err.Error()}
		}
		out.Whitelist = append(out.Whitelist, clean)
	}
	for _, p := range rules.Blacklist {
		clean, err := SanitizePhrase(p)
		if err != nil {
			return nil, &PhraseError{List: "blacklist", Phrase: p, Reason: err.Error()}
		}
		out.Blacklist = append(out.Blacklist, clean)
	}

	return out, nil
}
