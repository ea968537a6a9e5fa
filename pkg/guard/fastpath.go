package guard

import (
	"regexp"
	"strings"
	"time"

	"github.com/safeprompt/gateway/pkg/patterns"
)

// Confidence thresholds on the safety axis (probability the prompt is
// benign). The fast path is decisive only at the extremes; everything in
// between escalates to the AI judges.
const (
	DefinitelySafe   = 0.95
	DefinitelyUnsafe = 0.10
)

var (
	reControlChars = regexp.MustCompile("[\x00-\x08\x0B\x0C\x0E-\x1F\x7F]")
	reAnyHTMLTag   = regexp.MustCompile(`<[^>]+>`)
	reSafeHTMLTag  = regexp.MustCompile(`(?i)^</?(?:b|i|u|em|strong|code|pre|br|p|div|span)\s*/?>$`)
)

// Trigger words appearing alongside these markers are usually legitimate
// business communication; two or more markers damp an instant block down to
// an escalation.
var businessContextKeywords = []string{
	"meeting", "discussed", "yesterday", "approved", "emergency",
	"process", "standard", "policy", "procedure", "management",
	"directive", "quarterly", "budget", "projection", "order #",
	"ticket #", "refund", "subscription", "support team", "supervisor",
}

// One educational marker is enough to suppress the instant SQL block:
// security courses quote injection payloads constantly.
var educationalContextKeywords = []string{
	"educational", "example", "explain", "training", "course", "lesson",
	"tutorial", "demonstrate", "learn", "teach", "academic", "research",
	"paper", "thesis", "study", "security team", "for my", "how does",
	"what is", "can you explain",
}

// threatSeverity maps a threat tag to how strongly its presence argues the
// prompt is malicious. Safety confidence is 1 - max(severity).
var threatSeverity = map[string]float64{
	ThreatControlCharacters: 0.95,
	ThreatPromptInjection:   0.90,
	ThreatJailbreak:         0.95,
	ThreatPromptExtraction:  0.90,
	ThreatRoleConfusion:     0.85,
	ThreatXSS:               0.85,
	ThreatSQLInjection:      0.85,
	ThreatTemplateInjection: 0.80,
	ThreatCommandInjection:  0.85,
	ThreatPolyglotPayload:   0.95,
	ThreatHTMLInjection:     0.70,
	ThreatEncodedAttack:     0.80,
	ThreatValidationError:   0.99,
}

const defaultThreatSeverity = 0.75

// Matcher is the deterministic fast path. It is stateless apart from the
// shared compiled pattern registry and safe for concurrent use.
type Matcher struct {
	registry *patterns.Registry
}

func NewMatcher() *Matcher {
	return &Matcher{registry: patterns.Get()}
}

// Match classifies normalized text without any network call. The second
// return value reports whether the verdict is decisive; false means
// inconclusive and the caller must escalate. rules, when non-nil, must
// already have passed ValidateCustomRules.
func (m *Matcher) Match(normalized string, rules *CustomRules) (Verdict, bool) {
	start := time.Now()
	lower := strings.ToLower(normalized)

	verdict := func(safe bool, confidence float64, threats []string, reasoning string) Verdict {
		return Verdict{
			Safe:       safe,
			Confidence: confidence,
			Threats:    threats,
			Reasoning:  reasoning,
			Stage:      StageFastPath,
			LatencyMs:  time.Since(start).Milliseconds(),
		}
	}

	// Control characters never survive normalization of legitimate input.
	if reControlChars.MatchString(normalized) {
		return verdict(false, 0.95, []string{ThreatControlCharacters}, "Control characters detected in input"), true
	}

	// Caller blacklist is an immediate block.
	if rules != nil {
		for _, phrase := range rules.Blacklist {
			if strings.Contains(lower, phrase) {
				return verdict(false, 0.95, []string{ThreatCustomBlacklist},
					"Matched caller-supplied blacklist phrase"), true
			}
		}
	}

	businessContext := hasBusinessContext(lower)
	educationalContext := hasEducationalContext(lower)
	whitelistHit := false
	if rules != nil {
		for _, phrase := range rules.Whitelist {
			if strings.Contains(lower, phrase) {
				whitelistHit = true
				break
			}
		}
	}
	damped := businessContext || whitelistHit

	var threats []string
	addThreat := func(tag string) {
		for _, t := range threats {
			if t == tag {
				return
			}
		}
		threats = append(threats, tag)
	}

	// Instruction-level attacks. These block instantly unless the
	// surrounding text reads like business communication, in which case
	// the judge gets the final word.
	llmCats := map[patterns.Category]string{
		patterns.CategoryPromptInjection:  ThreatPromptInjection,
		patterns.CategoryJailbreak:        ThreatJailbreak,
		patterns.CategoryPromptExtraction: ThreatPromptExtraction,
		patterns.CategoryRoleConfusion:    ThreatRoleConfusion,
	}
	for cat, tag := range llmCats {
		if m.registry.MatchAny(normalized, cat) != nil {
			addThreat(tag)
		}
	}
	if len(threats) > 0 && !damped {
		return verdict(false, 0.95, threats, "Matched known prompt manipulation pattern"), true
	}

	// Payload-level attacks. Context never excuses executable payloads,
	// with the single exception of SQL snippets in educational text.
	if m.registry.MatchAny(normalized, patterns.CategoryXSS) != nil {
		addThreat(ThreatXSS)
		return verdict(false, 0.95, threats, "XSS attack pattern detected (script execution attempt)"), true
	}
	if m.registry.MatchAny(normalized, patterns.CategorySQLInjection) != nil {
		addThreat(ThreatSQLInjection)
		if !educationalContext {
			return verdict(false, 0.95, threats, "SQL injection pattern detected (database manipulation attempt)"), true
		}
	}
	if m.registry.MatchAny(normalized, patterns.CategoryTemplateInj) != nil {
		addThreat(ThreatTemplateInjection)
		return verdict(false, 0.90, threats, "Template injection pattern detected (server-side code execution attempt)"), true
	}
	if m.registry.MatchAny(normalized, patterns.CategoryCommandInj) != nil {
		addThreat(ThreatCommandInjection)
		return verdict(false, 0.95, threats, "Command injection pattern detected (system command execution attempt)"), true
	}
	if m.registry.MatchAny(normalized, patterns.CategoryPolyglot) != nil {
		addThreat(ThreatPolyglotPayload)
		return verdict(false, 0.95, threats, "Polyglot payload detected (multi-context attack)"), true
	}

	// Weaker signals: recorded as threats but never decisive on their own.
	if m.registry.MatchAny(normalized, patterns.CategoryEncodedAttack) != nil {
		addThreat(ThreatEncodedAttack)
	}
	if hasUnsafeHTMLTags(normalized) && !containsThreat(threats, ThreatXSS) {
		addThreat(ThreatHTMLInjection)
	}

	confidence := safetyConfidence(threats, len(normalized), damped && len(threats) > 0)

	switch {
	case confidence >= DefinitelySafe:
		return verdict(true, confidence, nil, "No attack patterns detected"), true
	case confidence <= DefinitelyUnsafe && !damped:
		return verdict(false, 1-confidence, threats, "High-severity pattern signals"), true
	default:
		// Inconclusive. The partial verdict carries the signals gathered
		// so far for the escalation prompt; ok=false means not final.
		return verdict(false, confidence, threats, "Inconclusive pattern scan"), false
	}
}

// safetyConfidence estimates the probability the prompt is benign.
// mixedSignals marks attack-shaped text inside an apparently legitimate
// context; it cuts confidence rather than resolving either way.
func safetyConfidence(threats []string, inputLength int, mixedSignals bool) float64 {
	var confidence float64

	if len(threats) == 0 {
		confidence = 0.95
		if inputLength < 10 {
			confidence = 0.90
		}
	} else {
		maxSeverity := 0.0
		for _, tag := range threats {
			sev, ok := threatSeverity[tag]
			if !ok {
				sev = defaultThreatSeverity
			}
			if sev > maxSeverity {
				maxSeverity = sev
			}
		}
		confidence = 1 - maxSeverity
	}

	if mixedSignals {
		confidence *= 0.7
	}

	if confidence < 0.01 {
		confidence = 0.01
	}
	if confidence > 0.99 {
		confidence = 0.99
	}
	return confidence
}

func hasBusinessContext(lower string) bool {
	count := 0
	for _, kw := range businessContextKeywords {
		if strings.Contains(lower, kw) {
			count++
			if count >= 2 {
				return true
			}
		}
	}
	return false
}

func hasEducationalContext(lower string) bool {
	for _, kw := range educationalContextKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// hasUnsafeHTMLTags reports HTML tags outside the formatting allowlist.
func hasUnsafeHTMLTags(text string) bool {
	for _, tag := range reAnyHTMLTag.FindAllString(text, -1) {
		if !reSafeHTMLTag.MatchString(tag) {
			return true
		}
	}
	return false
}

func containsThreat(threats []string, tag string) bool {
	for _, t := range threats {
		if t == tag {
			return true
		}
	}
	return false
}
