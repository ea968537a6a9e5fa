// Package guard defines the core verdict model and the deterministic
// fast-path matcher that runs before any AI judge is consulted.
package guard

// Stage identifies which pipeline stage produced a verdict.
type Stage string

const (
	StageFastPath        Stage = "fast_path"
	StagePass1           Stage = "pass1"
	StagePass2           Stage = "pass2"
	StageSessionOverride Stage = "session_override"
)

// Threat tags attached to verdicts. The set is open-ended; these are the
// tags produced by the built-in stages.
const (
	ThreatControlCharacters   = "control_characters"
	ThreatPromptInjection     = "prompt_injection"
	ThreatJailbreak           = "jailbreak"
	ThreatPromptExtraction    = "prompt_extraction"
	ThreatRoleConfusion       = "role_confusion"
	ThreatXSS                 = "xss_attempt"
	ThreatSQLInjection        = "sql_injection"
	ThreatTemplateInjection   = "template_injection"
	ThreatCommandInjection    = "command_injection"
	ThreatPolyglotPayload     = "polyglot_payload"
	ThreatHTMLInjection       = "html_injection"
	ThreatEncodedAttack       = "encoded_attack"
	ThreatCustomBlacklist     = "custom_blacklist"
	ThreatValidationError     = "validation_error"
	ThreatValidatorCompromise = "validator_compromised"
	ThreatParseError          = "parse_error"
)

// Verdict is the outcome of classifying one prompt. Exactly one verdict is
// authoritative per request: the last one produced, after any session-level
// override.
type Verdict struct {
	Safe       bool     `json:"safe"`
	Confidence float64  `json:"confidence"`
	Threats    []string `json:"threats"`
	Reasoning  string   `json:"reasoning"`
	Stage      Stage    `json:"stage"`
	Model      string   `json:"model,omitempty"`
	Cost       float64  `json:"cost"`
	LatencyMs  int64    `json:"latencyMs"`
}

// HasThreat reports whether the verdict carries the given tag.
func (v *Verdict) HasThreat(tag string) bool {
	for _, t := range v.Threats {
		if t == tag {
			return true
		}
	}
	return false
}

// CustomRules carries caller-supplied allow/deny phrase lists. Phrases must
// pass ValidateCustomRules before they are matched against any prompt.
type CustomRules struct {
	Whitelist []string `json:"whitelist,omitempty"`
	Blacklist []string `json:"blacklist,omitempty"`
}

// Request is an immutable validation request as received from the caller.
type Request struct {
	Prompt       string
	SessionToken string
	UserIP       string
	CustomRules  *CustomRules
}
