// Package judge implements the two-pass AI escalation engine. A request
// that the fast path could not decide is shown to a cheap pass-1 judge;
// only genuinely ambiguous cases pay for the larger pass-2 model.
package judge

// OutcomeKind reports how a judge response was obtained. Responses from
// the judge models are themselves untrusted: the input being classified may
// have hijacked them, so parsing is explicit about how much it had to
// recover.
type OutcomeKind int

const (
	// OutcomeWellFormed means the response parsed strictly and the
	// integrity token matched.
	OutcomeWellFormed OutcomeKind = iota

	// OutcomeRecoveredFromFragment means strict parsing failed but a
	// balanced-brace JSON fragment inside the raw text parsed and passed
	// the integrity check.
	OutcomeRecoveredFromFragment

	// OutcomeHeuristicFallback means no JSON could be recovered and the
	// verdict was synthesized from keywords in the raw text.
	OutcomeHeuristicFallback

	// OutcomeIntegrityViolation means a response parsed but its echoed
	// integrity token was missing or wrong. The judge's output was likely
	// hijacked by the input under analysis.
	OutcomeIntegrityViolation
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeWellFormed:
		return "well_formed"
	case OutcomeRecoveredFromFragment:
		return "recovered_from_fragment"
	case OutcomeHeuristicFallback:
		return "heuristic_fallback"
	case OutcomeIntegrityViolation:
		return "integrity_violation"
	default:
		return "unknown"
	}
}

// Risk levels a pass-1 judge may assign.
const (
	RiskHigh   = "high"
	RiskMedium = "medium"
	RiskLow    = "low"
)

// pass1Response is the structured verdict expected from a pass-1 judge.
type pass1Response struct {
	Risk              string   `json:"risk"`
	Confidence        float64  `json:"confidence"`
	Context           string   `json:"context"`
	LegitimateSignals []string `json:"legitimate_signals,omitempty"`
	ValidationToken   int64    `json:"validation_token"`
}

// pass2Response is the structured verdict expected from a pass-2 judge.
type pass2Response struct {
	Safe            bool     `json:"safe"`
	Confidence      float64  `json:"confidence"`
	Threats         []string `json:"threats"`
	Reasoning       string   `json:"reasoning"`
	ValidationToken int64    `json:"validation_token"`
}

func validRisk(r string) bool {
	return r == RiskHigh || r == RiskMedium || r == RiskLow
}

func validConfidence(c float64) bool {
	return c >= 0 && c <= 1
}
