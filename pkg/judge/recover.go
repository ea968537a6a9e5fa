package judge

import (
	"encoding/json"
	"strings"
)

// extractBalancedFragment returns the first balanced-brace JSON object in
// raw, honoring string literals and escapes so braces inside quoted text do
// not unbalance the scan.
func extractBalancedFragment(raw string) (string, bool) {
	start := strings.IndexByte(raw, '{')
	if start == -1 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(raw); i++ {
		c := raw[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return raw[start : i+1], true
				}
			}
		}
	}
	return "", false
}

// unsafe-leaning keywords for the last-resort heuristic. A judge that
// could not produce JSON usually still says one of these in prose.
var unsafeKeywords = []string{"unsafe", "malicious", "jailbreak", "injection", "high risk", "high-risk"}

func rawLooksUnsafe(raw string) bool {
	lower := strings.ToLower(raw)
	for _, kw := range unsafeKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// parsePass1 runs the recovery ladder on a raw pass-1 response:
// strict parse, then balanced-brace fragment, then keyword heuristic.
// The returned response is always non-nil.
func parsePass1(raw string, token int64) (*pass1Response, OutcomeKind) {
	tryParse := func(s string) *pass1Response {
		var resp pass1Response
		if err := json.Unmarshal([]byte(s), &resp); err != nil {
			return nil
		}
		if !validRisk(resp.Risk) || !validConfidence(resp.Confidence) {
			return nil
		}
		return &resp
	}

	if resp := tryParse(raw); resp != nil {
		if resp.ValidationToken != token {
			return resp, OutcomeIntegrityViolation
		}
		return resp, OutcomeWellFormed
	}

	if frag, ok := extractBalancedFragment(raw); ok {
		if resp := tryParse(frag); resp != nil {
			if resp.ValidationToken != token {
				return resp, OutcomeIntegrityViolation
			}
			return resp, OutcomeRecoveredFromFragment
		}
	}

	// Keyword heuristic: lean unsafe when the prose sounds alarmed, and
	// keep confidence low enough that pass 2 always runs.
	resp := &pass1Response{
		Risk:       RiskMedium,
		Confidence: 0.4,
		Context:    "unparseable pass-1 response",
	}
	if rawLooksUnsafe(raw) {
		resp.Risk = RiskHigh
		resp.Confidence = 0.6
		resp.Context = "unparseable pass-1 response with threat keywords"
	}
	return resp, OutcomeHeuristicFallback
}

// parsePass2 runs the same recovery ladder on a raw pass-2 response.
func parsePass2(raw string, token int64) (*pass2Response, OutcomeKind) {
	tryParse := func(s string) *pass2Response {
		// Distinguish a literal false from an absent field.
		var probe struct {
			Safe            *bool    `json:"safe"`
			Confidence      *float64 `json:"confidence"`
			Threats         []string `json:"threats"`
			Reasoning       string   `json:"reasoning"`
			ValidationToken int64    `json:"validation_token"`
		}
		if err := json.Unmarshal([]byte(s), &probe); err != nil {
			return nil
		}
		if probe.Safe == nil || probe.Confidence == nil || !validConfidence(*probe.Confidence) {
			return nil
		}
		return &pass2Response{
			Safe:            *probe.Safe,
			Confidence:      *probe.Confidence,
			Threats:         probe.Threats,
			Reasoning:       probe.Reasoning,
			ValidationToken: probe.ValidationToken,
		}
	}

	if resp := tryParse(raw); resp != nil {
		if resp.ValidationToken != token {
			return resp, OutcomeIntegrityViolation
		}
		return resp, OutcomeWellFormed
	}

	if frag, ok := extractBalancedFragment(raw); ok {
		if resp := tryParse(frag); resp != nil {
			if resp.ValidationToken != token {
				return resp, OutcomeIntegrityViolation
			}
			return resp, OutcomeRecoveredFromFragment
		}
	}

	// The final judge produced nothing parseable. This is the last word
	// on an already-escalated prompt, so ambiguity resolves unsafe: a
	// coaxed keyword-free refusal must not read as a clean bill.
	resp := &pass2Response{
		Safe:       false,
		Confidence: 0.5,
		Reasoning:  "unparseable pass-2 response - failing closed",
	}
	if rawLooksUnsafe(raw) {
		resp.Confidence = 0.6
		resp.Reasoning = "unparseable pass-2 response with threat keywords"
	}
	return resp, OutcomeHeuristicFallback
}
