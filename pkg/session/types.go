// Package session tracks multi-turn validation history. Attacks that look
// benign one turn at a time (reconnaissance, context building, gradual
// escalation) are caught here by recomputing pattern detection over the
// full turn list on every request.
package session

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"time"

	"github.com/safeprompt/gateway/pkg/guard"
	"github.com/safeprompt/gateway/pkg/normalize"
)

// DefaultTTL is the sliding session lifetime. Expiry is lazy: an expired
// session is simply treated as not found.
const DefaultTTL = 2 * time.Hour

// RiskLevel classifies one turn's verdict severity.
type RiskLevel string

const (
	RiskSafe   RiskLevel = "safe"
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// rank orders risk levels for escalation comparisons.
func (r RiskLevel) rank() int {
	switch r {
	case RiskSafe:
		return 0
	case RiskLow:
		return 1
	case RiskMedium:
		return 2
	case RiskHigh:
		return 3
	default:
		return 1
	}
}

// DetermineRiskLevel maps a verdict onto a turn risk level.
func DetermineRiskLevel(v guard.Verdict) RiskLevel {
	if v.Safe {
		if v.Confidence >= 0.9 {
			return RiskSafe
		}
		return RiskLow
	}
	if v.Confidence >= 0.9 {
		return RiskHigh
	}
	if v.Confidence >= 0.7 {
		return RiskMedium
	}
	return RiskLow
}

// Turn is one validated request in a session. Raw prompt text is never
// stored; the hash identifies repeats and the boolean indicators carry the
// text cues pattern detection needs.
type Turn struct {
	Sequence   int         `json:"sequence"`
	PromptHash string      `json:"promptHash"`
	Safe       bool        `json:"safe"`
	Confidence float64     `json:"confidence"`
	Threats    []string    `json:"threats,omitempty"`
	Stage      guard.Stage `json:"stage"`
	RiskLevel  RiskLevel   `json:"riskLevel"`

	ReferencesPrevious  bool `json:"referencesPrevious"`
	BuildsFakeContext   bool `json:"buildsFakeContext"`
	ClaimsAuthorization bool `json:"claimsAuthorization"`
	ProbesCapabilities  bool `json:"probesCapabilities"`
	RedefinesRole       bool `json:"redefinesRole"`
	EncodingDepth       int  `json:"encodingDepth"`

	Timestamp time.Time `json:"timestamp"`
}

// Session owns an append-only turn list plus aggregate risk state. It
// belongs exclusively to the validation subsystem.
type Session struct {
	Token             string      `json:"token"`
	CreatedAt         time.Time   `json:"createdAt"`
	LastActivity      time.Time   `json:"lastActivity"`
	Turns             []Turn      `json:"turns"`
	RiskScore         float64     `json:"riskScore"`
	EscalationPattern []RiskLevel `json:"escalationPattern"`
}

// Expired reports whether the session's sliding TTL has lapsed.
func (s *Session) Expired(ttl time.Duration) bool {
	return time.Since(s.LastActivity) > ttl
}

// PatternDetectionResult is one matched multi-turn attack pattern.
type PatternDetectionResult struct {
	PatternType string  `json:"patternType"`
	Confidence  float64 `json:"confidence"`
	Description string  `json:"description"`
}

// NewToken issues an opaque session token.
func NewToken() string {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic("session: crypto/rand unavailable: " + err.Error())
	}
	return "sess_" + hex.EncodeToString(b[:])
}

// Text cues extracted at append time. Detection later works on these
// booleans, never on stored text.
var (
	reReferencesPrevious = regexp.MustCompile(`(?i)\b(as (we )?discussed|previously|earlier|before|yesterday|last (week|time)|we (talked|agreed|decided))\b`)
	reFakeContext        = regexp.MustCompile(`(?i)\b(ticket #\d+|case #\d+|approved|authorized|permission granted|with approval)\b`)
	reClaimsAuth         = regexp.MustCompile(`(?i)\b(authorized|approved|permission|allowed|enabled)\b`)
	reProbes             = regexp.MustCompile(`(?i)\b(what (are|is) your (role|rules|instructions|capabilities|limits)|what can you do|what model are you|are you (allowed|able) to|do you have (access|restrictions))\b`)
	reRedefinesRole      = regexp.MustCompile(`(?i)\b(you are (now|actually)|act as|pretend (to be|you are)|your new role|from now on you)\b`)
)

// AnalyzeTurn derives a Turn record from a prompt and its per-turn
// verdict. Encoding depth is measured on the raw text; the normalized form
// is depth zero by construction.
func AnalyzeTurn(raw, normalized string, v guard.Verdict, sequence int) Turn {
	sum := sha256.Sum256([]byte(normalized))

	return Turn{
		Sequence:   sequence,
		PromptHash: hex.EncodeToString(sum[:]),
		Safe:       v.Safe,
		Confidence: v.Confidence,
		Threats:    v.Threats,
		Stage:      v.Stage,
		RiskLevel:  DetermineRiskLevel(v),

		ReferencesPrevious:  reReferencesPrevious.MatchString(normalized),
		BuildsFakeContext:   reFakeContext.MatchString(normalized),
		ClaimsAuthorization: reClaimsAuth.MatchString(normalized),
		ProbesCapabilities:  reProbes.MatchString(normalized),
		RedefinesRole:       reRedefinesRole.MatchString(normalized) || v.HasThreat(guard.ThreatRoleConfusion),
		EncodingDepth:       normalize.EncodingDepth(raw),

		Timestamp: time.Now(),
	}
}
