package session

import (
	"testing"
)

func turn(level RiskLevel, mod ...func(*Turn)) Turn {
	t := Turn{
		Safe:      level == RiskSafe || level == RiskLow,
		RiskLevel: level,
	}
	for _, m := range mod {
		m(&t)
	}
	return t
}

func hasPattern(results []PatternDetectionResult, patternType string) *PatternDetectionResult {
	for i := range results {
		if results[i].PatternType == patternType {
			return &results[i]
		}
	}
	return nil
}

func TestDetectSuddenEscalation(t *testing.T) {
	turns := []Turn{
		turn(RiskSafe),
		turn(RiskHigh),
	}

	results := DetectPatterns(turns)
	p := hasPattern(results, PatternSuddenEscalation)
	if p == nil {
		t.Fatal("expected sudden_escalation")
	}
	if p.Confidence <= DefaultOverrideThreshold {
		t.Errorf("sudden escalation must clear the override threshold, got %f", p.Confidence)
	}
}

func TestDetectGradualEscalation(t *testing.T) {
	turns := []Turn{
		turn(RiskSafe),
		turn(RiskLow),
		turn(RiskMedium),
		turn(RiskHigh),
	}

	if hasPattern(DetectPatterns(turns), PatternGradualEscalation) == nil {
		t.Error("expected gradual_escalation for monotonically rising risk")
	}

	// A dip in risk breaks the pattern.
	dipped := []Turn{
		turn(RiskLow),
		turn(RiskMedium),
		turn(RiskSafe),
		turn(RiskHigh),
	}
	if hasPattern(DetectPatterns(dipped), PatternGradualEscalation) != nil {
		t.Error("non-monotonic history must not match gradual_escalation")
	}
}

func TestDetectFakeHistoryFirstTurn(t *testing.T) {
	turns := []Turn{
		turn(RiskSafe, func(tt *Turn) { tt.ReferencesPrevious = true }),
	}

	p := hasPattern(DetectPatterns(turns), PatternFakeHistoryBuilding)
	if p == nil {
		t.Fatal("first-turn reference to prior conversation must match fake_history_building")
	}
	if p.Confidence <= DefaultOverrideThreshold {
		t.Errorf("expected override-grade confidence, got %f", p.Confidence)
	}
}

func TestDetectFakeHistoryUnsupportedClaim(t *testing.T) {
	// A benign prior turn grants nothing: a later authorization claim
	// with no actual grant in the history is fabricated.
	turns := []Turn{
		turn(RiskSafe),
		turn(RiskSafe, func(tt *Turn) {
			tt.ReferencesPrevious = true
			tt.BuildsFakeContext = true
			tt.ClaimsAuthorization = true
		}),
	}

	p := hasPattern(DetectPatterns(turns), PatternFakeHistoryBuilding)
	if p == nil {
		t.Fatal("authorization claim with no supporting history must match fake_history_building")
	}
	if p.Confidence <= DefaultOverrideThreshold {
		t.Errorf("expected override-grade confidence, got %f", p.Confidence)
	}
}

func TestDetectFakeHistorySupportedClaim(t *testing.T) {
	// The grant genuinely appeared earlier in the session, so a later
	// reference to it is not fabrication.
	turns := []Turn{
		turn(RiskSafe, func(tt *Turn) { tt.ClaimsAuthorization = true }),
		turn(RiskSafe, func(tt *Turn) { tt.BuildsFakeContext = true }),
	}

	if hasPattern(DetectPatterns(turns), PatternFakeHistoryBuilding) != nil {
		t.Error("claim backed by an earlier grant must not match fake_history_building")
	}
}

func TestDetectReconnaissance(t *testing.T) {
	turns := []Turn{
		turn(RiskSafe, func(tt *Turn) { tt.ProbesCapabilities = true }),
		turn(RiskHigh),
	}

	if hasPattern(DetectPatterns(turns), PatternReconnaissanceAttack) == nil {
		t.Error("probe followed by exploit must match reconnaissance_attack")
	}

	// Probing alone, never followed by anything risky, is not an attack.
	benign := []Turn{
		turn(RiskSafe, func(tt *Turn) { tt.ProbesCapabilities = true }),
		turn(RiskSafe),
	}
	if hasPattern(DetectPatterns(benign), PatternReconnaissanceAttack) != nil {
		t.Error("probe with no follow-up exploit must not match")
	}
}

func TestDetectSocialEngineeringChain(t *testing.T) {
	turns := []Turn{
		turn(RiskSafe, func(tt *Turn) { tt.ReferencesPrevious = true }),
		turn(RiskSafe, func(tt *Turn) { tt.ClaimsAuthorization = true }),
		turn(RiskMedium),
	}

	if hasPattern(DetectPatterns(turns), PatternSocialEngineeringChain) == nil {
		t.Error("context buildup then payload must match social_engineering_chain")
	}
}

func TestDetectEncodingChain(t *testing.T) {
	turns := []Turn{
		turn(RiskSafe, func(tt *Turn) { tt.EncodingDepth = 0 }),
		turn(RiskSafe, func(tt *Turn) { tt.EncodingDepth = 1 }),
		turn(RiskLow, func(tt *Turn) { tt.EncodingDepth = 2 }),
	}

	if hasPattern(DetectPatterns(turns), PatternEncodingChain) == nil {
		t.Error("progressively deeper encodings must match encoding_chain")
	}

	flat := []Turn{
		turn(RiskSafe, func(tt *Turn) { tt.EncodingDepth = 1 }),
		turn(RiskSafe, func(tt *Turn) { tt.EncodingDepth = 1 }),
	}
	if hasPattern(DetectPatterns(flat), PatternEncodingChain) != nil {
		t.Error("constant encoding depth must not match")
	}
}

func TestDetectRoleConfusion(t *testing.T) {
	turns := []Turn{
		turn(RiskSafe),
		turn(RiskLow, func(tt *Turn) { tt.RedefinesRole = true }),
	}

	if hasPattern(DetectPatterns(turns), PatternRoleConfusion) == nil {
		t.Error("mid-session role redefinition must match role_confusion")
	}
}

func TestDetectPatternsBenignSession(t *testing.T) {
	turns := []Turn{
		turn(RiskSafe),
		turn(RiskSafe),
		turn(RiskSafe),
	}

	if results := DetectPatterns(turns); len(results) != 0 {
		t.Errorf("benign session must match nothing, got %v", results)
	}
}

func TestDetectPatternsIsPure(t *testing.T) {
	turns := []Turn{
		turn(RiskSafe),
		turn(RiskHigh),
	}

	a := DetectPatterns(turns)
	b := DetectPatterns(turns)

	if len(a) != len(b) {
		t.Fatalf("detection must be deterministic: %d vs %d results", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Errorf("result %d differs between runs", i)
		}
	}
}
