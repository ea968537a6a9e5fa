package session

// Multi-turn pattern types.
const (
	PatternSuddenEscalation       = "sudden_escalation"
	PatternGradualEscalation      = "gradual_escalation"
	PatternFakeHistoryBuilding    = "fake_history_building"
	PatternReconnaissanceAttack   = "reconnaissance_attack"
	PatternSocialEngineeringChain = "social_engineering_chain"
	PatternEncodingChain          = "encoding_chain"
	PatternRoleConfusion          = "role_confusion"
)

// DetectPatterns evaluates the full ordered turn history and returns every
// matched multi-turn attack pattern. It is a pure function: no stored
// state, recomputed from scratch on every call, so a fix to a detector
// retroactively applies to live sessions.
func DetectPatterns(turns []Turn) []PatternDetectionResult {
	if len(turns) < 2 {
		// Single-turn sessions have no inter-turn structure. Fake history
		// is the one exception: the very first turn can already claim a
		// conversation that never happened.
		if len(turns) == 1 {
			if r, ok := detectFakeHistory(turns); ok {
				return []PatternDetectionResult{r}
			}
		}
		return nil
	}

	var results []PatternDetectionResult
	add := func(r PatternDetectionResult, ok bool) {
		if ok {
			results = append(results, r)
		}
	}

	add(detectSuddenEscalation(turns))
	add(detectGradualEscalation(turns))
	add(detectFakeHistory(turns))
	add(detectReconnaissance(turns))
	add(detectSocialEngineeringChain(turns))
	add(detectEncodingChain(turns))
	add(detectRoleConfusion(turns))

	return results
}

// detectSuddenEscalation: a benign turn immediately followed by a
// high-risk turn. A lone probe, then the real payload.
func detectSuddenEscalation(turns []Turn) (PatternDetectionResult, bool) {
	for i := 1; i < len(turns); i++ {
		prev, cur := turns[i-1], turns[i]
		if prev.RiskLevel.rank() <= RiskLow.rank() && cur.RiskLevel == RiskHigh {
			return PatternDetectionResult{
				PatternType: PatternSuddenEscalation,
				Confidence:  0.90,
				Description: "Safe turn immediately followed by a high-risk turn",
			}, true
		}
	}
	return PatternDetectionResult{}, false
}

// detectGradualEscalation: risk creeping upward across three or more
// turns, ending at medium or above.
func detectGradualEscalation(turns []Turn) (PatternDetectionResult, bool) {
	if len(turns) < 3 {
		return PatternDetectionResult{}, false
	}
	last := turns[len(turns)-1]
	if last.RiskLevel.rank() < RiskMedium.rank() {
		return PatternDetectionResult{}, false
	}
	increased := false
	for i := 1; i < len(turns); i++ {
		d := turns[i].RiskLevel.rank() - turns[i-1].RiskLevel.rank()
		if d < 0 {
			return PatternDetectionResult{}, false
		}
		if d > 0 {
			increased = true
		}
	}
	if !increased {
		return PatternDetectionResult{}, false
	}
	return PatternDetectionResult{
		PatternType: PatternGradualEscalation,
		Confidence:  0.80,
		Description: "Monotonically increasing risk across turns",
	}, true
}

// detectFakeHistory: a turn references prior agreement or authorization
// that the actual turn history cannot support.
func detectFakeHistory(turns []Turn) (PatternDetectionResult, bool) {
	for i, t := range turns {
		claims := t.ReferencesPrevious || t.BuildsFakeContext
		if !claims {
			continue
		}
		// A first-turn reference to "what we discussed" is fabricated by
		// definition. A later claim counts when no earlier turn actually
		// carried the grant it leans on: a benign prior question
		// authorizes nothing.
		if i == 0 {
			return PatternDetectionResult{
				PatternType: PatternFakeHistoryBuilding,
				Confidence:  0.90,
				Description: "First turn references a conversation that never happened",
			}, true
		}
		if t.BuildsFakeContext && !anyEarlierGrant(turns[:i]) {
			return PatternDetectionResult{
				PatternType: PatternFakeHistoryBuilding,
				Confidence:  0.87,
				Description: "Authorization claimed with no supporting history",
			}, true
		}
	}
	return PatternDetectionResult{}, false
}

// anyEarlierGrant reports whether some prior turn itself mentioned an
// authorization or ticket the later claim could plausibly refer to.
func anyEarlierGrant(turns []Turn) bool {
	for _, t := range turns {
		if t.ClaimsAuthorization || t.BuildsFakeContext {
			return true
		}
	}
	return false
}

// detectReconnaissance: an early turn probes capabilities or roles,
// followed by an exploit attempt.
func detectReconnaissance(turns []Turn) (PatternDetectionResult, bool) {
	probeAt := -1
	for i, t := range turns {
		if t.ProbesCapabilities {
			probeAt = i
			break
		}
	}
	if probeAt == -1 {
		return PatternDetectionResult{}, false
	}
	for _, t := range turns[probeAt+1:] {
		if !t.Safe || t.RiskLevel.rank() >= RiskMedium.rank() {
			return PatternDetectionResult{
				PatternType: PatternReconnaissanceAttack,
				Confidence:  0.90,
				Description: "Capability probing followed by an exploit attempt",
			}, true
		}
	}
	return PatternDetectionResult{}, false
}

// detectSocialEngineeringChain: several turns building a false shared
// narrative, then the payload.
func detectSocialEngineeringChain(turns []Turn) (PatternDetectionResult, bool) {
	if len(turns) < 3 {
		return PatternDetectionResult{}, false
	}
	last := turns[len(turns)-1]
	if last.RiskLevel.rank() < RiskMedium.rank() {
		return PatternDetectionResult{}, false
	}
	buildup := 0
	for _, t := range turns[:len(turns)-1] {
		if t.ReferencesPrevious || t.BuildsFakeContext || t.ClaimsAuthorization {
			buildup++
		}
	}
	if buildup < 2 {
		return PatternDetectionResult{}, false
	}
	return PatternDetectionResult{
		PatternType: PatternSocialEngineeringChain,
		Confidence:  0.90,
		Description: "Multiple context-building turns preceding a risky payload",
	}, true
}

// detectEncodingChain: progressively deeper obfuscation across turns.
func detectEncodingChain(turns []Turn) (PatternDetectionResult, bool) {
	if len(turns) < 2 {
		return PatternDetectionResult{}, false
	}
	increasing := 0
	maxDepth := 0
	for i := 1; i < len(turns); i++ {
		if turns[i].EncodingDepth > turns[i-1].EncodingDepth {
			increasing++
		}
		if turns[i].EncodingDepth > maxDepth {
			maxDepth = turns[i].EncodingDepth
		}
	}
	if increasing >= 2 || (increasing >= 1 && maxDepth >= 2) {
		return PatternDetectionResult{
			PatternType: PatternEncodingChain,
			Confidence:  0.88,
			Description: "Turns using progressively deeper encodings",
		}, true
	}
	return PatternDetectionResult{}, false
}

// detectRoleConfusion: a later turn tries to redefine the assistant's role
// after earlier turns established a normal one.
func detectRoleConfusion(turns []Turn) (PatternDetectionResult, bool) {
	for i := 1; i < len(turns); i++ {
		if turns[i].RedefinesRole && !turns[i-1].RedefinesRole {
			return PatternDetectionResult{
				PatternType: PatternRoleConfusion,
				Confidence:  0.88,
				Description: "Attempt to redefine the assistant role mid-session",
			}, true
		}
	}
	return PatternDetectionResult{}, false
}
