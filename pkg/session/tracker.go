package session

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/safeprompt/gateway/pkg/guard"
)

// DefaultOverrideThreshold: a detected pattern above this confidence
// overrides the turn verdict to unsafe.
const DefaultOverrideThreshold = 0.85

// highRiskScoreCutoff blocks a session on aggregate score alone, pattern
// or not.
const highRiskScoreCutoff = 0.8

// Tracker records turns and applies the session-level override rule.
// Multi-turn context can only make a verdict more restrictive, never less.
type Tracker struct {
	store             Store
	overrideThreshold float64
	logger            *zap.Logger
	locks             tokenLocks
}

// tokenLocks serializes the load-analyze-append sequence per session
// token. Striped so the table stays fixed-size; unrelated tokens sharing
// a stripe costs an occasional wait, never correctness.
type tokenLocks struct {
	stripes [64]sync.Mutex
}

func (l *tokenLocks) forToken(token string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(token))
	return &l.stripes[h.Sum32()%uint32(len(l.stripes))]
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithOverrideThreshold overrides the pattern-confidence cutoff.
func WithOverrideThreshold(v float64) TrackerOption {
	return func(t *Tracker) { t.overrideThreshold = v }
}

func NewTracker(store Store, logger *zap.Logger, opts ...TrackerOption) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Tracker{
		store:             store,
		overrideThreshold: DefaultOverrideThreshold,
		logger:            logger,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// RecordTurn appends this request to its session (creating one when the
// token is absent, unknown, or expired), recomputes risk and patterns
// over the full history, and returns the final verdict after any override.
//
// Store failures degrade gracefully: the verdict is returned unchanged and
// session fields are empty.
func (t *Tracker) RecordTurn(ctx context.Context, token, raw, normalized string, verdict guard.Verdict) (string, guard.Verdict, []PatternDetectionResult) {
	if token != "" {
		// Concurrent requests on one token must not interleave the
		// read-modify-write: turns would collide on sequence numbers and
		// pattern detection would run over partial histories. Fresh
		// sessions get a token nobody else holds yet, so only resumed
		// tokens need the lock.
		mu := t.locks.forToken(token)
		mu.Lock()
		defer mu.Unlock()
	}

	sess, err := t.loadOrCreate(ctx, token)
	if err != nil {
		t.logger.Warn("session store unavailable, skipping session tracking", zap.Error(err))
		return "", verdict, nil
	}

	turn := AnalyzeTurn(raw, normalized, verdict, len(sess.Turns)+1)
	sess.Turns = append(sess.Turns, turn)
	sess.EscalationPattern = append(sess.EscalationPattern, turn.RiskLevel)
	sess.RiskScore = riskScore(sess.Turns)

	patterns := DetectPatterns(sess.Turns)

	if err := t.store.AppendTurn(ctx, sess.Token, turn, sess.RiskScore, sess.EscalationPattern); err != nil {
		t.logger.Warn("failed to persist session turn",
			zap.String("session", sess.Token),
			zap.Error(err))
		return "", verdict, nil
	}

	final := t.applyOverride(verdict, sess, patterns)
	return sess.Token, final, patterns
}

func (t *Tracker) loadOrCreate(ctx context.Context, token string) (*Session, error) {
	if token != "" {
		sess, err := t.store.Get(ctx, token)
		if err != nil {
			return nil, err
		}
		if sess != nil {
			return sess, nil
		}
		// Unknown or expired token: fall through to a fresh session.
	}

	sess := &Session{Token: NewToken()}
	if err := t.store.Create(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

// applyOverride enforces the monotonic rule: a safe per-turn verdict can
// be flipped to unsafe by session context, never the reverse.
func (t *Tracker) applyOverride(verdict guard.Verdict, sess *Session, patterns []PatternDetectionResult) guard.Verdict {
	if !verdict.Safe {
		return verdict
	}

	var trigger *PatternDetectionResult
	for i := range patterns {
		if patterns[i].Confidence > t.overrideThreshold {
			trigger = &patterns[i]
			break
		}
	}

	if trigger != nil {
		t.logger.Info("session override: multi-turn pattern",
			zap.String("session", sess.Token),
			zap.String("pattern", trigger.PatternType),
			zap.Float64("confidence", trigger.Confidence))
		return guard.Verdict{
			Safe:       false,
			Confidence: trigger.Confidence,
			Threats:    append(cloneThreats(verdict.Threats), trigger.PatternType),
			Reasoning:  "Multi-turn attack detected: " + trigger.Description,
			Stage:      guard.StageSessionOverride,
			Model:      verdict.Model,
			Cost:       verdict.Cost,
			LatencyMs:  verdict.LatencyMs,
		}
	}

	if sess.RiskScore >= highRiskScoreCutoff {
		t.logger.Info("session override: high aggregate risk",
			zap.String("session", sess.Token),
			zap.Float64("riskScore", sess.RiskScore))
		return guard.Verdict{
			Safe:       false,
			Confidence: sess.RiskScore,
			Threats:    cloneThreats(verdict.Threats),
			Reasoning:  fmt.Sprintf("High risk score across multiple requests (%.2f)", sess.RiskScore),
			Stage:      guard.StageSessionOverride,
			Model:      verdict.Model,
			Cost:       verdict.Cost,
			LatencyMs:  verdict.LatencyMs,
		}
	}

	return verdict
}

// riskScore is a recency-weighted mean of turn risk levels: later turns
// count more, so a session that went quiet decays and one that is heating
// up climbs fast.
func riskScore(turns []Turn) float64 {
	if len(turns) == 0 {
		return 0
	}
	var num, den float64
	for i, turn := range turns {
		w := float64(i + 1)
		num += w * riskValue(turn.RiskLevel)
		den += w
	}
	return num / den
}

func riskValue(r RiskLevel) float64 {
	switch r {
	case RiskSafe:
		return 0
	case RiskLow:
		return 0.33
	case RiskMedium:
		return 0.66
	case RiskHigh:
		return 1.0
	default:
		return 0.33
	}
}

// EscalationString renders an escalation pattern for logs.
func EscalationString(levels []RiskLevel) string {
	parts := make([]string, len(levels))
	for i, lvl := range levels {
		parts[i] = string(lvl)
	}
	return strings.Join(parts, " -> ")
}

func cloneThreats(in []string) []string {
	return append([]string(nil), in...)
}
