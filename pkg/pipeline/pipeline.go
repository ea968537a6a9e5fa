// Package pipeline wires the validation stages together. Every request
// flows normalize → custom-rule validation → fast path → escalation →
// session tracking, and exactly one authoritative verdict comes out.
//
// Failure policy: anything that prevents classifying the prompt converts
// to an unsafe verdict (fail closed). Session tracking is the one
// exception; losing history must not block traffic, so store failures
// only blank the session fields.
package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/safeprompt/gateway/pkg/guard"
	"github.com/safeprompt/gateway/pkg/judge"
	"github.com/safeprompt/gateway/pkg/normalize"
	"github.com/safeprompt/gateway/pkg/sanitize"
	"github.com/safeprompt/gateway/pkg/semantic"
	"github.com/safeprompt/gateway/pkg/session"
	"github.com/safeprompt/gateway/pkg/telemetry"
)

// Result is the outcome of validating one request.
type Result struct {
	Verdict      guard.Verdict
	SessionToken string
	Patterns     []session.PatternDetectionResult
}

// Pipeline runs the full validation flow.
type Pipeline struct {
	matcher  *guard.Matcher
	engine   *judge.Engine
	tracker  *session.Tracker
	detector *semantic.Detector
	metrics  *telemetry.Metrics
	logger   *zap.Logger
}

// Option configures optional stages.
type Option func(*Pipeline)

// WithSemanticDetector enables the advisory similarity stage.
func WithSemanticDetector(d *semantic.Detector) Option {
	return func(p *Pipeline) { p.detector = d }
}

// WithMetrics attaches a telemetry collector.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// New assembles a pipeline. The engine and tracker are required; the
// semantic stage and metrics are optional.
func New(engine *judge.Engine, tracker *session.Tracker, logger *zap.Logger, opts ...Option) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pipeline{
		matcher: guard.NewMatcher(),
		engine:  engine,
		tracker: tracker,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Validate classifies one untrusted prompt. The returned error is
// request-level only (invalid custom rules); classification problems never
// surface as errors, they become unsafe verdicts.
func (p *Pipeline) Validate(ctx context.Context, req guard.Request) (*Result, error) {
	start := time.Now()

	rules, err := guard.ValidateCustomRules(req.CustomRules)
	if err != nil {
		return nil, err
	}

	normalized := normalize.Normalize(req.Prompt)

	verdict, decisive := p.matcher.Match(normalized, rules)

	// The advisory similarity stage runs whenever the answer so far is
	// anything but a decisive block. It can demote a decisive safe to an
	// escalation (paraphrased attacks match nothing in the registry), but
	// it never blocks on its own.
	var semanticHit *semantic.Result
	if !decisive || verdict.Safe {
		semanticHit = p.scoreSemantic(ctx, normalized)
		if decisive && semanticHit != nil {
			decisive = false
		}
	}

	if !decisive {
		verdict = p.escalate(ctx, normalized, verdict, semanticHit)
	}

	token, final, patterns := p.tracker.RecordTurn(ctx, req.SessionToken, req.Prompt, normalized, verdict)

	final.LatencyMs = time.Since(start).Milliseconds()
	p.observe(final, patterns, start)

	return &Result{
		Verdict:      final,
		SessionToken: token,
		Patterns:     patterns,
	}, nil
}

// escalate hands the prompt to the AI judges. The fast-path verdict
// passed in carries weak signals only; it is used as context, never
// returned as-is.
func (p *Pipeline) escalate(ctx context.Context, normalized string, partial guard.Verdict, semanticHit *semantic.Result) guard.Verdict {
	if err := ctx.Err(); err != nil {
		// Deadline spent before the judges ran. No decisive verdict
		// exists, so the conservative answer is unsafe.
		p.logger.Warn("deadline exceeded before escalation", zap.Error(err))
		return guard.Verdict{
			Safe:       false,
			Confidence: 0.5,
			Threats:    append(partial.Threats, guard.ThreatValidationError),
			Reasoning:  "Validation deadline exceeded before analysis completed",
			Stage:      guard.StagePass1,
		}
	}

	verdict := p.engine.Classify(ctx, normalized, sanitize.ForEmbedding(normalized))

	// The similarity stage corroborates but never decides: its category is
	// attached only when the judges already ruled unsafe.
	if semanticHit != nil && !verdict.Safe && !verdict.HasThreat(semanticHit.Category) {
		verdict.Threats = append(verdict.Threats, semanticHit.Category)
	}

	return verdict
}

func (p *Pipeline) scoreSemantic(ctx context.Context, normalized string) *semantic.Result {
	if p.detector == nil || !p.detector.Ready() {
		return nil
	}

	res, err := p.detector.Score(ctx, normalized)
	if err != nil {
		p.logger.Warn("semantic stage failed, continuing without it", zap.Error(err))
		return nil
	}
	if !res.IsThreat {
		return nil
	}

	p.metrics.ObserveSemanticHit(res.Category)
	p.logger.Debug("semantic similarity hit",
		zap.String("category", res.Category),
		zap.Float32("score", res.Score))
	return res
}

func (p *Pipeline) observe(final guard.Verdict, patterns []session.PatternDetectionResult, start time.Time) {
	p.metrics.ObserveVerdict(string(final.Stage), final.Safe, time.Since(start).Seconds())

	if final.Model != "" {
		p.metrics.ObserveJudgeCall(final.Model, "ok", final.Cost)
	}
	if final.Stage == guard.StageSessionOverride {
		for _, pat := range patterns {
			p.metrics.ObserveOverride(pat.PatternType)
		}
	}
}
