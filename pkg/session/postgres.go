package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/safeprompt/gateway/pkg/guard"
)

// PostgresStore persists sessions durably. The session row carries the
// aggregate state; turns live in their own append-only table.
type PostgresStore struct {
	pool *pgxpool.Pool
	ttl  time.Duration
}

// Schema is the DDL the store expects. Deployments run it via their
// migration tooling.
const Schema = `
CREATE TABLE IF NOT EXISTS validation_sessions (
    session_token  TEXT PRIMARY KEY,
    created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
    last_activity  TIMESTAMPTZ NOT NULL DEFAULT now(),
    risk_score     DOUBLE PRECISION NOT NULL DEFAULT 0,
    escalation     TEXT[] NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS session_requests (
    id                   BIGSERIAL PRIMARY KEY,
    session_token        TEXT NOT NULL REFERENCES validation_sessions(session_token) ON DELETE CASCADE,
    sequence_number      INT NOT NULL,
    prompt_hash          TEXT NOT NULL,
    is_safe              BOOLEAN NOT NULL,
    confidence           DOUBLE PRECISION NOT NULL,
    threats              TEXT[] NOT NULL DEFAULT '{}',
    stage                TEXT NOT NULL,
    risk_level           TEXT NOT NULL,
    references_previous  BOOLEAN NOT NULL DEFAULT FALSE,
    builds_fake_context  BOOLEAN NOT NULL DEFAULT FALSE,
    claims_authorization BOOLEAN NOT NULL DEFAULT FALSE,
    probes_capabilities  BOOLEAN NOT NULL DEFAULT FALSE,
    redefines_role       BOOLEAN NOT NULL DEFAULT FALSE,
    encoding_depth       INT NOT NULL DEFAULT 0,
    created_at           TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_session_requests_token
    ON session_requests(session_token, sequence_number);
`

// NewPostgresStore wraps an existing pool. ttl <= 0 uses DefaultTTL.
func NewPostgresStore(pool *pgxpool.Pool, ttl time.Duration) *PostgresStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &PostgresStore{pool: pool, ttl: ttl}
}

func (s *PostgresStore) Get(ctx context.Context, token string) (*Session, error) {
	sess := &Session{Token: token}

	var escalation []string
	err := s.pool.QueryRow(ctx, `
		SELECT created_at, last_activity, risk_score, escalation
		FROM validation_sessions
		WHERE session_token = $1 AND last_activity > now() - $2::interval`,
		token, s.ttl.String(),
	).Scan(&sess.CreatedAt, &sess.LastActivity, &sess.RiskScore, &escalation)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	for _, lvl := range escalation {
		sess.EscalationPattern = append(sess.EscalationPattern, RiskLevel(lvl))
	}

	rows, err := s.pool.Query(ctx, `
		SELECT sequence_number, prompt_hash, is_safe, confidence, threats, stage,
		       risk_level, references_previous, builds_fake_context,
		       claims_authorization, probes_capabilities, redefines_role,
		       encoding_depth, created_at
		FROM session_requests
		WHERE session_token = $1
		ORDER BY sequence_number ASC`, token)
	if err != nil {
		return nil, fmt.Errorf("load turns: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var t Turn
		var stage, riskLevel string
		if err := rows.Scan(&t.Sequence, &t.PromptHash, &t.Safe, &t.Confidence,
			&t.Threats, &stage, &riskLevel, &t.ReferencesPrevious,
			&t.BuildsFakeContext, &t.ClaimsAuthorization, &t.ProbesCapabilities,
			&t.RedefinesRole, &t.EncodingDepth, &t.Timestamp); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		t.Stage = guard.Stage(stage)
		t.RiskLevel = RiskLevel(riskLevel)
		sess.Turns = append(sess.Turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turns: %w", err)
	}

	return sess, nil
}

func (s *PostgresStore) Create(ctx context.Context, sess *Session) error {
	if sess == nil || sess.Token == "" {
		return fmt.Errorf("session token is required")
	}
	now := time.Now()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	if sess.LastActivity.IsZero() {
		sess.LastActivity = sess.CreatedAt
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO validation_sessions (session_token, created_at, last_activity, risk_score, escalation)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (session_token) DO NOTHING`,
		sess.Token, sess.CreatedAt, sess.LastActivity, sess.RiskScore, escalationStrings(sess.EscalationPattern))
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *PostgresStore) AppendTurn(ctx context.Context, token string, turn Turn, riskScore float64, escalation []RiskLevel) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Row lock serializes concurrent appends to one session; the
	// sequence number is recomputed under that lock so parallel writers
	// cannot collide on it.
	var locked string
	err = tx.QueryRow(ctx, `
		SELECT session_token FROM validation_sessions
		WHERE session_token = $1
		FOR UPDATE`, token).Scan(&locked)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("session not found: %s", token)
	}
	if err != nil {
		return fmt.Errorf("lock session: %w", err)
	}

	if err := tx.QueryRow(ctx, `
		SELECT COALESCE(MAX(sequence_number), 0) + 1
		FROM session_requests
		WHERE session_token = $1`, token).Scan(&turn.Sequence); err != nil {
		return fmt.Errorf("next sequence: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE validation_sessions
		SET last_activity = $2, risk_score = $3, escalation = $4
		WHERE session_token = $1`,
		token, turn.Timestamp, riskScore, escalationStrings(escalation)); err != nil {
		return fmt.Errorf("update session: %w", err)
	}

	threats := turn.Threats
	if threats == nil {
		threats = []string{}
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO session_requests (
			session_token, sequence_number, prompt_hash, is_safe, confidence,
			threats, stage, risk_level, references_previous, builds_fake_context,
			claims_authorization, probes_capabilities, redefines_role,
			encoding_depth, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		token, turn.Sequence, turn.PromptHash, turn.Safe, turn.Confidence,
		threats, string(turn.Stage), string(turn.RiskLevel),
		turn.ReferencesPrevious, turn.BuildsFakeContext, turn.ClaimsAuthorization,
		turn.ProbesCapabilities, turn.RedefinesRole, turn.EncodingDepth, turn.Timestamp)
	if err != nil {
		return fmt.Errorf("insert turn: %w", err)
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) Delete(ctx context.Context, token string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM validation_sessions WHERE session_token = $1`, token)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func escalationStrings(levels []RiskLevel) []string {
	out := make([]string, len(levels))
	for i, lvl := range levels {
		out[i] = string(lvl)
	}
	return out
}

var _ Store = (*PostgresStore)(nil)
