package session

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Store persists sessions. Get returns (nil, nil) for a missing or
// expired token: expiry is lazy and not an error.
type Store interface {
	Get(ctx context.Context, token string) (*Session, error)
	Create(ctx context.Context, s *Session) error
	AppendTurn(ctx context.Context, token string, turn Turn, riskScore float64, escalation []RiskLevel) error
	Delete(ctx context.Context, token string) error
	Close() error
}

// MemoryStore is the single-node default. Expired sessions are treated as
// missing on read and reaped by a background loop.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	ttl             time.Duration
	cleanupInterval time.Duration

	stopCleanup chan struct{}
	cleanupOnce sync.Once
}

// MemoryStoreOption configures a MemoryStore.
type MemoryStoreOption func(*MemoryStore)

// WithTTL overrides the default 2h sliding session lifetime.
func WithTTL(d time.Duration) MemoryStoreOption {
	return func(s *MemoryStore) { s.ttl = d }
}

// WithCleanupInterval sets how often the reaper runs.
func WithCleanupInterval(d time.Duration) MemoryStoreOption {
	return func(s *MemoryStore) { s.cleanupInterval = d }
}

func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{
		sessions:        make(map[string]*Session),
		ttl:             DefaultTTL,
		cleanupInterval: 5 * time.Minute,
		stopCleanup:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	go s.cleanupLoop()
	return s
}

func (s *MemoryStore) Get(_ context.Context, token string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[token]
	if !ok {
		return nil, nil
	}
	if sess.Expired(s.ttl) {
		// Stale sessions read as missing; the reaper removes them later.
		return nil, nil
	}

	cp := cloneSession(sess)
	return cp, nil
}

func (s *MemoryStore) Create(_ context.Context, sess *Session) error {
	if sess == nil || sess.Token == "" {
		return fmt.Errorf("session token is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now()
	}
	if sess.LastActivity.IsZero() {
		sess.LastActivity = sess.CreatedAt
	}
	s.sessions[sess.Token] = cloneSession(sess)
	return nil
}

func (s *MemoryStore) AppendTurn(_ context.Context, token string, turn Turn, riskScore float64, escalation []RiskLevel) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[token]
	if !ok {
		return fmt.Errorf("session not found: %s", token)
	}

	sess.Turns = append(sess.Turns, turn)
	sess.RiskScore = riskScore
	sess.EscalationPattern = escalation
	sess.LastActivity = turn.Timestamp
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, token)
	return nil
}

// Close stops the reaper goroutine.
func (s *MemoryStore) Close() error {
	s.cleanupOnce.Do(func() {
		close(s.stopCleanup)
	})
	return nil
}

func (s *MemoryStore) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCleanup:
			return
		}
	}
}

func (s *MemoryStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for token, sess := range s.sessions {
		if sess.Expired(s.ttl) {
			delete(s.sessions, token)
		}
	}
}

// Len reports live (non-expired) session count, for diagnostics.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, sess := range s.sessions {
		if !sess.Expired(s.ttl) {
			n++
		}
	}
	return n
}

func cloneSession(in *Session) *Session {
	out := *in
	out.Turns = append([]Turn(nil), in.Turns...)
	out.EscalationPattern = append([]RiskLevel(nil), in.EscalationPattern...)
	return &out
}

var _ Store = (*MemoryStore)(nil)
