package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/safeprompt/gateway/pkg/guard"
)

func testTurn(seq int, level RiskLevel) Turn {
	return Turn{
		Sequence:   seq,
		PromptHash: "abc123",
		Safe:       level == RiskSafe || level == RiskLow,
		Confidence: 0.9,
		Stage:      guard.StageFastPath,
		RiskLevel:  level,
		Timestamp:  time.Now(),
	}
}

func runStoreSuite(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("missing token reads as nil", func(t *testing.T) {
		sess, err := store.Get(ctx, "sess_missing")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if sess != nil {
			t.Errorf("expected nil for unknown token, got %+v", sess)
		}
	})

	t.Run("create and get round trip", func(t *testing.T) {
		token := NewToken()
		if err := store.Create(ctx, &Session{Token: token}); err != nil {
			t.Fatalf("Create: %v", err)
		}

		sess, err := store.Get(ctx, token)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if sess == nil {
			t.Fatal("created session not found")
		}
		if sess.Token != token {
			t.Errorf("token = %q, want %q", sess.Token, token)
		}
		if sess.CreatedAt.IsZero() || sess.LastActivity.IsZero() {
			t.Error("Create must stamp CreatedAt and LastActivity")
		}
	})

	t.Run("append turn updates aggregates", func(t *testing.T) {
		token := NewToken()
		if err := store.Create(ctx, &Session{Token: token}); err != nil {
			t.Fatalf("Create: %v", err)
		}

		esc := []RiskLevel{RiskSafe, RiskHigh}
		if err := store.AppendTurn(ctx, token, testTurn(1, RiskSafe), 0.2, esc[:1]); err != nil {
			t.Fatalf("AppendTurn: %v", err)
		}
		if err := store.AppendTurn(ctx, token, testTurn(2, RiskHigh), 0.7, esc); err != nil {
			t.Fatalf("AppendTurn: %v", err)
		}

		sess, err := store.Get(ctx, token)
		if err != nil || sess == nil {
			t.Fatalf("Get: sess=%v err=%v", sess, err)
		}
		if len(sess.Turns) != 2 {
			t.Fatalf("turns = %d, want 2", len(sess.Turns))
		}
		if sess.RiskScore != 0.7 {
			t.Errorf("riskScore = %f, want 0.7", sess.RiskScore)
		}
		if len(sess.EscalationPattern) != 2 || sess.EscalationPattern[1] != RiskHigh {
			t.Errorf("escalation = %v", sess.EscalationPattern)
		}
		if sess.Turns[1].RiskLevel != RiskHigh {
			t.Errorf("turn 2 risk = %s, want high", sess.Turns[1].RiskLevel)
		}
	})

	t.Run("append to unknown session fails", func(t *testing.T) {
		if err := store.AppendTurn(ctx, "sess_nope", testTurn(1, RiskSafe), 0, nil); err == nil {
			t.Error("expected error appending to unknown session")
		}
	})

	t.Run("delete", func(t *testing.T) {
		token := NewToken()
		if err := store.Create(ctx, &Session{Token: token}); err != nil {
			t.Fatalf("Create: %v", err)
		}
		if err := store.Delete(ctx, token); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		sess, err := store.Get(ctx, token)
		if err != nil {
			t.Fatalf("Get after delete: %v", err)
		}
		if sess != nil {
			t.Error("deleted session still readable")
		}
	})
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	runStoreSuite(t, store)
}

func TestMemoryStoreExpiry(t *testing.T) {
	store := NewMemoryStore(WithTTL(20 * time.Millisecond))
	defer store.Close()
	ctx := context.Background()

	token := NewToken()
	if err := store.Create(ctx, &Session{Token: token}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	time.Sleep(50 * time.Millisecond)

	sess, err := store.Get(ctx, token)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if sess != nil {
		t.Error("expired session must read as missing")
	}
	if store.Len() != 0 {
		t.Errorf("Len counts expired sessions: %d", store.Len())
	}
}

func TestMemoryStoreCleanupLoop(t *testing.T) {
	store := NewMemoryStore(WithTTL(10*time.Millisecond), WithCleanupInterval(20*time.Millisecond))
	defer store.Close()
	ctx := context.Background()

	if err := store.Create(ctx, &Session{Token: NewToken()}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	time.Sleep(80 * time.Millisecond)

	store.mu.RLock()
	n := len(store.sessions)
	store.mu.RUnlock()
	if n != 0 {
		t.Errorf("reaper left %d expired sessions behind", n)
	}
}

func TestMemoryStoreCloneIsolation(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	token := NewToken()
	if err := store.Create(ctx, &Session{Token: token}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.AppendTurn(ctx, token, testTurn(1, RiskSafe), 0.1, []RiskLevel{RiskSafe}); err != nil {
		t.Fatalf("AppendTurn: %v", err)
	}

	a, _ := store.Get(ctx, token)
	a.Turns[0].PromptHash = "tampered"
	a.RiskScore = 1.0

	b, _ := store.Get(ctx, token)
	if b.Turns[0].PromptHash == "tampered" {
		t.Error("Get must return a copy, not shared state")
	}
	if b.RiskScore == 1.0 {
		t.Error("mutating a Get result leaked into the store")
	}
}

func TestMemoryStoreCloseIdempotent(t *testing.T) {
	store := NewMemoryStore()
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func newTestRedisStore(t *testing.T, ttl time.Duration) *RedisStore {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStore(client, ttl)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRedisStore(t *testing.T) {
	runStoreSuite(t, newTestRedisStore(t, time.Hour))
}

func TestRedisStoreConcurrentAppend(t *testing.T) {
	store := newTestRedisStore(t, time.Hour)
	ctx := context.Background()

	sess := &Session{Token: NewToken()}
	if err := store.Create(ctx, sess); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Without the WATCH transaction, parallel read-modify-writes
	// overwrite each other and turns vanish.
	const workers = 8
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(seq int) {
			defer wg.Done()
			turn := testTurn(seq, RiskSafe)
			if err := store.AppendTurn(ctx, sess.Token, turn, 0, []RiskLevel{RiskSafe}); err != nil {
				t.Errorf("AppendTurn seq %d: %v", seq, err)
			}
		}(i + 1)
	}
	wg.Wait()

	got, err := store.Get(ctx, sess.Token)
	if err != nil || got == nil {
		t.Fatalf("Get: sess=%v err=%v", got, err)
	}
	if len(got.Turns) != workers {
		t.Fatalf("lost turns under concurrent append: got %d, want %d", len(got.Turns), workers)
	}
}

func TestRedisStoreExpiry(t *testing.T) {
	store := newTestRedisStore(t, 20*time.Millisecond)
	ctx := context.Background()

	token := NewToken()
	if err := store.Create(ctx, &Session{Token: token}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	time.Sleep(50 * time.Millisecond)

	sess, err := store.Get(ctx, token)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if sess != nil {
		t.Error("expired session must read as missing")
	}
}

func TestRedisStoreSlidingTTL(t *testing.T) {
	store := newTestRedisStore(t, 80*time.Millisecond)
	ctx := context.Background()

	token := NewToken()
	if err := store.Create(ctx, &Session{Token: token}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Keep the session active past its original lifetime; each append
	// refreshes the TTL.
	for i := 1; i <= 3; i++ {
		time.Sleep(40 * time.Millisecond)
		if err := store.AppendTurn(ctx, token, testTurn(i, RiskSafe), 0.1, []RiskLevel{RiskSafe}); err != nil {
			t.Fatalf("AppendTurn %d: %v", i, err)
		}
	}

	sess, err := store.Get(ctx, token)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if sess == nil {
		t.Fatal("active session expired despite sliding TTL")
	}
	if len(sess.Turns) != 3 {
		t.Errorf("turns = %d, want 3", len(sess.Turns))
	}
}
