package session

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Integration test; needs a real database. Point SAFEPROMPT_TEST_DATABASE_URL
// at a scratch database and the suite runs against it, applying Schema first.
func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("SAFEPROMPT_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("Skipping Postgres integration tests: SAFEPROMPT_TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	if _, err := pool.Exec(ctx, Schema); err != nil {
		pool.Close()
		t.Fatalf("apply schema: %v", err)
	}

	store := NewPostgresStore(pool, 2*time.Hour)
	defer store.Close()

	runStoreSuite(t, store)
}
