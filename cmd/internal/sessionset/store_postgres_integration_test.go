package sessionset_test

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"sessiongate/cmd/internal/ids"
	"sessiongate/cmd/internal/sessionset"
	"sessiongate/cmd/internal/sessionset/sessionsettest"
)

// Integration tests are enabled when SG_TEST_DATABASE_URL is set.
// This keeps local "go test ./..." fast & deterministic without requiring Postgres.

func TestPostgresStore(t *testing.T) {
	pool := mustOpenTestPool(t)
	t.Cleanup(pool.Close)

	schema := "sg_it_" + strings.ToLower(ids.New())
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })

	store, err := sessionset.NewPostgresStore(pool, sessionset.WithSchema(schema))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := store.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}

	sessionsettest.RunStoreTests(t, func(t *testing.T) sessionset.Store { return store })
}

func TestNewPostgresStore_RejectsBadSchema(t *testing.T) {
	cases := []string{"", "  ", "1abc", "a-b", `x"; drop`}
	for _, c := range cases {
		if _, err := sessionset.NewPostgresStore(nil, sessionset.WithSchema(c)); err == nil {
			t.Fatalf("schema %q: expected error", c)
		}
	}
	if _, err := sessionset.NewPostgresStore(nil); err == nil {
		t.Fatalf("nil pool: expected error")
	}
}

func mustOpenTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("SG_TEST_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: SG_TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 12*time.Second)
	defer cancel()

	cfg, err := pgxpool.ParseConfig(raw)
	if err != nil {
		t.Fatalf("parse SG_TEST_DATABASE_URL: %v", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer pingCancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		t.Skipf("integration test skipped: Postgres unreachable (SG_TEST_DATABASE_URL set): %v", err)
	}
	return pool
}

func mustDropSchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`); err != nil {
		t.Errorf("drop schema: %v", err)
	}
}
