package sessionset_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"sessiongate/cmd/internal/sessionset"
	"sessiongate/cmd/internal/sessionset/sessionsettest"
)

func newSQLStore(t *testing.T) *sessionset.SQLStore {
	t.Helper()

	db, err := sessionset.OpenSQLite(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	s, err := sessionset.NewSQLStore(db, sessionset.WithOwnedDB())
	if err != nil {
		t.Fatalf("new sql store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return s
}

func TestSQLStore(t *testing.T) {
	sessionsettest.RunStoreTests(t, func(t *testing.T) sessionset.Store {
		return newSQLStore(t)
	})
}

func TestSQLStore_EnsureSchemaIdempotent(t *testing.T) {
	s := newSQLStore(t)
	if err := s.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("second ensure schema: %v", err)
	}
}

func TestOpenSQLite_RejectsEmptyPath(t *testing.T) {
	if _, err := sessionset.OpenSQLite("  "); err == nil {
		t.Fatalf("expected error for empty path")
	}
}
