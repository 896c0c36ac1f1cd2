package arbiter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"sessiongate/cmd/internal/sessionset"
	"sessiongate/cmd/internal/suppress"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestArbiter(t *testing.T, store sessionset.Store, mutate func(*Config), opts ...Option) *Arbiter {
	t.Helper()
	cfg := DefaultConfig()
	cfg.SuppressEnabled = false
	if mutate != nil {
		mutate(&cfg)
	}
	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	a, err := New(store, cfg, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func validate(t *testing.T, a *Arbiter, acc, sid string) Decision {
	t.Helper()
	d, err := a.ValidateSession(context.Background(), Request{AccountID: acc, SessionID: sid})
	if err != nil {
		t.Fatalf("ValidateSession(%s): %v", sid, err)
	}
	return d
}

func assertSessions(t *testing.T, got []string, want ...string) {
	t.Helper()
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("sessions=%v want %v", got, want)
	}
}

func TestValidateSession_ConflictResolveRevokeFlow(t *testing.T) {
	store := sessionset.NewMemoryStore()
	a := newTestArbiter(t, store, nil)
	ctx := context.Background()

	for _, sid := range []string{"A", "B", "C"} {
		d := validate(t, a, "acct", sid)
		if d.Status != StatusValid || !d.Fresh {
			t.Fatalf("%s: status=%v fresh=%v want fresh valid", sid, d.Status, d.Fresh)
		}
	}

	d := validate(t, a, "acct", "D")
	if d.Status != StatusConflict {
		t.Fatalf("D: status=%v want conflict", d.Status)
	}
	assertSessions(t, d.ActiveSessions, "A", "B", "C")
	if d.Status.Allowed() {
		t.Fatalf("conflict must not be allowed through")
	}

	res, err := a.ResolveConflict(ctx, "acct", "B", "D")
	if err != nil {
		t.Fatalf("ResolveConflict: %v", err)
	}
	if res.Resolution != ResolutionResolved {
		t.Fatalf("resolution=%v want resolved", res.Resolution)
	}
	assertSessions(t, res.ActiveSessions, "A", "C", "D")

	if d := validate(t, a, "acct", "D"); d.Status != StatusValid || d.Fresh {
		t.Fatalf("D after resolve: status=%v fresh=%v want existing valid", d.Status, d.Fresh)
	}
	if d := validate(t, a, "acct", "B"); d.Status != StatusRevoked {
		t.Fatalf("B after eviction: status=%v want revoked", d.Status)
	}

	set, err := a.ActiveSessions(ctx, "acct")
	if err != nil {
		t.Fatalf("ActiveSessions: %v", err)
	}
	assertSessions(t, set, "A", "C", "D")
}

func TestValidateSession_RepeatIsReadOnly(t *testing.T) {
	store := sessionset.NewMemoryStore()
	a := newTestArbiter(t, store, nil)

	validate(t, a, "acct", "A")
	d := validate(t, a, "acct", "A")
	if d.Status != StatusValid || d.Fresh {
		t.Fatalf("status=%v fresh=%v", d.Status, d.Fresh)
	}
	set, _ := store.List(context.Background(), "acct")
	assertSessions(t, set, "A")
}

func TestValidateSession_Malformed(t *testing.T) {
	a := newTestArbiter(t, sessionset.NewMemoryStore(), nil)
	cases := []Request{
		{AccountID: "", SessionID: "s"},
		{AccountID: "a", SessionID: ""},
		{AccountID: "  ", SessionID: "s"},
	}
	for _, req := range cases {
		d, err := a.ValidateSession(context.Background(), req)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if d.Status != StatusMalformed {
			t.Fatalf("%+v: status=%v want malformed", req, d.Status)
		}
	}
}

func TestValidateSession_AccountProvisioning(t *testing.T) {
	t.Run("enabled", func(t *testing.T) {
		store := sessionset.NewMemoryStore()
		a := newTestArbiter(t, store, nil)
		d := validate(t, a, "new-acct", "s1")
		if d.Status != StatusValid || !d.Fresh {
			t.Fatalf("status=%v fresh=%v", d.Status, d.Fresh)
		}
	})
	t.Run("disabled", func(t *testing.T) {
		store := sessionset.NewMemoryStore()
		a := newTestArbiter(t, store, func(c *Config) { c.ProvisionAccounts = false })
		d := validate(t, a, "new-acct", "s1")
		if d.Status != StatusAccountNotFound {
			t.Fatalf("status=%v want account_not_found", d.Status)
		}
	})
}

func TestValidateSession_RemovedSessionReadmits(t *testing.T) {
	store := sessionset.NewMemoryStore()
	a := newTestArbiter(t, store, nil)
	ctx := context.Background()

	validate(t, a, "acct", "A")
	out, err := a.RemoveSession(ctx, "acct", "A")
	if err != nil || out != sessionset.Removed {
		t.Fatalf("RemoveSession=%v,%v", out, err)
	}
	active, err := a.IsSessionActive(ctx, "acct", "A")
	if err != nil || active {
		t.Fatalf("IsSessionActive after remove=%v,%v", active, err)
	}

	d := validate(t, a, "acct", "A")
	if d.Status != StatusValid || !d.Fresh {
		t.Fatalf("status=%v fresh=%v want fresh admission", d.Status, d.Fresh)
	}
}

func TestValidateSession_ResolvedBackThenRemovedIsFresh(t *testing.T) {
	store := sessionset.NewMemoryStore()
	a := newTestArbiter(t, store, func(c *Config) { c.MaxSessions = 1 })
	ctx := context.Background()

	validate(t, a, "acct", "A")
	if d := validate(t, a, "acct", "B"); d.Status != StatusConflict {
		t.Fatalf("B: status=%v want conflict", d.Status)
	}
	if res, err := a.ResolveConflict(ctx, "acct", "A", "B"); err != nil || res.Resolution != ResolutionResolved {
		t.Fatalf("resolve A->B=%v,%v", res.Resolution, err)
	}
	if res, err := a.ResolveConflict(ctx, "acct", "B", "A"); err != nil || res.Resolution != ResolutionResolved {
		t.Fatalf("resolve B->A=%v,%v", res.Resolution, err)
	}
	if out, err := a.RemoveSession(ctx, "acct", "A"); err != nil || out != sessionset.Removed {
		t.Fatalf("RemoveSession=%v,%v", out, err)
	}

	d := validate(t, a, "acct", "A")
	if d.Status != StatusValid || !d.Fresh {
		t.Fatalf("A after logout: status=%v fresh=%v want fresh valid", d.Status, d.Fresh)
	}
	if d := validate(t, a, "acct", "B"); d.Status != StatusRevoked {
		t.Fatalf("B: status=%v want revoked", d.Status)
	}
}

func TestRemoveSession_Idempotent(t *testing.T) {
	store := sessionset.NewMemoryStore()
	a := newTestArbiter(t, store, nil)
	ctx := context.Background()

	validate(t, a, "acct", "A")
	if out, _ := a.RemoveSession(ctx, "acct", "A"); out != sessionset.Removed {
		t.Fatalf("first=%v", out)
	}
	if out, _ := a.RemoveSession(ctx, "acct", "A"); out != sessionset.NotFound {
		t.Fatalf("second=%v", out)
	}
	if out, err := a.RemoveSession(ctx, "ghost", "A"); err != nil || out != sessionset.NotFound {
		t.Fatalf("unknown account=%v,%v", out, err)
	}
	if _, err := a.RemoveSession(ctx, "acct", ""); !IsMalformed(err) {
		t.Fatalf("expected malformed, got %v", err)
	}
}

func TestResolveConflict_SelfEviction(t *testing.T) {
	store := sessionset.NewMemoryStore()
	a := newTestArbiter(t, store, nil)
	ctx := context.Background()

	for _, sid := range []string{"A", "B", "C"} {
		validate(t, a, "acct", sid)
	}
	res, err := a.ResolveConflict(ctx, "acct", "D", "D")
	if err != nil {
		t.Fatalf("ResolveConflict: %v", err)
	}
	if res.Resolution != ResolutionSelfEvictionForbidden {
		t.Fatalf("resolution=%v", res.Resolution)
	}
	set, _ := store.List(ctx, "acct")
	assertSessions(t, set, "A", "B", "C")
}

func TestResolveConflict_StaleVictim(t *testing.T) {
	store := sessionset.NewMemoryStore()
	a := newTestArbiter(t, store, nil)
	ctx := context.Background()

	for _, sid := range []string{"A", "B", "C"} {
		validate(t, a, "acct", sid)
	}
	// Victim logs out on its own before the resolution lands.
	if _, err := a.RemoveSession(ctx, "acct", "B"); err != nil {
		t.Fatalf("RemoveSession: %v", err)
	}
	res, err := a.ResolveConflict(ctx, "acct", "B", "D")
	if err != nil {
		t.Fatalf("ResolveConflict: %v", err)
	}
	if res.Resolution != ResolutionStaleVictim {
		t.Fatalf("resolution=%v want stale_victim", res.Resolution)
	}
	assertSessions(t, res.ActiveSessions, "A", "C")
}

func TestResolveConflict_NewAlreadyActive(t *testing.T) {
	store := sessionset.NewMemoryStore()
	a := newTestArbiter(t, store, nil)
	ctx := context.Background()

	validate(t, a, "acct", "A")
	validate(t, a, "acct", "B")
	res, err := a.ResolveConflict(ctx, "acct", "A", "B")
	if err != nil {
		t.Fatalf("ResolveConflict: %v", err)
	}
	if res.Resolution != ResolutionResolved {
		t.Fatalf("resolution=%v", res.Resolution)
	}
	assertSessions(t, res.ActiveSessions, "A", "B")
}

func TestResolveConflict_Malformed(t *testing.T) {
	a := newTestArbiter(t, sessionset.NewMemoryStore(), nil)
	if _, err := a.ResolveConflict(context.Background(), "acct", "", "D"); !IsMalformed(err) {
		t.Fatalf("expected malformed, got %v", err)
	}
}

func TestResolveConflict_ConcurrentSameVictim(t *testing.T) {
	store := sessionset.NewMemoryStore()
	a := newTestArbiter(t, store, nil)
	ctx := context.Background()

	for _, sid := range []string{"A", "B", "C"} {
		validate(t, a, "acct", sid)
	}

	var resolved, stale atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	for _, newID := range []string{"D", "E"} {
		g.Go(func() error {
			res, err := a.ResolveConflict(gctx, "acct", "B", newID)
			if err != nil {
				return err
			}
			switch res.Resolution {
			case ResolutionResolved:
				resolved.Add(1)
			case ResolutionStaleVictim:
				stale.Add(1)
			default:
				return fmt.Errorf("unexpected resolution %v", res.Resolution)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Load() != 1 || stale.Load() != 1 {
		t.Fatalf("resolved=%d stale=%d", resolved.Load(), stale.Load())
	}
	set, _ := store.List(ctx, "acct")
	if len(set) != 3 {
		t.Fatalf("set=%v", set)
	}
}

func TestValidateSession_ConcurrentLoginsRespectCap(t *testing.T) {
	store := sessionset.NewMemoryStore()
	a := newTestArbiter(t, store, nil)
	ctx := context.Background()

	const callers = 9
	var valid, conflict atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < callers; i++ {
		sid := fmt.Sprintf("dev-%d", i)
		g.Go(func() error {
			d, err := a.ValidateSession(gctx, Request{AccountID: "acct", SessionID: sid})
			if err != nil {
				return err
			}
			switch d.Status {
			case StatusValid:
				valid.Add(1)
			case StatusConflict:
				conflict.Add(1)
			default:
				return fmt.Errorf("unexpected status %v", d.Status)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if valid.Load() != 3 || conflict.Load() != callers-3 {
		t.Fatalf("valid=%d conflict=%d", valid.Load(), conflict.Load())
	}
}

func TestValidateSession_GuardSkipsAfterLogout(t *testing.T) {
	store := sessionset.NewMemoryStore()
	guard := suppress.NewMemory()
	a := newTestArbiter(t, store, func(c *Config) { c.SuppressEnabled = true }, WithGuard(guard))
	ctx := context.Background()

	validate(t, a, "acct", "A")
	out, err := a.BeginLogout(ctx, "acct", "A")
	if err != nil || out != sessionset.Removed {
		t.Fatalf("BeginLogout=%v,%v", out, err)
	}

	d := validate(t, a, "acct", "A")
	if d.Status != StatusSkipped {
		t.Fatalf("status=%v want skipped while logout in flight", d.Status)
	}
	set, _ := store.List(ctx, "acct")
	if len(set) != 0 {
		t.Fatalf("skipped validation must not touch the store: %v", set)
	}

	// Other sessions of the same account are not affected.
	if d := validate(t, a, "acct", "B"); d.Status != StatusValid {
		t.Fatalf("B status=%v", d.Status)
	}
}

func TestValidateSession_GuardDisabledIgnoresMarkers(t *testing.T) {
	store := sessionset.NewMemoryStore()
	guard := suppress.NewMemory()
	a := newTestArbiter(t, store, nil, WithGuard(guard))
	ctx := context.Background()

	validate(t, a, "acct", "A")
	if _, err := a.BeginLogout(ctx, "acct", "A"); err != nil {
		t.Fatalf("BeginLogout: %v", err)
	}
	if guard.Len() != 0 {
		t.Fatalf("disabled guard must not be marked")
	}
	if d := validate(t, a, "acct", "A"); d.Status != StatusValid || !d.Fresh {
		t.Fatalf("status=%v fresh=%v", d.Status, d.Fresh)
	}
}

type failingGuard struct{ suppress.Nop }

func (failingGuard) Active(context.Context, string) (bool, error) {
	return true, errors.New("guard down")
}

func TestValidateSession_GuardErrorIsNoMarker(t *testing.T) {
	a := newTestArbiter(t, sessionset.NewMemoryStore(), func(c *Config) { c.SuppressEnabled = true }, WithGuard(failingGuard{}))
	if d := validate(t, a, "acct", "A"); d.Status != StatusValid {
		t.Fatalf("status=%v want valid", d.Status)
	}
}

// racingStore reports AlreadyActive from TryAdmit while Lookup keeps missing,
// simulating a session that flaps under concurrent admission and removal.
type racingStore struct {
	*sessionset.MemoryStore
	mu     sync.Mutex
	admits int
}

func (s *racingStore) TryAdmit(ctx context.Context, acc, sid string, limit int) (sessionset.AdmitResult, error) {
	s.mu.Lock()
	s.admits++
	s.mu.Unlock()
	return sessionset.AdmitResult{Outcome: sessionset.AdmitAlreadyActive}, nil
}

func TestValidateSession_ContendedAfterRounds(t *testing.T) {
	store := &racingStore{MemoryStore: sessionset.NewMemoryStore()}
	a := newTestArbiter(t, store, nil)

	_, err := a.ValidateSession(context.Background(), Request{AccountID: "acct", SessionID: "A"})
	if !IsContended(err) {
		t.Fatalf("expected contended, got %v", err)
	}
	if store.admits != DefaultConfig().MaxResolveRounds {
		t.Fatalf("admits=%d want %d", store.admits, DefaultConfig().MaxResolveRounds)
	}
}

type brokenStore struct{ *sessionset.MemoryStore }

func (brokenStore) Lookup(context.Context, string, string) (sessionset.Membership, error) {
	return sessionset.MemberUnknown, errors.New("connection reset")
}

type removeFailsStore struct{ *sessionset.MemoryStore }

func (removeFailsStore) Remove(context.Context, string, string) (sessionset.RemoveOutcome, error) {
	return 0, errors.New("connection reset")
}

func TestBeginLogout_FailedRemovalClearsMarker(t *testing.T) {
	store := removeFailsStore{sessionset.NewMemoryStore()}
	guard := suppress.NewMemory()
	a := newTestArbiter(t, store, func(c *Config) { c.SuppressEnabled = true }, WithGuard(guard))
	ctx := context.Background()

	validate(t, a, "acct", "A")
	if _, err := a.BeginLogout(ctx, "acct", "A"); err == nil {
		t.Fatalf("expected removal error")
	}
	if ok, _ := guard.Active(ctx, suppress.Key("acct", "A")); ok {
		t.Fatalf("marker must be cleared when logout fails")
	}
	if d := validate(t, a, "acct", "A"); d.Status != StatusValid {
		t.Fatalf("status=%v want valid", d.Status)
	}
}

func TestValidateSession_StoreErrorSurfaces(t *testing.T) {
	a := newTestArbiter(t, brokenStore{sessionset.NewMemoryStore()}, nil)
	if _, err := a.ValidateSession(context.Background(), Request{AccountID: "acct", SessionID: "A", Now: time.Now()}); err == nil {
		t.Fatalf("expected store error")
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(nil, DefaultConfig()); !errors.Is(err, ErrConfig) {
		t.Fatalf("nil store: %v", err)
	}
	cfg := DefaultConfig()
	cfg.MaxSessions = 0
	if _, err := New(sessionset.NewMemoryStore(), cfg); !errors.Is(err, ErrConfig) {
		t.Fatalf("zero max: %v", err)
	}
}
