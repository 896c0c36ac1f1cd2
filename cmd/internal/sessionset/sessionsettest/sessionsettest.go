// Package sessionsettest holds a behavioral test suite every sessionset.Store
// implementation must pass.
package sessionsettest

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"sessiongate/cmd/internal/ids"
	"sessiongate/cmd/internal/sessionset"
)

// StoreFactory creates a Store for one subtest. Accounts are namespaced per
// subtest, so factories may hand out a shared backend.
type StoreFactory func(t *testing.T) sessionset.Store

// RunStoreTests runs the complete Store suite against the provided factory.
func RunStoreTests(t *testing.T, factory StoreFactory) {
	t.Run("Account_EnsureIsIdempotent", func(t *testing.T) { testEnsureIdempotent(t, factory) })
	t.Run("Account_MissingIsError", func(t *testing.T) { testMissingAccount(t, factory) })
	t.Run("Account_EmptySetIsNotError", func(t *testing.T) { testEmptySet(t, factory) })
	t.Run("Input_Rejected", func(t *testing.T) { testInvalidInput(t, factory) })

	t.Run("Admit_PreservesInsertionOrder", func(t *testing.T) { testAdmitOrder(t, factory) })
	t.Run("Admit_AlreadyActiveIsNoop", func(t *testing.T) { testAdmitAlreadyActive(t, factory) })
	t.Run("Admit_ConflictAtCapacity", func(t *testing.T) { testAdmitConflict(t, factory) })
	t.Run("Admit_ConcurrentNeverExceedsCapacity", func(t *testing.T) { testConcurrentAdmit(t, factory) })
	t.Run("Admit_ConcurrentSameSessionOnce", func(t *testing.T) { testConcurrentSameSession(t, factory) })

	t.Run("Remove_SecondCallNotFound", func(t *testing.T) { testRemoveTwice(t, factory) })
	t.Run("Remove_IsNotEviction", func(t *testing.T) { testRemoveNotEvicted(t, factory) })

	t.Run("Swap_EvictsAndAppends", func(t *testing.T) { testSwap(t, factory) })
	t.Run("Swap_SelfRejected", func(t *testing.T) { testSwapSelf(t, factory) })
	t.Run("Swap_VictimNotFound", func(t *testing.T) { testSwapVictimMissing(t, factory) })
	t.Run("Swap_NewAlreadyActive", func(t *testing.T) { testSwapNewActive(t, factory) })
	t.Run("Swap_ConcurrentSameVictimOnce", func(t *testing.T) { testConcurrentSwap(t, factory) })
	t.Run("Swap_EvictionRecordBounded", func(t *testing.T) { testEvictionBounded(t, factory) })
	t.Run("Swap_ReadmitClearsEviction", func(t *testing.T) { testReadmitClearsEviction(t, factory) })
	t.Run("Swap_ReadmitViaSwapClearsEviction", func(t *testing.T) { testSwapReadmitClearsEviction(t, factory) })
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func newAccount(t *testing.T, ctx context.Context, s sessionset.Store) string {
	t.Helper()
	acc := "acct-" + ids.New()
	created, err := s.EnsureAccount(ctx, acc)
	if err != nil {
		t.Fatalf("EnsureAccount: %v", err)
	}
	if !created {
		t.Fatalf("EnsureAccount: expected created for fresh account")
	}
	return acc
}

func admit(t *testing.T, ctx context.Context, s sessionset.Store, acc, sid string, limit int) sessionset.AdmitResult {
	t.Helper()
	res, err := s.TryAdmit(ctx, acc, sid, limit)
	if err != nil {
		t.Fatalf("TryAdmit(%s): %v", sid, err)
	}
	return res
}

func assertSet(t *testing.T, got []string, want ...string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("set=%v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("set=%v want %v", got, want)
		}
	}
}

func assertUnique(t *testing.T, set []string) {
	t.Helper()
	seen := make(map[string]struct{}, len(set))
	for _, s := range set {
		if _, dup := seen[s]; dup {
			t.Fatalf("duplicate %q in %v", s, set)
		}
		seen[s] = struct{}{}
	}
}

func testEnsureIdempotent(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := testCtx(t)

	acc := newAccount(t, ctx, s)
	admit(t, ctx, s, acc, "s1", 3)

	created, err := s.EnsureAccount(ctx, acc)
	if err != nil {
		t.Fatalf("EnsureAccount: %v", err)
	}
	if created {
		t.Fatalf("expected created=false on second call")
	}
	set, err := s.List(ctx, acc)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	assertSet(t, set, "s1")
}

func testMissingAccount(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := testCtx(t)
	acc := "missing-" + ids.New()

	if _, err := s.List(ctx, acc); !sessionset.IsAccountNotFound(err) {
		t.Fatalf("List: expected account not found, got %v", err)
	}
	if _, err := s.Lookup(ctx, acc, "s1"); !sessionset.IsAccountNotFound(err) {
		t.Fatalf("Lookup: expected account not found, got %v", err)
	}
	if _, err := s.TryAdmit(ctx, acc, "s1", 3); !sessionset.IsAccountNotFound(err) {
		t.Fatalf("TryAdmit: expected account not found, got %v", err)
	}
	if _, err := s.Remove(ctx, acc, "s1"); !sessionset.IsAccountNotFound(err) {
		t.Fatalf("Remove: expected account not found, got %v", err)
	}
	if _, err := s.Swap(ctx, acc, "s1", "s2"); !sessionset.IsAccountNotFound(err) {
		t.Fatalf("Swap: expected account not found, got %v", err)
	}
}

func testEmptySet(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := testCtx(t)
	acc := newAccount(t, ctx, s)

	set, err := s.List(ctx, acc)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if set == nil || len(set) != 0 {
		t.Fatalf("expected empty non-nil set, got %#v", set)
	}
	m, err := s.Lookup(ctx, acc, "nope")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if m != sessionset.MemberUnknown {
		t.Fatalf("membership=%v want unknown", m)
	}
}

func testInvalidInput(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := testCtx(t)
	acc := newAccount(t, ctx, s)

	if _, err := s.EnsureAccount(ctx, " "); !sessionset.IsInvalidInput(err) {
		t.Fatalf("EnsureAccount blank: expected invalid input, got %v", err)
	}
	if _, err := s.TryAdmit(ctx, acc, "", 3); !sessionset.IsInvalidInput(err) {
		t.Fatalf("TryAdmit empty session: expected invalid input, got %v", err)
	}
	if _, err := s.TryAdmit(ctx, acc, "s1", 0); !sessionset.IsInvalidInput(err) {
		t.Fatalf("TryAdmit zero max: expected invalid input, got %v", err)
	}
	if _, err := s.Swap(ctx, acc, "s1", ""); !sessionset.IsInvalidInput(err) {
		t.Fatalf("Swap empty new: expected invalid input, got %v", err)
	}
}

func testAdmitOrder(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := testCtx(t)
	acc := newAccount(t, ctx, s)

	for _, sid := range []string{"a", "b", "c"} {
		res := admit(t, ctx, s, acc, sid, 3)
		if res.Outcome != sessionset.AdmitAdmitted {
			t.Fatalf("admit %s: outcome=%v", sid, res.Outcome)
		}
	}
	set, err := s.List(ctx, acc)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	assertSet(t, set, "a", "b", "c")
}

func testAdmitAlreadyActive(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := testCtx(t)
	acc := newAccount(t, ctx, s)

	admit(t, ctx, s, acc, "a", 3)
	admit(t, ctx, s, acc, "b", 3)
	res := admit(t, ctx, s, acc, "a", 3)
	if res.Outcome != sessionset.AdmitAlreadyActive {
		t.Fatalf("outcome=%v want already_active", res.Outcome)
	}
	assertSet(t, res.Active, "a", "b")
}

func testAdmitConflict(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := testCtx(t)
	acc := newAccount(t, ctx, s)

	admit(t, ctx, s, acc, "a", 2)
	admit(t, ctx, s, acc, "b", 2)
	res := admit(t, ctx, s, acc, "c", 2)
	if res.Outcome != sessionset.AdmitCapacityConflict {
		t.Fatalf("outcome=%v want capacity_conflict", res.Outcome)
	}
	assertSet(t, res.Active, "a", "b")

	m, err := s.Lookup(ctx, acc, "c")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if m != sessionset.MemberUnknown {
		t.Fatalf("rejected session membership=%v", m)
	}
}

func testConcurrentAdmit(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := testCtx(t)
	acc := newAccount(t, ctx, s)

	const (
		limit   = 3
		callers = 12
	)
	var admitted, conflicts atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < callers; i++ {
		sid := fmt.Sprintf("s-%02d", i)
		g.Go(func() error {
			res, err := s.TryAdmit(gctx, acc, sid, limit)
			if err != nil {
				return err
			}
			switch res.Outcome {
			case sessionset.AdmitAdmitted:
				admitted.Add(1)
			case sessionset.AdmitCapacityConflict:
				conflicts.Add(1)
			default:
				return fmt.Errorf("unexpected outcome %v for %s", res.Outcome, sid)
			}
			if len(res.Active) > limit {
				return fmt.Errorf("observed set over capacity: %v", res.Active)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent admit: %v", err)
	}

	if admitted.Load() != limit || conflicts.Load() != callers-limit {
		t.Fatalf("admitted=%d conflicts=%d want %d/%d", admitted.Load(), conflicts.Load(), limit, callers-limit)
	}
	set, err := s.List(ctx, acc)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(set) != limit {
		t.Fatalf("final set=%v want %d entries", set, limit)
	}
	assertUnique(t, set)
}

func testConcurrentSameSession(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := testCtx(t)
	acc := newAccount(t, ctx, s)

	var admitted atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			res, err := s.TryAdmit(gctx, acc, "same", 3)
			if err != nil {
				return err
			}
			if res.Outcome == sessionset.AdmitAdmitted {
				admitted.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent admit: %v", err)
	}
	if admitted.Load() != 1 {
		t.Fatalf("admitted=%d want 1", admitted.Load())
	}
	set, err := s.List(ctx, acc)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	assertSet(t, set, "same")
}

func testRemoveTwice(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := testCtx(t)
	acc := newAccount(t, ctx, s)

	admit(t, ctx, s, acc, "a", 3)
	admit(t, ctx, s, acc, "b", 3)

	out, err := s.Remove(ctx, acc, "a")
	if err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if out != sessionset.Removed {
		t.Fatalf("first remove=%v want removed", out)
	}
	out, err = s.Remove(ctx, acc, "a")
	if err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if out != sessionset.NotFound {
		t.Fatalf("second remove=%v want not_found", out)
	}
	set, err := s.List(ctx, acc)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	assertSet(t, set, "b")
}

func testRemoveNotEvicted(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := testCtx(t)
	acc := newAccount(t, ctx, s)

	admit(t, ctx, s, acc, "a", 3)
	if _, err := s.Remove(ctx, acc, "a"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	m, err := s.Lookup(ctx, acc, "a")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if m != sessionset.MemberUnknown {
		t.Fatalf("membership=%v want unknown after voluntary remove", m)
	}
}

func testSwap(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := testCtx(t)
	acc := newAccount(t, ctx, s)

	admit(t, ctx, s, acc, "a", 3)
	admit(t, ctx, s, acc, "b", 3)
	admit(t, ctx, s, acc, "c", 3)

	res, err := s.Swap(ctx, acc, "b", "d")
	if err != nil {
		t.Fatalf("Swap: %v", err)
	}
	if res.Outcome != sessionset.SwapSwapped {
		t.Fatalf("outcome=%v want swapped", res.Outcome)
	}
	assertSet(t, res.Active, "a", "c", "d")

	m, err := s.Lookup(ctx, acc, "b")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if m != sessionset.MemberEvicted {
		t.Fatalf("victim membership=%v want evicted", m)
	}
	ok, err := s.Contains(ctx, acc, "d")
	if err != nil || !ok {
		t.Fatalf("Contains(d)=%v,%v want true", ok, err)
	}
}

func testSwapSelf(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := testCtx(t)
	acc := newAccount(t, ctx, s)

	admit(t, ctx, s, acc, "a", 3)
	res, err := s.Swap(ctx, acc, "a", "a")
	if err != nil {
		t.Fatalf("Swap: %v", err)
	}
	if res.Outcome != sessionset.SwapSelfRejected {
		t.Fatalf("outcome=%v want self_rejected", res.Outcome)
	}
	assertSet(t, res.Active, "a")
}

func testSwapVictimMissing(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := testCtx(t)
	acc := newAccount(t, ctx, s)

	admit(t, ctx, s, acc, "a", 3)
	res, err := s.Swap(ctx, acc, "gone", "n")
	if err != nil {
		t.Fatalf("Swap: %v", err)
	}
	if res.Outcome != sessionset.SwapVictimNotFound {
		t.Fatalf("outcome=%v want victim_not_found", res.Outcome)
	}
	assertSet(t, res.Active, "a")
}

func testSwapNewActive(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := testCtx(t)
	acc := newAccount(t, ctx, s)

	admit(t, ctx, s, acc, "a", 3)
	admit(t, ctx, s, acc, "b", 3)
	res, err := s.Swap(ctx, acc, "a", "b")
	if err != nil {
		t.Fatalf("Swap: %v", err)
	}
	if res.Outcome != sessionset.SwapNewAlreadyActive {
		t.Fatalf("outcome=%v want new_already_active", res.Outcome)
	}
	assertSet(t, res.Active, "a", "b")
}

func testConcurrentSwap(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := testCtx(t)
	acc := newAccount(t, ctx, s)

	admit(t, ctx, s, acc, "a", 3)
	admit(t, ctx, s, acc, "b", 3)
	admit(t, ctx, s, acc, "c", 3)

	const callers = 6
	var swapped, stale atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < callers; i++ {
		newID := fmt.Sprintf("n-%d", i)
		g.Go(func() error {
			res, err := s.Swap(gctx, acc, "a", newID)
			if err != nil {
				return err
			}
			switch res.Outcome {
			case sessionset.SwapSwapped:
				swapped.Add(1)
			case sessionset.SwapVictimNotFound:
				stale.Add(1)
			default:
				return fmt.Errorf("unexpected outcome %v", res.Outcome)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent swap: %v", err)
	}
	if swapped.Load() != 1 || stale.Load() != callers-1 {
		t.Fatalf("swapped=%d stale=%d", swapped.Load(), stale.Load())
	}
	set, err := s.List(ctx, acc)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(set) != 3 {
		t.Fatalf("set=%v want 3 entries", set)
	}
	assertUnique(t, set)
}

func testEvictionBounded(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := testCtx(t)
	acc := newAccount(t, ctx, s)

	admit(t, ctx, s, acc, "v-0", 1)
	total := sessionset.MaxEvictedRemembered + 4
	for i := 1; i <= total; i++ {
		res, err := s.Swap(ctx, acc, fmt.Sprintf("v-%d", i-1), fmt.Sprintf("v-%d", i))
		if err != nil {
			t.Fatalf("Swap %d: %v", i, err)
		}
		if res.Outcome != sessionset.SwapSwapped {
			t.Fatalf("Swap %d outcome=%v", i, res.Outcome)
		}
	}

	newest := fmt.Sprintf("v-%d", total-1)
	if m, err := s.Lookup(ctx, acc, newest); err != nil || m != sessionset.MemberEvicted {
		t.Fatalf("Lookup(%s)=%v,%v want evicted", newest, m, err)
	}
	if m, err := s.Lookup(ctx, acc, "v-0"); err != nil || m != sessionset.MemberUnknown {
		t.Fatalf("Lookup(v-0)=%v,%v want unknown after pruning", m, err)
	}
}

func testReadmitClearsEviction(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := testCtx(t)
	acc := newAccount(t, ctx, s)

	admit(t, ctx, s, acc, "a", 1)
	if _, err := s.Swap(ctx, acc, "a", "b"); err != nil {
		t.Fatalf("Swap: %v", err)
	}
	if _, err := s.Remove(ctx, acc, "b"); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	res := admit(t, ctx, s, acc, "a", 1)
	if res.Outcome != sessionset.AdmitAdmitted {
		t.Fatalf("outcome=%v want admitted", res.Outcome)
	}
	if m, err := s.Lookup(ctx, acc, "a"); err != nil || m != sessionset.MemberActive {
		t.Fatalf("Lookup(a)=%v,%v want active", m, err)
	}
	if _, err := s.Remove(ctx, acc, "a"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if m, err := s.Lookup(ctx, acc, "a"); err != nil || m != sessionset.MemberUnknown {
		t.Fatalf("Lookup(a)=%v,%v want unknown", m, err)
	}
}

func testSwapReadmitClearsEviction(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := testCtx(t)
	acc := newAccount(t, ctx, s)

	admit(t, ctx, s, acc, "a", 1)
	if res, err := s.Swap(ctx, acc, "a", "b"); err != nil || res.Outcome != sessionset.SwapSwapped {
		t.Fatalf("Swap(a->b)=%v,%v", res.Outcome, err)
	}
	if res, err := s.Swap(ctx, acc, "b", "a"); err != nil || res.Outcome != sessionset.SwapSwapped {
		t.Fatalf("Swap(b->a)=%v,%v", res.Outcome, err)
	}
	if m, err := s.Lookup(ctx, acc, "a"); err != nil || m != sessionset.MemberActive {
		t.Fatalf("Lookup(a)=%v,%v want active", m, err)
	}
	if m, err := s.Lookup(ctx, acc, "b"); err != nil || m != sessionset.MemberEvicted {
		t.Fatalf("Lookup(b)=%v,%v want evicted", m, err)
	}

	if out, err := s.Remove(ctx, acc, "a"); err != nil || out != sessionset.Removed {
		t.Fatalf("Remove(a)=%v,%v", out, err)
	}
	if m, err := s.Lookup(ctx, acc, "a"); err != nil || m != sessionset.MemberUnknown {
		t.Fatalf("Lookup(a)=%v,%v want unknown after voluntary removal", m, err)
	}
}
