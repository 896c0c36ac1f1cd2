package sessionset

import (
	"context"
	"sync"
)

// MemoryStore is an in-process Store used in dev mode and tests.
// A single mutex serializes all operations, which makes each one trivially
// linearizable.
type MemoryStore struct {
	mu       sync.Mutex
	accounts map[string]*memAccount
}

type memAccount struct {
	active  []string
	evicted []string
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{accounts: make(map[string]*memAccount)}
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

// EnsureAccount creates the account if missing.
func (s *MemoryStore) EnsureAccount(ctx context.Context, accountID string) (bool, error) {
	if err := checkAccount("sessionset.EnsureAccount", accountID); err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[accountID]; ok {
		return false, nil
	}
	s.accounts[accountID] = &memAccount{active: make([]string, 0, 4)}
	return true, nil
}

// Contains reports whether sessionID is active.
func (s *MemoryStore) Contains(ctx context.Context, accountID, sessionID string) (bool, error) {
	m, err := s.Lookup(ctx, accountID, sessionID)
	if err != nil {
		return false, err
	}
	return m == MemberActive, nil
}

// Lookup classifies sessionID for the account.
func (s *MemoryStore) Lookup(ctx context.Context, accountID, sessionID string) (Membership, error) {
	const op = "sessionset.Lookup"
	if err := checkPair(op, accountID, sessionID); err != nil {
		return MemberUnknown, err
	}
	if err := ctx.Err(); err != nil {
		return MemberUnknown, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[accountID]
	if !ok {
		return MemberUnknown, accountNotFound(op)
	}
	switch {
	case indexOf(acc.active, sessionID) >= 0:
		return MemberActive, nil
	case indexOf(acc.evicted, sessionID) >= 0:
		return MemberEvicted, nil
	default:
		return MemberUnknown, nil
	}
}

// List returns a copy of the active set.
func (s *MemoryStore) List(ctx context.Context, accountID string) ([]string, error) {
	const op = "sessionset.List"
	if err := checkAccount(op, accountID); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[accountID]
	if !ok {
		return nil, accountNotFound(op)
	}
	return cloneSet(acc.active), nil
}

// TryAdmit appends sessionID iff absent and below capacity.
func (s *MemoryStore) TryAdmit(ctx context.Context, accountID, sessionID string, maxSessions int) (AdmitResult, error) {
	const op = "sessionset.TryAdmit"
	if err := checkPair(op, accountID, sessionID); err != nil {
		return AdmitResult{}, err
	}
	if maxSessions <= 0 {
		return AdmitResult{}, invalidInput(op, "max sessions")
	}
	if err := ctx.Err(); err != nil {
		return AdmitResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[accountID]
	if !ok {
		return AdmitResult{}, accountNotFound(op)
	}
	if indexOf(acc.active, sessionID) >= 0 {
		return AdmitResult{Outcome: AdmitAlreadyActive, Active: cloneSet(acc.active)}, nil
	}
	if len(acc.active) >= maxSessions {
		return AdmitResult{Outcome: AdmitCapacityConflict, Active: cloneSet(acc.active)}, nil
	}
	acc.active = append(acc.active, sessionID)
	acc.evicted = forgetEvicted(acc.evicted, sessionID)
	return AdmitResult{Outcome: AdmitAdmitted, Active: cloneSet(acc.active)}, nil
}

// Remove deletes sessionID from the active set.
func (s *MemoryStore) Remove(ctx context.Context, accountID, sessionID string) (RemoveOutcome, error) {
	const op = "sessionset.Remove"
	if err := checkPair(op, accountID, sessionID); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[accountID]
	if !ok {
		return 0, accountNotFound(op)
	}
	i := indexOf(acc.active, sessionID)
	if i < 0 {
		return NotFound, nil
	}
	acc.active = append(acc.active[:i], acc.active[i+1:]...)
	return Removed, nil
}

// Swap evicts victimID and appends newID.
func (s *MemoryStore) Swap(ctx context.Context, accountID, victimID, newID string) (SwapResult, error) {
	const op = "sessionset.Swap"
	if err := checkPair(op, accountID, victimID); err != nil {
		return SwapResult{}, err
	}
	if !validID(newID) {
		return SwapResult{}, invalidInput(op, "new session id")
	}
	if err := ctx.Err(); err != nil {
		return SwapResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[accountID]
	if !ok {
		return SwapResult{}, accountNotFound(op)
	}
	if victimID == newID {
		return SwapResult{Outcome: SwapSelfRejected, Active: cloneSet(acc.active)}, nil
	}
	i := indexOf(acc.active, victimID)
	if i < 0 {
		return SwapResult{Outcome: SwapVictimNotFound, Active: cloneSet(acc.active)}, nil
	}
	if indexOf(acc.active, newID) >= 0 {
		return SwapResult{Outcome: SwapNewAlreadyActive, Active: cloneSet(acc.active)}, nil
	}

	acc.active = append(acc.active[:i], acc.active[i+1:]...)
	acc.active = append(acc.active, newID)
	acc.evicted = rememberEvicted(forgetEvicted(acc.evicted, newID), victimID)
	return SwapResult{Outcome: SwapSwapped, Active: cloneSet(acc.active)}, nil
}

var _ Store = (*MemoryStore)(nil)
