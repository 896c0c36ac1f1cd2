package sessionset

import (
	"context"
	"strings"
)

// MaxEvictedRemembered bounds how many evicted session ids are kept per account.
const MaxEvictedRemembered = 16

// maxIDLen rejects pathological identifiers before they reach a backend.
const maxIDLen = 512

// Membership classifies a session id relative to an account's set.
type Membership int

const (
	// MemberUnknown means the id is neither active nor recently evicted.
	MemberUnknown Membership = iota
	// MemberActive means the id is in the active set.
	MemberActive
	// MemberEvicted means the id was removed by a conflict resolution.
	MemberEvicted
)

func (m Membership) String() string {
	switch m {
	case MemberActive:
		return "active"
	case MemberEvicted:
		return "evicted"
	default:
		return "unknown"
	}
}

// AdmitOutcome is the decision taken by TryAdmit.
type AdmitOutcome int

const (
	// AdmitAdmitted means the session was appended.
	AdmitAdmitted AdmitOutcome = iota + 1
	// AdmitAlreadyActive means the session was already in the set; nothing changed.
	AdmitAlreadyActive
	// AdmitCapacityConflict means the set is full; nothing changed.
	AdmitCapacityConflict
)

func (o AdmitOutcome) String() string {
	switch o {
	case AdmitAdmitted:
		return "admitted"
	case AdmitAlreadyActive:
		return "already_active"
	case AdmitCapacityConflict:
		return "capacity_conflict"
	default:
		return "invalid"
	}
}

// AdmitResult carries the outcome and the set as it stood when the decision was taken.
type AdmitResult struct {
	Outcome AdmitOutcome
	Active  []string
}

// RemoveOutcome is the result of Remove. NotFound is not an error.
type RemoveOutcome int

const (
	// Removed means the session was in the set and is gone now.
	Removed RemoveOutcome = iota + 1
	// NotFound means the session was not in the set.
	NotFound
)

func (o RemoveOutcome) String() string {
	switch o {
	case Removed:
		return "removed"
	case NotFound:
		return "not_found"
	default:
		return "invalid"
	}
}

// SwapOutcome is the decision taken by Swap.
type SwapOutcome int

const (
	// SwapSwapped means the victim was evicted and the new session appended.
	SwapSwapped SwapOutcome = iota + 1
	// SwapVictimNotFound means the victim is not in the set; nothing changed.
	SwapVictimNotFound
	// SwapSelfRejected means victim and new session are the same id; nothing changed.
	SwapSelfRejected
	// SwapNewAlreadyActive means the new session is already in the set; nothing changed.
	SwapNewAlreadyActive
)

func (o SwapOutcome) String() string {
	switch o {
	case SwapSwapped:
		return "swapped"
	case SwapVictimNotFound:
		return "victim_not_found"
	case SwapSelfRejected:
		return "self_rejected"
	case SwapNewAlreadyActive:
		return "new_already_active"
	default:
		return "invalid"
	}
}

// SwapResult carries the outcome and the set after the operation.
type SwapResult struct {
	Outcome SwapOutcome
	Active  []string
}

// Store abstracts persistence of per-account session sets.
//
// Implementations must make TryAdmit, Remove and Swap linearizable per account:
// each one is a single conditional write evaluated by the backend (transaction,
// compare-and-swap or server-side script). A backend that cannot guarantee this
// must fail the call rather than fall back to read-modify-write.
type Store interface {
	// EnsureAccount creates the account row if missing (idempotent).
	EnsureAccount(ctx context.Context, accountID string) (created bool, err error)

	// Contains reports whether sessionID is in the active set.
	Contains(ctx context.Context, accountID, sessionID string) (bool, error)

	// Lookup classifies sessionID as active, recently evicted, or unknown.
	Lookup(ctx context.Context, accountID, sessionID string) (Membership, error)

	// List returns the active set in insertion order.
	List(ctx context.Context, accountID string) ([]string, error)

	// TryAdmit appends sessionID iff it is absent and the set holds fewer than maxSessions.
	TryAdmit(ctx context.Context, accountID, sessionID string, maxSessions int) (AdmitResult, error)

	// Remove deletes sessionID from the active set.
	Remove(ctx context.Context, accountID, sessionID string) (RemoveOutcome, error)

	// Swap evicts victimID and appends newID in one step, recording the eviction.
	Swap(ctx context.Context, accountID, victimID, newID string) (SwapResult, error)

	// Close releases resources owned by the store.
	Close() error
}

func validID(s string) bool {
	return strings.TrimSpace(s) != "" && len(s) <= maxIDLen
}

func checkAccount(op, accountID string) error {
	if !validID(accountID) {
		return invalidInput(op, "account id")
	}
	return nil
}

func checkPair(op, accountID, sessionID string) error {
	if err := checkAccount(op, accountID); err != nil {
		return err
	}
	if !validID(sessionID) {
		return invalidInput(op, "session id")
	}
	return nil
}

func indexOf(set []string, id string) int {
	for i, s := range set {
		if s == id {
			return i
		}
	}
	return -1
}

// cloneSet copies set. The result is never nil, so an empty set stays
// distinguishable from an absent account.
func cloneSet(set []string) []string {
	out := make([]string, len(set))
	copy(out, set)
	return out
}

// forgetEvicted drops id from the eviction record.
func forgetEvicted(evicted []string, id string) []string {
	if i := indexOf(evicted, id); i >= 0 {
		evicted = append(evicted[:i], evicted[i+1:]...)
	}
	return evicted
}

// rememberEvicted appends id and keeps only the newest MaxEvictedRemembered entries.
func rememberEvicted(evicted []string, id string) []string {
	evicted = append(forgetEvicted(evicted, id), id)
	if len(evicted) > MaxEvictedRemembered {
		evicted = evicted[len(evicted)-MaxEvictedRemembered:]
	}
	return evicted
}
