package arbiter

import (
	"context"
	"time"

	"sessiongate/cmd/internal/sessionset"
)

// Resolution is the outcome of ResolveConflict.
type Resolution int

const (
	// ResolutionResolved means the pending session is active and the victim is gone.
	ResolutionResolved Resolution = iota + 1
	// ResolutionSelfEvictionForbidden means the victim is the pending session itself.
	ResolutionSelfEvictionForbidden
	// ResolutionStaleVictim means the victim was no longer active (logged out or
	// evicted concurrently). The caller should re-prompt with ActiveSessions
	// instead of retrying the same victim.
	ResolutionStaleVictim
)

func (r Resolution) String() string {
	switch r {
	case ResolutionResolved:
		return "resolved"
	case ResolutionSelfEvictionForbidden:
		return "self_eviction_forbidden"
	case ResolutionStaleVictim:
		return "stale_victim"
	default:
		return "invalid"
	}
}

// ResolveResult carries the resolution and the active set after the attempt.
type ResolveResult struct {
	Resolution     Resolution
	ActiveSessions []string
}

// ResolveConflict evicts victimID and admits newID in one store operation.
//
// After a successful resolution the victim is recorded as evicted, so its next
// validation yields StatusRevoked rather than StatusConflict.
func (a *Arbiter) ResolveConflict(ctx context.Context, accountID, victimID, newID string) (ResolveResult, error) {
	const op = "arbiter.ResolveConflict"
	start := time.Now()
	defer a.metrics.observe(op, start)

	if !wellFormed(accountID, victimID, newID) {
		return ResolveResult{}, OpError{Op: op, Kind: ErrMalformedSession}
	}
	if victimID == newID {
		a.metrics.resolution(ResolutionSelfEvictionForbidden)
		return ResolveResult{Resolution: ResolutionSelfEvictionForbidden}, nil
	}

	res, err := a.store.Swap(ctx, accountID, victimID, newID)
	if err != nil {
		if !sessionset.IsAccountNotFound(err) {
			a.metrics.storeError(op)
		}
		return ResolveResult{}, err
	}

	out := ResolveResult{ActiveSessions: res.Active}
	switch res.Outcome {
	case sessionset.SwapSwapped:
		out.Resolution = ResolutionResolved
		a.log.Info("arbiter.evicted",
			"account_id", accountID,
			"victim_session_id", victimID,
			"session_id", newID,
		)
	case sessionset.SwapNewAlreadyActive:
		// Admitted by a parallel request; nothing is evicted.
		out.Resolution = ResolutionResolved
	case sessionset.SwapVictimNotFound:
		out.Resolution = ResolutionStaleVictim
		a.log.Info("arbiter.stale_victim", "account_id", accountID, "victim_session_id", victimID)
	case sessionset.SwapSelfRejected:
		out.Resolution = ResolutionSelfEvictionForbidden
	default:
		a.metrics.storeError(op)
		return ResolveResult{}, OpError{Op: op, Kind: sessionset.ErrUnexpectedReply, Msg: res.Outcome.String()}
	}
	a.metrics.resolution(out.Resolution)
	return out, nil
}
