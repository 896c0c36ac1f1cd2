// Package suppress implements the logout suppression guard: a short-lived
// marker set when a voluntary logout begins, telling the arbiter to skip
// validation for that session until the logout round trip completes.
//
// The guard is advisory. Correctness under concurrent logins and logouts is
// provided by the session store; a guard failure must never fail a request.
package suppress

import (
	"context"
	"strconv"
	"strings"
	"time"
)

// DefaultTTL covers the window between "logout initiated" and "identity
// provider cleared the session".
const DefaultTTL = 5 * time.Second

// Guard stores expiring suppression markers.
type Guard interface {
	// Mark sets a marker for key that expires after ttl.
	Mark(ctx context.Context, key string, ttl time.Duration) error
	// Active reports whether an unexpired marker exists for key.
	Active(ctx context.Context, key string) (bool, error)
	// Clear removes the marker for key (no-op if absent).
	Clear(ctx context.Context, key string) error
}

// Key scopes a marker to one requester. The account id is length-prefixed so
// ids containing "/" cannot collide.
func Key(accountID, sessionID string) string {
	accountID = strings.TrimSpace(accountID)
	return strconv.Itoa(len(accountID)) + ":" + accountID + "/" + strings.TrimSpace(sessionID)
}

// Nop is a Guard that never holds markers. It is used when suppression is disabled.
type Nop struct{}

func (Nop) Mark(context.Context, string, time.Duration) error { return nil }
func (Nop) Active(context.Context, string) (bool, error)      { return false, nil }
func (Nop) Clear(context.Context, string) error               { return nil }

var _ Guard = Nop{}
