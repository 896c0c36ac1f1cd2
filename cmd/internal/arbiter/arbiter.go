package arbiter

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"sessiongate/cmd/internal/sessionset"
	"sessiongate/cmd/internal/suppress"
)

// Status is the outcome of validating one (account, session) pair.
type Status int

const (
	// StatusValid means the session is in the active set (possibly just admitted).
	StatusValid Status = iota + 1
	// StatusSkipped means a logout suppression marker short-circuited validation.
	StatusSkipped
	// StatusConflict means the account is at capacity; the caller must route
	// the user to victim selection and must not retry automatically.
	StatusConflict
	// StatusRevoked means the session was evicted by a conflict resolution on
	// another device; the caller must force a logout.
	StatusRevoked
	// StatusMalformed means the account or session id is empty.
	StatusMalformed
	// StatusAccountNotFound means the account row does not exist and was not provisioned.
	StatusAccountNotFound
)

func (s Status) String() string {
	switch s {
	case StatusValid:
		return "valid"
	case StatusSkipped:
		return "skipped"
	case StatusConflict:
		return "conflict"
	case StatusRevoked:
		return "revoked"
	case StatusMalformed:
		return "malformed"
	case StatusAccountNotFound:
		return "account_not_found"
	default:
		return "invalid"
	}
}

// Allowed reports whether the request may proceed to application handlers.
func (s Status) Allowed() bool { return s == StatusValid || s == StatusSkipped }

// Request is a pending login attempt.
type Request struct {
	AccountID string
	SessionID string
	Now       time.Time
}

// Decision is the arbiter's answer for one Request. For StatusConflict it is
// the conflict record: ActiveSessions is the snapshot the decision was taken on.
type Decision struct {
	Status    Status
	AccountID string
	SessionID string

	// Fresh is true when this call admitted the session.
	Fresh bool

	ActiveSessions []string
	CheckedAt      time.Time
}

// Arbiter validates sessions and resolves capacity conflicts.
//
// It holds no per-account state; every decision is delegated to the store's
// atomic primitives, so any number of Arbiters may share one store.
type Arbiter struct {
	cfg     Config
	store   sessionset.Store
	guard   suppress.Guard
	log     *slog.Logger
	metrics *Metrics
}

// Option configures an Arbiter.
type Option func(*Arbiter)

// WithGuard sets the logout suppression guard. It is ignored when
// Config.SuppressEnabled is false.
func WithGuard(g suppress.Guard) Option {
	return func(a *Arbiter) {
		if g != nil {
			a.guard = g
		}
	}
}

// WithLogger sets the logger (default slog.Default()).
func WithLogger(l *slog.Logger) Option {
	return func(a *Arbiter) {
		if l != nil {
			a.log = l
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *Metrics) Option {
	return func(a *Arbiter) { a.metrics = m }
}

// New constructs an Arbiter.
func New(store sessionset.Store, cfg Config, opts ...Option) (*Arbiter, error) {
	if store == nil {
		return nil, OpError{Op: "arbiter.New", Kind: ErrConfig, Msg: "nil store"}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &Arbiter{
		cfg:   cfg,
		store: store,
		guard: suppress.Nop{},
		log:   slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	if !cfg.SuppressEnabled {
		a.guard = suppress.Nop{}
	}
	return a, nil
}

// Config returns the arbiter configuration.
func (a *Arbiter) Config() Config { return a.cfg }

func wellFormed(ids ...string) bool {
	for _, id := range ids {
		if strings.TrimSpace(id) == "" {
			return false
		}
	}
	return true
}

// ValidateSession runs the arbitration algorithm for one request.
//
// Outcomes are reported through Decision.Status; a non-nil error means the
// store failed or the account stayed contended for MaxResolveRounds.
func (a *Arbiter) ValidateSession(ctx context.Context, req Request) (Decision, error) {
	const op = "arbiter.ValidateSession"
	start := time.Now()
	defer a.metrics.observe(op, start)

	if req.Now.IsZero() {
		req.Now = start.UTC()
	}
	d := Decision{AccountID: req.AccountID, SessionID: req.SessionID, CheckedAt: req.Now}

	if !wellFormed(req.AccountID, req.SessionID) {
		d.Status = StatusMalformed
		a.log.Warn("arbiter.malformed", "err", ErrMalformedSession)
		a.metrics.decision(d.Status)
		return d, nil
	}

	if a.suppressed(ctx, req.AccountID, req.SessionID) {
		d.Status = StatusSkipped
		a.log.Debug("arbiter.skipped", "account_id", req.AccountID, "session_id", req.SessionID)
		a.metrics.decision(d.Status)
		return d, nil
	}

	provisioned := false
	for round := 0; round < a.cfg.MaxResolveRounds; {
		m, err := a.store.Lookup(ctx, req.AccountID, req.SessionID)
		if sessionset.IsAccountNotFound(err) {
			if a.cfg.ProvisionAccounts && !provisioned {
				provisioned = true
				if err := a.provision(ctx, req.AccountID); err != nil {
					a.metrics.storeError(op)
					return Decision{}, err
				}
				continue
			}
			d.Status = StatusAccountNotFound
			a.log.Info("arbiter.account_not_found", "account_id", req.AccountID)
			a.metrics.decision(d.Status)
			return d, nil
		}
		if err != nil {
			a.metrics.storeError(op)
			return Decision{}, err
		}

		switch m {
		case sessionset.MemberActive:
			d.Status = StatusValid
			a.metrics.decision(d.Status)
			return d, nil
		case sessionset.MemberEvicted:
			d.Status = StatusRevoked
			a.log.Info("arbiter.revoked", "account_id", req.AccountID, "session_id", req.SessionID)
			a.metrics.decision(d.Status)
			return d, nil
		}

		res, err := a.store.TryAdmit(ctx, req.AccountID, req.SessionID, a.cfg.MaxSessions)
		switch {
		case sessionset.IsAccountNotFound(err):
			// Removed between Lookup and TryAdmit; re-resolve.
			round++
			continue
		case err != nil:
			a.metrics.storeError(op)
			return Decision{}, err
		}

		switch res.Outcome {
		case sessionset.AdmitAdmitted:
			d.Status = StatusValid
			d.Fresh = true
			a.log.Info("arbiter.admitted",
				"account_id", req.AccountID,
				"session_id", req.SessionID,
				"active", len(res.Active),
			)
			a.metrics.decision(d.Status)
			return d, nil
		case sessionset.AdmitCapacityConflict:
			d.Status = StatusConflict
			d.ActiveSessions = res.Active
			a.log.Info("arbiter.conflict",
				"account_id", req.AccountID,
				"session_id", req.SessionID,
				"active", len(res.Active),
			)
			a.metrics.decision(d.Status)
			return d, nil
		case sessionset.AdmitAlreadyActive:
			// A parallel request admitted it; the next Lookup settles the answer.
			round++
			continue
		default:
			a.metrics.storeError(op)
			return Decision{}, OpError{Op: op, Kind: sessionset.ErrUnexpectedReply, Msg: res.Outcome.String()}
		}
	}

	a.log.Warn("arbiter.contended", "account_id", req.AccountID, "session_id", req.SessionID, "rounds", a.cfg.MaxResolveRounds)
	a.metrics.storeError(op)
	return Decision{}, OpError{Op: op, Kind: ErrContended}
}

func (a *Arbiter) provision(ctx context.Context, accountID string) error {
	created, err := a.store.EnsureAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if created {
		a.log.Info("arbiter.provisioned", "account_id", accountID)
	}
	return nil
}

// suppressed consults the guard. Guard failures are logged and read as "no marker".
func (a *Arbiter) suppressed(ctx context.Context, accountID, sessionID string) bool {
	ok, err := a.guard.Active(ctx, suppress.Key(accountID, sessionID))
	if err != nil {
		a.log.Warn("arbiter.guard_error", "op", "active", "err", err)
		return false
	}
	return ok
}

// RemoveSession removes a session from the account's active set. Removing an
// absent session (or one of an unknown account) reports NotFound.
func (a *Arbiter) RemoveSession(ctx context.Context, accountID, sessionID string) (sessionset.RemoveOutcome, error) {
	const op = "arbiter.RemoveSession"
	start := time.Now()
	defer a.metrics.observe(op, start)

	if !wellFormed(accountID, sessionID) {
		return 0, OpError{Op: op, Kind: ErrMalformedSession}
	}

	out, err := a.store.Remove(ctx, accountID, sessionID)
	if sessionset.IsAccountNotFound(err) {
		out, err = sessionset.NotFound, nil
	}
	if err != nil {
		a.metrics.storeError(op)
		return 0, err
	}
	a.metrics.removal(out.String())
	a.log.Info("arbiter.removed", "account_id", accountID, "session_id", sessionID, "outcome", out.String())
	return out, nil
}

// BeginLogout marks the suppression guard for the session and then removes it.
// Guard failures are logged; removal still happens. If removal fails the
// marker is cleared again, since the session is still signed in.
func (a *Arbiter) BeginLogout(ctx context.Context, accountID, sessionID string) (sessionset.RemoveOutcome, error) {
	if !wellFormed(accountID, sessionID) {
		return 0, OpError{Op: "arbiter.BeginLogout", Kind: ErrMalformedSession}
	}
	key := suppress.Key(accountID, sessionID)
	if err := a.guard.Mark(ctx, key, a.cfg.SuppressTTL); err != nil {
		a.log.Warn("arbiter.guard_error", "op", "mark", "err", err)
	}
	out, err := a.RemoveSession(ctx, accountID, sessionID)
	if err != nil {
		if cerr := a.guard.Clear(context.WithoutCancel(ctx), key); cerr != nil {
			a.log.Warn("arbiter.guard_error", "op", "clear", "err", cerr)
		}
		return 0, err
	}
	return out, nil
}

// IsSessionActive reports whether the session is in the active set. An unknown
// account has no active sessions.
func (a *Arbiter) IsSessionActive(ctx context.Context, accountID, sessionID string) (bool, error) {
	const op = "arbiter.IsSessionActive"
	if !wellFormed(accountID, sessionID) {
		return false, OpError{Op: op, Kind: ErrMalformedSession}
	}
	ok, err := a.store.Contains(ctx, accountID, sessionID)
	if sessionset.IsAccountNotFound(err) {
		return false, nil
	}
	if err != nil {
		a.metrics.storeError(op)
		return false, err
	}
	return ok, nil
}

// ActiveSessions returns the account's active set in insertion order.
func (a *Arbiter) ActiveSessions(ctx context.Context, accountID string) ([]string, error) {
	const op = "arbiter.ActiveSessions"
	if !wellFormed(accountID) {
		return nil, OpError{Op: op, Kind: ErrMalformedSession}
	}
	set, err := a.store.List(ctx, accountID)
	if err != nil && !errors.Is(err, sessionset.ErrAccountNotFound) {
		a.metrics.storeError(op)
	}
	return set, err
}
