package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"sessiongate/cmd/internal/arbiter"
	"sessiongate/cmd/internal/identity"
	"sessiongate/cmd/internal/sessionset"
)

// Handler wires the session HTTP endpoints to the arbiter.
type Handler struct {
	log *slog.Logger
	cfg Config

	arbiter  *arbiter.Arbiter
	verifier identity.Verifier
	limiter  *keyedLimiter

	now func() time.Time
}

// HandlerOption configures optional handler dependencies.
type HandlerOption func(*Handler)

// WithClock overrides the wall clock used for decisions and rate limiting.
func WithClock(now func() time.Time) HandlerOption {
	return func(h *Handler) {
		if h == nil || now == nil {
			return
		}
		h.now = now
	}
}

// NewHandler constructs a session API Handler.
func NewHandler(log *slog.Logger, arb *arbiter.Arbiter, verifier identity.Verifier, cfg Config, opts ...HandlerOption) (*Handler, error) {
	if arb == nil {
		return nil, errors.New("api: nil arbiter")
	}
	if verifier == nil {
		return nil, errors.New("api: nil verifier")
	}
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultConfig().MaxBodyBytes
	}

	h := &Handler{
		log:      log,
		cfg:      cfg,
		arbiter:  arb,
		verifier: verifier,
		limiter:  newKeyedLimiter(cfg.CheckRateLimit, cfg.CheckRateWindow),
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(h)
	}
	return h, nil
}

// Register wires session routes onto the provided mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.Handle("/api/session", h.RequireSession(http.HandlerFunc(h.handleSession)))
	mux.Handle("/api/sessions", h.RequireSession(http.HandlerFunc(h.handleSessions)))
	mux.HandleFunc("/api/sessions/resolve", h.handleResolve)
	mux.HandleFunc("/api/logout", h.handleLogout)
	mux.HandleFunc("/api/check-session", h.handleCheckSession)
}

type decisionKey struct{}

func withDecision(ctx context.Context, d arbiter.Decision) context.Context {
	return context.WithValue(ctx, decisionKey{}, d)
}

// DecisionFromContext returns the arbiter decision stored by RequireSession.
func DecisionFromContext(ctx context.Context) (arbiter.Decision, bool) {
	d, ok := ctx.Value(decisionKey{}).(arbiter.Decision)
	return d, ok
}

// RequireSession verifies the caller and runs session arbitration before next.
// Only Valid and Skipped decisions reach next.
func (h *Handler) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a, ok := h.authenticate(w, r)
		if !ok {
			return
		}

		d, err := h.arbiter.ValidateSession(r.Context(), arbiter.Request{
			AccountID: a.AccountID,
			SessionID: a.SessionID,
			Now:       h.now().UTC(),
		})
		if err != nil {
			h.writeArbiterError(w, "api.session.validate.fail", err)
			return
		}

		switch d.Status {
		case arbiter.StatusValid, arbiter.StatusSkipped:
			ctx := identity.WithAssertion(r.Context(), a)
			next.ServeHTTP(w, r.WithContext(withDecision(ctx, d)))
		case arbiter.StatusConflict:
			writeJSON(w, http.StatusConflict, conflictResponse{
				Error:              apiError{Code: "session_conflict", Message: "maximum concurrent sessions reached"},
				AttemptedSessionID: d.SessionID,
				ActiveSessions:     toSessionViews(d.ActiveSessions, d.SessionID),
			})
		case arbiter.StatusRevoked:
			writeError(w, http.StatusUnauthorized, "session_revoked", "session was signed out from another device")
		case arbiter.StatusMalformed:
			writeError(w, http.StatusBadRequest, "malformed_session", "session identity is missing")
		case arbiter.StatusAccountNotFound:
			writeError(w, http.StatusNotFound, "account_not_found", "account not found")
		default:
			h.log.Error("api.session.validate.unknown_status", "status", d.Status.String())
			writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		}
	})
}

func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request) (identity.Assertion, bool) {
	a, err := h.verifier.Verify(r.Context(), r)
	if err != nil {
		if !errors.Is(err, identity.ErrUnauthenticated) {
			h.log.Warn("api.auth.verify.fail", "err", err)
		}
		writeError(w, http.StatusUnauthorized, "unauthenticated", "authentication required")
		return identity.Assertion{}, false
	}
	return a, true
}

func (h *Handler) writeArbiterError(w http.ResponseWriter, event string, err error) {
	switch {
	case arbiter.IsContended(err):
		writeContended(w)
	case arbiter.IsMalformed(err), sessionset.IsInvalidInput(err):
		writeError(w, http.StatusBadRequest, "malformed_session", "session identity is missing")
	case sessionset.IsAccountNotFound(err):
		writeError(w, http.StatusNotFound, "account_not_found", "account not found")
	case errors.Is(err, context.Canceled):
		// Client went away; nothing useful to write.
	default:
		h.log.Error(event, "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
	}
}

// ---- handlers ----

func (h *Handler) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	d, _ := DecisionFromContext(r.Context())
	writeJSON(w, http.StatusOK, sessionStatusResponse{
		Status:         d.Status.String(),
		Fresh:          d.Fresh,
		AccountID:      d.AccountID,
		SessionID:      d.SessionID,
		PollIntervalMs: h.arbiter.Config().PollInterval.Milliseconds(),
	})
}

func (h *Handler) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	a, _ := identity.FromContext(r.Context())
	ids, err := h.arbiter.ActiveSessions(r.Context(), a.AccountID)
	if err != nil {
		h.writeArbiterError(w, "api.sessions.list.fail", err)
		return
	}
	writeJSON(w, http.StatusOK, sessionsResponse{
		CurrentSessionID: a.SessionID,
		Sessions:         toSessionViews(ids, a.SessionID),
	})
}

// handleResolve is reachable by a session that is currently in conflict, so it
// authenticates without arbitration.
func (h *Handler) handleResolve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	a, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	var req resolveRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	victim := strings.TrimSpace(req.VictimSessionID)
	if victim == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "victimSessionId is required")
		return
	}

	res, err := h.arbiter.ResolveConflict(r.Context(), a.AccountID, victim, a.SessionID)
	if err != nil {
		h.writeArbiterError(w, "api.resolve.fail", err)
		return
	}

	views := toSessionViews(res.ActiveSessions, a.SessionID)
	switch res.Resolution {
	case arbiter.ResolutionResolved:
		h.log.Info("api.resolve.ok", "account_id", a.AccountID, "victim", victim)
		writeJSON(w, http.StatusOK, resolveResponse{Status: res.Resolution.String(), ActiveSessions: views})
	case arbiter.ResolutionSelfEvictionForbidden:
		writeError(w, http.StatusBadRequest, "self_eviction_forbidden", "cannot sign out the current session")
	case arbiter.ResolutionStaleVictim:
		writeJSON(w, http.StatusConflict, staleVictimResponse{
			Error:          apiError{Code: "stale_victim", Message: "selected session is no longer active"},
			ActiveSessions: views,
		})
	default:
		h.log.Error("api.resolve.unknown_resolution", "resolution", res.Resolution.String())
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
	}
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	a, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	if strings.TrimSpace(a.SessionID) == "" {
		writeError(w, http.StatusBadRequest, "malformed_session", "session identity is missing")
		return
	}

	out, err := h.arbiter.BeginLogout(r.Context(), a.AccountID, a.SessionID)
	if err != nil {
		h.writeArbiterError(w, "api.logout.fail", err)
		return
	}
	writeJSON(w, http.StatusOK, logoutResponse{Removed: out == sessionset.Removed})
}

// handleCheckSession is the liveness endpoint. It reports membership only and
// never admits or evicts.
func (h *Handler) handleCheckSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req checkSessionRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	accountID := strings.TrimSpace(req.AccountID)
	if accountID == "" {
		accountID = strings.TrimSpace(req.Auth0ID)
	}
	sessionID := strings.TrimSpace(req.CurrentSessionID)
	if accountID == "" || sessionID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "accountId and currentSessionId are required")
		return
	}

	if ok, retryAfter := h.limiter.Allow(accountID, h.now()); !ok {
		writeRateLimited(w, retryAfter)
		return
	}

	active, err := h.arbiter.IsSessionActive(r.Context(), accountID, sessionID)
	if err != nil {
		h.writeArbiterError(w, "api.check_session.fail", err)
		return
	}
	writeJSON(w, http.StatusOK, checkSessionResponse{IsValid: active})
}
