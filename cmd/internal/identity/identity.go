// Package identity extracts the (account, session) pair from a request whose
// identity was established by an external identity provider.
//
// This package only consumes verified assertions. Login, token issuance and
// session id generation belong to the identity provider.
package identity

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// ErrUnauthenticated is returned when a request carries no usable assertion.
var ErrUnauthenticated = errors.New("identity: unauthenticated")

// Assertion is a verified identity: the account (provider subject) and the
// login-instance session id.
type Assertion struct {
	AccountID string
	SessionID string
}

// Verifier extracts a verified Assertion from an HTTP request.
type Verifier interface {
	Verify(ctx context.Context, r *http.Request) (Assertion, error)
}

// VerifierFunc adapts a function to Verifier.
type VerifierFunc func(ctx context.Context, r *http.Request) (Assertion, error)

func (f VerifierFunc) Verify(ctx context.Context, r *http.Request) (Assertion, error) {
	return f(ctx, r)
}

const (
	// DefaultAccountHeader carries the account id set by a trusted proxy.
	DefaultAccountHeader = "X-Account-Id"
	// DefaultSessionHeader carries the session id set by a trusted proxy.
	DefaultSessionHeader = "X-Session-Id"
)

// HeaderVerifier trusts identity headers injected by an authenticating reverse
// proxy. Only use it behind a proxy that strips client-supplied copies.
type HeaderVerifier struct {
	AccountHeader string
	SessionHeader string
}

func (v HeaderVerifier) Verify(_ context.Context, r *http.Request) (Assertion, error) {
	ah, sh := v.AccountHeader, v.SessionHeader
	if ah == "" {
		ah = DefaultAccountHeader
	}
	if sh == "" {
		sh = DefaultSessionHeader
	}
	a := Assertion{
		AccountID: strings.TrimSpace(r.Header.Get(ah)),
		SessionID: strings.TrimSpace(r.Header.Get(sh)),
	}
	if a.AccountID == "" {
		return Assertion{}, ErrUnauthenticated
	}
	return a, nil
}

// bearerToken extracts the token from an "Authorization: Bearer ..." header.
func bearerToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if h == "" {
		return ""
	}
	scheme, tok, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(tok)
}

type ctxKey struct{}

// WithAssertion stores a in ctx.
func WithAssertion(ctx context.Context, a Assertion) context.Context {
	return context.WithValue(ctx, ctxKey{}, a)
}

// FromContext returns the assertion stored by WithAssertion.
func FromContext(ctx context.Context) (Assertion, bool) {
	a, ok := ctx.Value(ctxKey{}).(Assertion)
	return a, ok
}
