package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
)

// Config controls bearer token validation.
type Config struct {
	Issuer string
	// Audiences lists accepted audiences; empty disables the audience check.
	Audiences   []string
	AllowedAlgs []string
	Leeway      time.Duration

	// SessionClaim names the claim carrying the login-instance id (default "sid").
	SessionClaim string
}

// DefaultConfig returns a Config with safe algorithm and leeway defaults.
func DefaultConfig() Config {
	return Config{
		AllowedAlgs:  []string{"RS256"},
		Leeway:       60 * time.Second,
		SessionClaim: "sid",
	}
}

func (c *Config) normalize() error {
	if strings.TrimSpace(c.Issuer) == "" {
		return errors.New("identity: issuer is required")
	}
	if len(c.AllowedAlgs) == 0 {
		c.AllowedAlgs = []string{"RS256"}
	}
	if c.SessionClaim == "" {
		c.SessionClaim = "sid"
	}
	return nil
}

// JWTVerifier validates RS256 bearer tokens against a JWKS and maps
// sub -> AccountID and the session claim -> SessionID.
type JWTVerifier struct {
	cfg     Config
	keyfunc jwt.Keyfunc
}

// NewJWT constructs a verifier with a statically configured JWKS URL. Keys are
// refreshed in the background until ctx is canceled.
func NewJWT(ctx context.Context, cfg Config, jwksURL string) (*JWTVerifier, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(jwksURL) == "" {
		return nil, errors.New("identity: jwks url is required")
	}
	kf, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("identity: jwks init failed: %w", err)
	}
	return newJWTVerifier(cfg, kf.Keyfunc), nil
}

// NewFromDiscovery performs OIDC discovery on cfg.Issuer to find the JWKS URL.
func NewFromDiscovery(ctx context.Context, cfg Config) (*JWTVerifier, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("identity: oidc discovery failed: %w", err)
	}
	var meta struct {
		JwksURI string `json:"jwks_uri"`
	}
	if err := provider.Claims(&meta); err != nil {
		return nil, fmt.Errorf("identity: invalid discovery metadata: %w", err)
	}
	if meta.JwksURI == "" {
		return nil, errors.New("identity: discovery incomplete: missing jwks_uri")
	}
	return NewJWT(ctx, cfg, meta.JwksURI)
}

func newJWTVerifier(cfg Config, kf jwt.Keyfunc) *JWTVerifier {
	return &JWTVerifier{
		cfg: cfg,
		keyfunc: func(t *jwt.Token) (any, error) {
			if alg := t.Method.Alg(); !slices.Contains(cfg.AllowedAlgs, alg) {
				return nil, fmt.Errorf("disallowed alg: %s", alg)
			}
			return kf(t)
		},
	}
}

// Verify implements Verifier using the request's bearer token.
func (v *JWTVerifier) Verify(_ context.Context, r *http.Request) (Assertion, error) {
	tok := bearerToken(r)
	if tok == "" {
		return Assertion{}, ErrUnauthenticated
	}
	return v.VerifyToken(tok)
}

// VerifyToken validates a raw token.
func (v *JWTVerifier) VerifyToken(tok string) (Assertion, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods(v.cfg.AllowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(v.cfg.Issuer),
		jwt.WithLeeway(v.cfg.Leeway),
	}
	if len(v.cfg.Audiences) == 1 {
		opts = append(opts, jwt.WithAudience(v.cfg.Audiences[0]))
	}

	claims := jwt.MapClaims{}
	if _, err := jwt.NewParser(opts...).ParseWithClaims(tok, claims, v.keyfunc); err != nil {
		return Assertion{}, fmt.Errorf("%w: token parse/verify failed: %v", ErrUnauthenticated, err)
	}

	if len(v.cfg.Audiences) > 1 {
		aud, _ := claims.GetAudience()
		if !slices.ContainsFunc(aud, func(a string) bool { return slices.Contains(v.cfg.Audiences, a) }) {
			return Assertion{}, fmt.Errorf("%w: audience mismatch", ErrUnauthenticated)
		}
	}

	sub, _ := claims.GetSubject()
	if sub == "" {
		return Assertion{}, fmt.Errorf("%w: missing sub", ErrUnauthenticated)
	}
	sid, _ := claims[v.cfg.SessionClaim].(string)
	if sid == "" {
		return Assertion{}, fmt.Errorf("%w: missing %s claim", ErrUnauthenticated, v.cfg.SessionClaim)
	}
	return Assertion{AccountID: sub, SessionID: sid}, nil
}

var (
	_ Verifier = (*JWTVerifier)(nil)
	_ Verifier = HeaderVerifier{}
)
