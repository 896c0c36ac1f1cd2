package app

import (
	"context"

	"sessiongate/cmd/internal/identity"
)

// newVerifier builds the identity verifier selected by cfg.Mode. JWKS refresh
// goroutines live until ctx is canceled.
func newVerifier(ctx context.Context, cfg AuthConfig, log Logger) (identity.Verifier, error) {
	switch cfg.Mode {
	case AuthJWT, AuthOIDC:
		icfg := identity.DefaultConfig()
		icfg.Issuer = cfg.Issuer
		icfg.Audiences = cfg.Audiences
		if cfg.SessionClaim != "" {
			icfg.SessionClaim = cfg.SessionClaim
		}
		var (
			v   *identity.JWTVerifier
			err error
		)
		if cfg.Mode == AuthOIDC {
			log.Info("auth.oidc", "issuer", cfg.Issuer)
			v, err = identity.NewFromDiscovery(ctx, icfg)
		} else {
			log.Info("auth.jwt", "issuer", cfg.Issuer, "jwks", cfg.JWKSURL)
			v, err = identity.NewJWT(ctx, icfg, cfg.JWKSURL)
		}
		if err != nil {
			return nil, err
		}
		return v, nil
	default:
		log.Warn("auth.header", "note", "trusting identity headers from upstream proxy")
		return identity.HeaderVerifier{
			AccountHeader: cfg.AccountHeader,
			SessionHeader: cfg.SessionHeader,
		}, nil
	}
}
