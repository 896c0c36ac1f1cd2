package identity

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

type mockIdP struct {
	srv    *httptest.Server
	issuer string
}

func newMockIdP(t *testing.T, keysJSON []byte) *mockIdP {
	t.Helper()
	m := &mockIdP{}
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"issuer":                                m.issuer,
			"jwks_uri":                              m.issuer + "/keys",
			"authorization_endpoint":                m.issuer + "/authorize",
			"token_endpoint":                        m.issuer + "/oauth/token",
			"response_types_supported":              []string{"code"},
			"subject_types_supported":               []string{"public"},
			"id_token_signing_alg_values_supported": []string{"RS256"},
		})
	})
	mux.HandleFunc("/keys", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(keysJSON)
	})
	m.srv = httptest.NewServer(mux)
	m.issuer = m.srv.URL
	t.Cleanup(m.srv.Close)
	return m
}

func genRSA(t *testing.T) (*rsa.PrivateKey, string, []byte) {
	t.Helper()
	pk, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("gen key: %v", err)
	}
	kid := "test-key"
	jwk := jose.JSONWebKey{Key: &pk.PublicKey, KeyID: kid, Algorithm: "RS256", Use: "sig"}
	set := struct {
		Keys []jose.JSONWebKey `json:"keys"`
	}{Keys: []jose.JSONWebKey{jwk}}
	b, err := json.Marshal(set)
	if err != nil {
		t.Fatalf("marshal jwks: %v", err)
	}
	return pk, kid, b
}

func signToken(t *testing.T, pk *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	s, err := tok.SignedString(pk)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func bearerRequest(tok string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/api/session", nil)
	if tok != "" {
		r.Header.Set("Authorization", "Bearer "+tok)
	}
	return r
}

func validClaims(issuer string) jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"iss": issuer,
		"sub": "auth0|user-1",
		"aud": "sessiongate",
		"sid": "sess-abc",
		"exp": now.Add(time.Hour).Unix(),
		"iat": now.Unix(),
	}
}

func newTestVerifier(t *testing.T, idp *mockIdP, mutate func(*Config)) *JWTVerifier {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Issuer = idp.issuer
	cfg.Audiences = []string{"sessiongate"}
	cfg.Leeway = 0
	if mutate != nil {
		mutate(&cfg)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	v, err := NewFromDiscovery(ctx, cfg)
	if err != nil {
		t.Fatalf("NewFromDiscovery: %v", err)
	}
	return v
}

func TestJWTVerifier_HappyPath(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	idp := newMockIdP(t, jwks)
	v := newTestVerifier(t, idp, nil)

	a, err := v.Verify(context.Background(), bearerRequest(signToken(t, pk, kid, validClaims(idp.issuer))))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if a.AccountID != "auth0|user-1" || a.SessionID != "sess-abc" {
		t.Fatalf("assertion=%+v", a)
	}
}

func TestJWTVerifier_StaticJWKS(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	idp := newMockIdP(t, jwks)

	cfg := DefaultConfig()
	cfg.Issuer = idp.issuer
	cfg.SessionClaim = "device_session"
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	v, err := NewJWT(ctx, cfg, idp.issuer+"/keys")
	if err != nil {
		t.Fatalf("NewJWT: %v", err)
	}

	claims := validClaims(idp.issuer)
	delete(claims, "sid")
	claims["device_session"] = "dev-9"
	a, err := v.VerifyToken(signToken(t, pk, kid, claims))
	if err != nil {
		t.Fatalf("VerifyToken: %v", err)
	}
	if a.SessionID != "dev-9" {
		t.Fatalf("session=%q", a.SessionID)
	}
}

func TestJWTVerifier_Rejects(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	idp := newMockIdP(t, jwks)
	v := newTestVerifier(t, idp, nil)

	otherKey, _, _ := genRSA(t)

	cases := []struct {
		name string
		tok  func() string
	}{
		{"missing token", func() string { return "" }},
		{"expired", func() string {
			c := validClaims(idp.issuer)
			c["exp"] = time.Now().Add(-time.Minute).Unix()
			return signToken(t, pk, kid, c)
		}},
		{"wrong issuer", func() string {
			c := validClaims(idp.issuer)
			c["iss"] = "https://evil.example.com"
			return signToken(t, pk, kid, c)
		}},
		{"wrong audience", func() string {
			c := validClaims(idp.issuer)
			c["aud"] = "someone-else"
			return signToken(t, pk, kid, c)
		}},
		{"missing sub", func() string {
			c := validClaims(idp.issuer)
			delete(c, "sub")
			return signToken(t, pk, kid, c)
		}},
		{"missing sid", func() string {
			c := validClaims(idp.issuer)
			delete(c, "sid")
			return signToken(t, pk, kid, c)
		}},
		{"bad signature", func() string { return signToken(t, otherKey, kid, validClaims(idp.issuer)) }},
		{"hs256", func() string {
			tok := jwt.NewWithClaims(jwt.SigningMethodHS256, validClaims(idp.issuer))
			tok.Header["kid"] = kid
			s, _ := tok.SignedString([]byte("secret"))
			return s
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := v.Verify(context.Background(), bearerRequest(tc.tok()))
			if !errors.Is(err, ErrUnauthenticated) {
				t.Fatalf("expected ErrUnauthenticated, got %v", err)
			}
		})
	}
}

func TestJWTVerifier_MultipleAudiences(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	idp := newMockIdP(t, jwks)
	v := newTestVerifier(t, idp, func(c *Config) { c.Audiences = []string{"prod", "sessiongate"} })

	if _, err := v.VerifyToken(signToken(t, pk, kid, validClaims(idp.issuer))); err != nil {
		t.Fatalf("VerifyToken: %v", err)
	}
	c := validClaims(idp.issuer)
	c["aud"] = []string{"other"}
	if _, err := v.VerifyToken(signToken(t, pk, kid, c)); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected audience mismatch, got %v", err)
	}
}

func TestNewJWT_Validation(t *testing.T) {
	ctx := context.Background()
	if _, err := NewJWT(ctx, DefaultConfig(), "https://example.com/keys"); err == nil {
		t.Fatalf("expected error without issuer")
	}
	cfg := DefaultConfig()
	cfg.Issuer = "https://issuer"
	if _, err := NewJWT(ctx, cfg, ""); err == nil {
		t.Fatalf("expected error without jwks url")
	}
}
