package app

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"sessiongate/cmd/internal/api"
	"sessiongate/cmd/internal/arbiter"
	"sessiongate/cmd/internal/identity"
)

func testConfig() Config {
	return Config{
		HTTPAddr: "127.0.0.1:0",
		Store:    StoreMemory,
		Auth:     AuthConfig{Mode: AuthHeader},
		Arbiter:  arbiter.DefaultConfig(),
		API:      api.DefaultConfig(),
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestApp(t *testing.T, cfg Config) *App {
	t.Helper()
	a, err := New(context.Background(), cfg, quietLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestApp_HealthReadyMetrics(t *testing.T) {
	a := newTestApp(t, testConfig())
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("GET %s status=%d", path, resp.StatusCode)
		}
		if resp.Header.Get(RequestIDHeader) == "" {
			t.Fatalf("GET %s missing request id", path)
		}
	}

	// Drive one arbitration so the arbiter counters have a sample.
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/session", nil)
	req.Header.Set(identity.DefaultAccountHeader, "acc-1")
	req.Header.Set(identity.DefaultSessionHeader, "A")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /api/session: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /api/session status=%d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	for _, want := range []string{
		`sessiongate_arbiter_decisions_total{status="valid"} 1`,
		"sessiongate_http_requests_total",
		"go_goroutines",
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}

func TestApp_SQLiteBackend(t *testing.T) {
	cfg := testConfig()
	cfg.Store = StoreSQLite
	cfg.SQLitePath = filepath.Join(t.TempDir(), "sg.db")
	cfg.ReadinessRequireDB = true

	a := newTestApp(t, cfg)
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("readyz status=%d", resp.StatusCode)
	}

	d, err := a.Arbiter().ValidateSession(context.Background(), arbiter.Request{AccountID: "acc-1", SessionID: "A"})
	if err != nil {
		t.Fatalf("ValidateSession: %v", err)
	}
	if d.Status != arbiter.StatusValid || !d.Fresh {
		t.Fatalf("decision=%+v", d)
	}
}

func TestApp_ReadinessRequiresDurableStore(t *testing.T) {
	cfg := testConfig()
	// Bypass ValidateConfig to exercise the handler branch directly.
	backend, err := OpenBackend(context.Background(), cfg, quietLogger(), false)
	if err != nil {
		t.Fatalf("OpenBackend: %v", err)
	}
	cfg.ReadinessRequireDB = true
	a, err := newWithBackend(context.Background(), cfg, quietLogger(), backend)
	if err != nil {
		t.Fatalf("newWithBackend: %v", err)
	}

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz status=%d want 503", rec.Code)
	}
}

func TestApp_RunStopsOnCancel(t *testing.T) {
	a := newTestApp(t, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	cancel()

	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestValidateConfig(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "memory ok", mutate: func(*Config) {}},
		{name: "unknown store", mutate: func(c *Config) { c.Store = "etcd" }, wantErr: true},
		{name: "postgres without url", mutate: func(c *Config) { c.Store = StorePostgres }, wantErr: true},
		{name: "postgres with url", mutate: func(c *Config) { c.Store = StorePostgres; c.DatabaseURL = "postgres://x" }},
		{name: "redis without addr", mutate: func(c *Config) { c.Store = StoreRedis }, wantErr: true},
		{name: "sqlite without path", mutate: func(c *Config) { c.Store = StoreSQLite }, wantErr: true},
		{name: "jwt without jwks", mutate: func(c *Config) { c.Auth = AuthConfig{Mode: AuthJWT, Issuer: "https://idp"} }, wantErr: true},
		{name: "oidc needs issuer", mutate: func(c *Config) { c.Auth = AuthConfig{Mode: AuthOIDC} }, wantErr: true},
		{name: "unknown auth", mutate: func(c *Config) { c.Auth.Mode = "basic" }, wantErr: true},
		{name: "ready requires durable", mutate: func(c *Config) { c.ReadinessRequireDB = true }, wantErr: true},
		{name: "bad arbiter", mutate: func(c *Config) { c.Arbiter.MaxSessions = 0 }, wantErr: true},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := testConfig()
			tc.mutate(&cfg)
			err := ValidateConfig(cfg)
			if (err != nil) != tc.wantErr {
				t.Fatalf("ValidateConfig err=%v wantErr=%v", err, tc.wantErr)
			}
		})
	}
}

func TestLoadConfig_FromEnv(t *testing.T) {
	t.Setenv("SG_STORE", "Redis")
	t.Setenv("SG_REDIS_ADDR", "redis.internal:6380")
	t.Setenv("SG_REDIS_DB", "2")
	t.Setenv("SG_AUTH_AUDIENCE", "api, web ,")
	t.Setenv("SG_MAX_SESSIONS", "5")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Store != StoreRedis {
		t.Fatalf("Store=%q", cfg.Store)
	}
	if cfg.Redis.Addr != "redis.internal:6380" || cfg.Redis.DB != 2 {
		t.Fatalf("Redis=%+v", cfg.Redis)
	}
	if cfg.Redis.KeyPrefix != "sessiongate:" {
		t.Fatalf("KeyPrefix=%q", cfg.Redis.KeyPrefix)
	}
	if strings.Join(cfg.Auth.Audiences, "|") != "api|web" {
		t.Fatalf("Audiences=%v", cfg.Auth.Audiences)
	}
	if cfg.Arbiter.MaxSessions != 5 {
		t.Fatalf("MaxSessions=%d", cfg.Arbiter.MaxSessions)
	}
}
