// Package app wires the sessiongate server runtime: config, logging, store
// selection, identity verification and HTTP routes.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"sessiongate/cmd/internal/api"
	"sessiongate/cmd/internal/arbiter"
)

// App is the sessiongate server runtime. It owns the backend and the HTTP
// handler tree.
type App struct {
	cfg Config
	log Logger

	backend *Backend
	arbiter *arbiter.Arbiter
	reg     *prometheus.Registry

	handler http.Handler
}

// New constructs a fully wired App. ctx bounds background work started during
// construction, such as JWKS refresh.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}

	backend, err := OpenBackend(ctx, cfg, log, false)
	if err != nil {
		return nil, err
	}

	a, err := newWithBackend(ctx, cfg, log, backend)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	return a, nil
}

func newWithBackend(ctx context.Context, cfg Config, log Logger, backend *Backend) (*App, error) {
	verifier, err := newVerifier(ctx, cfg.Auth, log)
	if err != nil {
		return nil, err
	}

	reg := newRegistry()
	arb, err := arbiter.New(backend.Store, cfg.Arbiter,
		arbiter.WithGuard(backend.Guard),
		arbiter.WithLogger(log),
		arbiter.WithMetrics(arbiter.NewMetrics(reg)),
	)
	if err != nil {
		return nil, err
	}

	sessions, err := api.NewHandler(log, arb, verifier, cfg.API)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	registerHTTP(mux, log, cfg, backend, reg, sessions)

	var h http.Handler = mux
	h = WithSecurityHeaders(h)
	h = WithRequestLogging(h, log, newHTTPMetrics(reg))
	h = WithRequestID(h)

	return &App{
		cfg:     cfg,
		log:     log,
		backend: backend,
		arbiter: arb,
		reg:     reg,
		handler: h,
	}, nil
}

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Arbiter returns the wired arbiter.
func (a *App) Arbiter() *arbiter.Arbiter { return a.arbiter }

// Close releases the backend. Run calls it on shutdown.
func (a *App) Close() error { return a.backend.Close() }

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"store", a.backend.Name,
		"auth", a.cfg.Auth.Mode,
		"max_sessions", a.cfg.Arbiter.MaxSessions,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("server.fail", "err", err)
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("server.stop", "reason", "context_done")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			return err
		}
		return nil
	})

	err := g.Wait()
	if cerr := a.Close(); cerr != nil {
		a.log.Error("store.close.fail", "err", cerr)
	}
	if err == nil {
		a.log.Info("server.stopped")
	}
	return err
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
