package app

import (
	"context"
	"os/signal"
	"syscall"
)

// Serve loads config from the environment and runs the server until SIGINT or
// SIGTERM. It returns an error instead of calling os.Exit to keep defers effective.
func Serve(ctx context.Context) error {
	cfg, err := LoadConfig()
	if err != nil {
		return err
	}
	log := NewLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := New(ctx, cfg, log)
	if err != nil {
		return err
	}
	return a.Run(ctx)
}
