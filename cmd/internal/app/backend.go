package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"sessiongate/cmd/internal/sessionset"
	"sessiongate/cmd/internal/suppress"
)

// Backend bundles the session set store with the suppression guard and the
// resources they own.
type Backend struct {
	Name  string
	Store sessionset.Store
	Guard suppress.Guard

	// Durable reports whether Store survives a restart.
	Durable bool

	ping    func(ctx context.Context) error
	closers []func() error
}

// Ping checks backend reachability. The memory backend is always ready.
func (b *Backend) Ping(ctx context.Context) error {
	if b == nil || b.ping == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return b.ping(ctx)
}

// Close releases resources in reverse order of acquisition.
func (b *Backend) Close() error {
	if b == nil {
		return nil
	}
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}

// storeRetryPolicy is the default retry policy with a store.retry log line
// per retried attempt.
func storeRetryPolicy(log Logger) sessionset.RetryPolicy {
	p := sessionset.DefaultRetryPolicy()
	p.OnRetry = func(op string, err error, next time.Duration) {
		log.Warn("store.retry", "op", op, "err", err, "next", next)
	}
	return p
}

// OpenBackend builds the store selected by cfg.Store. When migrate is true the
// schema is created for SQL backends; SQLite always ensures its schema.
func OpenBackend(ctx context.Context, cfg Config, log Logger, migrate bool) (*Backend, error) {
	if log == nil {
		log = slog.Default()
	}
	retry := storeRetryPolicy(log)

	switch cfg.Store {
	case StoreMemory, "":
		log.Info("store.memory")
		return &Backend{
			Name:  StoreMemory,
			Store: sessionset.NewMemoryStore(),
			Guard: suppress.NewMemory(),
		}, nil

	case StorePostgres:
		pool, err := NewDBPool(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("app: postgres: %w", err)
		}
		b := &Backend{
			Name:    StorePostgres,
			Guard:   suppress.NewMemory(),
			Durable: true,
			ping:    func(ctx context.Context) error { return PingDB(ctx, pool, 2*time.Second) },
			closers: []func() error{func() error { pool.Close(); return nil }},
		}
		st, err := sessionset.NewPostgresStore(pool,
			sessionset.WithSchema(cfg.DBSchema),
			sessionset.WithPostgresRetry(retry),
		)
		if err != nil {
			_ = b.Close()
			return nil, err
		}
		b.Store = st
		if migrate {
			if err := st.EnsureSchema(ctx); err != nil {
				_ = b.Close()
				return nil, err
			}
		}
		log.Info("store.postgres", "schema", cfg.DBSchema, "migrated", migrate)
		return b, nil

	case StoreRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		b := &Backend{
			Name:    StoreRedis,
			Durable: true,
			ping:    func(ctx context.Context) error { return client.Ping(ctx).Err() },
			closers: []func() error{client.Close},
		}
		if err := b.Ping(ctx); err != nil {
			_ = b.Close()
			return nil, fmt.Errorf("app: redis ping: %w", err)
		}
		st, err := sessionset.NewRedisStore(client,
			sessionset.WithKeyPrefix(cfg.Redis.KeyPrefix),
			sessionset.WithRedisRetry(retry),
		)
		if err != nil {
			_ = b.Close()
			return nil, err
		}
		guard, err := suppress.NewRedis(client, cfg.Redis.KeyPrefix)
		if err != nil {
			_ = b.Close()
			return nil, err
		}
		b.Store, b.Guard = st, guard
		log.Info("store.redis", "addr", cfg.Redis.Addr, "prefix", cfg.Redis.KeyPrefix)
		return b, nil

	case StoreSQLite:
		db, err := sessionset.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		st, err := sessionset.NewSQLStore(db, sessionset.WithOwnedDB(), sessionset.WithSQLRetry(retry))
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		b := &Backend{
			Name:    StoreSQLite,
			Store:   st,
			Guard:   suppress.NewMemory(),
			Durable: true,
			ping:    db.PingContext,
			closers: []func() error{st.Close},
		}
		if err := st.EnsureSchema(ctx); err != nil {
			_ = b.Close()
			return nil, err
		}
		log.Info("store.sqlite", "path", cfg.SQLitePath)
		return b, nil

	default:
		return nil, fmt.Errorf("app: unknown store %q", cfg.Store)
	}
}
