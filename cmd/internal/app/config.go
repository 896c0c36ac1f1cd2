package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"

	"sessiongate/cmd/internal/api"
	"sessiongate/cmd/internal/arbiter"
)

// Store backends selectable via SG_STORE.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
	StoreSQLite   = "sqlite"
)

// Auth modes selectable via SG_AUTH_MODE.
const (
	AuthHeader = "header"
	AuthJWT    = "jwt"
	AuthOIDC   = "oidc"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	Store string

	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32
	DBSchema    string

	SQLitePath string

	Redis RedisConfig

	Auth AuthConfig

	// If true, /readyz returns 503 unless a durable store is configured and reachable.
	ReadinessRequireDB bool

	Arbiter arbiter.Config
	API     api.Config
}

// RedisConfig is decoded with envdecode struct tags.
type RedisConfig struct {
	Addr      string `env:"SG_REDIS_ADDR,default=localhost:6379"`
	Username  string `env:"SG_REDIS_USERNAME"`
	Password  string `env:"SG_REDIS_PASSWORD"`
	DB        int    `env:"SG_REDIS_DB,default=0"`
	KeyPrefix string `env:"SG_REDIS_KEY_PREFIX,default=sessiongate:"`
}

// AuthConfig selects and configures the identity verifier.
type AuthConfig struct {
	Mode         string
	Issuer       string
	Audiences    []string
	JWKSURL      string
	SessionClaim string

	AccountHeader string
	SessionHeader string
}

// LoadConfig loads Config from environment variables with defaults and validates it.
func LoadConfig() (Config, error) {
	cfg, err := ConfigFromEnv()
	if err != nil {
		return Config{}, err
	}
	return cfg, ValidateConfig(cfg)
}

// ConfigFromEnv reads Config without cross-field validation so callers can
// apply overrides first.
func ConfigFromEnv() (Config, error) {
	arbCfg, err := arbiter.LoadConfigFromEnv()
	if err != nil {
		return Config{}, err
	}

	var rc RedisConfig
	if err := envdecode.Decode(&rc); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("app: redis config: %w", err)
	}

	cfg := Config{
		HTTPAddr:  EnvString("SG_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("SG_LOG_LEVEL", "info"),
		LogFormat: EnvString("SG_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("SG_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("SG_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("SG_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("SG_HTTP_IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    EnvInt("SG_HTTP_MAX_HEADER_BYTES", 1<<20),

		Store: strings.ToLower(EnvString("SG_STORE", StoreMemory)),

		DatabaseURL: EnvString("SG_DATABASE_URL", ""),
		DBMaxConns:  EnvInt32("SG_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("SG_DB_MIN_CONNS", 0),
		DBSchema:    EnvString("SG_DB_SCHEMA", "sessiongate"),

		SQLitePath: EnvString("SG_SQLITE_PATH", "sessiongate.db"),

		Redis: rc,

		Auth: AuthConfig{
			Mode:          strings.ToLower(EnvString("SG_AUTH_MODE", AuthHeader)),
			Issuer:        EnvString("SG_AUTH_ISSUER", ""),
			Audiences:     EnvList("SG_AUTH_AUDIENCE"),
			JWKSURL:       EnvString("SG_AUTH_JWKS_URL", ""),
			SessionClaim:  EnvString("SG_AUTH_SESSION_CLAIM", "sid"),
			AccountHeader: EnvString("SG_AUTH_ACCOUNT_HEADER", ""),
			SessionHeader: EnvString("SG_AUTH_SESSION_HEADER", ""),
		},

		ReadinessRequireDB: EnvBool("SG_READINESS_REQUIRE_DB", false),

		Arbiter: arbCfg,
		API:     api.LoadConfigFromEnv(),
	}
	return cfg, nil
}

// ValidateConfig rejects combinations that would start a misconfigured server.
// Failing fast beats silently falling back to the in-memory store.
func ValidateConfig(cfg Config) error {
	switch cfg.Store {
	case StoreMemory:
	case StorePostgres:
		if cfg.DatabaseURL == "" {
			return errors.New("config: SG_STORE=postgres requires SG_DATABASE_URL")
		}
	case StoreRedis:
		if cfg.Redis.Addr == "" {
			return errors.New("config: SG_STORE=redis requires SG_REDIS_ADDR")
		}
	case StoreSQLite:
		if cfg.SQLitePath == "" {
			return errors.New("config: SG_STORE=sqlite requires SG_SQLITE_PATH")
		}
	default:
		return fmt.Errorf("config: unknown SG_STORE %q", cfg.Store)
	}

	switch cfg.Auth.Mode {
	case AuthHeader:
	case AuthJWT:
		if cfg.Auth.Issuer == "" || cfg.Auth.JWKSURL == "" {
			return errors.New("config: SG_AUTH_MODE=jwt requires SG_AUTH_ISSUER and SG_AUTH_JWKS_URL")
		}
	case AuthOIDC:
		if cfg.Auth.Issuer == "" {
			return errors.New("config: SG_AUTH_MODE=oidc requires SG_AUTH_ISSUER")
		}
	default:
		return fmt.Errorf("config: unknown SG_AUTH_MODE %q", cfg.Auth.Mode)
	}

	if cfg.ReadinessRequireDB && cfg.Store == StoreMemory {
		return errors.New("config: SG_READINESS_REQUIRE_DB=true needs a durable SG_STORE")
	}
	return cfg.Arbiter.Validate()
}
