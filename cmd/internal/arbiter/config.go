package arbiter

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config defines runtime configuration for session arbitration.
type Config struct {
	// MaxSessions is the per-account cap on simultaneously valid sessions.
	MaxSessions int

	// PollInterval is the cadence advertised to liveness pollers.
	PollInterval time.Duration

	// SuppressEnabled turns the logout suppression guard on.
	SuppressEnabled bool

	// SuppressTTL is how long a logout marker short-circuits validation.
	SuppressTTL time.Duration

	// ProvisionAccounts creates the account row the first time it is seen.
	ProvisionAccounts bool

	// MaxResolveRounds bounds re-resolution after a benign race
	// (AlreadyActive / AccountNotFound observed by TryAdmit).
	MaxResolveRounds int
}

// DefaultConfig returns the configuration used when no overrides are set.
func DefaultConfig() Config {
	return Config{
		MaxSessions:       3,
		PollInterval:      10 * time.Second,
		SuppressEnabled:   true,
		SuppressTTL:       5 * time.Second,
		ProvisionAccounts: true,
		MaxResolveRounds:  3,
	}
}

// Validate checks invariants. It returns ErrConfig on violation.
func (c Config) Validate() error {
	if c.MaxSessions < 1 || c.MaxSessions > 1000 {
		return OpError{Op: "arbiter.Config", Kind: ErrConfig, Msg: "max sessions out of range"}
	}
	if c.PollInterval <= 0 {
		return OpError{Op: "arbiter.Config", Kind: ErrConfig, Msg: "poll interval must be positive"}
	}
	if c.SuppressTTL <= 0 || c.SuppressTTL > time.Minute {
		return OpError{Op: "arbiter.Config", Kind: ErrConfig, Msg: "suppress ttl out of range"}
	}
	if c.MaxResolveRounds < 1 || c.MaxResolveRounds > 10 {
		return OpError{Op: "arbiter.Config", Kind: ErrConfig, Msg: "resolve rounds out of range"}
	}
	return nil
}

// LoadConfigFromEnv loads arbiter configuration from environment variables.
//
// Optional:
//   - SG_MAX_SESSIONS        (int, 1..1000)
//   - SG_POLL_INTERVAL       (Go duration)
//   - SG_SUPPRESS_ENABLED    (bool)
//   - SG_SUPPRESS_TTL        (Go duration, at most 1m)
//   - SG_PROVISION_ACCOUNTS  (bool)
//   - SG_RESOLVE_ROUNDS      (int, 1..10)
//
// Returns ErrConfig if configuration is invalid.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := strings.TrimSpace(os.Getenv("SG_MAX_SESSIONS")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, ErrConfig
		}
		cfg.MaxSessions = n
	}

	if v := strings.TrimSpace(os.Getenv("SG_POLL_INTERVAL")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, ErrConfig
		}
		cfg.PollInterval = d
	}

	if v := strings.TrimSpace(os.Getenv("SG_SUPPRESS_ENABLED")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, ErrConfig
		}
		cfg.SuppressEnabled = b
	}

	if v := strings.TrimSpace(os.Getenv("SG_SUPPRESS_TTL")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, ErrConfig
		}
		cfg.SuppressTTL = d
	}

	if v := strings.TrimSpace(os.Getenv("SG_PROVISION_ACCOUNTS")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, ErrConfig
		}
		cfg.ProvisionAccounts = b
	}

	if v := strings.TrimSpace(os.Getenv("SG_RESOLVE_ROUNDS")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, ErrConfig
		}
		cfg.MaxResolveRounds = n
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
