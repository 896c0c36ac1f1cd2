package api

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config controls session API behavior.
type Config struct {
	MaxBodyBytes int64

	// CheckRateLimit bounds /api/check-session calls per account per CheckRateWindow.
	CheckRateLimit  int
	CheckRateWindow time.Duration
}

// DefaultConfig returns safe defaults.
func DefaultConfig() Config {
	return Config{
		MaxBodyBytes:    64 << 10,
		CheckRateLimit:  30,
		CheckRateWindow: time.Minute,
	}
}

// LoadConfigFromEnv loads API config from environment variables with safe defaults.
func LoadConfigFromEnv() Config {
	def := DefaultConfig()
	return Config{
		MaxBodyBytes:    envInt64("SG_API_MAX_BODY_BYTES", def.MaxBodyBytes),
		CheckRateLimit:  envInt("SG_CHECK_RATE_LIMIT", def.CheckRateLimit),
		CheckRateWindow: envDuration("SG_CHECK_RATE_WINDOW", def.CheckRateWindow),
	}
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envInt64(key string, def int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
