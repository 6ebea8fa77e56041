package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

type Config struct {
	HTTPAddr    string
	DatabaseURL string
	LogLevel    string

	// JoinTimeout bounds the await-peer-acceptance suspension of a join
	// workflow. A join that outlives it surfaces as a timeout, not a
	// rejection.
	JoinTimeout time.Duration

	// InviteTTL is how long a freshly minted invite slug stays redeemable.
	InviteTTL time.Duration

	// InviteSecret, when set, keys the invite slug checksum so that slugs
	// minted elsewhere cannot decode here.
	InviteSecret string
}

func Load() (Config, error) {
	cfg := Config{
		HTTPAddr:     getEnv("HTTP_ADDR", ":8080"),
		DatabaseURL:  getEnv("DATABASE_URL", "sqlite::memory:"),
		LogLevel:     strings.TrimSpace(getEnv("LOG_LEVEL", "info")),
		InviteSecret: strings.TrimSpace(getEnv("INVITE_SECRET", "")),
	}

	joinTimeout, err := parseDurationEnv("JOIN_TIMEOUT", 90*time.Second)
	if err != nil {
		return Config{}, err
	}
	cfg.JoinTimeout = joinTimeout

	inviteTTL, err := parseDurationEnv("INVITE_TTL", 7*24*time.Hour)
	if err != nil {
		return Config{}, err
	}
	cfg.InviteTTL = inviteTTL

	if strings.TrimSpace(cfg.HTTPAddr) == "" {
		return Config{}, fmt.Errorf("HTTP_ADDR must not be empty")
	}
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return Config{}, fmt.Errorf("DATABASE_URL must not be empty")
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.JoinTimeout <= 0 {
		return Config{}, fmt.Errorf("JOIN_TIMEOUT must be positive")
	}
	if cfg.InviteTTL <= 0 {
		return Config{}, fmt.Errorf("INVITE_TTL must be positive")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	v, ok := os.LookupEnv(key)
	if !ok {
		return defaultValue
	}
	v = strings.TrimSpace(v)
	if v == "" {
		return defaultValue
	}
	return v
}

func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}
