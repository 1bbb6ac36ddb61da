// Package config loads BSB's environment-driven configuration.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the BSB binary's runtime configuration.
type Config struct {
	ListenAddr         string
	PublicOrigin       string
	SlotCount          int
	SlotHostTemplate   string // e.g. "browser-%d.internal"; %d replaced with slot id
	SlotPortBase       int
	ContainerAuthUser  string
	ContainerAuthPass  string
	SessionTimeout     time.Duration
	WSPresenceTimeout  time.Duration
	AssignmentGrace    time.Duration
	URLTokenTTL        time.Duration
	ReaperInterval     time.Duration
	MirrorPath         string
	CORSAllowedOrigins []string
	LogLevel           string
	UseColorLogs       bool
	SentryDSN          string
	RateLimitPath      string
}

// ValidationErrors accumulates field-level configuration errors.
type ValidationErrors []string

func (v ValidationErrors) Error() string {
	return "invalid configuration: " + strings.Join(v, "; ")
}

// Load reads configuration from the environment, applying defaults.
func Load() *Config {
	return &Config{
		ListenAddr:         getEnv("BSB_LISTEN_ADDR", ":3600"),
		PublicOrigin:       getEnv("BSB_PUBLIC_ORIGIN", "http://localhost:3600"),
		SlotCount:          getInt("BSB_SLOT_COUNT", 4),
		SlotHostTemplate:   getEnv("BSB_SLOT_HOST_TEMPLATE", "browser-%d.internal"),
		SlotPortBase:       getInt("BSB_SLOT_PORT_BASE", 9000),
		ContainerAuthUser:  getEnv("BSB_CONTAINER_AUTH_USER", ""),
		ContainerAuthPass:  getEnv("BSB_CONTAINER_AUTH_PASS", ""),
		SessionTimeout:     getDuration("BSB_SESSION_TIMEOUT", 5*time.Minute),
		WSPresenceTimeout:  getDuration("BSB_WS_PRESENCE_TIMEOUT", 2*time.Minute),
		AssignmentGrace:    getDuration("BSB_ASSIGNMENT_GRACE", 60*time.Second),
		URLTokenTTL:        getDuration("BSB_URL_TOKEN_TTL", 5*time.Minute),
		ReaperInterval:     getDuration("BSB_REAPER_INTERVAL", 30*time.Second),
		MirrorPath:         getEnv("BSB_MIRROR_PATH", "./data/fleet-mirror.json"),
		CORSAllowedOrigins: getList("BSB_CORS_ALLOWED_ORIGINS", nil),
		LogLevel:           getEnv("BSB_LOG_LEVEL", "INFO"),
		UseColorLogs:       getBool("BSB_LOG_COLOR", true),
		SentryDSN:          os.Getenv("SENTRY_DSN"),
		RateLimitPath:      getEnv("BSB_RATE_LIMIT_PATH", "./data/rate-limit.json"),
	}
}

// MustLoad calls Load then Validate, panicking on failure.
func MustLoad() *Config {
	cfg := Load()
	if errs := cfg.Validate(); len(errs) > 0 {
		panic(errs.Error())
	}
	return cfg
}

// Validate accumulates field-level errors instead of failing fast.
func (c *Config) Validate() ValidationErrors {
	var errs ValidationErrors
	if c.ListenAddr == "" {
		errs = append(errs, "BSB_LISTEN_ADDR must not be empty")
	}
	if c.SlotCount <= 0 {
		errs = append(errs, "BSB_SLOT_COUNT must be positive")
	}
	if c.SessionTimeout <= 0 {
		errs = append(errs, "BSB_SESSION_TIMEOUT must be positive")
	}
	if c.ReaperInterval <= 0 {
		errs = append(errs, "BSB_REAPER_INTERVAL must be positive")
	}
	return errs
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func getList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
