// Package config loads URP's environment-driven configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the URP binary's runtime configuration.
type Config struct {
	ListenAddr         string
	PublicOrigin       string
	FetchTimeout       time.Duration
	InsecureSkipVerify bool
	ChallengeHeaders   []string
	CORSAllowedOrigins []string
	AssetDir           string
	LandingPath        string
	LogLevel           string
	UseColorLogs       bool
	SentryDSN          string
}

// ValidationErrors accumulates field-level configuration errors.
type ValidationErrors []string

func (v ValidationErrors) Error() string {
	return "invalid configuration: " + strings.Join(v, "; ")
}

// Load reads configuration from the environment, applying defaults.
func Load() *Config {
	cfg := &Config{
		ListenAddr:         getEnv("URP_LISTEN_ADDR", ":8080"),
		PublicOrigin:       getEnv("URP_PUBLIC_ORIGIN", "http://localhost:8080"),
		FetchTimeout:       getDuration("URP_FETCH_TIMEOUT", 30*time.Second),
		InsecureSkipVerify: getBool("URP_INSECURE_SKIP_VERIFY", true),
		ChallengeHeaders:   getList("URP_CHALLENGE_HEADERS", []string{"cf-mitigated", "x-challenge-id"}),
		CORSAllowedOrigins: getList("URP_CORS_ALLOWED_ORIGINS", nil),
		AssetDir:           getEnv("URP_ASSET_DIR", "./assets"),
		LandingPath:        getEnv("URP_LANDING_PATH", ""),
		LogLevel:           getEnv("URP_LOG_LEVEL", "INFO"),
		UseColorLogs:       getBool("URP_LOG_COLOR", true),
		SentryDSN:          os.Getenv("SENTRY_DSN"),
	}
	return cfg
}

// MustLoad calls Load then Validate, panicking on failure. Intended for use
// in main() where a misconfigured process should not start.
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
		errs = append(errs, "URP_LISTEN_ADDR must not be empty")
	}
	if c.PublicOrigin == "" {
		errs = append(errs, "URP_PUBLIC_ORIGIN must not be empty")
	}
	if !strings.HasPrefix(c.PublicOrigin, "http://") && !strings.HasPrefix(c.PublicOrigin, "https://") {
		errs = append(errs, fmt.Sprintf("URP_PUBLIC_ORIGIN %q must include a scheme", c.PublicOrigin))
	}
	if c.FetchTimeout <= 0 {
		errs = append(errs, "URP_FETCH_TIMEOUT must be positive")
	}
	return errs
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
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
