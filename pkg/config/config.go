// Package config loads service configuration from the environment and the
// engine tuning profile from YAML.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/Mindburn-Labs/qrgov/pkg/artifacts"
	"github.com/Mindburn-Labs/qrgov/pkg/observability"
)

// Config holds server configuration.
type Config struct {
	Port     string `env:"PORT" envDefault:"8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"INFO"`

	// DatabaseURL selects Postgres. Empty runs lite mode on SQLite in DataDir.
	DatabaseURL string `env:"DATABASE_URL"`
	DataDir     string `env:"DATA_DIR" envDefault:"data"`

	// RedisAddr enables the distributed lock and shared rate limits.
	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	JWTSecret   string `env:"JWT_SECRET"`
	JWTIssuer   string `env:"JWT_ISSUER" envDefault:"qrgov"`
	AuditSecret string `env:"AUDIT_SECRET"`

	ProfilePath string `env:"QRGOV_PROFILE"`

	// Scan rate limit overrides; zero keeps the profile value.
	ScanRateLimitRPM   int `env:"SCAN_RATE_LIMIT_RPM"`
	ScanRateLimitBurst int `env:"SCAN_RATE_LIMIT_BURST"`

	Artifacts artifacts.Config
	Telemetry Telemetry
}

// Telemetry mirrors observability.Config.
type Telemetry struct {
	Enabled      bool          `env:"OTEL_ENABLED" envDefault:"false"`
	Endpoint     string        `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:"localhost:4317"`
	Insecure     bool          `env:"OTEL_EXPORTER_OTLP_INSECURE" envDefault:"false"`
	ServiceName  string        `env:"OTEL_SERVICE_NAME" envDefault:"qrgov"`
	Environment  string        `env:"OTEL_ENVIRONMENT" envDefault:"development"`
	SampleRate   float64       `env:"OTEL_SAMPLE_RATE" envDefault:"1.0"`
	BatchTimeout time.Duration `env:"OTEL_BATCH_TIMEOUT" envDefault:"5s"`
}

// Load parses the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return &cfg, nil
}

// Validate checks settings the server cannot start without.
func (c *Config) Validate() error {
	var errs []error
	if c.AuditSecret == "" {
		errs = append(errs, errors.New("AUDIT_SECRET is required"))
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("OTEL_SAMPLE_RATE must be within [0, 1], got %v", c.Telemetry.SampleRate))
	}
	return errors.Join(errs...)
}

// LiteMode reports whether the server runs on embedded SQLite.
func (c *Config) LiteMode() bool {
	return c.DatabaseURL == ""
}

// Observability converts the telemetry settings.
func (c *Config) Observability(version string) *observability.Config {
	return &observability.Config{
		ServiceName:    c.Telemetry.ServiceName,
		ServiceVersion: version,
		Environment:    c.Telemetry.Environment,
		OTLPEndpoint:   c.Telemetry.Endpoint,
		SampleRate:     c.Telemetry.SampleRate,
		BatchTimeout:   c.Telemetry.BatchTimeout,
		Enabled:        c.Telemetry.Enabled,
		Insecure:       c.Telemetry.Insecure,
	}
}

// ParseLevel maps LOG_LEVEL onto a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(strings.TrimSpace(s)))); err != nil {
		return 0, fmt.Errorf("invalid LOG_LEVEL %q", s)
	}
	return l, nil
}
