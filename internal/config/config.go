// Package config loads the service configuration from the environment.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/lumi-retreat/lumi/pkg/api"
)

// Backends selectable with LUMI_STORE.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

// Extractors selectable with LUMI_EXTRACTOR.
const (
	ExtractorOpenAI    = "openai"
	ExtractorAnthropic = "anthropic"
)

// Config is the full service configuration.
type Config struct {
	HTTPAddr  string `env:"LUMI_HTTP_ADDR" envDefault:":8080"`
	DevMode   bool   `env:"LUMI_DEV_MODE"`
	LogFormat string `env:"LUMI_LOG_FORMAT" envDefault:"json"`
	LogLevel  string `env:"LUMI_LOG_LEVEL" envDefault:"info"`

	Store       string `env:"LUMI_STORE" envDefault:"memory"`
	SQLitePath  string `env:"LUMI_SQLITE_PATH" envDefault:"lumi.db"`
	RedisAddr   string `env:"LUMI_REDIS_ADDR"`
	PostgresDSN string `env:"LUMI_POSTGRES_DSN"`
	Records     string `env:"LUMI_RECORDS" envDefault:"memory"`

	Workers        int           `env:"LUMI_WORKERS" envDefault:"4"`
	HandlerTimeout time.Duration `env:"LUMI_HANDLER_TIMEOUT" envDefault:"30s"`

	WebhookSecret        string `env:"ELEVENLABS_WEBHOOK_SECRET"`
	RequireWebhookSecret bool   `env:"LUMI_REQUIRE_WEBHOOK_SECRET"`

	Extractor       string `env:"LUMI_EXTRACTOR" envDefault:"openai"`
	OpenAIAPIKey    string `env:"OPENAI_API_KEY"`
	OpenAIModel     string `env:"OPENAI_MODEL" envDefault:"gpt-4o-mini"`
	AnthropicAPIKey string `env:"ANTHROPIC_API_KEY"`
	AnthropicModel  string `env:"ANTHROPIC_MODEL"`

	ResendAPIKey       string `env:"RESEND_API_KEY"`
	EmailFrom          string `env:"EMAIL_FROM"`
	EmailRatePerMinute int    `env:"EMAIL_RATE_PER_MINUTE" envDefault:"10"`

	AlertEmails       []string `env:"ALERT_EMAIL" envDefault:"alerts@aro-ha.com" envSeparator:","`
	HighAlertEmails   []string `env:"HIGH_ALERT_EMAIL" envDefault:"wellness@aro-ha.com" envSeparator:","`
	UrgentAlertEmails []string `env:"URGENT_ALERT_EMAIL" envDefault:"manager@aro-ha.com" envSeparator:","`
	ReservationsEmail string   `env:"RESERVATIONS_EMAIL" envDefault:"reservations@aro-ha.com"`
	DashboardURL      string   `env:"DASHBOARD_URL" envDefault:"https://lumi.aro-ha.com"`
}

// Load reads the process environment and validates the result.
func Load() (Config, error) {
	return LoadFrom(nil)
}

// LoadFrom reads environ instead of the process environment when it is
// non-nil.
func LoadFrom(environ map[string]string) (Config, error) {
	var cfg Config
	opts := env.Options{}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.AlertEmails = trimAll(cfg.AlertEmails)
	cfg.HighAlertEmails = trimAll(cfg.HighAlertEmails)
	cfg.UrgentAlertEmails = trimAll(cfg.UrgentAlertEmails)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first inconsistent or missing setting as an
// *api.ConfigError.
func (c Config) Validate() error {
	switch c.Store {
	case StoreMemory:
	case StoreSQLite:
		if c.SQLitePath == "" {
			return &api.ConfigError{Key: "LUMI_SQLITE_PATH", Reason: "required when LUMI_STORE=sqlite"}
		}
	case StoreRedis:
		if c.RedisAddr == "" {
			return &api.ConfigError{Key: "LUMI_REDIS_ADDR", Reason: "required when LUMI_STORE=redis"}
		}
	case StorePostgres:
		if c.PostgresDSN == "" {
			return &api.ConfigError{Key: "LUMI_POSTGRES_DSN", Reason: "required when LUMI_STORE=postgres"}
		}
	default:
		return &api.ConfigError{Key: "LUMI_STORE", Reason: fmt.Sprintf("unknown backend %q", c.Store)}
	}

	switch c.Records {
	case StoreMemory:
	case StorePostgres:
		if c.PostgresDSN == "" {
			return &api.ConfigError{Key: "LUMI_POSTGRES_DSN", Reason: "required when LUMI_RECORDS=postgres"}
		}
	default:
		return &api.ConfigError{Key: "LUMI_RECORDS", Reason: fmt.Sprintf("unknown record store %q", c.Records)}
	}

	switch c.Extractor {
	case ExtractorOpenAI:
		if c.OpenAIAPIKey == "" {
			return &api.ConfigError{Key: "OPENAI_API_KEY", Reason: "required when LUMI_EXTRACTOR=openai"}
		}
	case ExtractorAnthropic:
		if c.AnthropicAPIKey == "" {
			return &api.ConfigError{Key: "ANTHROPIC_API_KEY", Reason: "required when LUMI_EXTRACTOR=anthropic"}
		}
	default:
		return &api.ConfigError{Key: "LUMI_EXTRACTOR", Reason: fmt.Sprintf("unknown extractor %q", c.Extractor)}
	}

	if c.RequireWebhookSecret && c.WebhookSecret == "" {
		return &api.ConfigError{Key: "ELEVENLABS_WEBHOOK_SECRET", Reason: "required when LUMI_REQUIRE_WEBHOOK_SECRET is set"}
	}
	if c.Workers < 1 {
		return &api.ConfigError{Key: "LUMI_WORKERS", Reason: "must be at least 1"}
	}
	if c.HandlerTimeout <= 0 {
		return &api.ConfigError{Key: "LUMI_HANDLER_TIMEOUT", Reason: "must be positive"}
	}
	if c.EmailRatePerMinute < 1 {
		return &api.ConfigError{Key: "EMAIL_RATE_PER_MINUTE", Reason: "must be at least 1"}
	}
	if !slices.Contains([]string{"json", "text"}, c.LogFormat) {
		return &api.ConfigError{Key: "LUMI_LOG_FORMAT", Reason: "must be json or text"}
	}
	if _, err := c.level(); err != nil {
		return &api.ConfigError{Key: "LUMI_LOG_LEVEL", Reason: err.Error()}
	}
	return nil
}

func (c Config) level() (slog.Level, error) {
	var lvl slog.Level
	err := lvl.UnmarshalText([]byte(c.LogLevel))
	return lvl, err
}

// NewLogger builds the slog logger described by the log settings.
func (c Config) NewLogger(w io.Writer) *slog.Logger {
	lvl, err := c.level()
	if err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if c.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func trimAll(in []string) []string {
	out := in[:0]
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
