package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	// Server
	Port string `koanf:"port"` // default: 8080

	// Database (optional; request auditing is disabled without it)
	PostgresDSN string `koanf:"postgres_dsn"`

	// Cache (usage ledger + rate limiter)
	RedisAddr string `koanf:"redis_addr"`

	// Operator free-tier credential
	FreeTier FreeTier `koanf:"free_tier"`

	// Async image service
	Images Images `koanf:"images"`

	// Quota ceilings per ISO week
	Quota Quota `koanf:"quota"`

	// Retry budget for upstream dispatch
	RetryBudget int `koanf:"retry_budget"` // default: 2

	// Users granted admin in the usage check response
	AdminIDs []string `koanf:"admin_ids"`

	// Observability
	OTELExporterType     string `koanf:"otel_exporter_type"`     // "stdout" or "otlp"
	OTELExporterEndpoint string `koanf:"otel_exporter_endpoint"` // default: "localhost:4317"

	// Rate Limiting
	RateLimitRPM int64 `koanf:"rate_limit_rpm"` // requests per minute per user, default: 30
}

type FreeTier struct {
	APIKey            string `koanf:"api_key"`
	BaseURL           string `koanf:"base_url"`
	ConversationModel string `koanf:"conversation_model"`
	AnalysisModel     string `koanf:"analysis_model"`
	ThoughtFallback   bool   `koanf:"thought_fallback"`
}

type Images struct {
	APIKey  string `koanf:"api_key"`
	BaseURL string `koanf:"base_url"`
	Model   string `koanf:"model"`
}

type Quota struct {
	WeeklyConversations int `koanf:"weekly_conversations"` // default: 200
	WeeklyImages        int `koanf:"weekly_images"`        // default: 20
}

// Load reads an optional YAML file, then layers GATEWAY_-prefixed
// environment variables on top. A double underscore nests a key, so
// GATEWAY_FREE_TIER__API_KEY maps to free_tier.api_key and
// GATEWAY_POSTGRES_DSN stays postgres_dsn. ${VAR} values in credential
// fields are expanded from the environment.
func Load(path string) (*Config, error) {
	// .env file is optional
	_ = godotenv.Load()

	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
	}

	if err := k.Load(env.Provider("GATEWAY_", ".", func(s string) string {
		return strings.ReplaceAll(
			strings.ToLower(strings.TrimPrefix(s, "GATEWAY_")),
			"__", ".",
		)
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	cfg := &Config{
		Port:                 "8080",
		RetryBudget:          2,
		OTELExporterType:     "stdout",
		OTELExporterEndpoint: "localhost:4317",
		RateLimitRPM:         30,
		Quota:                Quota{WeeklyConversations: 200, WeeklyImages: 20},
	}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.FreeTier.APIKey = expand(cfg.FreeTier.APIKey)
	cfg.Images.APIKey = expand(cfg.Images.APIKey)
	cfg.PostgresDSN = expand(cfg.PostgresDSN)

	if cfg.RedisAddr == "" {
		return nil, fmt.Errorf("GATEWAY_REDIS_ADDR is required")
	}
	if cfg.RetryBudget < 0 {
		return nil, fmt.Errorf("retry_budget must not be negative")
	}
	if cfg.Quota.WeeklyConversations <= 0 {
		return nil, fmt.Errorf("quota.weekly_conversations must be positive")
	}

	return cfg, nil
}

// expand resolves a ${VAR} placeholder against the environment. Plain
// values pass through untouched.
func expand(v string) string {
	if strings.HasPrefix(v, "${") && strings.HasSuffix(v, "}") {
		return os.Getenv(v[2 : len(v)-1])
	}
	return v
}

// AdminSet maps the configured admin ids for constant-time membership
// checks.
func (c *Config) AdminSet() map[string]bool {
	set := make(map[string]bool, len(c.AdminIDs))
	for _, id := range c.AdminIDs {
		if id = strings.TrimSpace(id); id != "" {
			set[id] = true
		}
	}
	return set
}
