// Package config resolves service settings from the environment and an
// optional YAML deployment profile, then fail-fast validates them before
// anything opens a socket or a database.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the fully resolved service configuration.
type Config struct {
	ListenAddr string `mapstructure:"listen_addr"`

	DatabaseURL          string `mapstructure:"database_url"`
	AutoMigrateOnStartup bool   `mapstructure:"auto_migrate_on_startup"`

	APIKey           string `mapstructure:"api_key"`
	AllowInsecureDev bool   `mapstructure:"allow_insecure_dev"`

	TenantID string `mapstructure:"tenant_id"`

	ReceiptBodyMaxBytes int   `mapstructure:"receipt_body_max_bytes"`
	RequestMaxBytes     int64 `mapstructure:"request_max_bytes"`

	EnableGraphLayer    bool   `mapstructure:"enable_graph_layer"`
	EnableSemanticLayer bool   `mapstructure:"enable_semantic_layer"`
	EmbedderURL         string `mapstructure:"embedder_url"`
	EmbedderModel       string `mapstructure:"embedder_model"`

	RateLimitRPM      int    `mapstructure:"rate_limit_rpm"`
	RateLimitBurst    int    `mapstructure:"rate_limit_burst"`
	RateLimitRedisURL string `mapstructure:"rate_limit_redis_url"`

	CORSOrigins []string `mapstructure:"cors_origins"`

	ToolTimeout     time.Duration `mapstructure:"tool_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	LogLevel         string `mapstructure:"log_level"`
	LogReceiptBodies bool   `mapstructure:"log_receipt_bodies"`
	OTelEnabled      bool   `mapstructure:"otel_enabled"`
	OTelEndpoint     string `mapstructure:"otel_endpoint"`
	ServiceName      string `mapstructure:"service_name"`
	ProfilePath      string `mapstructure:"profile"`

	DefaultPageSize   int `mapstructure:"default_page_size"`
	MaxPageSize       int `mapstructure:"max_page_size"`
	DefaultChainDepth int `mapstructure:"default_chain_depth"`
	MaxChainDepth     int `mapstructure:"max_chain_depth"`
}

// Load reads RECEIPTGATE_* environment variables, applies the deployment
// profile named by RECEIPTGATE_PROFILE if set, and validates the result.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RECEIPTGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// AutomaticEnv alone does not surface unset keys through Unmarshal;
	// bind each one explicitly.
	for _, key := range []string{
		"listen_addr", "database_url", "auto_migrate_on_startup",
		"api_key", "allow_insecure_dev", "tenant_id",
		"receipt_body_max_bytes", "request_max_bytes",
		"enable_graph_layer", "enable_semantic_layer", "embedder_url", "embedder_model",
		"rate_limit_rpm", "rate_limit_burst", "rate_limit_redis_url",
		"cors_origins", "tool_timeout", "shutdown_timeout",
		"log_level", "log_receipt_bodies", "otel_enabled", "otel_endpoint",
		"service_name", "profile",
		"default_page_size", "max_page_size", "default_chain_depth", "max_chain_depth",
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("config: bind %s: %w", key, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if origins := v.GetString("cors_origins"); origins != "" {
		cfg.CORSOrigins = splitAndTrim(origins)
	}

	if cfg.ProfilePath != "" {
		if err := ApplyProfile(&cfg, cfg.ProfilePath); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8089")
	v.SetDefault("auto_migrate_on_startup", true)
	v.SetDefault("tenant_id", "default")
	v.SetDefault("receipt_body_max_bytes", 262144)
	v.SetDefault("request_max_bytes", 1048576)
	v.SetDefault("embedder_model", "nomic-embed-text")
	v.SetDefault("rate_limit_rpm", 600)
	v.SetDefault("rate_limit_burst", 60)
	v.SetDefault("tool_timeout", 30*time.Second)
	v.SetDefault("shutdown_timeout", 15*time.Second)
	v.SetDefault("log_level", "info")
	v.SetDefault("service_name", "receiptgate")
	v.SetDefault("default_page_size", 50)
	v.SetDefault("max_page_size", 500)
	v.SetDefault("default_chain_depth", 64)
	v.SetDefault("max_chain_depth", 1024)
}

// Validate enforces the boot invariants. A failure here is a configuration
// error and the process exits with code 1.
func (c *Config) Validate() error {
	var problems []string
	if c.DatabaseURL == "" {
		problems = append(problems, "RECEIPTGATE_DATABASE_URL is required")
	}
	if c.APIKey == "" && !c.AllowInsecureDev {
		problems = append(problems, "RECEIPTGATE_API_KEY is required unless RECEIPTGATE_ALLOW_INSECURE_DEV=true")
	}
	if c.ReceiptBodyMaxBytes <= 0 {
		problems = append(problems, "receipt_body_max_bytes must be positive")
	}
	if c.RequestMaxBytes <= int64(c.ReceiptBodyMaxBytes) {
		problems = append(problems, "request_max_bytes must exceed receipt_body_max_bytes")
	}
	if c.EnableSemanticLayer && c.EmbedderURL == "" {
		problems = append(problems, "embedder_url is required when the semantic layer is enabled")
	}
	if c.RateLimitRPM < 0 || c.RateLimitBurst < 0 {
		problems = append(problems, "rate limit settings must not be negative")
	}
	if c.MaxPageSize < c.DefaultPageSize {
		problems = append(problems, "max_page_size must be at least default_page_size")
	}
	if c.MaxChainDepth < c.DefaultChainDepth {
		problems = append(problems, "max_chain_depth must be at least default_chain_depth")
	}
	if len(problems) > 0 {
		return fmt.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
