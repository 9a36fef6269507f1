package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Profile is a YAML deployment profile. It overrides the tunable subset of
// the configuration per deployment; credentials and the database URL stay
// in the environment.
type Profile struct {
	Name string `yaml:"name"`

	ListenAddr          string `yaml:"listen_addr,omitempty"`
	ReceiptBodyMaxBytes int    `yaml:"receipt_body_max_bytes,omitempty"`
	RequestMaxBytes     int64  `yaml:"request_max_bytes,omitempty"`

	RateLimitRPM   int `yaml:"rate_limit_rpm,omitempty"`
	RateLimitBurst int `yaml:"rate_limit_burst,omitempty"`

	EnableGraphLayer    *bool `yaml:"enable_graph_layer,omitempty"`
	EnableSemanticLayer *bool `yaml:"enable_semantic_layer,omitempty"`

	CORSOrigins []string `yaml:"cors_origins,omitempty"`

	DefaultPageSize   int `yaml:"default_page_size,omitempty"`
	MaxPageSize       int `yaml:"max_page_size,omitempty"`
	DefaultChainDepth int `yaml:"default_chain_depth,omitempty"`
	MaxChainDepth     int `yaml:"max_chain_depth,omitempty"`
}

// ApplyProfile merges a profile file into cfg. Zero values in the profile
// leave the existing setting untouched.
func ApplyProfile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: load profile %q: %w", path, err)
	}
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("config: parse profile %q: %w", path, err)
	}

	if p.ListenAddr != "" {
		cfg.ListenAddr = p.ListenAddr
	}
	if p.ReceiptBodyMaxBytes > 0 {
		cfg.ReceiptBodyMaxBytes = p.ReceiptBodyMaxBytes
	}
	if p.RequestMaxBytes > 0 {
		cfg.RequestMaxBytes = p.RequestMaxBytes
	}
	if p.RateLimitRPM > 0 {
		cfg.RateLimitRPM = p.RateLimitRPM
	}
	if p.RateLimitBurst > 0 {
		cfg.RateLimitBurst = p.RateLimitBurst
	}
	if p.EnableGraphLayer != nil {
		cfg.EnableGraphLayer = *p.EnableGraphLayer
	}
	if p.EnableSemanticLayer != nil {
		cfg.EnableSemanticLayer = *p.EnableSemanticLayer
	}
	if len(p.CORSOrigins) > 0 {
		cfg.CORSOrigins = p.CORSOrigins
	}
	if p.DefaultPageSize > 0 {
		cfg.DefaultPageSize = p.DefaultPageSize
	}
	if p.MaxPageSize > 0 {
		cfg.MaxPageSize = p.MaxPageSize
	}
	if p.DefaultChainDepth > 0 {
		cfg.DefaultChainDepth = p.DefaultChainDepth
	}
	if p.MaxChainDepth > 0 {
		cfg.MaxChainDepth = p.MaxChainDepth
	}
	return nil
}
