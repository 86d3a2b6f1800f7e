package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/nidhogg/nuka-delegate/internal/delegation"
	"github.com/nidhogg/nuka-delegate/internal/provider"
)

// Config is the top-level configuration structure.
type Config struct {
	Server     ServerConfig     `json:"server"`
	Delegation DelegationConfig `json:"delegation"`
	AgentsFile string           `json:"agents_file"`
	Database   DatabaseConfig   `json:"database"`
	Metrics    MetricsConfig    `json:"metrics"`
	LLM        LLMConfig        `json:"llm"`
}

type ServerConfig struct {
	LogLevel string `json:"log_level"`
	Listen   string `json:"listen"`
}

// DelegationConfig tunes the engine. Empty durations take the engine
// defaults.
type DelegationConfig struct {
	Timeout         Duration `json:"timeout"`
	OrphanIdle      Duration `json:"orphan_idle"`
	ReportRetention Duration `json:"report_retention"`
	CleanupInterval Duration `json:"cleanup_interval"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Redis    RedisConfig    `json:"redis"`
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

type RedisConfig struct {
	URL    string `json:"url"`
	Stream string `json:"stream"`
}

type MetricsConfig struct {
	Namespace string `json:"namespace"`
}

// LLMConfig lists the chat providers agents run on. Agents without a
// binding use Default, or the first provider when Default is empty.
type LLMConfig struct {
	Providers []ProviderConfig         `json:"providers"`
	Default   string                   `json:"default,omitempty"`
	Bindings  map[string]BindingConfig `json:"bindings,omitempty"`
}

type ProviderConfig struct {
	ID       string            `json:"id"`
	Type     string            `json:"type"`
	Endpoint string            `json:"endpoint,omitempty"`
	APIKey   string            `json:"api_key"`
	Model    string            `json:"model"`
	Extra    map[string]string `json:"extra,omitempty"`
	Timeout  Duration          `json:"timeout,omitempty"`
}

// BindingConfig routes one agent to a provider and its fallbacks.
type BindingConfig struct {
	Provider  string   `json:"provider"`
	Fallbacks []string `json:"fallbacks,omitempty"`
}

// Provider converts the entry into a provider config.
func (p ProviderConfig) Provider() provider.ProviderConfig {
	return provider.ProviderConfig{
		ID:       p.ID,
		Type:     p.Type,
		Endpoint: p.Endpoint,
		APIKey:   p.APIKey,
		Model:    p.Model,
		Extra:    p.Extra,
		Timeout:  time.Duration(p.Timeout),
	}
}

// Duration is a time.Duration written as a Go duration string ("90s", "5m").
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Options converts the section into engine options.
func (c DelegationConfig) Options() delegation.Options {
	return delegation.Options{
		Timeout:         time.Duration(c.Timeout),
		OrphanIdle:      time.Duration(c.OrphanIdle),
		ReportRetention: time.Duration(c.ReportRetention),
		CleanupInterval: time.Duration(c.CleanupInterval),
	}
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// expandEnv substitutes ${VAR} and ${VAR:default} with environment values.
func expandEnv(data []byte) []byte {
	return envVarRe.ReplaceAllFunc(data, func(match []byte) []byte {
		parts := envVarRe.FindSubmatch(match)
		if v := os.Getenv(string(parts[1])); v != "" {
			return []byte(v)
		}
		return parts[2]
	})
}

// Load reads a JSON config file and substitutes environment variable references.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(expandEnv(data), &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = "info"
	}
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = ":8080"
	}
	if cfg.Metrics.Namespace == "" {
		cfg.Metrics.Namespace = "nuka"
	}
	if cfg.Database.Redis.Stream == "" {
		cfg.Database.Redis.Stream = "nuka:delegations"
	}
	return &cfg, nil
}
