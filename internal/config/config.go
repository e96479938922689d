// Package config loads the YAML configuration file and applies MODELMUX_*
// environment overrides. The core packages never read files or the
// environment themselves; they take injected structs built here.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/modelmux/modelmux/internal/budget"
	"github.com/modelmux/modelmux/internal/durable"
	"github.com/modelmux/modelmux/internal/runner"
)

// Config is the full application configuration.
type Config struct {
	Listen   string `yaml:"listen"`
	LogLevel string `yaml:"log_level"`
	DBDSN    string `yaml:"db_dsn"`

	Providers []Provider    `yaml:"providers"`
	Runner    runner.Config `yaml:"runner"`
	Consensus Consensus     `yaml:"consensus"`
	Shadow    Shadow        `yaml:"shadow"`
	Budget    Budget        `yaml:"budget"`
	Vault     Vault         `yaml:"vault"`
	Temporal  Temporal      `yaml:"temporal"`
	Otel      Otel          `yaml:"otel"`

	CORSOrigins []string `yaml:"cors_origins"`
}

// Provider declares one model backend.
type Provider struct {
	Name      string `yaml:"name"`
	Type      string `yaml:"type"` // openai | anthropic | mock
	Model     string `yaml:"model"`
	APIKey    string `yaml:"api_key,omitempty"`
	APIKeyEnv string `yaml:"api_key_env,omitempty"`
	BaseURL   string `yaml:"base_url,omitempty"`
	RPM       int    `yaml:"rpm,omitempty"`

	// Per-1K-token USD pricing; zero disables cost estimation.
	InputPer1K  float64 `yaml:"input_per_1k,omitempty"`
	OutputPer1K float64 `yaml:"output_per_1k,omitempty"`

	// Weight feeds weighted consensus voting. Zero means 1.0.
	Weight float64 `yaml:"weight,omitempty"`
}

// Consensus mirrors consensus.Config in file-friendly form; the judge is a
// provider name resolved at wiring time and the schema stays raw JSON.
type Consensus struct {
	Aggregate    string             `yaml:"aggregate"` // majority | weighted
	Quorum       int                `yaml:"quorum"`
	TieBreaker   string             `yaml:"tie_breaker"`
	MaxRounds    int                `yaml:"max_rounds"`
	Schema       string             `yaml:"schema"`
	Judge        string             `yaml:"judge"`
	Weights      map[string]float64 `yaml:"weights"`
	MaxLatencyMs int64              `yaml:"max_latency_ms"`
	MaxCostUSD   float64            `yaml:"max_cost_usd"`
}

// Shadow names the comparison provider mirrored behind primary traffic.
type Shadow struct {
	Provider      string `yaml:"provider"`
	JoinTimeoutMs int64  `yaml:"join_timeout_ms"`
}

// Budget sets spending ceilings.
type Budget struct {
	Default   budget.Limits            `yaml:"default"`
	Providers map[string]budget.Limits `yaml:"providers"`
}

// Vault configures the encrypted API key store.
type Vault struct {
	Enabled   bool   `yaml:"enabled"`
	MasterEnv string `yaml:"master_env"`
}

// Temporal configures the durable dispatch path.
type Temporal struct {
	Enabled        bool `yaml:"enabled"`
	durable.Config `yaml:",inline"`
}

// Otel configures trace export.
type Otel struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
}

// Default returns the baseline configuration before file and env layers.
func Default() Config {
	return Config{
		Listen:   ":8080",
		LogLevel: "info",
		DBDSN:    "file:modelmux.sqlite",
		Vault: Vault{
			MasterEnv: "MODELMUX_VAULT_MASTER",
		},
		Temporal: Temporal{
			Config: durable.Config{
				HostPort:  "localhost:7233",
				Namespace: "modelmux",
				TaskQueue: "modelmux-dispatch",
			},
		},
		Otel: Otel{
			Endpoint:    "localhost:4318",
			ServiceName: "modelmux",
		},
	}
}

// Load reads the YAML file at path (optional, "" skips the file layer),
// applies environment overrides, resolves api_key_env indirection, and
// validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.resolveKeys()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Listen = getEnv("MODELMUX_LISTEN_ADDR", c.Listen)
	c.LogLevel = getEnv("MODELMUX_LOG_LEVEL", c.LogLevel)
	c.DBDSN = getEnv("MODELMUX_DB_DSN", c.DBDSN)

	if v := os.Getenv("MODELMUX_MODE"); v != "" {
		c.Runner.Mode = runner.Mode(v)
	}
	c.Runner.RPM = getEnvInt("MODELMUX_RPM", c.Runner.RPM)
	c.Runner.MaxConcurrency = getEnvInt("MODELMUX_MAX_CONCURRENCY", c.Runner.MaxConcurrency)
	c.Runner.MaxAttempts = getEnvInt("MODELMUX_MAX_ATTEMPTS", c.Runner.MaxAttempts)
	c.Runner.MetricsPath = getEnv("MODELMUX_METRICS_PATH", c.Runner.MetricsPath)

	c.Vault.Enabled = getEnvBool("MODELMUX_VAULT_ENABLED", c.Vault.Enabled)

	c.Temporal.Enabled = getEnvBool("MODELMUX_TEMPORAL_ENABLED", c.Temporal.Enabled)
	c.Temporal.HostPort = getEnv("MODELMUX_TEMPORAL_HOST", c.Temporal.HostPort)
	c.Temporal.Namespace = getEnv("MODELMUX_TEMPORAL_NAMESPACE", c.Temporal.Namespace)
	c.Temporal.TaskQueue = getEnv("MODELMUX_TEMPORAL_TASK_QUEUE", c.Temporal.TaskQueue)

	c.Otel.Enabled = getEnvBool("MODELMUX_OTEL_ENABLED", c.Otel.Enabled)
	c.Otel.Endpoint = getEnv("MODELMUX_OTEL_ENDPOINT", c.Otel.Endpoint)
	c.Otel.ServiceName = getEnv("MODELMUX_OTEL_SERVICE_NAME", c.Otel.ServiceName)

	if v := os.Getenv("MODELMUX_CORS_ORIGINS"); v != "" {
		var origins []string
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				origins = append(origins, s)
			}
		}
		c.CORSOrigins = origins
	}
}

func (c *Config) resolveKeys() {
	for i := range c.Providers {
		p := &c.Providers[i]
		if p.APIKeyEnv != "" {
			if v := os.Getenv(p.APIKeyEnv); v != "" {
				p.APIKey = v
			}
		}
	}
}

// Validate rejects obviously broken settings.
func (c Config) Validate() error {
	if _, err := runner.ParseMode(string(c.Runner.Mode)); err != nil {
		return err
	}
	if c.Runner.RPM < 0 {
		return fmt.Errorf("rpm must be >= 0, got %d", c.Runner.RPM)
	}
	if c.Runner.MaxAttempts < 0 {
		return fmt.Errorf("max_attempts must be >= 0, got %d", c.Runner.MaxAttempts)
	}
	seen := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("provider with empty name")
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate provider name %q", p.Name)
		}
		seen[p.Name] = true
		switch p.Type {
		case "openai", "anthropic", "mock":
		default:
			return fmt.Errorf("provider %s: unknown type %q", p.Name, p.Type)
		}
		if p.Weight < 0 {
			return fmt.Errorf("provider %s: weight must be >= 0", p.Name)
		}
	}
	if c.Consensus.Judge != "" && !seen[c.Consensus.Judge] {
		return fmt.Errorf("consensus judge %q is not a configured provider", c.Consensus.Judge)
	}
	if c.Shadow.Provider != "" && !seen[c.Shadow.Provider] {
		return fmt.Errorf("shadow provider %q is not a configured provider", c.Shadow.Provider)
	}
	switch c.Consensus.Aggregate {
	case "", "majority", "weighted":
	default:
		return fmt.Errorf("unknown aggregate %q", c.Consensus.Aggregate)
	}
	return nil
}

// FindProvider returns the declaration with the given name.
func (c Config) FindProvider(name string) (Provider, bool) {
	for _, p := range c.Providers {
		if p.Name == name {
			return p, true
		}
	}
	return Provider{}, false
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
