// Package config loads quorum's configuration: defaults, then
// config.yaml in the quorum home directory, then environment overrides.
package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ProviderConfig holds per-provider credentials and endpoint.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"` // custom endpoint (e.g. a proxy)
}

// StorageConfig selects the session store backing.
type StorageConfig struct {
	// Mode is "sqlite" or "memory".
	Mode string `yaml:"mode"`
	Path string `yaml:"path"`
}

// DeliberationConfig carries the per-session setting defaults.
type DeliberationConfig struct {
	Temperature        float64 `yaml:"temperature"`
	MaxIterations      int     `yaml:"max_iterations"`
	ConsensusThreshold float64 `yaml:"consensus_threshold"`
	BudgetUSD          float64 `yaml:"budget_usd"`
	// SessionTimeoutSeconds is the wall-clock deadline per session.
	SessionTimeoutSeconds int `yaml:"session_timeout_seconds"`
}

// TelemetryConfig configures the OpenTelemetry exporters.
type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	// AuthToken, when set, is required as a bearer token on every
	// endpoint except /health.
	AuthToken string `yaml:"auth_token"`

	// AllowedOrigins enables CORS for the listed origins ("*" for all).
	AllowedOrigins []string `yaml:"allowed_origins"`

	// PromptDir holds optional <agent>.<type>.txt prompt overrides.
	PromptDir string `yaml:"prompt_dir"`

	// ProviderConcurrency caps in-flight calls per provider.
	ProviderConcurrency int `yaml:"provider_concurrency"`

	// MetricsRetentionDays bounds how long run metric rows are kept.
	MetricsRetentionDays int `yaml:"metrics_retention_days"`

	Storage      StorageConfig             `yaml:"storage"`
	Providers    map[string]ProviderConfig `yaml:"providers"`
	Deliberation DeliberationConfig        `yaml:"deliberation"`
	Telemetry    TelemetryConfig           `yaml:"telemetry"`
}

func defaultConfig() Config {
	return Config{
		BindAddr:             "127.0.0.1:18790",
		LogLevel:             "info",
		ProviderConcurrency:  4,
		MetricsRetentionDays: 90,
		Storage:              StorageConfig{Mode: "sqlite"},
		Deliberation: DeliberationConfig{
			Temperature:           0.7,
			MaxIterations:         3,
			ConsensusThreshold:    0.8,
			BudgetUSD:             5.0,
			SessionTimeoutSeconds: 600,
		},
		Telemetry: TelemetryConfig{
			Exporter:    "stdout",
			ServiceName: "quorum",
			SampleRate:  1.0,
		},
	}
}

// HomeDir is QUORUM_HOME or ~/.quorum.
func HomeDir() string {
	if override := os.Getenv("QUORUM_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".quorum")
}

// Load builds the effective configuration.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create quorum home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ConfigPath returns the path to config.yaml in a home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("QUORUM_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("QUORUM_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("QUORUM_AUTH_TOKEN"); raw != "" {
		cfg.AuthToken = raw
	}
	if raw := os.Getenv("QUORUM_ALLOWED_ORIGINS"); raw != "" {
		cfg.AllowedOrigins = strings.Split(raw, ",")
	}
	if raw := os.Getenv("QUORUM_PROMPT_DIR"); raw != "" {
		cfg.PromptDir = raw
	}
	if raw := os.Getenv("QUORUM_STORAGE_MODE"); raw != "" {
		cfg.Storage.Mode = raw
	}
	if raw := os.Getenv("QUORUM_DB_PATH"); raw != "" {
		cfg.Storage.Path = raw
	}
	if raw := os.Getenv("QUORUM_PROVIDER_CONCURRENCY"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			cfg.ProviderConcurrency = n
		}
	}
	if raw := os.Getenv("QUORUM_SESSION_TIMEOUT_SECONDS"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			cfg.Deliberation.SessionTimeoutSeconds = n
		}
	}
}

func normalize(cfg *Config) {
	if cfg.Providers == nil {
		cfg.Providers = make(map[string]ProviderConfig)
	}
	if cfg.Storage.Mode == "" {
		cfg.Storage.Mode = "sqlite"
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = filepath.Join(cfg.HomeDir, "quorum.db")
	}
	if cfg.PromptDir == "" {
		cfg.PromptDir = filepath.Join(cfg.HomeDir, "prompts")
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "quorum"
	}
}

func validate(cfg *Config) error {
	switch cfg.Storage.Mode {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("storage.mode %q: want sqlite or memory", cfg.Storage.Mode)
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level %q: want debug, info, warn or error", cfg.LogLevel)
	}
	if cfg.MetricsRetentionDays < 0 {
		return fmt.Errorf("metrics_retention_days must be non-negative")
	}
	return nil
}

// envKeys maps provider names to the environment variables checked
// before the config file.
var envKeys = map[string]string{
	"openai":    "OPENAI_API_KEY",
	"anthropic": "ANTHROPIC_API_KEY",
	"gemini":    "GEMINI_API_KEY",
	"deepseek":  "DEEPSEEK_API_KEY",
}

// ProviderAPIKey returns the API key for a provider. Environment
// variables take precedence over config.yaml.
func (c Config) ProviderAPIKey(provider string) string {
	if envVar, ok := envKeys[provider]; ok {
		if v := os.Getenv(envVar); v != "" {
			return v
		}
	}
	if provider == "gemini" {
		if v := os.Getenv("GOOGLE_API_KEY"); v != "" {
			return v
		}
	}
	if p, ok := c.Providers[provider]; ok {
		return p.APIKey
	}
	return ""
}

// ProviderBaseURL returns a provider's configured endpoint override.
func (c Config) ProviderBaseURL(provider string) string {
	if p, ok := c.Providers[provider]; ok {
		return p.BaseURL
	}
	return ""
}

// LoadDotEnv populates the environment from a .env file without
// overriding variables already set. Missing file is not an error.
func LoadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.Trim(strings.TrimSpace(line[eq+1:]), `"'`)
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
