// Package config loads the daemon configuration from config.yaml in the
// go-herd home directory, with HERD_* environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// MatcherWeights are the matcher's sub-score weights, handed to the
// dispatcher at startup.
type MatcherWeights struct {
	Workspace    float64 `yaml:"workspace"`
	Capabilities float64 `yaml:"capabilities"`
	Hint         float64 `yaml:"hint"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`
	DBPath   string `yaml:"db_path"`

	// SchedulerIntervalMS is the period of the maintenance loop.
	SchedulerIntervalMS int `yaml:"scheduler_interval_ms"`
	// AckTimeoutMS is how long a PENDING_ACK reservation may sit unacknowledged.
	AckTimeoutMS int `yaml:"ack_timeout_ms"`
	// StaleTaskTimeoutMS is how long an in-flight task may stay silent before
	// it is force-retried.
	StaleTaskTimeoutMS int `yaml:"stale_task_timeout_ms"`
	// AgentOfflineThresholdMS is how long an agent may stay unseen before the
	// cleanup sweep removes it.
	AgentOfflineThresholdMS int `yaml:"agent_offline_threshold_ms"`
	// PollTimeoutMS is the default long-poll timeout handed to agents.
	PollTimeoutMS int `yaml:"poll_timeout_ms"`

	Matcher MatcherWeights `yaml:"matcher"`

	// PolicyPath points at the prompt-policy rules file. Empty uses
	// <home>/policy.yaml when present, built-in defaults otherwise.
	PolicyPath string `yaml:"policy_path"`

	// OTLPEndpoint enables trace export when non-empty.
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

func defaultConfig() Config {
	return Config{
		BindAddr:                "127.0.0.1:18990",
		LogLevel:                "info",
		SchedulerIntervalMS:     10_000,
		AckTimeoutMS:            30_000,
		StaleTaskTimeoutMS:      1_800_000,
		AgentOfflineThresholdMS: 300_000,
		PollTimeoutMS:           290_000,
		Matcher: MatcherWeights{
			Workspace:    0.4,
			Capabilities: 0.4,
			Hint:         0.2,
		},
	}
}

// HomeDir returns the go-herd home directory, honoring the HERD_HOME override.
func HomeDir() string {
	if override := os.Getenv("HERD_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".goherd")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads config.yaml from the home directory, applies env overrides, and
// fills in defaults. A missing config file is not an error.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create herd home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18990"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "goherd.db")
	}
	if cfg.SchedulerIntervalMS <= 0 {
		cfg.SchedulerIntervalMS = 10_000
	}
	if cfg.AckTimeoutMS <= 0 {
		cfg.AckTimeoutMS = 30_000
	}
	if cfg.StaleTaskTimeoutMS <= 0 {
		cfg.StaleTaskTimeoutMS = 1_800_000
	}
	if cfg.AgentOfflineThresholdMS <= 0 {
		cfg.AgentOfflineThresholdMS = 300_000
	}
	if cfg.PollTimeoutMS <= 0 {
		cfg.PollTimeoutMS = 290_000
	}
	if cfg.Matcher.Workspace <= 0 && cfg.Matcher.Capabilities <= 0 && cfg.Matcher.Hint <= 0 {
		cfg.Matcher = defaultConfig().Matcher
	}
	if cfg.PolicyPath == "" {
		candidate := filepath.Join(cfg.HomeDir, "policy.yaml")
		if _, err := os.Stat(candidate); err == nil {
			cfg.PolicyPath = candidate
		}
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("HERD_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("HERD_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("HERD_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("HERD_SCHEDULER_INTERVAL_MS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.SchedulerIntervalMS = v
		}
	}
	if raw := os.Getenv("HERD_ACK_TIMEOUT_MS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.AckTimeoutMS = v
		}
	}
	if raw := os.Getenv("HERD_STALE_TASK_TIMEOUT_MS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.StaleTaskTimeoutMS = v
		}
	}
	if raw := os.Getenv("HERD_AGENT_OFFLINE_THRESHOLD_MS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.AgentOfflineThresholdMS = v
		}
	}
	if raw := os.Getenv("HERD_POLL_TIMEOUT_MS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.PollTimeoutMS = v
		}
	}
	if raw := os.Getenv("HERD_POLICY_PATH"); raw != "" {
		cfg.PolicyPath = raw
	}
	if raw := os.Getenv("HERD_OTLP_ENDPOINT"); raw != "" {
		cfg.OTLPEndpoint = raw
	}
}
