// Package config loads relay configuration from the filesystem with
// environment overrides.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

const (
	ConfigFileName = "relay.json"
	ConfigDirName  = ".relay"
)

// BackendKind selects which transport drives the remote agent.
type BackendKind string

const (
	// BackendCLI dispatches work through the locally installed agent
	// command-line tool.
	BackendCLI BackendKind = "cli"
	// BackendAPI talks to the agent's HTTP API directly.
	BackendAPI BackendKind = "api"
)

// Config holds the application configuration.
type Config struct {
	Backend    BackendKind `json:"backend"`
	AgentCLI   string      `json:"agentCLI"`
	APIBaseURL string      `json:"apiBaseURL"`
	LogLevel   string      `json:"logLevel"`

	// Poller tuning. The exact values are operational knobs, not
	// protocol constants.
	PollInitialMS int `json:"pollInitialMS,omitempty"`
	PollCeilingMS int `json:"pollCeilingMS,omitempty"`
	PollBudget    int `json:"pollBudget,omitempty"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Backend:       BackendCLI,
		AgentCLI:      "jules",
		APIBaseURL:    "https://jules.googleapis.com/v1alpha",
		LogLevel:      "info",
		PollInitialMS: 3000,
		PollCeilingMS: 30000,
		PollBudget:    200,
	}
}

// Load loads configuration from the global config file, then applies
// environment overrides. A missing file yields the defaults.
func Load() (*Config, error) {
	cfg := Default()

	if data, err := os.ReadFile(GlobalConfigPath()); err == nil {
		json.Unmarshal(data, cfg)
	}

	if backend := os.Getenv("RELAY_BACKEND"); backend != "" {
		cfg.Backend = BackendKind(backend)
	}
	if bin := os.Getenv("RELAY_AGENT_CLI"); bin != "" {
		cfg.AgentCLI = bin
	}
	if base := os.Getenv("RELAY_API_BASE_URL"); base != "" {
		cfg.APIBaseURL = base
	}
	if level := os.Getenv("RELAY_LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}
	if budget := os.Getenv("RELAY_POLL_BUDGET"); budget != "" {
		if n, err := strconv.Atoi(budget); err == nil && n > 0 {
			cfg.PollBudget = n
		}
	}

	if cfg.Backend != BackendCLI && cfg.Backend != BackendAPI {
		cfg.Backend = BackendCLI
	}

	return cfg, nil
}

// Save writes the configuration to the global config file.
func (c *Config) Save() error {
	path := GlobalConfigPath()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// PollInitial returns the first poll delay.
func (c *Config) PollInitial() time.Duration {
	return time.Duration(c.PollInitialMS) * time.Millisecond
}

// PollCeiling returns the maximum poll delay.
func (c *Config) PollCeiling() time.Duration {
	return time.Duration(c.PollCeilingMS) * time.Millisecond
}

// GlobalConfigPath returns the path to the global config file.
func GlobalConfigPath() string {
	if override := os.Getenv("RELAY_CONFIG"); override != "" {
		return override
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ConfigDirName, ConfigFileName)
}

// DataDir returns the path to the data directory holding the session
// database and the stored credential.
func DataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "relay")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ConfigDirName, "data")
}
