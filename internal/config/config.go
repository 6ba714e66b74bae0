// Package config loads the scheduler daemon configuration from
// $HEARTH_HOME/config.yaml, applying defaults for anything unset.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/hearthchat/hearth/internal/otel"
)

// SchedulerConfig tunes the engine loop and run-history retention.
type SchedulerConfig struct {
	// TickSeconds is the due-task polling interval. Default 60.
	TickSeconds int `yaml:"tick_seconds"`
	// RunHistoryDays is how long task_runs rows are kept. Default 30.
	RunHistoryDays int `yaml:"run_history_days"`
	// MaintenanceSpec is the cron expression for the nightly retention
	// prune. Default "0 3 * * *".
	MaintenanceSpec string `yaml:"maintenance_spec"`
}

// AIConfig holds the default model settings used when a conversation
// carries no settings of its own.
type AIConfig struct {
	Provider string `yaml:"provider"` // google, anthropic, openai, openai_compatible
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"`
	// SystemPrompt is the fallback system prompt for scheduled turns.
	SystemPrompt string `yaml:"system_prompt"`
}

// NotificationsConfig controls the desktop notification sink.
type NotificationsConfig struct {
	Desktop bool `yaml:"desktop"`
}

// BridgeConfig controls the agent-tool control plane. The bridge is on
// unless explicitly disabled.
type BridgeConfig struct {
	Disabled bool `yaml:"disabled"`
	// ClientRuntime is the interpreter used to run the bridge client
	// script spawned for agent tools. Default "python3".
	ClientRuntime string `yaml:"client_runtime"`
}

// Config is the full daemon configuration.
type Config struct {
	HomeDir  string `yaml:"-"`
	LogLevel string `yaml:"log_level"`
	DBPath   string `yaml:"db_path"`

	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	AI            AIConfig            `yaml:"ai"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Bridge        BridgeConfig        `yaml:"bridge"`
	Telemetry     otel.Config         `yaml:"telemetry"`
}

// HomeDir resolves the data directory: $HEARTH_HOME, else ~/.hearth.
func HomeDir() string {
	if dir := strings.TrimSpace(os.Getenv("HEARTH_HOME")); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".hearth")
}

// Load reads config.yaml from the home directory. A missing file is not an
// error: defaults apply. A malformed file is an error.
func Load() (*Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads configuration rooted at the given directory.
func LoadFrom(homeDir string) (*Config, error) {
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return nil, fmt.Errorf("create home dir: %w", err)
	}

	cfg := &Config{HomeDir: homeDir}
	path := filepath.Join(homeDir, "config.yaml")
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// defaults only
	default:
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.HomeDir, "hearth.db")
	}
	if c.Scheduler.TickSeconds <= 0 {
		c.Scheduler.TickSeconds = 60
	}
	if c.Scheduler.RunHistoryDays <= 0 {
		c.Scheduler.RunHistoryDays = 30
	}
	if c.Scheduler.MaintenanceSpec == "" {
		c.Scheduler.MaintenanceSpec = "0 3 * * *"
	}
	if c.AI.Provider == "" {
		c.AI.Provider = "google"
	}
	if c.Bridge.ClientRuntime == "" {
		c.Bridge.ClientRuntime = "python3"
	}
}

// ConfigPath returns the path of the YAML file Load reads.
func (c *Config) ConfigPath() string {
	return filepath.Join(c.HomeDir, "config.yaml")
}
