package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the dicta configuration
type Config struct {
	Oracle   OracleConfig   `yaml:"oracle"`
	Sync     SyncConfig     `yaml:"sync"`
	Watch    WatchConfig    `yaml:"watch"`
	Contacts ContactsConfig `yaml:"contacts"`
}

// OracleConfig controls the extraction oracle chain.
type OracleConfig struct {
	// Primary Gemini model (default: gemini-2.0-flash)
	Model string `yaml:"model"`
	// Fallback OpenAI-compatible model (default: gpt-4o-mini)
	FallbackModel string `yaml:"fallback_model"`
	// Per-call timeout in seconds (default: 90)
	TimeoutSeconds int `yaml:"timeout_seconds"`
	// Requests per minute, <=0 disables rate limiting
	RPM int `yaml:"rpm"`
}

// SyncConfig controls the downstream sync dispatcher.
type SyncConfig struct {
	// Base URL of the sync service; empty disables dispatch
	ServiceURL string `yaml:"service_url"`
	// Per-request timeout in seconds (default: 30)
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// WatchConfig controls the transcript inbox watcher.
type WatchConfig struct {
	InboxDir string `yaml:"inbox_dir"`
}

// ContactsConfig tunes fuzzy contact matching.
type ContactsConfig struct {
	// Max fuzzy suggestions returned (default: 5)
	MaxSuggestions int `yaml:"max_suggestions"`
	// Minimum similarity score to suggest (default: 0.4)
	MinScore float64 `yaml:"min_score"`
}

// OracleTimeout returns the configured oracle timeout as a duration.
func (c *Config) OracleTimeout() time.Duration {
	if c.Oracle.TimeoutSeconds <= 0 {
		return 90 * time.Second
	}
	return time.Duration(c.Oracle.TimeoutSeconds) * time.Second
}

// SyncTimeout returns the configured sync request timeout as a duration.
func (c *Config) SyncTimeout() time.Duration {
	if c.Sync.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Sync.TimeoutSeconds) * time.Second
}

// GetConfigDir returns the XDG-compliant config directory
func GetConfigDir() (string, error) {
	// Explicit override (useful for tests and portable installs)
	if override := os.Getenv("DICTA_CONFIG_DIR"); override != "" {
		return override, nil
	}

	var base string
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		base = xdg
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "dicta"), nil
}

// GetDataDir returns the platform-specific data directory
func GetDataDir() (string, error) {
	// Explicit override (useful for tests and portable installs)
	if override := os.Getenv("DICTA_DATA_DIR"); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}

	if runtime.GOOS == "darwin" {
		return filepath.Join(home, "Library", "Application Support", "Dicta"), nil
	}

	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "dicta"), nil
	}

	return filepath.Join(home, ".local", "share", "dicta"), nil
}

// Load loads config from the config file. API keys come from the
// environment (a .env in the config dir is loaded first if present):
// GEMINI_API_KEY for the primary oracle, OPENAI_API_KEY for the fallback.
func Load() (*Config, error) {
	configDir, err := GetConfigDir()
	if err != nil {
		return nil, err
	}

	// Best effort: keys may already be in the environment.
	_ = godotenv.Load(filepath.Join(configDir, ".env"))

	configPath := filepath.Join(configDir, "config.yaml")

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := &Config{}
			cfg.applyDefaults()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyDefaults()

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Oracle.Model == "" {
		c.Oracle.Model = "gemini-2.0-flash"
	}
	if c.Oracle.FallbackModel == "" {
		c.Oracle.FallbackModel = "gpt-4o-mini"
	}
	if c.Contacts.MaxSuggestions <= 0 {
		c.Contacts.MaxSuggestions = 5
	}
	if c.Contacts.MinScore <= 0 {
		c.Contacts.MinScore = 0.4
	}
}

// Save saves the config to the config file
func (c *Config) Save() error {
	configDir, err := GetConfigDir()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	configPath := filepath.Join(configDir, "config.yaml")

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}
