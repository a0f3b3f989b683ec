package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config holds the dealdigest settings. Values come from settings.yaml in the
// config directory, with DEALDIGEST_* environment variables taking precedence.
type Config struct {
	// LookbackDays is the reporting window: activity older than this is
	// not fetched for a run.
	LookbackDays int `yaml:"lookback_days" envconfig:"LOOKBACK_DAYS"`

	// InternalDomain is the company's own email domain. Meetings and
	// threads whose participants are all internal never count as account
	// activity.
	InternalDomain string `yaml:"internal_domain" envconfig:"INTERNAL_DOMAIN"`

	// ExcludedColorTags lists calendar color/category tags that mark an
	// event as personal, admin, or a block rather than a real meeting.
	ExcludedColorTags []string `yaml:"excluded_color_tags" envconfig:"EXCLUDED_COLOR_TAGS"`

	// SnapshotDir is where the calendar/notes/threads export files live.
	SnapshotDir string `yaml:"snapshot_dir" envconfig:"SNAPSHOT_DIR"`

	Matching MatchingConfig `yaml:"matching"`
	Signals  SignalsConfig  `yaml:"signals"`
	Ollama   OllamaConfig   `yaml:"ollama"`
}

// MatchingConfig tunes the fallback meeting/notes matcher. The thresholds are
// empirical, so they live in config rather than as constants.
type MatchingConfig struct {
	// MinTitleOverlap is the minimum token-overlap ratio for a fallback
	// match, in [0,1].
	MinTitleOverlap float64 `yaml:"min_title_overlap" envconfig:"MATCHING_MIN_TITLE_OVERLAP"`

	// DateToleranceDays allows a notes capture dated this many days from
	// the meeting to still qualify. 0 means same calendar date only.
	DateToleranceDays int `yaml:"date_tolerance_days" envconfig:"MATCHING_DATE_TOLERANCE_DAYS"`
}

// SignalsConfig tunes signal derivation.
type SignalsConfig struct {
	// StalledAfterDays: an account with no activity newer than this is
	// stalled.
	StalledAfterDays int `yaml:"stalled_after_days" envconfig:"SIGNALS_STALLED_AFTER_DAYS"`

	// DeadlineWindowDays: a deadline within this many days of the run
	// counts as imminent for risk flagging.
	DeadlineWindowDays int `yaml:"deadline_window_days" envconfig:"SIGNALS_DEADLINE_WINDOW_DAYS"`
}

// OllamaConfig points at the local summarization model.
type OllamaConfig struct {
	Endpoint string `yaml:"endpoint" envconfig:"OLLAMA_ENDPOINT"`
	Model    string `yaml:"model" envconfig:"OLLAMA_MODEL"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		LookbackDays:      7,
		InternalDomain:    "folloze.com",
		ExcludedColorTags: []string{"1", "3", "6", "8"},
		Matching: MatchingConfig{
			MinTitleOverlap:   0.30,
			DateToleranceDays: 0,
		},
		Signals: SignalsConfig{
			StalledAfterDays:   14,
			DeadlineWindowDays: 14,
		},
		Ollama: OllamaConfig{
			Endpoint: "http://localhost:11434",
			Model:    "gemma2:27b",
		},
	}
}

// GetConfigDir returns the XDG-compliant config directory
func GetConfigDir() (string, error) {
	// Explicit override (useful for tests and portable installs)
	if override := os.Getenv("DEALDIGEST_CONFIG_DIR"); override != "" {
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
	return filepath.Join(base, "dealdigest"), nil
}

// GetDataDir returns the platform-specific data directory
func GetDataDir() (string, error) {
	// Explicit override (useful for tests and portable installs)
	if override := os.Getenv("DEALDIGEST_DATA_DIR"); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}

	if runtime.GOOS == "darwin" {
		return filepath.Join(home, "Library", "Application Support", "Dealdigest"), nil
	}

	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "dealdigest"), nil
	}

	return filepath.Join(home, ".local", "share", "dealdigest"), nil
}

// Load reads settings.yaml from the config directory, falling back to
// defaults when the file is absent, then applies DEALDIGEST_* environment
// overrides.
func Load() (*Config, error) {
	cfg := Default()

	configDir, err := GetConfigDir()
	if err != nil {
		return nil, err
	}

	configPath := filepath.Join(configDir, "settings.yaml")

	data, err := os.ReadFile(configPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	// Env overrides win over the file. The envconfig tags carry no
	// defaults, so unset variables leave the struct untouched.
	if err := envconfig.Process("DEALDIGEST", cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment overrides: %w", err)
	}

	if cfg.SnapshotDir == "" {
		dataDir, err := GetDataDir()
		if err != nil {
			return nil, err
		}
		cfg.SnapshotDir = filepath.Join(dataDir, "snapshots")
	}

	return cfg, nil
}

// Save writes the config to settings.yaml in the config directory.
func (c *Config) Save() error {
	configDir, err := GetConfigDir()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	configPath := filepath.Join(configDir, "settings.yaml")

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}
