// Package model defines the configuration structures for unitrun.
package model

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Units   UnitsConfig   `yaml:"units"`
	State   StateConfig   `yaml:"state"`
	Run     RunConfig     `yaml:"run"`
	Watch   WatchConfig   `yaml:"watch"`
	Logging LoggingConfig `yaml:"logging"`
}

type UnitsConfig struct {
	// Root is the directory holding unit categories. Empty means the
	// current working directory.
	Root string `yaml:"root"`
}

type StateConfig struct {
	// Dir holds schedule records, the run journal, and the run lock. Empty
	// means $XDG_STATE_HOME/unitrun (resolved by the CLI, not here).
	Dir string `yaml:"dir"`
}

type RunConfig struct {
	// Strict propagates a nonzero exit code when any unit fails. Off by
	// default: unit failures surface as log lines only.
	Strict bool `yaml:"strict"`
	// Notify posts a desktop notification when a batch completes.
	Notify bool `yaml:"notify"`
	// Journal enables the JSONL run journal. Nil means enabled.
	Journal *bool `yaml:"journal"`
}

type WatchConfig struct {
	DebounceSec float64 `yaml:"debounce_sec"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Watch:   WatchConfig{DebounceSec: 2},
		Logging: LoggingConfig{Level: "info"},
	}
}

// JournalEnabled resolves the tri-state journal setting.
func (c Config) JournalEnabled() bool {
	return c.Run.Journal == nil || *c.Run.Journal
}

// Load reads config from path, layered over defaults. A missing file yields
// the defaults; a malformed file is a configuration error.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.Watch.DebounceSec <= 0 {
		cfg.Watch.DebounceSec = Default().Watch.DebounceSec
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = Default().Logging.Level
	}
	return cfg, nil
}
