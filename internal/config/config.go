// Package config loads server configuration from an optional YAML
// file with environment-variable overrides on top.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "5s" or "2m30s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config holds server configuration.
type Config struct {
	Port     int    `yaml:"port"`
	TmuxBin  string `yaml:"tmux_bin"`
	DBPath   string `yaml:"db_path"`
	LogLevel string `yaml:"log_level"`

	BufferCap int `yaml:"buffer_cap"`

	ReconcileInterval Duration `yaml:"reconcile_interval"`
	CleanupInterval   Duration `yaml:"cleanup_interval"`
	Retention         Duration `yaml:"retention"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Port:              8420,
		TmuxBin:           "tmux",
		DBPath:            "termbridge.db",
		LogLevel:          "info",
		BufferCap:         100_000,
		ReconcileInterval: Duration(5 * time.Second),
		CleanupInterval:   Duration(60 * time.Second),
		Retention:         Duration(5 * time.Minute),
	}
}

// Load reads the YAML file at path (skipped if path is empty or the
// file does not exist) and applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Port = n
		}
	}
	if v := os.Getenv("TMUX_BIN"); v != "" {
		c.TmuxBin = v
	}
	if v := os.Getenv("DB_PATH"); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("BUFFER_CAP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.BufferCap = n
		}
	}
	if v := os.Getenv("RECONCILE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.ReconcileInterval = Duration(d)
		}
	}
	if v := os.Getenv("CLEANUP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.CleanupInterval = Duration(d)
		}
	}
	if v := os.Getenv("RETENTION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Retention = Duration(d)
		}
	}
}
