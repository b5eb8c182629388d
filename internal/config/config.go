// Package config loads the daemon configuration: built-in defaults, then an
// optional config.yaml in the workshop home directory, then environment
// overrides.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	workshopotel "github.com/basket/workshop/internal/otel"
)

type Config struct {
	HomeDir string `yaml:"-"`

	Port          int    `yaml:"port"`
	DBPath        string `yaml:"db_path"`
	BlobDir       string `yaml:"blob_dir"`
	RetentionDays int    `yaml:"retention_days"`
	Verbose       bool   `yaml:"verbose"`
	LogLevel      string `yaml:"log_level"`

	// MaxBlobBytes caps a single upload. Checked against Content-Length
	// before the body is read and against the actual length after.
	MaxBlobBytes int64 `yaml:"max_blob_bytes"`

	Otel workshopotel.Config `yaml:"otel"`
}

func defaultConfig() Config {
	return Config{
		Port:          4242,
		RetentionDays: 30,
		LogLevel:      "info",
		MaxBlobBytes:  50 << 20,
	}
}

// HomeDir returns the workshop data directory, honoring WORKSHOP_HOME.
func HomeDir() string {
	if override := os.Getenv("WORKSHOP_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".workshop")
}

func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create workshop home: %w", err)
	}

	configPath := filepath.Join(cfg.HomeDir, "config.yaml")
	data, err := os.ReadFile(configPath)
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
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("WORKSHOP_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Port = n
		}
	}
	if v := os.Getenv("WORKSHOP_DB"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("WORKSHOP_BLOBS"); v != "" {
		cfg.BlobDir = v
	}
	if v := os.Getenv("WORKSHOP_RETENTION_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RetentionDays = n
		}
	}
	if v := os.Getenv("WORKSHOP_VERBOSE"); v != "" {
		cfg.Verbose = v == "1" || strings.EqualFold(v, "true")
	}
	if v := os.Getenv("WORKSHOP_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

func normalize(cfg *Config) {
	if cfg.Port <= 0 {
		cfg.Port = 4242
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "workshop.db")
	}
	if cfg.BlobDir == "" {
		cfg.BlobDir = filepath.Join(cfg.HomeDir, "blobs")
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 30
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.MaxBlobBytes <= 0 {
		cfg.MaxBlobBytes = 50 << 20
	}
}

// Fingerprint returns a stable hash of the active config for /status.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "port=%d|db=%s|blobs=%s|retain=%d|verbose=%t|maxblob=%d",
		c.Port, c.DBPath, c.BlobDir, c.RetentionDays, c.Verbose, c.MaxBlobBytes)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}
