// Package config loads the YAML application configuration. Runtime billing
// policy (conversion rate, rounding, default multiplier) lives in DB-backed
// settings instead; this file covers only process-level wiring.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the config filename looked up when no path is given.
const DefaultConfigFile = "creditmeter.yaml"

// AppConfig is the process-level configuration.
type AppConfig struct {
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// DatabaseConfig holds the persistence settings.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"` // PostgreSQL or SQLite DSN.
}

// RedisConfig holds the optional pricing-cache settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"` // Empty disables the pricing cache.
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level      string `yaml:"level"`       // logrus level name, default info.
	File       string `yaml:"file"`        // Empty logs to stderr only.
	MaxSizeMB  int    `yaml:"max-size-mb"` // Rotation threshold, default 100.
	MaxBackups int    `yaml:"max-backups"` // Rotated files kept, default 3.
	MaxAgeDays int    `yaml:"max-age-days"`
	Compress   bool   `yaml:"compress"`
}

// ResolveConfigPath returns the effective config path, falling back to the
// default filename in the working directory.
func ResolveConfigPath(path string) string {
	if trimmed := strings.TrimSpace(path); trimmed != "" {
		return trimmed
	}
	wd, errWd := os.Getwd()
	if errWd != nil {
		return DefaultConfigFile
	}
	return filepath.Join(wd, DefaultConfigFile)
}

// Load reads and parses the YAML config file.
func Load(path string) (*AppConfig, error) {
	resolved := ResolveConfigPath(path)
	data, errRead := os.ReadFile(resolved)
	if errRead != nil {
		return nil, fmt.Errorf("config: read %s: %w", resolved, errRead)
	}

	var cfg AppConfig
	if errUnmarshal := yaml.Unmarshal(data, &cfg); errUnmarshal != nil {
		return nil, fmt.Errorf("config: parse %s: %w", resolved, errUnmarshal)
	}
	if strings.TrimSpace(cfg.Database.DSN) == "" {
		return nil, fmt.Errorf("config: %s: database.dsn is required", resolved)
	}
	return &cfg, nil
}

// LoadDatabaseDSN is a convenience for callers that only need the DSN.
func LoadDatabaseDSN(path string) (string, error) {
	cfg, errLoad := Load(path)
	if errLoad != nil {
		return "", errLoad
	}
	return cfg.Database.DSN, nil
}
