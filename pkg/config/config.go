package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// FileName is the config file inside a profile directory.
const FileName = "config.toml"

// ClientConfig defines how calls are issued.
type ClientConfig struct {
	// Timeout is a Go duration string such as "1s" or "250ms".
	Timeout    string `toml:"timeout"`
	IDScheme   string `toml:"idScheme"`
	SessionDir string `toml:"sessionDir"`
	CacheSize  int    `toml:"cacheSize"`
}

// TimeoutDuration parses Timeout. validate guarantees it parses for loaded configs.
func (c ClientConfig) TimeoutDuration() time.Duration {
	d, err := time.ParseDuration(c.Timeout)
	if err != nil || d <= 0 {
		return time.Second
	}
	return d
}

// LoggingConfig defines basic logging knobs.
type LoggingConfig struct {
	Level       string `toml:"level"`
	Format      string `toml:"format"`
	FilePath    string `toml:"filePath"`
	FileMaxSize int    `toml:"fileMaxSizeMB"`
}

// HistoryConfig controls the local call journal.
type HistoryConfig struct {
	Enabled bool   `toml:"enabled"`
	DBPath  string `toml:"dbPath"`
}

// ProfileConfig aggregates client configuration for a profile.
type ProfileConfig struct {
	ProfileName string        `toml:"profileName"`
	Client      ClientConfig  `toml:"client"`
	Logging     LoggingConfig `toml:"logging"`
	History     HistoryConfig `toml:"history"`
}

// Default returns the configuration written by a fresh init.
func Default(name string) *ProfileConfig {
	return &ProfileConfig{
		ProfileName: name,
		Client: ClientConfig{
			Timeout:   "1s",
			IDScheme:  "ulid",
			CacheSize: 32,
		},
		Logging: LoggingConfig{
			Level:       "warn",
			Format:      "console",
			FilePath:    "logs/porthole.log",
			FileMaxSize: 5,
		},
		History: HistoryConfig{
			Enabled: true,
			DBPath:  "history.db",
		},
	}
}

// Load reads config.toml from the provided path.
func Load(path string) (*ProfileConfig, error) {
	var cfg ProfileConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &cfg, nil
}

// LoadProfile reads config.toml from a profile directory.
func LoadProfile(dir string) (*ProfileConfig, error) {
	return Load(filepath.Join(dir, FileName))
}

// Save writes cfg as TOML, creating parent directories.
func Save(path string, cfg *ProfileConfig) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return os.WriteFile(path, buf.Bytes(), 0o600)
}

// ResolvePath makes p absolute relative to the profile directory. Empty stays empty.
func ResolvePath(dir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}

func (cfg *ProfileConfig) validate() error {
	if cfg.ProfileName == "" {
		return fmt.Errorf("profileName required")
	}
	if cfg.Client.Timeout == "" {
		cfg.Client.Timeout = "1s"
	}
	d, err := time.ParseDuration(cfg.Client.Timeout)
	if err != nil {
		return fmt.Errorf("client.timeout: %w", err)
	}
	if d <= 0 {
		return fmt.Errorf("client.timeout must be positive, got %s", cfg.Client.Timeout)
	}
	switch strings.ToLower(cfg.Client.IDScheme) {
	case "":
		cfg.Client.IDScheme = "ulid"
	case "ulid", "uuid", "counter":
	default:
		return fmt.Errorf("client.idScheme %q not one of ulid, uuid, counter", cfg.Client.IDScheme)
	}
	if cfg.Client.CacheSize < 0 {
		return fmt.Errorf("client.cacheSize must not be negative")
	}
	switch strings.ToLower(cfg.Logging.Format) {
	case "":
		cfg.Logging.Format = "console"
	case "console", "json":
	default:
		return fmt.Errorf("logging.format %q not one of console, json", cfg.Logging.Format)
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "warn"
	}
	if cfg.History.Enabled && cfg.History.DBPath == "" {
		cfg.History.DBPath = "history.db"
	}
	return nil
}
