// Package config loads the stsync configuration from file and
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the full daemon and CLI configuration.
type Config struct {
	// DataDir holds the state database and backups.
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`

	// ExtensionsDir is the local extension record directory.
	ExtensionsDir string `mapstructure:"extensions_dir" yaml:"extensions_dir"`

	// CatalogPath optionally points at a JSON extension catalog.
	CatalogPath string `mapstructure:"catalog_path" yaml:"catalog_path,omitempty"`

	Remote    Remote   `mapstructure:"remote" yaml:"remote"`
	Ignored   []string `mapstructure:"ignored" yaml:"ignored,omitempty"`
	AutoSync  AutoSync `mapstructure:"auto_sync" yaml:"auto_sync"`
	Dashboard Dash     `mapstructure:"dashboard" yaml:"dashboard"`

	// LogFile enables rotated file logging for the daemon when set.
	LogFile string `mapstructure:"log_file" yaml:"log_file,omitempty"`
}

// Remote locates the sync service.
type Remote struct {
	URL   string `mapstructure:"url" yaml:"url"`
	Token string `mapstructure:"token" yaml:"token,omitempty"`
}

// AutoSync tunes the background loop.
type AutoSync struct {
	Enabled  bool          `mapstructure:"enabled" yaml:"enabled"`
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
}

// Dash configures the dashboard server. Port 0 disables it.
type Dash struct {
	Port int `mapstructure:"port" yaml:"port"`
}

// Default returns the configuration used when no file exists.
func Default() Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	base := filepath.Join(home, ".stsync")
	return Config{
		DataDir:       filepath.Join(base, "data"),
		ExtensionsDir: filepath.Join(base, "extensions"),
		AutoSync:      AutoSync{Interval: 5 * time.Minute},
	}
}

// Load reads configuration from path (or the default locations when
// empty), applying STSYNC_ environment overrides on top of defaults.
func Load(path string) (Config, error) {
	def := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetDefault("data_dir", def.DataDir)
	v.SetDefault("extensions_dir", def.ExtensionsDir)
	v.SetDefault("auto_sync.interval", def.AutoSync.Interval)
	v.SetDefault("dashboard.port", 0)

	v.SetEnvPrefix("STSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("stsync")
		v.AddConfigPath(filepath.Dir(def.DataDir))
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// WriteDefault writes a starter configuration file at path. Refuses
// to overwrite an existing file.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config %s already exists", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	raw, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("failed to encode default config: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
