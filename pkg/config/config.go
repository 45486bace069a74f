// Package config loads bltool settings from an optional YAML file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"

	"github.com/helioflight/bltool/pkg/keygen"
)

// Config holds the tool settings.
type Config struct {
	KeystorePath   string `mapstructure:"keystore_path"`
	DefaultKeyBits int    `mapstructure:"default_key_bits"`
	LogLevel       string `mapstructure:"log_level"`
}

// Load reads ~/.bltool/config.yaml (or ./config.yaml) if present, applies
// environment overrides with the BLTOOL_ prefix, and falls back to defaults.
// A missing config file is not an error.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".bltool"))
	}
	v.AddConfigPath(".")
	return load(v, true)
}

// LoadFile reads settings from an explicit config file path.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	return load(v, false)
}

func load(v *viper.Viper, optional bool) (*Config, error) {
	v.SetEnvPrefix("BLTOOL")
	v.AutomaticEnv()
	// Every field needs a default so viper knows the key exists; AutomaticEnv
	// only consults the environment for keys it has already seen.
	v.SetDefault("keystore_path", "")
	v.SetDefault("default_key_bits", keygen.DefaultBits)
	v.SetDefault("log_level", "info")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !optional || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
