package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	// DefaultDataDir is the per-user state directory.
	DefaultDataDir = ".sentinel"
	// ConfigFileName is the default configuration file name inside the data
	// directory.
	ConfigFileName = "sentinel_config.json"
)

// Load builds the effective configuration: defaults, then the config file
// (explicit path or the one in the data directory), then SENTINEL_*
// environment variables and bound flags.
func Load(configPath string) (*Config, error) {
	// A .env next to the binary is a deployment convenience; its absence is
	// not an error.
	_ = godotenv.Load()

	cfg := DefaultConfig()

	setupViper()

	if configPath == "" {
		configPath = viper.GetString("config")
	}
	if configPath != "" {
		if err := loadConfigFile(configPath, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	} else if defaultPath, ok := defaultConfigPath(); ok {
		if err := loadConfigFile(defaultPath, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", defaultPath, err)
		}
	}

	// Environment and flags override file values.
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.DataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(homeDir, DefaultDataDir)
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", cfg.DataDir, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func setupViper() {
	viper.SetEnvPrefix("SENTINEL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()
}

func loadConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, cfg)
}

// defaultConfigPath returns the config file inside the default data
// directory, if it exists.
func defaultConfigPath() (string, bool) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", false
	}
	path := filepath.Join(homeDir, DefaultDataDir, ConfigFileName)
	if _, err := os.Stat(path); err != nil {
		return "", false
	}
	return path, true
}
