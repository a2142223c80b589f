package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/syntropy-systems-oss/whirr/errors"
)

// SetDefaults applies default values to a viper instance
func SetDefaults(v *viper.Viper) {
	v.SetDefault("worker.heartbeat_interval", 30)
	v.SetDefault("worker.heartbeat_timeout", 120)
	v.SetDefault("worker.kill_grace_period", 10)
	v.SetDefault("worker.poll_interval", 5)
	v.SetDefault("worker.lease_seconds", 60)

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.url", "")
	v.SetDefault("server.data_dir", "")
	v.SetDefault("server.submit_rate", 50.0)
	v.SetDefault("server.submit_burst", 100)

	v.SetDefault("database.url", "")
}

func initViper(dataDir string) *viper.Viper {
	v := viper.New()

	v.SetEnvPrefix("WHIRR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// WHIRR_SERVER_URL and WHIRR_DATA_DIR are the documented environment
	// surface; bind them explicitly so they work without a config file.
	v.BindEnv("server.url", "WHIRR_SERVER_URL")
	v.BindEnv("server.data_dir", "WHIRR_DATA_DIR")
	v.BindEnv("database.url", "WHIRR_DATABASE_URL")

	SetDefaults(v)

	if dataDir != "" {
		configPath := filepath.Join(dataDir, "config.toml")
		if _, err := os.Stat(configPath); err == nil {
			v.SetConfigFile(configPath)
			v.SetConfigType("toml")
			// Best effort; a malformed file falls back to defaults below
			_ = v.MergeInConfig()
		}
	}

	return v
}

// Load reads configuration for the given data root. An empty dataDir loads
// defaults plus environment overrides only.
func Load(dataDir string) (*Config, error) {
	v := initViper(dataDir)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	return &cfg, nil
}

// LoadWithViper loads configuration using a provided viper instance (tests).
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	return &cfg, nil
}
