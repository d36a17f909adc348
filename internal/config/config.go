// Package config loads the tool configuration from an optional YAML file and
// CANASYNC_* environment variables. Environment variables win over the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default values for configuration fields.
const (
	DefaultStorePath       = "./canasync.db"
	DefaultBackupDir       = "./backups"
	DefaultSyncInterval    = 5 * time.Minute
	DefaultMonitorInterval = 5 * time.Minute
	DefaultRetainBackups   = 10
	DefaultListenAddr      = ":8080"
)

// ErrMissingRemoteURL and ErrMissingServiceToken make the two mandatory
// settings individually testable; startup treats either as fatal.
var (
	ErrMissingRemoteURL    = errors.New("config: CANASYNC_REMOTE_URL is required")
	ErrMissingServiceToken = errors.New("config: CANASYNC_SERVICE_TOKEN is required")
)

// Config holds the tool configuration. DatabaseURL and JWTSecret configure
// the authority side and are validated only by the serve command.
type Config struct {
	RemoteURL       string        `mapstructure:"remote_url"`
	ServiceToken    string        `mapstructure:"service_token"`
	StorePath       string        `mapstructure:"store_path"`
	BackupDir       string        `mapstructure:"backup_dir"`
	SyncInterval    time.Duration `mapstructure:"sync_interval"`
	MonitorInterval time.Duration `mapstructure:"monitor_interval"`
	RetainBackups   int           `mapstructure:"retain_backups"`
	DatabaseURL     string        `mapstructure:"database_url"`
	JWTSecret       string        `mapstructure:"jwt_secret"`
	ListenAddr      string        `mapstructure:"listen_addr"`
}

// Load reads configuration from path (optional; a missing file is not an
// error) and from the environment, then validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetDefault("store_path", DefaultStorePath)
	v.SetDefault("backup_dir", DefaultBackupDir)
	v.SetDefault("sync_interval", DefaultSyncInterval)
	v.SetDefault("monitor_interval", DefaultMonitorInterval)
	v.SetDefault("retain_backups", DefaultRetainBackups)
	v.SetDefault("listen_addr", DefaultListenAddr)

	v.SetEnvPrefix("CANASYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Keys without defaults are invisible to Unmarshal unless bound.
	for _, key := range []string{"remote_url", "service_token", "database_url", "jwt_secret"} {
		_ = v.BindEnv(key)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the mandatory settings. The remote URL and service token
// have no sensible defaults: syncing against a guessed endpoint would be
// worse than refusing to start.
func (c *Config) Validate() error {
	if c.RemoteURL == "" {
		return ErrMissingRemoteURL
	}
	if c.ServiceToken == "" {
		return ErrMissingServiceToken
	}
	if c.RetainBackups < 1 {
		return fmt.Errorf("config: retain_backups must be at least 1, got %d", c.RetainBackups)
	}
	if c.SyncInterval <= 0 {
		return fmt.Errorf("config: sync_interval must be positive, got %s", c.SyncInterval)
	}
	if c.MonitorInterval <= 0 {
		return fmt.Errorf("config: monitor_interval must be positive, got %s", c.MonitorInterval)
	}
	return nil
}
