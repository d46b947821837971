// Package config loads satchel's config.yaml with viper. Every key can be
// overridden by an environment variable named SATCHEL_ plus the key path in
// upper case with dots replaced by underscores (SATCHEL_REMOTE_BASE_URL).
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

	"github.com/mesh-intelligence/satchel/internal/paths"
	"github.com/mesh-intelligence/satchel/pkg/types"
)

const (
	configFileName = "config"
	configFileType = "yaml"
	envPrefix      = "SATCHEL"
)

// Config is the full client configuration.
type Config struct {
	Backend      string             `mapstructure:"backend" yaml:"backend"`
	DataDir      string             `mapstructure:"data_dir" yaml:"data_dir,omitempty"`
	OwnerID      string             `mapstructure:"owner_id" yaml:"owner_id"`
	Remote       RemoteConfig       `mapstructure:"remote" yaml:"remote"`
	Cache        CacheConfig        `mapstructure:"cache" yaml:"cache"`
	Outbox       OutboxConfig       `mapstructure:"outbox" yaml:"outbox"`
	Connectivity ConnectivityConfig `mapstructure:"connectivity" yaml:"connectivity"`
	Logging      LoggingConfig      `mapstructure:"logging" yaml:"logging"`
}

// RemoteConfig locates the remote API.
type RemoteConfig struct {
	BaseURL string        `mapstructure:"base_url" yaml:"base_url"`
	Token   string        `mapstructure:"token" yaml:"token,omitempty"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
	WakeURL string        `mapstructure:"wake_url" yaml:"wake_url,omitempty"`
}

// CacheConfig tunes the offline cache.
type CacheConfig struct {
	TTL             time.Duration `mapstructure:"ttl" yaml:"ttl"`
	QuotaBytes      int64         `mapstructure:"quota_bytes" yaml:"quota_bytes"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval" yaml:"cleanup_interval"`
	MediaDir        string        `mapstructure:"media_dir" yaml:"media_dir,omitempty"`
}

// OutboxConfig tunes drain retries.
type OutboxConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay" yaml:"base_delay"`
}

// ConnectivityConfig tunes reachability probing and wake handling.
type ConnectivityConfig struct {
	ProbeInterval time.Duration `mapstructure:"probe_interval" yaml:"probe_interval"`
	SyncTags      []string      `mapstructure:"sync_tags" yaml:"sync_tags"`
}

// LoggingConfig selects the log file and level.
type LoggingConfig struct {
	File  string `mapstructure:"file" yaml:"file,omitempty"`
	Level string `mapstructure:"level" yaml:"level"`
}

// Config validation errors.
var (
	ErrOwnerMissing   = errors.New("owner_id is required")
	ErrRemoteMissing  = errors.New("remote.base_url is required")
	ErrInvalidSetting = errors.New("invalid setting")
)

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Backend: types.BackendSQLite,
		Remote: RemoteConfig{
			Timeout: 30 * time.Second,
		},
		Cache: CacheConfig{
			TTL: types.DefaultTTL,
		},
		Outbox: OutboxConfig{
			MaxAttempts: 3,
			BaseDelay:   2 * time.Second,
		},
		Connectivity: ConnectivityConfig{
			ProbeInterval: 30 * time.Second,
			SyncTags:      []string{"satchel-sync"},
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// setDefaults registers every key so that environment overrides apply even
// when the file does not mention them.
func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("backend", d.Backend)
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("owner_id", d.OwnerID)
	v.SetDefault("remote.base_url", d.Remote.BaseURL)
	v.SetDefault("remote.token", d.Remote.Token)
	v.SetDefault("remote.timeout", d.Remote.Timeout)
	v.SetDefault("remote.wake_url", d.Remote.WakeURL)
	v.SetDefault("cache.ttl", d.Cache.TTL)
	v.SetDefault("cache.quota_bytes", d.Cache.QuotaBytes)
	v.SetDefault("cache.cleanup_interval", d.Cache.CleanupInterval)
	v.SetDefault("cache.media_dir", d.Cache.MediaDir)
	v.SetDefault("outbox.max_attempts", d.Outbox.MaxAttempts)
	v.SetDefault("outbox.base_delay", d.Outbox.BaseDelay)
	v.SetDefault("connectivity.probe_interval", d.Connectivity.ProbeInterval)
	v.SetDefault("connectivity.sync_tags", d.Connectivity.SyncTags)
	v.SetDefault("logging.file", d.Logging.File)
	v.SetDefault("logging.level", d.Logging.Level)
}

// Load reads config.yaml from configDir and applies environment overrides.
// A missing file is not an error.
func Load(configDir string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigName(configFileName)
	v.SetConfigType(configFileType)
	v.AddConfigPath(configDir)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that have no usable interpretation. Owner and
// remote are checked separately by commands that need them.
func (c *Config) Validate() error {
	if err := c.Store().Validate(); err != nil {
		return err
	}
	switch {
	case c.Cache.TTL <= 0:
		return fmt.Errorf("cache.ttl must be positive: %w", ErrInvalidSetting)
	case c.Cache.QuotaBytes < 0:
		return fmt.Errorf("cache.quota_bytes must not be negative: %w", ErrInvalidSetting)
	case c.Cache.CleanupInterval < 0:
		return fmt.Errorf("cache.cleanup_interval must not be negative: %w", ErrInvalidSetting)
	case c.Outbox.MaxAttempts < 1:
		return fmt.Errorf("outbox.max_attempts must be at least 1: %w", ErrInvalidSetting)
	case c.Outbox.BaseDelay < 0:
		return fmt.Errorf("outbox.base_delay must not be negative: %w", ErrInvalidSetting)
	}
	return nil
}

// RequireOwner reports ErrOwnerMissing when no owner is configured.
func (c *Config) RequireOwner() error {
	if c.OwnerID == "" {
		return ErrOwnerMissing
	}
	return nil
}

// RequireRemote reports ErrRemoteMissing when no remote is configured.
func (c *Config) RequireRemote() error {
	if c.Remote.BaseURL == "" {
		return ErrRemoteMissing
	}
	return nil
}

// Store returns the storage backend selection.
func (c *Config) Store() types.Config {
	return types.Config{Backend: c.Backend, DataDir: c.DataDir}
}

// WriteDefault writes cfg to configDir/config.yaml unless the file exists.
// It reports whether a file was written.
func WriteDefault(configDir string, cfg Config) (bool, error) {
	path := filepath.Join(configDir, paths.ConfigFileName)
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !os.IsNotExist(err) {
		return false, fmt.Errorf("stat config file: %w", err)
	}

	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return false, fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return false, fmt.Errorf("marshal config: %w", err)
	}
	header := "# satchel configuration. Environment variables SATCHEL_<KEY> override these values.\n"
	if err := os.WriteFile(path, append([]byte(header), data...), 0o600); err != nil {
		return false, fmt.Errorf("write config: %w", err)
	}
	return true, nil
}
