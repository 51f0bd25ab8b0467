// Package config implements stashd's layered configuration: CLI flags
// override environment variables (STASHD_*), which override a YAML
// config file, which overrides built-in defaults. An environment
// variable only overrides a key that the config file sets; when no
// config file is found, Load returns the built-in defaults and reads no
// environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/stashfs/stashd/internal/bytesize"
)

// Config is stashd's complete runtime configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server" yaml:"server"`
	Storage StorageConfig `mapstructure:"storage" yaml:"storage"`
	Pool    PoolConfig    `mapstructure:"pool" yaml:"pool"`
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// ServerConfig configures the TCP listener.
type ServerConfig struct {
	// Addr is the listen address, e.g. ":10985" or "0.0.0.0:10985".
	Addr string `mapstructure:"addr" yaml:"addr" validate:"required"`

	// ShutdownTimeout is loaded and validated but not passed to the
	// server; Server.Run waits for in-flight work to drain after the
	// context is cancelled with no time bound.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" validate:"gt=0"`
}

// StorageConfig configures the on-disk file tree and metadata database.
type StorageConfig struct {
	// Root is the directory under which every user's files are stored,
	// one subdirectory per username.
	Root string `mapstructure:"root" yaml:"root" validate:"required"`

	// DatabasePath is the SQLite file backing the metadata/quota store.
	DatabasePath string `mapstructure:"database_path" yaml:"database_path" validate:"required"`

	// DefaultQuota is a per-user byte quota expressed as a human-readable
	// size ("100Mi", "2Gi", or a plain byte count). It is loaded and
	// validated but not passed to the store: signup always assigns
	// store.DefaultQuotaLimit (100 MiB).
	DefaultQuota bytesize.ByteSize `mapstructure:"default_quota" yaml:"default_quota" validate:"gt=0"`

	// FileLockCapacity bounds the number of distinct files that can be
	// locked concurrently; exceeding it returns a retryable error
	// rather than growing without bound.
	FileLockCapacity int `mapstructure:"file_lock_capacity" yaml:"file_lock_capacity" validate:"gt=0"`
}

// PoolConfig sizes the connection handler pool, the task worker pool,
// and the queues between them.
type PoolConfig struct {
	HandlerCount      int `mapstructure:"handler_count" yaml:"handler_count" validate:"gt=0"`
	WorkerCount       int `mapstructure:"worker_count" yaml:"worker_count" validate:"gt=0"`
	ConnQueueCapacity int `mapstructure:"connection_queue_capacity" yaml:"connection_queue_capacity" validate:"gt=0"`
	TaskQueueCapacity int `mapstructure:"task_queue_capacity" yaml:"task_queue_capacity" validate:"gt=0"`
}

// LoggingConfig controls log output behavior.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level" validate:"oneof=DEBUG INFO WARN ERROR"`
	Format string `mapstructure:"format" yaml:"format" validate:"oneof=text json"`
	Output string `mapstructure:"output" yaml:"output" validate:"oneof=stdout stderr"`
}

// MetricsConfig controls the optional Prometheus HTTP endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr    string `mapstructure:"addr" yaml:"addr"`
}

// GetDefaultConfig returns a fully populated, valid Config.
func GetDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":10985",
			ShutdownTimeout: 10 * time.Second,
		},
		Storage: StorageConfig{
			Root:             "storage",
			DatabasePath:     "storage/stash.db",
			DefaultQuota:     100 * bytesize.ByteSize(1024*1024),
			FileLockCapacity: 1024,
		},
		Pool: PoolConfig{
			HandlerCount:      4,
			WorkerCount:       4,
			ConnQueueCapacity: 64,
			TaskQueueCapacity: 256,
		},
		Logging: LoggingConfig{
			Level:  "INFO",
			Format: "text",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    ":9090",
		},
	}
}

// Load reads configuration from configPath (or the default location if
// empty), layering environment variables over the file's keys and
// defaults underneath, and validates the result. If no config file is
// found it returns the validated defaults without consulting the
// environment.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	found, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}
	if !found {
		cfg := GetDefaultConfig()
		if err := Validate(cfg); err != nil {
			return nil, fmt.Errorf("config: default configuration is invalid: %w", err)
		}
		return cfg, nil
	}

	cfg := GetDefaultConfig()
	if err := v.Unmarshal(cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}
	return cfg, nil
}

// MustLoad loads configuration the way Load does, but returns a
// user-friendly error pointing at `stashd init` when an explicitly
// requested config file is missing.
func MustLoad(configPath string) (*Config, error) {
	if configPath != "" {
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("configuration file not found: %s\n\n"+
				"Please create it first:\n"+
				"  stashd init --config %s", configPath, configPath)
		}
	}
	return Load(configPath)
}

// Validate checks cfg against its `validate` struct tags.
func Validate(cfg *Config) error {
	return validator.New().Struct(cfg)
}

// SaveConfig writes cfg to path in YAML form, creating parent
// directories as needed.
func SaveConfig(cfg *Config, path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("config: create directory: %w", err)
		}
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("config: write file: %w", err)
	}
	return nil
}

func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("STASHD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		return
	}
	v.AddConfigPath(getConfigDir())
	v.SetConfigName("config")
	v.SetConfigType("yaml")
}

func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("config: read file: %w", err)
	}
	return true, nil
}

func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		durationDecodeHook(),
	)
}

func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(bytesize.ByteSize(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return bytesize.ParseByteSize(v)
		case int:
			return bytesize.ByteSize(v), nil
		case int64:
			return bytesize.ByteSize(v), nil
		case uint64:
			return bytesize.ByteSize(v), nil
		case float64:
			return bytesize.ByteSize(v), nil
		default:
			return data, nil
		}
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

func getConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "stashd")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "stashd")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists reports whether a config file exists at the
// default location.
func DefaultConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// InitConfig writes the default configuration to the default location,
// failing if a file is already there unless force is set.
func InitConfig(force bool) (string, error) {
	path := GetDefaultConfigPath()
	return path, InitConfigToPath(path, force)
}

// InitConfigToPath writes the default configuration to path, failing if
// a file is already there unless force is set.
func InitConfigToPath(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config: file already exists at %s (use --force to overwrite)", path)
		}
	}
	return SaveConfig(GetDefaultConfig(), path)
}
