package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete hub configuration.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (KBUCKET_*)
//  2. Configuration file (YAML)
//  3. Default values
//
// Store Configuration Pattern:
// The blob store and blob index each declare a Type plus a type-specific
// option map; only the section matching the selected type is used. Factories
// in this package decode the maps and construct the stores.
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging"`

	// Server contains the HTTP listener settings
	Server ServerConfig `mapstructure:"server"`

	// Storage locates the hub's data directory
	Storage StorageConfig `mapstructure:"storage"`

	// Blob selects the blob store backend and its options
	Blob BlobConfig `mapstructure:"blob"`

	// Index selects the blob index backend and its options
	Index IndexConfig `mapstructure:"index"`

	// Upload controls upload caps and throttling
	Upload UploadConfig `mapstructure:"upload"`

	// Metrics toggles the Prometheus endpoint
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`

	// Format specifies the log output format: text or json
	Format string `mapstructure:"format" validate:"required,oneof=text json"`

	// Output specifies where logs are written: stdout, stderr, or a file path
	Output string `mapstructure:"output" validate:"required"`
}

// ServerConfig contains the HTTP listener settings.
type ServerConfig struct {
	// ListenAddr is the address the gateway listens on (host:port)
	ListenAddr string `mapstructure:"listen_addr" validate:"required"`

	// HubURL is the externally advertised base URL used when constructing
	// download links in stat/find responses
	HubURL string `mapstructure:"hub_url" validate:"required,url"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0"`
}

// StorageConfig locates the hub's on-disk data.
type StorageConfig struct {
	// DataDir is the root data directory. Committed blobs live under
	// raw/ and in-progress uploads under uploads_in_progress/.
	DataDir string `mapstructure:"data_dir" validate:"required"`
}

// RawDir returns the committed-blob directory under the data root.
func (s *StorageConfig) RawDir() string {
	return filepath.Join(s.DataDir, "raw")
}

// StagingDir returns the in-progress-upload directory under the data root.
func (s *StorageConfig) StagingDir() string {
	return filepath.Join(s.DataDir, "uploads_in_progress")
}

// BlobConfig specifies blob store configuration.
type BlobConfig struct {
	// Type specifies which blob store implementation to use
	// Valid values: filesystem, memory, s3
	Type string `mapstructure:"type" validate:"required,oneof=filesystem memory s3"`

	// Filesystem contains filesystem-specific configuration
	Filesystem map[string]any `mapstructure:"filesystem"`

	// Memory contains memory-specific configuration
	Memory map[string]any `mapstructure:"memory"`

	// S3 contains S3-specific configuration
	S3 map[string]any `mapstructure:"s3"`
}

// IndexConfig specifies blob index configuration.
type IndexConfig struct {
	// Type specifies which index implementation to use
	// Valid values: badger, memory
	Type string `mapstructure:"type" validate:"required,oneof=badger memory"`

	// Badger contains BadgerDB-specific configuration
	Badger map[string]any `mapstructure:"badger"`

	// Memory contains memory-specific configuration
	Memory map[string]any `mapstructure:"memory"`
}

// UploadConfig controls upload limits.
type UploadConfig struct {
	// MaxSizeMB is the global upload size cap in megabytes. Zero or
	// negative disables uploads entirely.
	MaxSizeMB int64 `mapstructure:"max_size_mb"`

	// RatePerSecond throttles upload requests. Zero disables throttling.
	RatePerSecond uint `mapstructure:"rate_per_second"`

	// Burst is the throttle's burst capacity.
	Burst uint `mapstructure:"burst"`
}

// MaxSizeBytes returns the global cap in bytes.
func (u *UploadConfig) MaxSizeBytes() int64 {
	return u.MaxSizeMB * 1024 * 1024
}

// MetricsConfig toggles metrics collection.
type MetricsConfig struct {
	// Enabled exposes the Prometheus registry on /metrics
	Enabled bool `mapstructure:"enabled"`
}

// Load loads configuration from file, environment, and defaults.
//
// Parameters:
//   - configPath: Path to config file (empty string uses default location)
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: Configuration loading or validation error
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setupViper(v, configPath)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setupViper configures environment variables and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	// Environment variables use the KBUCKET_ prefix and underscores.
	// Example: KBUCKET_LOGGING_LEVEL=DEBUG
	v.SetEnvPrefix("KBUCKET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists.
func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found is acceptable - use defaults
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

// getConfigDir returns the configuration directory path.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to the
// current directory if the home directory cannot be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "kbucket")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "kbucket")
}
