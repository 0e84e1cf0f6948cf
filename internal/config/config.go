// Package config handles configuration loading, validation, and management for attestd.
package config

import (
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"
)

// Version is the current configuration schema version.
const Version = 2

// Config holds the complete daemon configuration.
type Config struct {
	// Version is the configuration schema version for migrations.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Backend configuration for the sealing service.
	Backend BackendConfig `toml:"backend" json:"backend" yaml:"backend"`

	// Storage configuration for persistence.
	Storage StorageConfig `toml:"storage" json:"storage" yaml:"storage"`

	// Authenticator configuration for credential hardware.
	Authenticator AuthenticatorConfig `toml:"authenticator" json:"authenticator" yaml:"authenticator"`

	// Attestation configuration for the refresh loop.
	Attestation AttestationConfig `toml:"attestation" json:"attestation" yaml:"attestation"`

	// API configuration for the local control endpoint.
	API APIConfig `toml:"api" json:"api" yaml:"api"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	// Tracing configuration for ceremony spans.
	Tracing TracingConfig `toml:"tracing" json:"tracing" yaml:"tracing"`

	// mu protects concurrent access to the config.
	mu sync.RWMutex `toml:"-" json:"-" yaml:"-"`
}

// BackendConfig holds sealing backend connection configuration.
type BackendConfig struct {
	// BaseURL is the backend base URL, e.g. "https://api.example.com".
	// Ceremonies fail until this is configured.
	BaseURL string `toml:"base_url" json:"base_url" yaml:"base_url"`

	// Origin is the WebAuthn origin the ceremonies bind to. Defaults to
	// BaseURL when empty.
	Origin string `toml:"origin" json:"origin" yaml:"origin"`

	// DeviceName is the human-readable label sent with registration.
	// Defaults to the hostname when empty.
	DeviceName string `toml:"device_name" json:"device_name" yaml:"device_name"`

	// TimeoutSec is the HTTP timeout for backend requests.
	TimeoutSec int `toml:"timeout_sec" json:"timeout_sec" yaml:"timeout_sec"`
}

// StorageConfig holds persistence configuration.
type StorageConfig struct {
	// Path is the path to the attestation state database.
	Path string `toml:"path" json:"path" yaml:"path"`

	// DataDir is the directory for authenticator key material.
	DataDir string `toml:"data_dir" json:"data_dir" yaml:"data_dir"`
}

// AuthenticatorConfig holds credential hardware configuration.
type AuthenticatorConfig struct {
	// PreferPlatform selects the TPM-backed platform authenticator when
	// one is present, falling back to the software authenticator.
	PreferPlatform bool `toml:"prefer_platform" json:"prefer_platform" yaml:"prefer_platform"`

	// TPMPath is the path to the TPM device (Linux: /dev/tpmrm0, /dev/tpm0).
	TPMPath string `toml:"tpm_path" json:"tpm_path" yaml:"tpm_path"`

	// UserVerification is the preferred verification level:
	// "required", "preferred", or "discouraged".
	UserVerification string `toml:"user_verification" json:"user_verification" yaml:"user_verification"`
}

// AttestationConfig holds re-attestation loop configuration.
type AttestationConfig struct {
	// AutoRefresh re-runs the authentication ceremony periodically so the
	// attestation stays inside its freshness window.
	AutoRefresh bool `toml:"auto_refresh" json:"auto_refresh" yaml:"auto_refresh"`

	// RefreshIntervalSec is the interval between refresh attempts.
	RefreshIntervalSec int `toml:"refresh_interval_sec" json:"refresh_interval_sec" yaml:"refresh_interval_sec"`

	// RetryAttempts is the number of retries after a failed refresh.
	RetryAttempts int `toml:"retry_attempts" json:"retry_attempts" yaml:"retry_attempts"`

	// RetryDelayMs is the delay between retry attempts.
	RetryDelayMs int `toml:"retry_delay_ms" json:"retry_delay_ms" yaml:"retry_delay_ms"`
}

// APIConfig holds the local control API configuration.
type APIConfig struct {
	// Enabled determines whether the control API is served.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// Listen is the address to bind. Must be a loopback address; the
	// control API is local-only.
	Listen string `toml:"listen" json:"listen" yaml:"listen"`

	// TimeoutSec is the read/write timeout for API requests.
	TimeoutSec int `toml:"timeout_sec" json:"timeout_sec" yaml:"timeout_sec"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the log format: "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is the log output: "stdout", "stderr", "file", or "both".
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the path to the log file (when Output includes "file").
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`

	// AuditPath is the path to the audit log. Empty disables audit logging.
	AuditPath string `toml:"audit_path" json:"audit_path" yaml:"audit_path"`

	// MaxSizeMB is the maximum log file size before rotation.
	MaxSizeMB int `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`

	// MaxBackups is the number of old log files to keep.
	MaxBackups int `toml:"max_backups" json:"max_backups" yaml:"max_backups"`

	// MaxAgeDays is the maximum age of log files in days.
	MaxAgeDays int `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`

	// Compress determines whether to compress rotated logs.
	Compress bool `toml:"compress" json:"compress" yaml:"compress"`
}

// TracingConfig holds ceremony and API span tracing configuration.
type TracingConfig struct {
	// Enabled turns span recording on. Disabled by default; spans carry
	// ceremony timings and are only useful when debugging.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// FilePath is the JSONL file spans are appended to.
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`

	// SampleRatio is the fraction of traces to record, 0.0 to 1.0.
	SampleRatio float64 `toml:"sample_ratio" json:"sample_ratio" yaml:"sample_ratio"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	dir := AttestdDir()

	return &Config{
		Version: Version,
		Backend: BackendConfig{
			BaseURL:    "",
			Origin:     "",
			DeviceName: "",
			TimeoutSec: 30,
		},
		Storage: StorageConfig{
			Path:    filepath.Join(dir, "attest.db"),
			DataDir: filepath.Join(dir, "authenticator"),
		},
		Authenticator: AuthenticatorConfig{
			PreferPlatform:   true,
			TPMPath:          defaultTPMPath(),
			UserVerification: "preferred",
		},
		Attestation: AttestationConfig{
			AutoRefresh:        true,
			RefreshIntervalSec: 240, // inside the 5 minute freshness window
			RetryAttempts:      3,
			RetryDelayMs:       5000,
		},
		API: APIConfig{
			Enabled:    true,
			Listen:     "127.0.0.1:7341",
			TimeoutSec: 10,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "file",
			FilePath:   filepath.Join(dir, "attestd.log"),
			AuditPath:  filepath.Join(dir, "audit.log"),
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
		},
		Tracing: TracingConfig{
			Enabled:     false,
			FilePath:    filepath.Join(dir, "traces.jsonl"),
			SampleRatio: 1.0,
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(PlatformConfigDir(), "config.toml")
}

// Load reads configuration from the specified path.
// If the file doesn't exist, returns default configuration.
// Supports TOML, JSON, and YAML formats based on file extension.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}

	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}

	cfg.ApplyEnvOverrides()
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates all necessary directories for the daemon.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		filepath.Dir(c.Storage.Path),
		c.Storage.DataDir,
		filepath.Dir(c.Logging.FilePath),
	}
	if c.Logging.AuditPath != "" {
		dirs = append(dirs, filepath.Dir(c.Logging.AuditPath))
	}
	if c.Tracing.FilePath != "" {
		dirs = append(dirs, filepath.Dir(c.Tracing.FilePath))
	}

	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return &ValidationError{Field: "directories", Message: err.Error()}
		}
	}

	return nil
}

// AttestdDir returns the base attestd data directory.
// Uses platform-specific paths or ATTESTD_DATA_DIR environment override.
func AttestdDir() string {
	if envDir := os.Getenv("ATTESTD_DATA_DIR"); envDir != "" {
		return envDir
	}
	return PlatformDataDir()
}

// ApplyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables are prefixed with ATTESTD_ and use underscores.
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Backend overrides
	if v := os.Getenv("ATTESTD_BACKEND_URL"); v != "" {
		c.Backend.BaseURL = v
	}
	if v := os.Getenv("ATTESTD_ORIGIN"); v != "" {
		c.Backend.Origin = v
	}
	if v := os.Getenv("ATTESTD_DEVICE_NAME"); v != "" {
		c.Backend.DeviceName = v
	}

	// Storage overrides
	if v := os.Getenv("ATTESTD_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("ATTESTD_DATA_DIR"); v != "" {
		c.Storage.DataDir = filepath.Join(v, "authenticator")
	}

	// Logging overrides
	if v := os.Getenv("ATTESTD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("ATTESTD_LOG_PATH"); v != "" {
		c.Logging.FilePath = v
	}

	// API overrides
	if v := os.Getenv("ATTESTD_API_LISTEN"); v != "" {
		c.API.Listen = v
	}

	// Hardware overrides
	if v := os.Getenv("ATTESTD_TPM_PATH"); v != "" {
		c.Authenticator.TPMPath = v
	}
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	clone := &Config{
		Version:       c.Version,
		Backend:       c.Backend,
		Storage:       c.Storage,
		Authenticator: c.Authenticator,
		Attestation:   c.Attestation,
		API:           c.API,
		Logging:       c.Logging,
		Tracing:       c.Tracing,
	}
	return clone
}

// BackendTimeout returns the backend HTTP timeout as a duration.
func (c *Config) BackendTimeout() time.Duration {
	return time.Duration(c.Backend.TimeoutSec) * time.Second
}

// APITimeout returns the control API timeout as a duration.
func (c *Config) APITimeout() time.Duration {
	return time.Duration(c.API.TimeoutSec) * time.Second
}

// RefreshInterval returns the re-attestation interval as a duration.
func (c *Config) RefreshInterval() time.Duration {
	return time.Duration(c.Attestation.RefreshIntervalSec) * time.Second
}

// RetryDelay returns the refresh retry delay as a duration.
func (c *Config) RetryDelay() time.Duration {
	return time.Duration(c.Attestation.RetryDelayMs) * time.Millisecond
}

// Origin returns the effective WebAuthn origin: the configured origin, or
// the backend base URL when none is set.
func (c *Config) Origin() string {
	if c.Backend.Origin != "" {
		return c.Backend.Origin
	}
	return c.Backend.BaseURL
}

// Helper functions

func defaultTPMPath() string {
	switch runtime.GOOS {
	case "linux":
		// Prefer the resource manager path
		if _, err := os.Stat("/dev/tpmrm0"); err == nil {
			return "/dev/tpmrm0"
		}
		return "/dev/tpm0"
	default:
		return ""
	}
}
