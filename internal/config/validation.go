package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// ValidateConfig performs comprehensive validation of the configuration.
func ValidateConfig(c *Config) error {
	var errs ValidationErrors

	// Validate version
	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	// Validate backend configuration
	if backendErrs := validateBackend(&c.Backend); len(backendErrs) > 0 {
		errs = append(errs, backendErrs...)
	}

	// Validate storage configuration
	if storageErrs := validateStorage(&c.Storage); len(storageErrs) > 0 {
		errs = append(errs, storageErrs...)
	}

	// Validate authenticator configuration
	if authErrs := validateAuthenticator(&c.Authenticator); len(authErrs) > 0 {
		errs = append(errs, authErrs...)
	}

	// Validate attestation configuration
	if attErrs := validateAttestation(&c.Attestation); len(attErrs) > 0 {
		errs = append(errs, attErrs...)
	}

	// Validate API configuration
	if apiErrs := validateAPI(&c.API); len(apiErrs) > 0 {
		errs = append(errs, apiErrs...)
	}

	// Validate logging configuration
	if loggingErrs := validateLogging(&c.Logging); len(loggingErrs) > 0 {
		errs = append(errs, loggingErrs...)
	}

	// Validate tracing configuration
	if tracingErrs := validateTracing(&c.Tracing); len(tracingErrs) > 0 {
		errs = append(errs, tracingErrs...)
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateBackend(b *BackendConfig) ValidationErrors {
	var errs ValidationErrors

	// An empty base URL is allowed at load time; ceremonies surface the
	// failure when they run. A non-empty URL must be well-formed.
	if b.BaseURL != "" && !isValidURL(b.BaseURL) {
		errs = append(errs, ValidationError{
			Field:   "backend.base_url",
			Message: fmt.Sprintf("invalid URL: %s", b.BaseURL),
		})
	}

	if b.Origin != "" && !isValidURL(b.Origin) {
		errs = append(errs, ValidationError{
			Field:   "backend.origin",
			Message: fmt.Sprintf("invalid URL: %s", b.Origin),
		})
	}

	if b.TimeoutSec < 1 {
		errs = append(errs, ValidationError{
			Field:   "backend.timeout_sec",
			Message: "timeout must be at least 1 second",
		})
	}
	if b.TimeoutSec > 300 {
		errs = append(errs, ValidationError{
			Field:   "backend.timeout_sec",
			Message: "timeout cannot exceed 300 seconds",
		})
	}

	if len(b.DeviceName) > 64 {
		errs = append(errs, ValidationError{
			Field:   "backend.device_name",
			Message: "device name cannot exceed 64 characters",
		})
	}

	return errs
}

func validateStorage(s *StorageConfig) ValidationErrors {
	var errs ValidationErrors

	if s.Path == "" {
		errs = append(errs, ValidationError{
			Field:   "storage.path",
			Message: "state database path is required",
		})
	}

	// Check parent directory exists or can be created
	if s.Path != "" {
		dir := filepath.Dir(expandPath(s.Path))
		if dir != "" && dir != "." {
			if info, err := os.Stat(dir); err != nil {
				if !os.IsNotExist(err) {
					errs = append(errs, ValidationError{
						Field:   "storage.path",
						Message: fmt.Sprintf("cannot access directory: %v", err),
					})
				}
				// Directory doesn't exist yet - that's OK, it will be created
			} else if !info.IsDir() {
				errs = append(errs, ValidationError{
					Field:   "storage.path",
					Message: fmt.Sprintf("parent path is not a directory: %s", dir),
				})
			}
		}
	}

	if s.DataDir == "" {
		errs = append(errs, ValidationError{
			Field:   "storage.data_dir",
			Message: "authenticator data directory is required",
		})
	}

	return errs
}

func validateAuthenticator(a *AuthenticatorConfig) ValidationErrors {
	var errs ValidationErrors

	switch a.UserVerification {
	case "required", "preferred", "discouraged":
		// Valid levels
	default:
		errs = append(errs, ValidationError{
			Field:   "authenticator.user_verification",
			Message: fmt.Sprintf("invalid user verification: %s (valid: required, preferred, discouraged)", a.UserVerification),
		})
	}

	return errs
}

func validateAttestation(a *AttestationConfig) ValidationErrors {
	var errs ValidationErrors

	if !a.AutoRefresh {
		return errs // Skip interval checks when auto-refresh is disabled
	}

	if a.RefreshIntervalSec < 30 {
		errs = append(errs, ValidationError{
			Field:   "attestation.refresh_interval_sec",
			Message: "refresh interval must be at least 30 seconds",
		})
	}
	if a.RefreshIntervalSec > 300 {
		errs = append(errs, ValidationError{
			Field:   "attestation.refresh_interval_sec",
			Message: "refresh interval exceeds the attestation freshness window (300 seconds)",
		})
	}

	if a.RetryAttempts < 0 {
		errs = append(errs, ValidationError{
			Field:   "attestation.retry_attempts",
			Message: "retry attempts cannot be negative",
		})
	}
	if a.RetryDelayMs < 0 {
		errs = append(errs, ValidationError{
			Field:   "attestation.retry_delay_ms",
			Message: "retry delay cannot be negative",
		})
	}

	return errs
}

func validateAPI(a *APIConfig) ValidationErrors {
	var errs ValidationErrors

	if !a.Enabled {
		return errs // Skip validation if the API is disabled
	}

	if a.Listen == "" {
		errs = append(errs, ValidationError{
			Field:   "api.listen",
			Message: "listen address is required when the API is enabled",
		})
		return errs
	}

	host, _, err := net.SplitHostPort(a.Listen)
	if err != nil {
		errs = append(errs, ValidationError{
			Field:   "api.listen",
			Message: fmt.Sprintf("invalid listen address: %v", err),
		})
		return errs
	}

	// The control API is local-only
	if !isLoopbackHost(host) {
		errs = append(errs, ValidationError{
			Field:   "api.listen",
			Message: fmt.Sprintf("listen address must be loopback, got %s", host),
		})
	}

	if a.TimeoutSec < 1 {
		errs = append(errs, ValidationError{
			Field:   "api.timeout_sec",
			Message: "timeout must be at least 1 second",
		})
	}

	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	switch l.Level {
	case "debug", "info", "warn", "error":
		// Valid levels
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level: %s (valid: debug, info, warn, error)", l.Level),
		})
	}

	switch l.Format {
	case "text", "json":
		// Valid formats
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format: %s (valid: text, json)", l.Format),
		})
	}

	switch l.Output {
	case "stdout", "stderr", "file", "both":
		// Valid outputs
		if (l.Output == "file" || l.Output == "both") && l.FilePath == "" {
			errs = append(errs, ValidationError{
				Field:   "logging.file_path",
				Message: "file path is required when output includes 'file'",
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: fmt.Sprintf("invalid log output: %s (valid: stdout, stderr, file, both)", l.Output),
		})
	}

	if l.MaxSizeMB < 1 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_size_mb",
			Message: "max size must be at least 1 MB",
		})
	}

	if l.MaxBackups < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_backups",
			Message: "max backups cannot be negative",
		})
	}

	if l.MaxAgeDays < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_age_days",
			Message: "max age cannot be negative",
		})
	}

	return errs
}

func validateTracing(t *TracingConfig) ValidationErrors {
	var errs ValidationErrors

	if t.SampleRatio < 0 || t.SampleRatio > 1 {
		errs = append(errs, ValidationError{
			Field:   "tracing.sample_ratio",
			Message: fmt.Sprintf("sample ratio must be between 0.0 and 1.0, got %g", t.SampleRatio),
		})
	}

	if t.Enabled && t.FilePath == "" {
		errs = append(errs, ValidationError{
			Field:   "tracing.file_path",
			Message: "file path is required when tracing is enabled",
		})
	}

	return errs
}

// Helper functions

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

func isValidURL(rawURL string) bool {
	if rawURL == "" {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}

func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// IsWarning returns true if this is a non-fatal validation issue.
func (e *ValidationError) IsWarning() bool {
	// Some fields are warnings, not errors
	warningFields := []string{
		"attestation.refresh_interval_sec", // Degraded freshness, not a broken config
	}
	for _, f := range warningFields {
		if strings.HasPrefix(e.Field, f) {
			return true
		}
	}
	return false
}

// Warnings returns only warning-level validation errors.
func (e ValidationErrors) Warnings() ValidationErrors {
	var warnings ValidationErrors
	for _, err := range e {
		if err.IsWarning() {
			warnings = append(warnings, err)
		}
	}
	return warnings
}

// Errors returns only error-level validation errors.
func (e ValidationErrors) Errors() ValidationErrors {
	var errs ValidationErrors
	for _, err := range e {
		if !err.IsWarning() {
			errs = append(errs, err)
		}
	}
	return errs
}

// HasErrors returns true if there are any non-warning errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e.Errors()) > 0
}
