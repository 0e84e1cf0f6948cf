package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// MigrationResult contains the result of a configuration migration.
type MigrationResult struct {
	FromVersion int
	ToVersion   int
	Backup      string
	Changes     []string
	Warnings    []string
}

// MigrateConfig migrates a configuration from an older version to the current version.
// It automatically creates a backup before migration.
func MigrateConfig(cfg *Config, configPath string) (*MigrationResult, error) {
	if cfg.Version >= Version {
		return nil, nil // No migration needed
	}

	result := &MigrationResult{
		FromVersion: cfg.Version,
		ToVersion:   Version,
	}

	// Create backup before migration
	if configPath != "" {
		backup, err := backupConfig(configPath)
		if err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("could not create backup: %v", err))
		} else {
			result.Backup = backup
		}
	}

	// Apply migrations in sequence
	for cfg.Version < Version {
		changes, warnings, err := applyMigration(cfg)
		if err != nil {
			return result, fmt.Errorf("migration from v%d to v%d failed: %w", cfg.Version, cfg.Version+1, err)
		}
		result.Changes = append(result.Changes, changes...)
		result.Warnings = append(result.Warnings, warnings...)
	}

	return result, nil
}

// applyMigration applies a single version upgrade.
func applyMigration(cfg *Config) (changes []string, warnings []string, err error) {
	switch cfg.Version {
	case 1:
		changes, warnings = migrateV1ToV2(cfg)
	default:
		return nil, nil, fmt.Errorf("unknown version %d", cfg.Version)
	}

	cfg.Version++
	return changes, warnings, nil
}

// migrateV1ToV2 migrates from version 1 to version 2.
// V1 was the original flat config with only backend_url, device_name, and
// storage_path; V2 introduced the sectioned layout with attestation refresh
// and the local control API.
func migrateV1ToV2(cfg *Config) (changes []string, warnings []string) {
	dir := AttestdDir()

	// The defaults are already set from DefaultConfig(), so we just need
	// to fill in anything a sparse V1 file left empty.

	if cfg.Storage.Path == "" {
		cfg.Storage.Path = filepath.Join(dir, "attest.db")
		changes = append(changes, "set default storage.path")
	}

	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = filepath.Join(dir, "authenticator")
		changes = append(changes, "set default storage.data_dir")
	}

	if cfg.Authenticator.UserVerification == "" {
		cfg.Authenticator.UserVerification = "preferred"
		changes = append(changes, "set default authenticator.user_verification")
	}

	// V1 had no refresh loop
	if cfg.Attestation.RefreshIntervalSec == 0 {
		cfg.Attestation.AutoRefresh = true
		cfg.Attestation.RefreshIntervalSec = 240
		cfg.Attestation.RetryAttempts = 3
		cfg.Attestation.RetryDelayMs = 5000
		changes = append(changes, "added attestation refresh configuration")
	}

	// V1 had no control API
	if cfg.API.Listen == "" {
		cfg.API.Enabled = true
		cfg.API.Listen = "127.0.0.1:7341"
		cfg.API.TimeoutSec = 10
		changes = append(changes, "added control API configuration")
	}

	if cfg.Logging.AuditPath == "" {
		cfg.Logging.AuditPath = filepath.Join(dir, "audit.log")
		changes = append(changes, "added audit log path")
	}

	return changes, warnings
}

// backupConfig creates a backup of the config file.
func backupConfig(configPath string) (string, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return "", nil // No file to backup
	}

	// Read original
	data, err := os.ReadFile(configPath)
	if err != nil {
		return "", fmt.Errorf("read config: %w", err)
	}

	// Create backup with timestamp
	timestamp := time.Now().Format("20060102-150405")
	backupPath := configPath + ".backup-" + timestamp

	if err := os.WriteFile(backupPath, data, 0600); err != nil {
		return "", fmt.Errorf("write backup: %w", err)
	}

	return backupPath, nil
}

// MigrateLegacyConfig converts a legacy (pre-v2) configuration map to the new format.
// This handles configurations that were stored as JSON maps rather than proper structs.
func MigrateLegacyConfig(data map[string]interface{}) (*Config, error) {
	cfg := DefaultConfig()

	// Extract version
	if v, ok := data["version"].(float64); ok {
		cfg.Version = int(v)
	} else {
		cfg.Version = 1 // Assume version 1 if not specified
	}

	// Extract legacy flat fields
	if u, ok := data["backend_url"].(string); ok {
		cfg.Backend.BaseURL = u
	}

	if o, ok := data["origin"].(string); ok {
		cfg.Backend.Origin = o
	}

	if name, ok := data["device_name"].(string); ok {
		cfg.Backend.DeviceName = name
	}

	if p, ok := data["storage_path"].(string); ok {
		cfg.Storage.Path = p
	}

	if logPath, ok := data["log_path"].(string); ok {
		cfg.Logging.FilePath = logPath
	}

	if interval, ok := data["refresh_interval"].(float64); ok {
		cfg.Attestation.RefreshIntervalSec = int(interval)
	}

	if tpm, ok := data["tpm_path"].(string); ok {
		cfg.Authenticator.TPMPath = tpm
	}

	// Extract nested sections from newer configs
	if backend, ok := data["backend"].(map[string]interface{}); ok {
		if u, ok := backend["base_url"].(string); ok {
			cfg.Backend.BaseURL = u
		}
		if o, ok := backend["origin"].(string); ok {
			cfg.Backend.Origin = o
		}
		if name, ok := backend["device_name"].(string); ok {
			cfg.Backend.DeviceName = name
		}
		if t, ok := backend["timeout_sec"].(float64); ok {
			cfg.Backend.TimeoutSec = int(t)
		}
	}

	if storage, ok := data["storage"].(map[string]interface{}); ok {
		if p, ok := storage["path"].(string); ok {
			cfg.Storage.Path = p
		}
		if d, ok := storage["data_dir"].(string); ok {
			cfg.Storage.DataDir = d
		}
	}

	if logging, ok := data["logging"].(map[string]interface{}); ok {
		if level, ok := logging["level"].(string); ok {
			cfg.Logging.Level = level
		}
		if p, ok := logging["file_path"].(string); ok {
			cfg.Logging.FilePath = p
		}
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a file.
func SaveConfig(cfg *Config, path string) error {
	// Determine format from extension
	ext := filepath.Ext(path)

	var data []byte
	var err error

	switch ext {
	case ".json":
		data, err = json.MarshalIndent(cfg, "", "  ")
	case ".toml":
		data, err = encodeToTOML(cfg)
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	default:
		// Default to TOML
		data, err = encodeToTOML(cfg)
	}

	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	// Write with secure permissions
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// encodeToTOML encodes the config to TOML format.
func encodeToTOML(cfg *Config) ([]byte, error) {
	return []byte(generateTOML(cfg)), nil
}

// generateTOML generates a well-formatted TOML configuration file.
func generateTOML(cfg *Config) string {
	return fmt.Sprintf(`# attestd configuration
# Version %d
# Environment overrides: ATTESTD_BACKEND_URL, ATTESTD_DEVICE_NAME,
# ATTESTD_STORAGE_PATH, ATTESTD_LOG_LEVEL, ATTESTD_API_LISTEN

version = %d

[backend]
base_url = "%s"
origin = "%s"
device_name = "%s"
timeout_sec = %d

[storage]
path = "%s"
data_dir = "%s"

[authenticator]
prefer_platform = %t
tpm_path = "%s"
user_verification = "%s"

[attestation]
auto_refresh = %t
refresh_interval_sec = %d
retry_attempts = %d
retry_delay_ms = %d

[api]
enabled = %t
listen = "%s"
timeout_sec = %d

[logging]
level = "%s"
format = "%s"
output = "%s"
file_path = "%s"
audit_path = "%s"
max_size_mb = %d
max_backups = %d
max_age_days = %d
compress = %t

[tracing]
enabled = %t
file_path = "%s"
sample_ratio = %g
`,
		Version,
		cfg.Version,
		cfg.Backend.BaseURL,
		cfg.Backend.Origin,
		cfg.Backend.DeviceName,
		cfg.Backend.TimeoutSec,
		cfg.Storage.Path,
		cfg.Storage.DataDir,
		cfg.Authenticator.PreferPlatform,
		cfg.Authenticator.TPMPath,
		cfg.Authenticator.UserVerification,
		cfg.Attestation.AutoRefresh,
		cfg.Attestation.RefreshIntervalSec,
		cfg.Attestation.RetryAttempts,
		cfg.Attestation.RetryDelayMs,
		cfg.API.Enabled,
		cfg.API.Listen,
		cfg.API.TimeoutSec,
		cfg.Logging.Level,
		cfg.Logging.Format,
		cfg.Logging.Output,
		cfg.Logging.FilePath,
		cfg.Logging.AuditPath,
		cfg.Logging.MaxSizeMB,
		cfg.Logging.MaxBackups,
		cfg.Logging.MaxAgeDays,
		cfg.Logging.Compress,
		cfg.Tracing.Enabled,
		cfg.Tracing.FilePath,
		cfg.Tracing.SampleRatio,
	)
}

// GetMigrationHistory returns the migration history if stored in the config directory.
func GetMigrationHistory() ([]MigrationResult, error) {
	historyPath := filepath.Join(AttestdDir(), "migration_history.json")

	data, err := os.ReadFile(historyPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read migration history: %w", err)
	}

	var history []MigrationResult
	if err := json.Unmarshal(data, &history); err != nil {
		return nil, fmt.Errorf("parse migration history: %w", err)
	}

	return history, nil
}

// SaveMigrationHistory saves a migration result to the history file.
func SaveMigrationHistory(result *MigrationResult) error {
	historyPath := filepath.Join(AttestdDir(), "migration_history.json")

	// Load existing history
	history, err := GetMigrationHistory()
	if err != nil {
		history = nil // Start fresh if error
	}

	// Append new result
	history = append(history, *result)

	// Save
	data, err := json.MarshalIndent(history, "", "  ")
	if err != nil {
		return fmt.Errorf("encode migration history: %w", err)
	}

	dir := filepath.Dir(historyPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	if err := os.WriteFile(historyPath, data, 0600); err != nil {
		return fmt.Errorf("write migration history: %w", err)
	}

	return nil
}
