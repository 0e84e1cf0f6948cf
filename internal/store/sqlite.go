// Package store provides SQLite-backed persistence for the device
// attestation state: the credential reference and the last-known device
// attestation, each independently nullable.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"attestd/internal/attestation"
)

// Schema for the attestation store. Records are JSON documents keyed by
// name; exactly two keys are in use.
const schema = `
CREATE TABLE IF NOT EXISTS records (
    key         TEXT PRIMARY KEY,
    value       TEXT NOT NULL,
    updated_at  INTEGER NOT NULL
);
`

// Record keys.
const (
	keyCredential  = "credential"
	keyAttestation = "attestation"
)

// Store is the persistent attestation state store.
type Store struct {
	db *sql.DB
}

// Open opens or creates the SQLite database at the given path.
func Open(path string) (*Store, error) {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	// Credential references are lookup keys, not secrets, but the store
	// stays owner-private regardless.
	if err := os.Chmod(path, 0600); err != nil {
		db.Close()
		return nil, fmt.Errorf("restrict store permissions: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ping verifies the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// LoadCredential returns the stored credential reference, or nil when none
// is stored. Corrupt stored data is treated as absent, never surfaced.
func (s *Store) LoadCredential() (*attestation.CredentialReference, error) {
	raw, err := s.loadRecord(keyCredential)
	if err != nil || raw == nil {
		return nil, err
	}

	var ref attestation.CredentialReference
	if err := json.Unmarshal(raw, &ref); err != nil {
		return nil, nil
	}
	return &ref, nil
}

// LoadAttestation returns the stored device attestation, or nil when none
// is stored. Corrupt stored data is treated as absent, never surfaced.
func (s *Store) LoadAttestation() (*attestation.DeviceAttestation, error) {
	raw, err := s.loadRecord(keyAttestation)
	if err != nil || raw == nil {
		return nil, err
	}

	var att attestation.DeviceAttestation
	if err := json.Unmarshal(raw, &att); err != nil {
		return nil, nil
	}
	return &att, nil
}

// SaveCredential stores the credential reference, replacing any previous
// value.
func (s *Store) SaveCredential(ref *attestation.CredentialReference) error {
	data, err := json.Marshal(ref)
	if err != nil {
		return fmt.Errorf("marshal credential: %w", err)
	}
	return s.saveRecord(keyCredential, data)
}

// SaveAttestation stores the device attestation, replacing any previous
// value.
func (s *Store) SaveAttestation(att *attestation.DeviceAttestation) error {
	data, err := json.Marshal(att)
	if err != nil {
		return fmt.Errorf("marshal attestation: %w", err)
	}
	return s.saveRecord(keyAttestation, data)
}

// SaveRegistration stores the credential reference and the device
// attestation in one transaction. A failed registration write must not
// leave a credential without its attestation or vice versa.
func (s *Store) SaveRegistration(ref *attestation.CredentialReference, att *attestation.DeviceAttestation) error {
	refData, err := json.Marshal(ref)
	if err != nil {
		return fmt.Errorf("marshal credential: %w", err)
	}
	attData, err := json.Marshal(att)
	if err != nil {
		return fmt.Errorf("marshal attestation: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	if _, err := tx.Exec(`
		INSERT OR REPLACE INTO records (key, value, updated_at)
		VALUES (?, ?, ?)`,
		keyCredential, string(refData), now,
	); err != nil {
		return fmt.Errorf("save credential: %w", err)
	}
	if _, err := tx.Exec(`
		INSERT OR REPLACE INTO records (key, value, updated_at)
		VALUES (?, ?, ?)`,
		keyAttestation, string(attData), now,
	); err != nil {
		return fmt.Errorf("save attestation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Clear removes both the credential reference and the attestation in one
// transaction, so readers observe both gone or both present.
func (s *Store) Clear() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM records WHERE key IN (?, ?)`, keyCredential, keyAttestation); err != nil {
		return fmt.Errorf("clear records: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *Store) loadRecord(key string) ([]byte, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM records WHERE key = ?`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load %s: %w", key, err)
	}
	return []byte(value), nil
}

func (s *Store) saveRecord(key string, value []byte) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO records (key, value, updated_at)
		VALUES (?, ?, ?)`,
		key, string(value), time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("save %s: %w", key, err)
	}
	return nil
}
