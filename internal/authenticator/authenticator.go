// Package authenticator implements the WebAuthn authenticator side of the
// registration and authentication ceremonies.
//
// Two implementations are provided:
//   - Platform: binds credentials to the machine through the TPM and reports
//     user verification capability from the system fingerprint service
//   - Software: derives credentials from a local seed file, used where no
//     platform hardware is available and in tests
//
// Both produce ES256 credentials with packed self-attestation. Private keys
// are re-derived from the seed on demand and never persisted.
package authenticator

import (
	"context"
	"errors"

	"attestd/internal/attestation"
	"attestd/internal/webauthn"
)

// Error definitions for authenticator operations.
var (
	ErrNotAvailable      = errors.New("authenticator: not available")
	ErrCeremonyFailed    = errors.New("authenticator: ceremony failed")
	ErrUnknownCredential = errors.New("authenticator: unknown credential")
	ErrCredentialExists  = errors.New("authenticator: credential already registered")
)

// Authenticator creates credentials and produces assertions. Implementations
// include Platform (TPM-bound) and Software (seed file).
type Authenticator interface {
	// Type reports whether this is a platform or cross-platform authenticator.
	Type() attestation.AuthenticatorType

	// AAGUID returns the authenticator model identifier.
	AAGUID() [16]byte

	// Available probes whether the authenticator can perform ceremonies
	// right now. Any probe failure reads as unavailable, never as an error.
	Available(ctx context.Context) bool

	// MakeCredential runs the create ceremony for the given options and
	// returns the credential with its attestation response.
	MakeCredential(ctx context.Context, opts *webauthn.CreationOptions) (*webauthn.CreationResponse, error)

	// GetAssertion runs the get ceremony for the given options and returns
	// the assertion over one of the allowed credentials.
	GetAssertion(ctx context.Context, opts *webauthn.RequestOptions) (*webauthn.AssertionCredential, error)

	// Close releases any held resources.
	Close() error
}

// Config holds authenticator construction parameters.
type Config struct {
	// Origin is the web origin written into collected client data.
	Origin string

	// DataDir holds the seed file and credential state.
	DataDir string

	// PreferPlatform selects the platform authenticator when one is
	// detected. The software authenticator is used otherwise.
	PreferPlatform bool

	// TPMPath overrides TPM device autodetection when set. Ignored by the
	// software authenticator.
	TPMPath string
}

// Detect returns the best available authenticator for this machine. The
// platform authenticator is preferred when its hardware probe succeeds;
// otherwise the software authenticator is returned.
func Detect(ctx context.Context, cfg Config) (Authenticator, error) {
	if cfg.PreferPlatform {
		if p, err := NewPlatform(cfg); err == nil && p != nil {
			if p.Available(ctx) {
				return p, nil
			}
			p.Close()
		}
	}
	return NewSoftware(cfg)
}
