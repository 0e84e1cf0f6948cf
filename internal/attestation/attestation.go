// Package attestation defines the device attestation artifacts exchanged
// with the sealing backend and the freshness rules applied to them.
//
// A DeviceAttestation is the trust artifact the backend returns after a
// successful WebAuthn ceremony. It is replaced wholesale on every successful
// registration or authentication and is never partially updated. Freshness
// is derived from the attestation timestamp, not stored.
package attestation

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// FreshnessWindow bounds how long an attestation counts as proof that the
// device recently re-proved possession.
const FreshnessWindow = 5 * time.Minute

// AuthenticatorType classifies how the authenticator attaches to the device.
type AuthenticatorType string

const (
	// TypePlatform is a device-bound authenticator (biometric sensor,
	// secure enclave, TPM).
	TypePlatform AuthenticatorType = "platform"
	// TypeCrossPlatform is a roaming authenticator (external security key).
	TypeCrossPlatform AuthenticatorType = "cross_platform"
)

// Known WebAuthn attestation statement formats.
const (
	FormatPacked           = "packed"
	FormatTPM              = "tpm"
	FormatAndroidKey       = "android-key"
	FormatAndroidSafetyNet = "android-safetynet"
	FormatFidoU2F          = "fido-u2f"
	FormatApple            = "apple"
	FormatNone             = "none"
)

// DeviceModel describes the authenticator hardware, as far as the backend
// could establish it from the attestation statement.
type DeviceModel struct {
	// Identifier is the hardware model identifier.
	Identifier string `json:"identifier,omitempty"`

	// Description is a human-readable model name.
	Description string `json:"description,omitempty"`

	// Vendor is the authenticator manufacturer.
	Vendor string `json:"vendor,omitempty"`

	// Certification is the certification level the backend attributed to
	// the model (e.g. a FIDO certification tier).
	Certification string `json:"certification,omitempty"`
}

// DeviceAttestation is the trust artifact returned by the backend after a
// successful registration or re-attestation ceremony.
type DeviceAttestation struct {
	// CredentialID matches the stored credential reference.
	CredentialID string `json:"credential_id"`

	// AuthenticatorType is platform or cross-platform.
	AuthenticatorType AuthenticatorType `json:"authenticator_type"`

	// DeviceModel is optional hardware information.
	DeviceModel *DeviceModel `json:"device_model,omitempty"`

	// AttestationFormat is the WebAuthn attestation statement format the
	// backend verified, or "none".
	AttestationFormat string `json:"attestation_format"`

	// AttestedAt is the Unix timestamp (seconds) of the ceremony that
	// produced this artifact. Always set by ceremony completion, never
	// guessed locally.
	AttestedAt int64 `json:"attested_at"`

	// SignCount is the authenticator's monotonic signature counter at the
	// time of attestation (anti-cloning signal).
	SignCount uint32 `json:"sign_count"`

	// AAGUID identifies the authenticator model, canonical UUID text.
	AAGUID string `json:"aaguid"`
}

// CredentialReference is the durable local record of the platform-bound key
// pair created at registration. Exactly one is stored per device; it is
// destroyed only by an explicit clear and is never transmitted except as a
// lookup key.
type CredentialReference struct {
	// CredentialID is the opaque identifier assigned at registration.
	CredentialID string `json:"credential_id"`

	// DeviceName is the human-readable label sent with the registration,
	// if any.
	DeviceName string `json:"device_name,omitempty"`

	// CreatedAt is the Unix timestamp (seconds) of the registration.
	CreatedAt int64 `json:"created_at"`
}

// FreshAt reports whether the attestation is fresh at the given instant:
// now - attested_at must be within the freshness window.
func (a *DeviceAttestation) FreshAt(now time.Time) bool {
	return now.UnixMilli()-a.AttestedAt*1000 <= FreshnessWindow.Milliseconds()
}

// Fresh reports whether the attestation is fresh right now.
func (a *DeviceAttestation) Fresh() bool {
	return a.FreshAt(time.Now())
}

// Age returns how long ago the ceremony producing this attestation ran.
func (a *DeviceAttestation) Age(now time.Time) time.Duration {
	return now.Sub(time.Unix(a.AttestedAt, 0))
}

// Serialize returns the attestation as compact JSON for handoff to other
// subsystems.
func (a *DeviceAttestation) Serialize() (string, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return "", fmt.Errorf("serialize attestation: %w", err)
	}
	return string(data), nil
}

// AAGUIDString formats a raw 16-byte authenticator model identifier in
// canonical UUID text form.
func AAGUIDString(raw [16]byte) string {
	return uuid.UUID(raw).String()
}
