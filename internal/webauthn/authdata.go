package webauthn

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Authenticator data flag bits.
const (
	FlagUserPresent            = 0x01
	FlagUserVerified           = 0x04
	FlagAttestedCredentialData = 0x40
	FlagExtensionData          = 0x80
)

// Client data type values.
const (
	ClientDataTypeCreate = "webauthn.create"
	ClientDataTypeGet    = "webauthn.get"
)

var ErrAuthDataTooShort = errors.New("webauthn: authenticator data too short")

// ClientData is the collected client data hashed into every ceremony
// signature. The challenge is base64url text, matching what the server
// issued.
type ClientData struct {
	Type        string `json:"type"`
	Challenge   string `json:"challenge"`
	Origin      string `json:"origin"`
	CrossOrigin bool   `json:"crossOrigin,omitempty"`
}

// AttestationObject is the CBOR document carrying the attestation statement
// and authenticator data for a create ceremony.
type AttestationObject struct {
	Format   string         `cbor:"fmt"`
	AttStmt  map[string]any `cbor:"attStmt"`
	AuthData []byte         `cbor:"authData"`
}

// AuthenticatorData is the binary structure embedded in attestation objects
// and assertion responses: rpIdHash || flags || signCount, optionally
// followed by attested credential data (aaguid || credential id length ||
// credential id || COSE public key).
type AuthenticatorData struct {
	RPIDHash  [32]byte
	Flags     byte
	SignCount uint32

	// Attested credential data, present when Flags has
	// FlagAttestedCredentialData set.
	AAGUID              [16]byte
	CredentialID        []byte
	CredentialPublicKey []byte
}

// Marshal serializes the structure to its wire form.
func (a *AuthenticatorData) Marshal() []byte {
	out := make([]byte, 0, 37+16+2+len(a.CredentialID)+len(a.CredentialPublicKey))
	out = append(out, a.RPIDHash[:]...)
	out = append(out, a.Flags)
	out = binary.BigEndian.AppendUint32(out, a.SignCount)

	if a.Flags&FlagAttestedCredentialData != 0 {
		out = append(out, a.AAGUID[:]...)
		out = binary.BigEndian.AppendUint16(out, uint16(len(a.CredentialID)))
		out = append(out, a.CredentialID...)
		out = append(out, a.CredentialPublicKey...)
	}
	return out
}

// ParseAuthenticatorData decodes the wire form. The trailing COSE public
// key, when present, is returned unparsed.
func ParseAuthenticatorData(data []byte) (*AuthenticatorData, error) {
	if len(data) < 37 {
		return nil, ErrAuthDataTooShort
	}

	var a AuthenticatorData
	copy(a.RPIDHash[:], data[:32])
	a.Flags = data[32]
	a.SignCount = binary.BigEndian.Uint32(data[33:37])

	if a.Flags&FlagAttestedCredentialData == 0 {
		return &a, nil
	}

	rest := data[37:]
	if len(rest) < 18 {
		return nil, fmt.Errorf("webauthn: attested credential data truncated at %d bytes", len(rest))
	}
	copy(a.AAGUID[:], rest[:16])
	idLen := int(binary.BigEndian.Uint16(rest[16:18]))
	rest = rest[18:]
	if len(rest) < idLen {
		return nil, fmt.Errorf("webauthn: credential id truncated: want %d bytes, have %d", idLen, len(rest))
	}
	a.CredentialID = append([]byte(nil), rest[:idLen]...)
	a.CredentialPublicKey = append([]byte(nil), rest[idLen:]...)
	return &a, nil
}
