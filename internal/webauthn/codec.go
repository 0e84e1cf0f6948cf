// Package webauthn implements the client side of the WebAuthn wire protocol:
// base64url transcoding of binary ceremony fields, normalization of the
// ceremony options returned by the attestation backend, and the credential
// response structures posted back to it.
package webauthn

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// Encode converts a byte buffer to base64url text: standard base64 with
// '+' -> '-', '/' -> '_' and padding stripped. Total for any input.
func Encode(buf []byte) string {
	return base64.RawURLEncoding.EncodeToString(buf)
}

// Decode converts base64url text back to bytes. Padded and unpadded input
// are both accepted; malformed input returns an error rather than a
// truncated buffer.
func Decode(s string) ([]byte, error) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
	if err != nil {
		return nil, fmt.Errorf("webauthn: invalid base64url: %w", err)
	}
	return raw, nil
}

// URLBytes is a binary wire field that servers transmit either as a
// base64url JSON string or, from some serializers, as a plain JSON byte
// array. Unmarshaling accepts both forms; marshaling always produces
// base64url text.
type URLBytes []byte

// MarshalJSON encodes the buffer as a base64url JSON string.
func (b URLBytes) MarshalJSON() ([]byte, error) {
	return json.Marshal(Encode(b))
}

// UnmarshalJSON decodes either wire form. A decode failure is surfaced to
// the caller; fields are never silently truncated.
func (b *URLBytes) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*b = nil
		return nil
	}

	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		raw, err := Decode(s)
		if err != nil {
			return err
		}
		*b = raw
		return nil
	}

	// Already binary: a JSON array of byte values.
	var vals []int
	if err := json.Unmarshal(data, &vals); err != nil {
		return fmt.Errorf("webauthn: field is neither base64url text nor a byte array: %w", err)
	}
	raw := make([]byte, len(vals))
	for i, v := range vals {
		if v < 0 || v > 255 {
			return fmt.Errorf("webauthn: byte array value %d out of range", v)
		}
		raw[i] = byte(v)
	}
	*b = raw
	return nil
}

// String returns the base64url form.
func (b URLBytes) String() string {
	return Encode(b)
}
