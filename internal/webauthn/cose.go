package webauthn

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"errors"
	"fmt"
	"math/big"

	"github.com/fxamacker/cbor/v2"
)

// COSE key parameters for EC2 keys (RFC 9052 / RFC 9053).
const (
	coseKeyKty = 1
	coseKeyAlg = 3
	coseKeyCrv = -1
	coseKeyX   = -2
	coseKeyY   = -3

	coseKtyEC2  = 2
	coseCrvP256 = 1
)

// ErrUnsupportedCOSEKey is returned for key types other than EC2 P-256.
var ErrUnsupportedCOSEKey = errors.New("webauthn: unsupported COSE key")

// EncodeCOSEKey encodes a P-256 public key as a COSE_Key structure.
func EncodeCOSEKey(pub *ecdsa.PublicKey) ([]byte, error) {
	if pub == nil || pub.Curve != elliptic.P256() {
		return nil, ErrUnsupportedCOSEKey
	}

	x := make([]byte, 32)
	y := make([]byte, 32)
	pub.X.FillBytes(x)
	pub.Y.FillBytes(y)

	key := map[int]interface{}{
		coseKeyKty: coseKtyEC2,
		coseKeyAlg: AlgES256,
		coseKeyCrv: coseCrvP256,
		coseKeyX:   x,
		coseKeyY:   y,
	}

	data, err := cbor.Marshal(key)
	if err != nil {
		return nil, fmt.Errorf("webauthn: encode COSE key: %w", err)
	}
	return data, nil
}

// ParseCOSEKey decodes a COSE_Key structure into a P-256 public key.
func ParseCOSEKey(data []byte) (*ecdsa.PublicKey, error) {
	var key map[int]cbor.RawMessage
	if err := cbor.Unmarshal(data, &key); err != nil {
		return nil, fmt.Errorf("webauthn: decode COSE key: %w", err)
	}

	var kty int
	if raw, ok := key[coseKeyKty]; ok {
		if err := cbor.Unmarshal(raw, &kty); err != nil {
			return nil, fmt.Errorf("webauthn: decode COSE kty: %w", err)
		}
	}
	if kty != coseKtyEC2 {
		return nil, ErrUnsupportedCOSEKey
	}

	var crv int
	if raw, ok := key[coseKeyCrv]; ok {
		if err := cbor.Unmarshal(raw, &crv); err != nil {
			return nil, fmt.Errorf("webauthn: decode COSE crv: %w", err)
		}
	}
	if crv != coseCrvP256 {
		return nil, ErrUnsupportedCOSEKey
	}

	var x, y []byte
	if raw, ok := key[coseKeyX]; ok {
		if err := cbor.Unmarshal(raw, &x); err != nil {
			return nil, fmt.Errorf("webauthn: decode COSE x: %w", err)
		}
	}
	if raw, ok := key[coseKeyY]; ok {
		if err := cbor.Unmarshal(raw, &y); err != nil {
			return nil, fmt.Errorf("webauthn: decode COSE y: %w", err)
		}
	}
	if len(x) == 0 || len(y) == 0 {
		return nil, errors.New("webauthn: COSE key missing coordinates")
	}

	pub := &ecdsa.PublicKey{
		Curve: elliptic.P256(),
		X:     new(big.Int).SetBytes(x),
		Y:     new(big.Int).SetBytes(y),
	}
	if !pub.Curve.IsOnCurve(pub.X, pub.Y) {
		return nil, errors.New("webauthn: COSE key point not on curve")
	}
	return pub, nil
}
