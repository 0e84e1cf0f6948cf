//go:build !linux

package authenticator

import "attestd/internal/attestation"

// Platform is only implemented on Linux. Other platforms fall back to the
// software authenticator.
type Platform struct {
	*Software
}

// NewPlatform reports the platform authenticator as unavailable.
func NewPlatform(cfg Config) (*Platform, error) {
	return nil, ErrNotAvailable
}

// Type implements Authenticator.
func (p *Platform) Type() attestation.AuthenticatorType {
	return attestation.TypePlatform
}

// DeviceModel describes this authenticator for attestation display.
func (p *Platform) DeviceModel() *attestation.DeviceModel {
	return nil
}
