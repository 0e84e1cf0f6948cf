//go:build linux

// Platform authenticator for Linux. Credential keys stay in software, but
// the derivation seed is mixed with the TPM endorsement key identity so
// authenticator state copied to another machine derives nothing, and the
// sign counter is backed by a TPM NV counter when one can be provisioned.

package authenticator

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/godbus/dbus/v5"
	"github.com/google/go-tpm/tpm2"
	"github.com/google/go-tpm/tpm2/transport"
	"github.com/google/uuid"

	"attestd/internal/attestation"
	"attestd/internal/security"
	"attestd/internal/webauthn"
)

// TPM device paths in order of preference.
var tpmDevicePaths = []string{
	"/dev/tpmrm0", // TPM Resource Manager (preferred)
	"/dev/tpm0",   // Direct TPM access (fallback)
}

// NV index for the attestd sign counter, in the user-defined NV range.
const (
	nvCounterIndex = 0x01500010
	nvCounterSize  = 8 // uint64
)

// Domain separation label for mixing the TPM identity into the seed.
const platformSeedDomain = "attestd-platform-seed-v1"

// platformAAGUID identifies the attestd platform authenticator model.
var platformAAGUID = uuid.MustParse("61747465-7374-6400-8001-000000000001")

// fprintd well-known D-Bus names.
const (
	fprintService     = "net.reactivated.Fprint"
	fprintManagerPath = "/net/reactivated/Fprint/Manager"
	fprintGetDevices  = "net.reactivated.Fprint.Manager.GetDevices"
)

// Platform is the TPM-bound authenticator.
type Platform struct {
	*Software
	devicePath   string
	manufacturer string
	deviceID     []byte
}

// NewPlatform creates the platform authenticator. It fails with
// ErrNotAvailable when no usable TPM device exists.
func NewPlatform(cfg Config) (*Platform, error) {
	path := detectTPMDevice(cfg.TPMPath)
	if path == "" {
		return nil, ErrNotAvailable
	}

	p := &Platform{devicePath: path}
	if err := p.readIdentity(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotAvailable, err)
	}

	swCfg := cfg
	swCfg.DataDir = filepath.Join(cfg.DataDir, "platform")
	sw, err := NewSoftware(swCfg)
	if err != nil {
		return nil, err
	}

	if err := mixSeed(sw, p.deviceID); err != nil {
		sw.Close()
		return nil, err
	}

	sw.aaguid = [16]byte(platformAAGUID)
	if hasFingerprintReader() {
		sw.uvFlag = webauthn.FlagUserVerified
	}
	sw.signCounter = p.nvIncrement

	p.Software = sw
	return p, nil
}

// Type implements Authenticator.
func (p *Platform) Type() attestation.AuthenticatorType {
	return attestation.TypePlatform
}

// Available probes the TPM. Any failure reads as unavailable.
func (p *Platform) Available(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	if !p.Software.Available(ctx) {
		return false
	}

	t, err := transport.OpenTPM(p.devicePath)
	if err != nil {
		return false
	}
	defer t.Close()

	_, err = readManufacturer(t)
	return err == nil
}

// Manufacturer returns the TPM manufacturer string read at construction.
func (p *Platform) Manufacturer() string {
	return p.manufacturer
}

// DeviceModel describes this authenticator for attestation display.
func (p *Platform) DeviceModel() *attestation.DeviceModel {
	return &attestation.DeviceModel{
		Identifier:  fmt.Sprintf("tpm-%x", p.deviceID[:8]),
		Description: "TPM 2.0 platform authenticator",
		Vendor:      p.manufacturer,
	}
}

// detectTPMDevice returns the first openable TPM device path. A configured
// override is tried before the well-known paths.
func detectTPMDevice(override string) string {
	paths := tpmDevicePaths
	if override != "" {
		paths = append([]string{override}, tpmDevicePaths...)
	}
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		f, err := os.OpenFile(path, os.O_RDWR, 0)
		if err != nil {
			continue
		}
		f.Close()
		return path
	}
	return ""
}

// readIdentity reads the TPM manufacturer and derives the device identity
// from the endorsement key public area.
func (p *Platform) readIdentity() error {
	t, err := transport.OpenTPM(p.devicePath)
	if err != nil {
		return fmt.Errorf("open %s: %w", p.devicePath, err)
	}
	defer t.Close()

	p.manufacturer, err = readManufacturer(t)
	if err != nil {
		return fmt.Errorf("read manufacturer: %w", err)
	}

	p.deviceID, err = readDeviceID(t)
	if err != nil {
		return fmt.Errorf("read device identity: %w", err)
	}
	return nil
}

// readManufacturer queries the TPM manufacturer property.
func readManufacturer(t transport.TPM) (string, error) {
	getCapCmd := tpm2.GetCapability{
		Capability:    tpm2.TPMCapTPMProperties,
		Property:      uint32(tpm2.TPMPTManufacturer),
		PropertyCount: 1,
	}

	rsp, err := getCapCmd.Execute(t)
	if err != nil {
		return "", err
	}

	props, err := rsp.CapabilityData.Data.TPMProperties()
	if err != nil || len(props.TPMProperty) == 0 {
		return "", errors.New("authenticator: no manufacturer property")
	}

	mfr := props.TPMProperty[0].Value
	return fmt.Sprintf("%c%c%c%c",
		byte(mfr>>24), byte(mfr>>16), byte(mfr>>8), byte(mfr)), nil
}

// readDeviceID hashes the endorsement key public area as a stable machine
// identifier.
func readDeviceID(t transport.TPM) ([]byte, error) {
	createEKCmd := tpm2.CreatePrimary{
		PrimaryHandle: tpm2.TPMRHEndorsement,
		InPublic:      tpm2.New2B(tpm2.RSAEKTemplate),
	}

	rsp, err := createEKCmd.Execute(t)
	if err != nil {
		return nil, err
	}
	defer func() {
		flushCmd := tpm2.FlushContext{FlushHandle: rsp.ObjectHandle}
		flushCmd.Execute(t)
	}()

	pubBytes := tpm2.Marshal(rsp.OutPublic)

	hash := sha256.Sum256(pubBytes)
	return hash[:], nil
}

// mixSeed replaces the software seed with one bound to the TPM identity.
func mixSeed(sw *Software, deviceID []byte) error {
	mixed := make([]byte, seedSize)
	h := sha256.New()
	h.Write([]byte(platformSeedDomain))
	h.Write(sw.seed.Bytes())
	h.Write(deviceID)
	copy(mixed, h.Sum(nil))

	bound, err := security.FromBytes(mixed)
	if err != nil {
		return err
	}
	sw.seed.Destroy()
	sw.seed = bound
	return nil
}

// nvIncrement advances the TPM NV counter and returns its value. The NV
// space is defined on first use. Failures fall back to the file counter in
// nextSignCount.
func (p *Platform) nvIncrement(_ *storedCredential) (uint32, error) {
	t, err := transport.OpenTPM(p.devicePath)
	if err != nil {
		return 0, err
	}
	defer t.Close()

	if err := ensureNVCounter(t); err != nil {
		return 0, err
	}

	incrementCmd := tpm2.NVIncrement{
		AuthHandle: tpm2.AuthHandle{
			Handle: tpm2.TPMHandle(nvCounterIndex),
			Auth:   tpm2.PasswordAuth(nil),
		},
		NVIndex: tpm2.TPMHandle(nvCounterIndex),
	}
	if _, err := incrementCmd.Execute(t); err != nil {
		return 0, fmt.Errorf("NV increment failed: %w", err)
	}

	readCmd := tpm2.NVRead{
		AuthHandle: tpm2.AuthHandle{
			Handle: tpm2.TPMHandle(nvCounterIndex),
			Auth:   tpm2.PasswordAuth(nil),
		},
		NVIndex: tpm2.TPMHandle(nvCounterIndex),
		Size:    nvCounterSize,
		Offset:  0,
	}
	rsp, err := readCmd.Execute(t)
	if err != nil {
		return 0, fmt.Errorf("NV read failed: %w", err)
	}
	if len(rsp.Data.Buffer) < 8 {
		return 0, errors.New("authenticator: counter data too short")
	}

	return uint32(binary.BigEndian.Uint64(rsp.Data.Buffer)), nil
}

// ensureNVCounter defines the NV counter space if it does not exist yet.
func ensureNVCounter(t transport.TPM) error {
	readPubCmd := tpm2.NVReadPublic{
		NVIndex: tpm2.TPMHandle(nvCounterIndex),
	}
	if _, err := readPubCmd.Execute(t); err == nil {
		return nil
	}

	defineCmd := tpm2.NVDefineSpace{
		AuthHandle: tpm2.TPMRHOwner,
		Auth: tpm2.TPM2BAuth{
			Buffer: nil,
		},
		PublicInfo: tpm2.New2B(tpm2.TPMSNVPublic{
			NVIndex:    tpm2.TPMHandle(nvCounterIndex),
			NameAlg:    tpm2.TPMAlgSHA256,
			Attributes: tpm2.TPMANV{NT: tpm2.TPMNTCounter},
			DataSize:   nvCounterSize,
		}),
	}
	if _, err := defineCmd.Execute(t); err != nil {
		return fmt.Errorf("NVDefineSpace failed: %w", err)
	}
	return nil
}

// hasFingerprintReader asks fprintd whether any enrollment-capable device
// exists. The system bus connection is shared and must not be closed.
func hasFingerprintReader() bool {
	conn, err := dbus.SystemBus()
	if err != nil {
		return false
	}

	obj := conn.Object(fprintService, dbus.ObjectPath(fprintManagerPath))
	var devices []dbus.ObjectPath
	if err := obj.Call(fprintGetDevices, 0).Store(&devices); err != nil {
		return false
	}
	return len(devices) > 0
}

// Ensure Platform implements Authenticator.
var _ Authenticator = (*Platform)(nil)
