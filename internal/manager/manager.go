// Package manager drives the WebAuthn device attestation lifecycle: the
// capability probe, the registration and authentication ceremonies against
// the sealing backend, and the persisted credential and attestation state.
//
// A Manager runs at most one ceremony at a time. Ceremony methods return a
// success boolean; error detail is exposed through LastError and the phase
// machine rather than returned, so callers poll one consistent surface.
// Persisted state is only ever written after a ceremony fully completes.
package manager

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"attestd/internal/attestation"
	"attestd/internal/authenticator"
	"attestd/internal/logging"
	"attestd/internal/webauthn"
)

// Phase identifies where the manager is in the ceremony lifecycle.
type Phase string

const (
	PhaseIdle                  Phase = "idle"
	PhaseStarting              Phase = "starting"
	PhaseAwaitingAuthenticator Phase = "awaiting-authenticator"
	PhaseFinishing             Phase = "finishing"
	PhaseRegistered            Phase = "registered"
	PhaseAuthenticated         Phase = "authenticated"
	PhaseFailed                Phase = "failed"
)

var (
	// ErrNotSupported means no usable authenticator was found at probe time.
	ErrNotSupported = errors.New("platform authenticator not supported")

	// ErrNoCredential means authentication was attempted with nothing
	// registered on this device.
	ErrNoCredential = errors.New("no registered credential")
)

// Uniform ceremony failure messages. Authenticator refusal, hardware
// failure, and user cancellation are deliberately indistinguishable here;
// the distinction stays in the logs, never in caller-visible state.
const (
	msgCreateFailed    = "failed to create credential"
	msgAssertionFailed = "failed to get assertion"
)

// Store is the persistence the manager needs. Satisfied by *store.Store.
type Store interface {
	LoadCredential() (*attestation.CredentialReference, error)
	LoadAttestation() (*attestation.DeviceAttestation, error)
	SaveRegistration(*attestation.CredentialReference, *attestation.DeviceAttestation) error
	SaveAttestation(*attestation.DeviceAttestation) error
	Clear() error
}

// Config configures a Manager.
type Config struct {
	Client        *Client
	Store         Store
	Authenticator authenticator.Authenticator
	Logger        *logging.Logger
	Audit         *logging.AuditLogger
}

// Manager owns the device attestation state machine.
type Manager struct {
	client *Client
	store  Store
	auth   authenticator.Authenticator
	log    *logging.Logger
	audit  *logging.AuditLogger

	// supported is probed once at construction. A fresh Manager re-probes.
	supported bool

	mu            sync.Mutex
	phase         Phase
	loading       bool
	lastError     string
	credential    *attestation.CredentialReference
	attestation   *attestation.DeviceAttestation
	authenticated bool
}

// New creates a Manager, loads persisted state, and probes authenticator
// availability. The probe result is cached for the lifetime of this
// instance; probe failures surface as "not supported", never as an error.
func New(ctx context.Context, cfg Config) (*Manager, error) {
	log := cfg.Logger
	if log == nil {
		log = logging.Default()
	}

	m := &Manager{
		client: cfg.Client,
		store:  cfg.Store,
		auth:   cfg.Authenticator,
		log:    log.WithComponent("manager"),
		audit:  cfg.Audit,
		phase:  PhaseIdle,
	}

	if m.store != nil {
		ref, err := m.store.LoadCredential()
		if err != nil {
			return nil, err
		}
		att, err := m.store.LoadAttestation()
		if err != nil {
			return nil, err
		}
		m.credential = ref
		m.attestation = att
	}

	m.supported = m.probe(ctx)

	return m, nil
}

// probe checks whether a ceremony could run on this device: an
// authenticator must be present and report itself available right now.
func (m *Manager) probe(ctx context.Context) bool {
	available := false
	authType := "none"
	if m.auth != nil {
		authType = string(m.auth.Type())
		available = m.auth.Available(ctx)
	}

	m.log.Debug("authenticator probe", "authenticator_type", authType, "available", available)
	if m.audit != nil {
		m.audit.LogProbe(ctx, authType, available)
	}
	return available
}

// Register runs the full registration ceremony: start with the backend,
// create the credential on the authenticator, finish with the backend, then
// persist the credential reference and attestation together. Returns true
// only if every step succeeded; on any failure nothing is persisted.
func (m *Manager) Register(ctx context.Context, deviceName string) bool {
	if !m.beginCeremony() {
		return false
	}

	ceremonyID := uuid.NewString()
	log := m.log.WithCeremonyID(ceremonyID)

	if !m.supported {
		log.Warn("registration refused", "reason", "authenticator not supported")
		m.failCeremony(ErrNotSupported.Error())
		m.auditRegistration(ctx, ceremonyID, "", false, deviceName)
		return false
	}

	log.Info("registration started", "device_name", deviceName)

	m.setPhase(PhaseStarting)
	start, err := m.client.RegisterStart(ctx, deviceName)
	if err != nil {
		log.Error("registration start failed", "error", err)
		m.failCeremony(err.Error())
		m.auditRegistration(ctx, ceremonyID, "", false, deviceName)
		return false
	}

	opts, err := webauthn.NormalizeCreationOptions(start.PublicKey)
	if err != nil {
		log.Error("registration options rejected", "error", err)
		m.failCeremony(err.Error())
		m.auditRegistration(ctx, ceremonyID, "", false, deviceName)
		return false
	}

	m.setPhase(PhaseAwaitingAuthenticator)
	cred, err := m.auth.MakeCredential(ctx, opts)
	if err != nil {
		log.Error("credential creation failed", "error", err)
		m.failCeremony(msgCreateFailed)
		m.auditRegistration(ctx, ceremonyID, "", false, deviceName)
		return false
	}

	m.setPhase(PhaseFinishing)
	att, err := m.client.RegisterFinish(ctx, start.ChallengeID, cred)
	if err != nil {
		log.Error("registration finish failed", "error", err)
		m.failCeremony(err.Error())
		m.auditRegistration(ctx, ceremonyID, cred.ID, false, deviceName)
		return false
	}

	ref := &attestation.CredentialReference{
		CredentialID: att.CredentialID,
		DeviceName:   deviceName,
		CreatedAt:    time.Now().Unix(),
	}
	if err := m.store.SaveRegistration(ref, att); err != nil {
		log.Error("registration persist failed", "error", err)
		m.failCeremony(err.Error())
		m.auditRegistration(ctx, ceremonyID, att.CredentialID, false, deviceName)
		return false
	}

	m.mu.Lock()
	m.credential = ref
	m.attestation = att
	m.authenticated = true
	m.phase = PhaseRegistered
	m.loading = false
	m.mu.Unlock()

	log.Info("registration complete", "credential_id", att.CredentialID)
	m.auditRegistration(ctx, ceremonyID, att.CredentialID, true, deviceName)
	return true
}

// Authenticate re-proves possession of the registered credential. Returns
// true only if the full ceremony succeeded; on success only the attestation
// record is replaced, the credential reference is untouched.
func (m *Manager) Authenticate(ctx context.Context) bool {
	if !m.beginCeremony() {
		return false
	}

	ceremonyID := uuid.NewString()
	log := m.log.WithCeremonyID(ceremonyID)

	if !m.supported {
		log.Warn("authentication refused", "reason", "authenticator not supported")
		m.failCeremony(ErrNotSupported.Error())
		m.auditAuthentication(ctx, ceremonyID, "", false)
		return false
	}

	m.mu.Lock()
	ref := m.credential
	m.mu.Unlock()
	if ref == nil {
		log.Warn("authentication refused", "reason", "no registered credential")
		m.failCeremony(ErrNoCredential.Error())
		m.auditAuthentication(ctx, ceremonyID, "", false)
		return false
	}

	log.Info("authentication started", "credential_id", ref.CredentialID)

	m.setPhase(PhaseStarting)
	start, err := m.client.AuthenticateStart(ctx, ref.CredentialID)
	if err != nil {
		log.Error("authentication start failed", "error", err)
		m.failCeremony(err.Error())
		m.auditAuthentication(ctx, ceremonyID, ref.CredentialID, false)
		return false
	}

	opts, err := webauthn.NormalizeRequestOptions(start.PublicKey)
	if err != nil {
		log.Error("authentication options rejected", "error", err)
		m.failCeremony(err.Error())
		m.auditAuthentication(ctx, ceremonyID, ref.CredentialID, false)
		return false
	}

	m.setPhase(PhaseAwaitingAuthenticator)
	assertion, err := m.auth.GetAssertion(ctx, opts)
	if err != nil {
		log.Error("assertion failed", "error", err)
		m.failCeremony(msgAssertionFailed)
		m.auditAuthentication(ctx, ceremonyID, ref.CredentialID, false)
		return false
	}

	m.setPhase(PhaseFinishing)
	att, err := m.client.AuthenticateFinish(ctx, start.ChallengeID, assertion)
	if err != nil {
		log.Error("authentication finish failed", "error", err)
		m.failCeremony(err.Error())
		m.auditAuthentication(ctx, ceremonyID, ref.CredentialID, false)
		return false
	}

	if err := m.store.SaveAttestation(att); err != nil {
		log.Error("attestation persist failed", "error", err)
		m.failCeremony(err.Error())
		m.auditAuthentication(ctx, ceremonyID, ref.CredentialID, false)
		return false
	}

	m.mu.Lock()
	m.attestation = att
	m.authenticated = true
	m.phase = PhaseAuthenticated
	m.loading = false
	m.mu.Unlock()

	log.Info("authentication complete", "credential_id", att.CredentialID)
	m.auditAuthentication(ctx, ceremonyID, att.CredentialID, true)
	return true
}

// Clear removes the credential reference and attestation, both persisted
// and in memory. The next registration starts from scratch.
func (m *Manager) Clear(ctx context.Context) error {
	m.mu.Lock()
	credentialID := ""
	if m.credential != nil {
		credentialID = m.credential.CredentialID
	}
	m.mu.Unlock()

	if err := m.store.Clear(); err != nil {
		return err
	}

	m.mu.Lock()
	m.credential = nil
	m.attestation = nil
	m.authenticated = false
	m.phase = PhaseIdle
	m.lastError = ""
	m.mu.Unlock()

	m.log.Info("attestation state cleared", "credential_id", credentialID)
	if m.audit != nil {
		m.audit.LogClear(ctx, credentialID)
	}
	return nil
}

// beginCeremony claims the single ceremony slot. Returns false when another
// ceremony is in flight; in that case no state is touched, the in-flight
// ceremony still owns the error surface.
func (m *Manager) beginCeremony() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loading {
		return false
	}
	m.loading = true
	m.lastError = ""
	return true
}

func (m *Manager) setPhase(p Phase) {
	m.mu.Lock()
	m.phase = p
	m.mu.Unlock()
}

func (m *Manager) failCeremony(msg string) {
	m.mu.Lock()
	m.phase = PhaseFailed
	m.lastError = msg
	m.loading = false
	m.mu.Unlock()
}

func (m *Manager) auditRegistration(ctx context.Context, ceremonyID, credentialID string, success bool, deviceName string) {
	if m.audit == nil {
		return
	}
	var details map[string]interface{}
	if deviceName != "" {
		details = map[string]interface{}{"device_name": deviceName}
	}
	m.audit.LogRegistration(ctx, ceremonyID, credentialID, success, details)
}

func (m *Manager) auditAuthentication(ctx context.Context, ceremonyID, credentialID string, success bool) {
	if m.audit == nil {
		return
	}
	m.audit.LogAuthentication(ctx, ceremonyID, credentialID, success, nil)
}

// IsSupported reports the cached probe result.
func (m *Manager) IsSupported() bool {
	return m.supported
}

// IsRegistered reports whether a credential reference is stored.
func (m *Manager) IsRegistered() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.credential != nil
}

// IsAuthenticated reports whether a ceremony has succeeded in this
// manager's lifetime.
func (m *Manager) IsAuthenticated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.authenticated
}

// IsLoading reports whether a ceremony is in flight.
func (m *Manager) IsLoading() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loading
}

// LastError returns the failure message of the most recent ceremony, or ""
// after a success or before any ceremony ran. Cleared when a new ceremony
// starts.
func (m *Manager) LastError() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastError
}

// CurrentPhase returns the current lifecycle phase.
func (m *Manager) CurrentPhase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Credential returns a copy of the stored credential reference, or nil.
func (m *Manager) Credential() *attestation.CredentialReference {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.credential == nil {
		return nil
	}
	ref := *m.credential
	return &ref
}

// Attestation returns a copy of the last-known device attestation, or nil.
// The copy is returned regardless of freshness; use Fresh or
// SerializedAttestation when staleness matters.
func (m *Manager) Attestation() *attestation.DeviceAttestation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneAttestation(m.attestation)
}

// Fresh reports whether the last-known attestation is within the freshness
// window right now. False when no attestation is stored.
func (m *Manager) Fresh() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attestation != nil && m.attestation.Fresh()
}

// SerializedAttestation returns the attestation as JSON for handoff to
// other subsystems, but only while it is fresh. A stale or missing
// attestation yields ok=false and an empty string.
func (m *Manager) SerializedAttestation() (string, bool) {
	m.mu.Lock()
	att := m.attestation
	m.mu.Unlock()

	if att == nil || !att.Fresh() {
		return "", false
	}
	data, err := att.Serialize()
	if err != nil {
		return "", false
	}
	return data, true
}

func cloneAttestation(att *attestation.DeviceAttestation) *attestation.DeviceAttestation {
	if att == nil {
		return nil
	}
	out := *att
	if att.DeviceModel != nil {
		model := *att.DeviceModel
		out.DeviceModel = &model
	}
	return &out
}
