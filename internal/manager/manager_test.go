package manager

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"attestd/internal/attestation"
	"attestd/internal/authenticator"
	"attestd/internal/logging"
	"attestd/internal/store"
	"attestd/internal/webauthn"
)

// fakeBackend is an httptest server implementing the four ceremony
// endpoints. It counts every request so tests can assert that precondition
// failures never reach the network.
type fakeBackend struct {
	t   *testing.T
	srv *httptest.Server

	mu             sync.Mutex
	requests       int
	lastDeviceName string
	lastCredential string
	lastRawID      string

	// Overrides. Zero status means success.
	registerStartPublicKey json.RawMessage
	registerFinishStatus   int
	registerFinishBody     string
	authStartStatus        int
	authStartBody          string

	registerAttestation *attestation.DeviceAttestation
	authAttestation     *attestation.DeviceAttestation
}

func fixtureAttestation() *attestation.DeviceAttestation {
	return &attestation.DeviceAttestation{
		CredentialID:      "cred1",
		AuthenticatorType: attestation.TypePlatform,
		AttestationFormat: attestation.FormatPacked,
		AttestedAt:        1700000000,
		SignCount:         0,
		AAGUID:            "00000000-0000-0000-0000-000000000000",
	}
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	fb := &fakeBackend{
		t:                   t,
		registerAttestation: fixtureAttestation(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/webauthn/register/start", fb.handleRegisterStart)
	mux.HandleFunc("/webauthn/register/finish", fb.handleRegisterFinish)
	mux.HandleFunc("/webauthn/authenticate/start", fb.handleAuthenticateStart)
	mux.HandleFunc("/webauthn/authenticate/finish", fb.handleAuthenticateFinish)

	fb.srv = httptest.NewServer(mux)
	t.Cleanup(fb.srv.Close)
	return fb
}

func (fb *fakeBackend) count() {
	fb.mu.Lock()
	fb.requests++
	fb.mu.Unlock()
}

func (fb *fakeBackend) requestCount() int {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return fb.requests
}

func (fb *fakeBackend) deviceName() string {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return fb.lastDeviceName
}

func (fb *fakeBackend) credentialID() string {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return fb.lastCredential
}

func (fb *fakeBackend) handleRegisterStart(w http.ResponseWriter, r *http.Request) {
	fb.count()

	var req struct {
		DeviceName string `json:"device_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		fb.t.Errorf("register/start: bad request body: %v", err)
	}
	fb.mu.Lock()
	fb.lastDeviceName = req.DeviceName
	fb.mu.Unlock()

	publicKey := fb.registerStartPublicKey
	if publicKey == nil {
		publicKey = json.RawMessage(`{
			"challenge": "AAA",
			"rp": {"id": "app.example.com", "name": "Example"},
			"user": {"id": "QUI", "name": "user-1", "displayName": "User One"},
			"pubKeyCredParams": [{"type": "public-key", "alg": -7}]
		}`)
	}

	writeJSON(w, map[string]interface{}{
		"challenge_id": "c1",
		"public_key":   publicKey,
	})
}

func (fb *fakeBackend) handleRegisterFinish(w http.ResponseWriter, r *http.Request) {
	fb.count()

	if fb.registerFinishStatus != 0 {
		http.Error(w, fb.registerFinishBody, fb.registerFinishStatus)
		return
	}

	var req struct {
		ChallengeID string `json:"challenge_id"`
		Response    struct {
			ID       string `json:"id"`
			RawID    string `json:"rawId"`
			Type     string `json:"type"`
			Response struct {
				ClientDataJSON    string `json:"clientDataJSON"`
				AttestationObject string `json:"attestationObject"`
			} `json:"response"`
		} `json:"response"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		fb.t.Errorf("register/finish: bad request body: %v", err)
	}
	if req.ChallengeID != "c1" {
		fb.t.Errorf("register/finish: challenge_id = %q, want %q", req.ChallengeID, "c1")
	}
	if req.Response.Type != "public-key" {
		fb.t.Errorf("register/finish: type = %q, want public-key", req.Response.Type)
	}
	if req.Response.Response.ClientDataJSON == "" || req.Response.Response.AttestationObject == "" {
		fb.t.Error("register/finish: missing attestation response fields")
	}

	fb.mu.Lock()
	fb.lastRawID = req.Response.RawID
	fb.mu.Unlock()

	writeJSON(w, map[string]interface{}{
		"device_attestation": fb.registerAttestation,
	})
}

func (fb *fakeBackend) handleAuthenticateStart(w http.ResponseWriter, r *http.Request) {
	fb.count()

	if fb.authStartStatus != 0 {
		http.Error(w, fb.authStartBody, fb.authStartStatus)
		return
	}

	var req struct {
		CredentialID string `json:"credential_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		fb.t.Errorf("authenticate/start: bad request body: %v", err)
	}
	fb.mu.Lock()
	fb.lastCredential = req.CredentialID
	allowID := fb.lastRawID
	fb.mu.Unlock()
	if allowID == "" {
		allowID = "Y3JlZDE" // "cred1"
	}

	writeJSON(w, map[string]interface{}{
		"challenge_id": "c2",
		"public_key": map[string]interface{}{
			"challenge": "BBB",
			"rpId":      "app.example.com",
			"allowCredentials": []map[string]interface{}{
				{"type": "public-key", "id": allowID},
			},
		},
	})
}

func (fb *fakeBackend) handleAuthenticateFinish(w http.ResponseWriter, r *http.Request) {
	fb.count()

	var req struct {
		ChallengeID string `json:"challenge_id"`
		Response    struct {
			ID       string `json:"id"`
			Response struct {
				ClientDataJSON    string `json:"clientDataJSON"`
				AuthenticatorData string `json:"authenticatorData"`
				Signature         string `json:"signature"`
			} `json:"response"`
		} `json:"response"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		fb.t.Errorf("authenticate/finish: bad request body: %v", err)
	}
	if req.ChallengeID != "c2" {
		fb.t.Errorf("authenticate/finish: challenge_id = %q, want %q", req.ChallengeID, "c2")
	}
	if req.Response.Response.Signature == "" || req.Response.Response.AuthenticatorData == "" {
		fb.t.Error("authenticate/finish: missing assertion response fields")
	}

	att := fb.authAttestation
	if att == nil {
		att = fixtureAttestation()
	}
	writeJSON(w, map[string]interface{}{
		"device_attestation": att,
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// stubAuthenticator lets tests inject ceremony outcomes and count probes.
type stubAuthenticator struct {
	typ       attestation.AuthenticatorType
	available bool
	probes    int

	makeFn func(context.Context, *webauthn.CreationOptions) (*webauthn.CreationResponse, error)
	getFn  func(context.Context, *webauthn.RequestOptions) (*webauthn.AssertionCredential, error)
}

func (s *stubAuthenticator) Type() attestation.AuthenticatorType {
	if s.typ == "" {
		return attestation.TypeCrossPlatform
	}
	return s.typ
}

func (s *stubAuthenticator) AAGUID() [16]byte { return [16]byte{} }

func (s *stubAuthenticator) Available(ctx context.Context) bool {
	s.probes++
	return s.available
}

func (s *stubAuthenticator) MakeCredential(ctx context.Context, opts *webauthn.CreationOptions) (*webauthn.CreationResponse, error) {
	if s.makeFn != nil {
		return s.makeFn(ctx, opts)
	}
	return &webauthn.CreationResponse{
		ID:    "Y3JlZDE",
		RawID: webauthn.URLBytes("cred1"),
		Type:  webauthn.CredentialTypePublicKey,
		Response: webauthn.AttestationResponse{
			ClientDataJSON:    webauthn.URLBytes(`{"type":"webauthn.create"}`),
			AttestationObject: webauthn.URLBytes{0xa0},
		},
	}, nil
}

func (s *stubAuthenticator) GetAssertion(ctx context.Context, opts *webauthn.RequestOptions) (*webauthn.AssertionCredential, error) {
	if s.getFn != nil {
		return s.getFn(ctx, opts)
	}
	return &webauthn.AssertionCredential{
		ID:    "Y3JlZDE",
		RawID: webauthn.URLBytes("cred1"),
		Type:  webauthn.CredentialTypePublicKey,
		Response: webauthn.AssertionResponse{
			ClientDataJSON:    webauthn.URLBytes(`{"type":"webauthn.get"}`),
			AuthenticatorData: webauthn.URLBytes(make([]byte, 37)),
			Signature:         webauthn.URLBytes{0x30, 0x01, 0x02},
		},
	}, nil
}

func (s *stubAuthenticator) Close() error { return nil }

var _ authenticator.Authenticator = (*stubAuthenticator)(nil)

func quietLogger(t *testing.T) *logging.Logger {
	t.Helper()
	log, err := logging.New(&logging.Config{
		Level:     logging.LevelError,
		Output:    "stderr",
		Component: "manager-test",
	})
	require.NoError(t, err)
	return log
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "attest.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func newTestManager(t *testing.T, fb *fakeBackend, st *store.Store, auth authenticator.Authenticator) *Manager {
	t.Helper()
	m, err := New(context.Background(), Config{
		Client:        NewClient(ClientConfig{BaseURL: fb.srv.URL}),
		Store:         st,
		Authenticator: auth,
		Logger:        quietLogger(t),
	})
	require.NoError(t, err)
	return m
}

func newSoftwareAuthenticator(t *testing.T) *authenticator.Software {
	t.Helper()
	auth, err := authenticator.NewSoftware(authenticator.Config{
		Origin:  "https://app.example.com",
		DataDir: t.TempDir(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { auth.Close() })
	return auth
}

func TestRegisterEndToEnd(t *testing.T) {
	fb := newFakeBackend(t)
	st := openTestStore(t)
	m := newTestManager(t, fb, st, newSoftwareAuthenticator(t))

	require.True(t, m.IsSupported())
	require.False(t, m.IsRegistered())

	ok := m.Register(context.Background(), "sealing-deck")
	require.True(t, ok, "registration failed: %s", m.LastError())

	require.True(t, m.IsRegistered())
	require.True(t, m.IsAuthenticated())
	require.False(t, m.IsLoading())
	require.Empty(t, m.LastError())
	require.Equal(t, PhaseRegistered, m.CurrentPhase())
	require.Equal(t, "sealing-deck", fb.deviceName())

	want := fixtureAttestation()
	require.Equal(t, want, m.Attestation())

	ref := m.Credential()
	require.NotNil(t, ref)
	require.Equal(t, "cred1", ref.CredentialID)
	require.Equal(t, "sealing-deck", ref.DeviceName)

	// Persisted state matches what the ceremony returned.
	storedAtt, err := st.LoadAttestation()
	require.NoError(t, err)
	require.Equal(t, want, storedAtt)

	storedRef, err := st.LoadCredential()
	require.NoError(t, err)
	require.Equal(t, "cred1", storedRef.CredentialID)
}

func TestRegisterUnsupportedMakesNoRequests(t *testing.T) {
	fb := newFakeBackend(t)
	st := openTestStore(t)
	m := newTestManager(t, fb, st, &stubAuthenticator{available: false})

	require.False(t, m.IsSupported())
	require.False(t, m.Register(context.Background(), "laptop"))

	require.Equal(t, 0, fb.requestCount(), "unsupported registration must not reach the network")
	require.Equal(t, PhaseFailed, m.CurrentPhase())
	require.Equal(t, ErrNotSupported.Error(), m.LastError())
	require.False(t, m.IsRegistered())
	require.False(t, m.IsLoading())
}

func TestRegisterCeremonyRejectionIsGeneric(t *testing.T) {
	fb := newFakeBackend(t)
	st := openTestStore(t)
	stub := &stubAuthenticator{
		available: true,
		makeFn: func(context.Context, *webauthn.CreationOptions) (*webauthn.CreationResponse, error) {
			return nil, authenticator.ErrCeremonyFailed
		},
	}
	m := newTestManager(t, fb, st, stub)

	require.False(t, m.Register(context.Background(), ""))

	// Authenticator refusals all surface the same message; the cause is
	// not distinguishable from caller-visible state.
	require.Equal(t, "failed to create credential", m.LastError())
	require.Equal(t, PhaseFailed, m.CurrentPhase())

	att, err := st.LoadAttestation()
	require.NoError(t, err)
	require.Nil(t, att, "failed ceremony must not persist anything")
}

func TestRegisterFinishFailureLeavesStateUntouched(t *testing.T) {
	fb := newFakeBackend(t)
	fb.registerFinishStatus = http.StatusInternalServerError
	fb.registerFinishBody = "boom"

	st := openTestStore(t)
	oldRef := &attestation.CredentialReference{CredentialID: "old-cred", DeviceName: "old", CreatedAt: 1600000000}
	oldAtt := &attestation.DeviceAttestation{
		CredentialID:      "old-cred",
		AuthenticatorType: attestation.TypeCrossPlatform,
		AttestationFormat: attestation.FormatNone,
		AttestedAt:        1600000000,
		AAGUID:            "00000000-0000-0000-0000-000000000000",
	}
	require.NoError(t, st.SaveRegistration(oldRef, oldAtt))

	m := newTestManager(t, fb, st, &stubAuthenticator{available: true})

	require.False(t, m.Register(context.Background(), "replacement"))

	// Server error body comes through verbatim.
	require.Equal(t, "boom", m.LastError())
	require.Equal(t, PhaseFailed, m.CurrentPhase())
	require.False(t, m.IsAuthenticated())

	storedRef, err := st.LoadCredential()
	require.NoError(t, err)
	require.Equal(t, "old-cred", storedRef.CredentialID)

	storedAtt, err := st.LoadAttestation()
	require.NoError(t, err)
	require.Equal(t, oldAtt, storedAtt)
}

func TestRegisterMalformedOptionsFail(t *testing.T) {
	fb := newFakeBackend(t)
	fb.registerStartPublicKey = json.RawMessage(`{"rp": {"id": "app.example.com"}}`)

	st := openTestStore(t)
	m := newTestManager(t, fb, st, &stubAuthenticator{available: true})

	require.False(t, m.Register(context.Background(), ""))
	require.Equal(t, webauthn.ErrMissingChallenge.Error(), m.LastError())
	require.Equal(t, PhaseFailed, m.CurrentPhase())
}

func TestAuthenticateNoCredentialMakesNoRequests(t *testing.T) {
	fb := newFakeBackend(t)
	st := openTestStore(t)
	m := newTestManager(t, fb, st, &stubAuthenticator{available: true})

	require.False(t, m.Authenticate(context.Background()))

	require.Equal(t, 0, fb.requestCount(), "authentication without a credential must not reach the network")
	require.Equal(t, ErrNoCredential.Error(), m.LastError())
	require.Equal(t, PhaseFailed, m.CurrentPhase())
}

func TestAuthenticateEndToEnd(t *testing.T) {
	fb := newFakeBackend(t)
	st := openTestStore(t)
	m := newTestManager(t, fb, st, newSoftwareAuthenticator(t))

	require.True(t, m.Register(context.Background(), "sealing-deck"), "register: %s", m.LastError())

	refreshed := fixtureAttestation()
	refreshed.AttestedAt = 1700000300
	refreshed.SignCount = 1
	fb.authAttestation = refreshed

	require.True(t, m.Authenticate(context.Background()), "authenticate: %s", m.LastError())

	require.Equal(t, PhaseAuthenticated, m.CurrentPhase())
	require.True(t, m.IsAuthenticated())
	require.Equal(t, "cred1", fb.credentialID())

	// Only the attestation record was replaced.
	storedAtt, err := st.LoadAttestation()
	require.NoError(t, err)
	require.Equal(t, refreshed, storedAtt)

	storedRef, err := st.LoadCredential()
	require.NoError(t, err)
	require.Equal(t, "cred1", storedRef.CredentialID)
	require.Equal(t, "sealing-deck", storedRef.DeviceName)
}

func TestAuthenticateAssertionRejectionIsGeneric(t *testing.T) {
	fb := newFakeBackend(t)
	st := openTestStore(t)
	require.NoError(t, st.SaveRegistration(
		&attestation.CredentialReference{CredentialID: "cred1", CreatedAt: 1700000000},
		fixtureAttestation(),
	))

	stub := &stubAuthenticator{
		available: true,
		getFn: func(context.Context, *webauthn.RequestOptions) (*webauthn.AssertionCredential, error) {
			return nil, authenticator.ErrUnknownCredential
		},
	}
	m := newTestManager(t, fb, st, stub)

	require.False(t, m.Authenticate(context.Background()))
	require.Equal(t, "failed to get assertion", m.LastError())

	// Persisted attestation survives the failed refresh.
	storedAtt, err := st.LoadAttestation()
	require.NoError(t, err)
	require.Equal(t, fixtureAttestation(), storedAtt)
}

func TestConcurrentCeremonyRefused(t *testing.T) {
	fb := newFakeBackend(t)
	st := openTestStore(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	stub := &stubAuthenticator{available: true}
	stub.makeFn = func(ctx context.Context, opts *webauthn.CreationOptions) (*webauthn.CreationResponse, error) {
		close(entered)
		<-release
		return (&stubAuthenticator{}).MakeCredential(ctx, opts)
	}
	m := newTestManager(t, fb, st, stub)

	done := make(chan bool)
	go func() {
		done <- m.Register(context.Background(), "first")
	}()

	<-entered
	require.True(t, m.IsLoading())
	require.False(t, m.Authenticate(context.Background()), "second ceremony must be refused while one is in flight")
	require.False(t, m.Register(context.Background(), "second"))

	close(release)
	require.True(t, <-done, "in-flight registration should still succeed: %s", m.LastError())
	require.False(t, m.IsLoading())
}

func TestLastErrorClearedByNextCeremony(t *testing.T) {
	fb := newFakeBackend(t)
	fb.registerFinishStatus = http.StatusBadGateway
	fb.registerFinishBody = "upstream sad"

	st := openTestStore(t)
	m := newTestManager(t, fb, st, &stubAuthenticator{available: true})

	require.False(t, m.Register(context.Background(), ""))
	require.Equal(t, "upstream sad", m.LastError())

	fb.registerFinishStatus = 0
	require.True(t, m.Register(context.Background(), ""))
	require.Empty(t, m.LastError())
	require.Equal(t, PhaseRegistered, m.CurrentPhase())
}

func TestSerializedAttestationStaleYieldsNothing(t *testing.T) {
	fb := newFakeBackend(t)
	st := openTestStore(t)

	stale := fixtureAttestation()
	stale.AttestedAt = time.Now().Unix() - 600
	require.NoError(t, st.SaveRegistration(
		&attestation.CredentialReference{CredentialID: "cred1"},
		stale,
	))

	m := newTestManager(t, fb, st, &stubAuthenticator{available: true})

	require.False(t, m.Fresh())
	got, ok := m.SerializedAttestation()
	require.False(t, ok)
	require.Empty(t, got)

	// Attestation itself is still readable, staleness only gates handoff.
	require.NotNil(t, m.Attestation())
}

func TestSerializedAttestationFresh(t *testing.T) {
	fb := newFakeBackend(t)
	st := openTestStore(t)

	fresh := fixtureAttestation()
	fresh.AttestedAt = time.Now().Unix()
	require.NoError(t, st.SaveRegistration(
		&attestation.CredentialReference{CredentialID: "cred1"},
		fresh,
	))

	m := newTestManager(t, fb, st, &stubAuthenticator{available: true})

	require.True(t, m.Fresh())
	got, ok := m.SerializedAttestation()
	require.True(t, ok)

	var decoded attestation.DeviceAttestation
	require.NoError(t, json.Unmarshal([]byte(got), &decoded))
	require.Equal(t, *fresh, decoded)
}

func TestProbeCachedPerInstance(t *testing.T) {
	fb := newFakeBackend(t)
	st := openTestStore(t)
	stub := &stubAuthenticator{available: true}

	m := newTestManager(t, fb, st, stub)
	require.Equal(t, 1, stub.probes)

	m.IsSupported()
	m.IsSupported()
	m.IsSupported()
	require.Equal(t, 1, stub.probes, "IsSupported must reuse the cached probe")

	// A fresh manager probes again.
	newTestManager(t, fb, st, stub)
	require.Equal(t, 2, stub.probes)
}

func TestNewLoadsPersistedState(t *testing.T) {
	fb := newFakeBackend(t)
	st := openTestStore(t)
	require.NoError(t, st.SaveRegistration(
		&attestation.CredentialReference{CredentialID: "cred1", DeviceName: "desk", CreatedAt: 1700000000},
		fixtureAttestation(),
	))

	m := newTestManager(t, fb, st, &stubAuthenticator{available: true})

	require.True(t, m.IsRegistered())
	require.False(t, m.IsAuthenticated(), "loaded state alone does not authenticate")
	require.Equal(t, PhaseIdle, m.CurrentPhase())
	require.Equal(t, fixtureAttestation(), m.Attestation())
}

func TestClearRemovesEverything(t *testing.T) {
	fb := newFakeBackend(t)
	st := openTestStore(t)
	m := newTestManager(t, fb, st, &stubAuthenticator{available: true})

	require.True(t, m.Register(context.Background(), "desk"))
	require.True(t, m.IsRegistered())

	require.NoError(t, m.Clear(context.Background()))

	require.False(t, m.IsRegistered())
	require.False(t, m.IsAuthenticated())
	require.Nil(t, m.Attestation())
	require.Empty(t, m.LastError())
	require.Equal(t, PhaseIdle, m.CurrentPhase())

	ref, err := st.LoadCredential()
	require.NoError(t, err)
	require.Nil(t, ref)
	att, err := st.LoadAttestation()
	require.NoError(t, err)
	require.Nil(t, att)
}

func TestAttestationReturnsCopy(t *testing.T) {
	fb := newFakeBackend(t)
	st := openTestStore(t)

	seeded := fixtureAttestation()
	seeded.DeviceModel = &attestation.DeviceModel{Identifier: "tpm-1234", Vendor: "Example"}
	require.NoError(t, st.SaveRegistration(
		&attestation.CredentialReference{CredentialID: "cred1"},
		seeded,
	))

	m := newTestManager(t, fb, st, &stubAuthenticator{available: true})

	got := m.Attestation()
	got.CredentialID = "tampered"
	got.DeviceModel.Vendor = "tampered"

	again := m.Attestation()
	require.Equal(t, "cred1", again.CredentialID)
	require.Equal(t, "Example", again.DeviceModel.Vendor)
}
