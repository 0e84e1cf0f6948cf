// Package internal provides integration tests for the attestd ceremony
// pipeline.
//
// These tests drive the real components end to end:
// 1. Mint challenges and ceremony options from a verifying relying party
// 2. Create credentials and assertions on the software authenticator
// 3. Verify every artifact server-side before accepting it
// 4. Persist and recover attestation state across restarts
package internal

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"attestd/internal/attestation"
	"attestd/internal/authenticator"
	"attestd/internal/logging"
	"attestd/internal/manager"
	"attestd/internal/store"
	"attestd/internal/webauthn"
)

const (
	pipelineOrigin = "https://app.example.com"
	pipelineRPID   = "app.example.com"
)

// relyingParty implements the four ceremony endpoints the way a production
// sealing backend would: it issues random challenges, and on finish it checks
// the client data, parses the attestation object, validates the packed
// self-attestation signature, and verifies assertions against the public key
// captured at registration. Nothing is accepted on faith.
type relyingParty struct {
	srv *httptest.Server

	mu         sync.Mutex
	challenges map[string][]byte
	nextChal   int
	rejected   int

	credentialID []byte
	publicKey    *ecdsa.PublicKey
	signCount    uint32
}

func newRelyingParty(tb testing.TB) *relyingParty {
	tb.Helper()
	rp := &relyingParty{challenges: make(map[string][]byte)}

	mux := http.NewServeMux()
	mux.HandleFunc("/webauthn/register/start", rp.handleRegisterStart)
	mux.HandleFunc("/webauthn/register/finish", rp.handleRegisterFinish)
	mux.HandleFunc("/webauthn/authenticate/start", rp.handleAuthenticateStart)
	mux.HandleFunc("/webauthn/authenticate/finish", rp.handleAuthenticateFinish)

	rp.srv = httptest.NewServer(mux)
	tb.Cleanup(rp.srv.Close)
	return rp
}

// mintChallenge issues a fresh random challenge under a new handle.
func (rp *relyingParty) mintChallenge() (string, []byte) {
	challenge := make([]byte, 32)
	if _, err := rand.Read(challenge); err != nil {
		panic(err)
	}

	rp.mu.Lock()
	rp.nextChal++
	id := fmt.Sprintf("chal-%d", rp.nextChal)
	rp.challenges[id] = challenge
	rp.mu.Unlock()
	return id, challenge
}

// consumeChallenge returns and deletes the challenge for the given handle.
// Each challenge is single use.
func (rp *relyingParty) consumeChallenge(id string) ([]byte, bool) {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	challenge, ok := rp.challenges[id]
	delete(rp.challenges, id)
	return challenge, ok
}

func (rp *relyingParty) reject(w http.ResponseWriter, msg string) {
	rp.mu.Lock()
	rp.rejected++
	rp.mu.Unlock()
	http.Error(w, msg, http.StatusBadRequest)
}

func (rp *relyingParty) rejections() int {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	return rp.rejected
}

func (rp *relyingParty) registeredCredential() string {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	if rp.credentialID == nil {
		return ""
	}
	return webauthn.Encode(rp.credentialID)
}

func (rp *relyingParty) currentSignCount() uint32 {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	return rp.signCount
}

func (rp *relyingParty) handleRegisterStart(w http.ResponseWriter, r *http.Request) {
	id, challenge := rp.mintChallenge()

	opts := &webauthn.CreationOptions{
		Challenge: webauthn.URLBytes(challenge),
		RP:        webauthn.RelyingParty{ID: pipelineRPID, Name: "Seal Service"},
		User: webauthn.User{
			ID:          webauthn.URLBytes("user-1"),
			Name:        "operator@example.com",
			DisplayName: "Operator",
		},
		PubKeyCredParams: []webauthn.CredentialParam{
			{Type: webauthn.CredentialTypePublicKey, Alg: webauthn.AlgES256},
		},
	}

	writeJSON(w, map[string]interface{}{
		"challenge_id": id,
		"public_key":   opts,
	})
}

func (rp *relyingParty) handleRegisterFinish(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ChallengeID string                     `json:"challenge_id"`
		Response    *webauthn.CreationResponse `json:"response"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Response == nil {
		rp.reject(w, "bad request")
		return
	}

	challenge, ok := rp.consumeChallenge(req.ChallengeID)
	if !ok {
		rp.reject(w, "unknown challenge")
		return
	}

	var clientData webauthn.ClientData
	if err := json.Unmarshal(req.Response.Response.ClientDataJSON, &clientData); err != nil {
		rp.reject(w, "bad client data")
		return
	}
	if clientData.Type != webauthn.ClientDataTypeCreate {
		rp.reject(w, "client data type mismatch")
		return
	}
	if clientData.Challenge != webauthn.Encode(challenge) {
		rp.reject(w, "challenge mismatch")
		return
	}
	if clientData.Origin != pipelineOrigin {
		rp.reject(w, "origin mismatch")
		return
	}

	var obj webauthn.AttestationObject
	if err := cbor.Unmarshal(req.Response.Response.AttestationObject, &obj); err != nil {
		rp.reject(w, "bad attestation object")
		return
	}
	if obj.Format != attestation.FormatPacked {
		rp.reject(w, "unsupported attestation format")
		return
	}

	authData, err := webauthn.ParseAuthenticatorData(obj.AuthData)
	if err != nil {
		rp.reject(w, "bad authenticator data")
		return
	}
	if authData.RPIDHash != sha256.Sum256([]byte(pipelineRPID)) {
		rp.reject(w, "rp id hash mismatch")
		return
	}
	if authData.Flags&webauthn.FlagUserPresent == 0 {
		rp.reject(w, "user presence flag missing")
		return
	}
	if authData.Flags&webauthn.FlagAttestedCredentialData == 0 {
		rp.reject(w, "attested credential data missing")
		return
	}
	if !bytes.Equal(authData.CredentialID, req.Response.RawID) {
		rp.reject(w, "credential id mismatch")
		return
	}

	pub, err := webauthn.ParseCOSEKey(authData.CredentialPublicKey)
	if err != nil {
		rp.reject(w, "bad credential public key")
		return
	}

	alg, ok := obj.AttStmt["alg"].(int64)
	sig, sigOK := obj.AttStmt["sig"].([]byte)
	if !ok || !sigOK || alg != int64(webauthn.AlgES256) {
		rp.reject(w, "bad attestation statement")
		return
	}

	clientDataHash := sha256.Sum256(req.Response.Response.ClientDataJSON)
	digest := sha256.Sum256(append(append([]byte{}, obj.AuthData...), clientDataHash[:]...))
	if !ecdsa.VerifyASN1(pub, digest[:], sig) {
		rp.reject(w, "bad attestation signature")
		return
	}

	rp.mu.Lock()
	rp.credentialID = append([]byte(nil), req.Response.RawID...)
	rp.publicKey = pub
	rp.signCount = authData.SignCount
	rp.mu.Unlock()

	writeJSON(w, map[string]interface{}{
		"device_attestation": &attestation.DeviceAttestation{
			CredentialID:      webauthn.Encode(req.Response.RawID),
			AuthenticatorType: attestation.TypeCrossPlatform,
			AttestationFormat: obj.Format,
			AttestedAt:        time.Now().Unix(),
			SignCount:         authData.SignCount,
			AAGUID:            uuid.UUID(authData.AAGUID).String(),
		},
	})
}

func (rp *relyingParty) handleAuthenticateStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CredentialID string `json:"credential_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		rp.reject(w, "bad request")
		return
	}

	rp.mu.Lock()
	credentialID := rp.credentialID
	rp.mu.Unlock()
	if credentialID == nil || req.CredentialID != webauthn.Encode(credentialID) {
		rp.mu.Lock()
		rp.rejected++
		rp.mu.Unlock()
		http.Error(w, "unknown credential", http.StatusNotFound)
		return
	}

	id, challenge := rp.mintChallenge()
	opts := &webauthn.RequestOptions{
		Challenge: webauthn.URLBytes(challenge),
		RPID:      pipelineRPID,
		AllowCredentials: []webauthn.CredentialDescriptor{
			{Type: webauthn.CredentialTypePublicKey, ID: webauthn.URLBytes(credentialID)},
		},
	}

	writeJSON(w, map[string]interface{}{
		"challenge_id": id,
		"public_key":   opts,
	})
}

func (rp *relyingParty) handleAuthenticateFinish(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ChallengeID string                        `json:"challenge_id"`
		Response    *webauthn.AssertionCredential `json:"response"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Response == nil {
		rp.reject(w, "bad request")
		return
	}

	challenge, ok := rp.consumeChallenge(req.ChallengeID)
	if !ok {
		rp.reject(w, "unknown challenge")
		return
	}

	rp.mu.Lock()
	credentialID := rp.credentialID
	pub := rp.publicKey
	lastCount := rp.signCount
	rp.mu.Unlock()
	if credentialID == nil {
		rp.reject(w, "no registered credential")
		return
	}
	if !bytes.Equal(req.Response.RawID, credentialID) {
		rp.reject(w, "credential id mismatch")
		return
	}

	var clientData webauthn.ClientData
	if err := json.Unmarshal(req.Response.Response.ClientDataJSON, &clientData); err != nil {
		rp.reject(w, "bad client data")
		return
	}
	if clientData.Type != webauthn.ClientDataTypeGet {
		rp.reject(w, "client data type mismatch")
		return
	}
	if clientData.Challenge != webauthn.Encode(challenge) {
		rp.reject(w, "challenge mismatch")
		return
	}
	if clientData.Origin != pipelineOrigin {
		rp.reject(w, "origin mismatch")
		return
	}

	authData, err := webauthn.ParseAuthenticatorData(req.Response.Response.AuthenticatorData)
	if err != nil {
		rp.reject(w, "bad authenticator data")
		return
	}
	if authData.RPIDHash != sha256.Sum256([]byte(pipelineRPID)) {
		rp.reject(w, "rp id hash mismatch")
		return
	}
	if authData.Flags&webauthn.FlagUserPresent == 0 {
		rp.reject(w, "user presence flag missing")
		return
	}
	if authData.SignCount <= lastCount {
		rp.reject(w, "sign count did not advance")
		return
	}

	clientDataHash := sha256.Sum256(req.Response.Response.ClientDataJSON)
	digest := sha256.Sum256(append(append([]byte{}, req.Response.Response.AuthenticatorData...), clientDataHash[:]...))
	if !ecdsa.VerifyASN1(pub, digest[:], req.Response.Response.Signature) {
		rp.reject(w, "signature verification failed")
		return
	}

	rp.mu.Lock()
	rp.signCount = authData.SignCount
	rp.mu.Unlock()

	writeJSON(w, map[string]interface{}{
		"device_attestation": &attestation.DeviceAttestation{
			CredentialID:      webauthn.Encode(credentialID),
			AuthenticatorType: attestation.TypeCrossPlatform,
			AttestationFormat: attestation.FormatPacked,
			AttestedAt:        time.Now().Unix(),
			SignCount:         authData.SignCount,
			AAGUID:            uuid.UUID(authData.AAGUID).String(),
		},
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// tamperingAuthenticator wraps a real authenticator and lets a test doctor
// ceremony inputs and outputs before they reach the backend.
type tamperingAuthenticator struct {
	authenticator.Authenticator

	// rogueChallenge replaces the server challenge before credential
	// creation, simulating a phished ceremony.
	rogueChallenge []byte

	// doctorAssertion mutates the assertion after the authenticator
	// produced it.
	doctorAssertion func(*webauthn.AssertionCredential)
}

func (a *tamperingAuthenticator) MakeCredential(ctx context.Context, opts *webauthn.CreationOptions) (*webauthn.CreationResponse, error) {
	if a.rogueChallenge != nil {
		doctored := *opts
		doctored.Challenge = a.rogueChallenge
		opts = &doctored
	}
	return a.Authenticator.MakeCredential(ctx, opts)
}

func (a *tamperingAuthenticator) GetAssertion(ctx context.Context, opts *webauthn.RequestOptions) (*webauthn.AssertionCredential, error) {
	cred, err := a.Authenticator.GetAssertion(ctx, opts)
	if err == nil && a.doctorAssertion != nil {
		a.doctorAssertion(cred)
	}
	return cred, err
}

func newSoftwareAuth(tb testing.TB, dataDir string) *authenticator.Software {
	tb.Helper()
	auth, err := authenticator.NewSoftware(authenticator.Config{
		Origin:  pipelineOrigin,
		DataDir: dataDir,
	})
	if err != nil {
		tb.Fatalf("Failed to create software authenticator: %v", err)
	}
	tb.Cleanup(func() { auth.Close() })
	return auth
}

func openPipelineStore(tb testing.TB, path string) *store.Store {
	tb.Helper()
	st, err := store.Open(path)
	if err != nil {
		tb.Fatalf("Failed to open store: %v", err)
	}
	tb.Cleanup(func() { st.Close() })
	return st
}

func newPipelineManager(tb testing.TB, rp *relyingParty, st *store.Store, auth authenticator.Authenticator) *manager.Manager {
	tb.Helper()
	log, err := logging.New(&logging.Config{
		Level:     logging.LevelError,
		Output:    "stderr",
		Component: "pipeline-test",
	})
	if err != nil {
		tb.Fatalf("Failed to create logger: %v", err)
	}

	mgr, err := manager.New(context.Background(), manager.Config{
		Client:        manager.NewClient(manager.ClientConfig{BaseURL: rp.srv.URL}),
		Store:         st,
		Authenticator: auth,
		Logger:        log,
	})
	if err != nil {
		tb.Fatalf("Failed to create manager: %v", err)
	}
	return mgr
}

// =============================================================================
// INTEGRATION: Full Ceremony Pipeline
// =============================================================================

// TestFullCeremonyPipeline tests the complete flow from first registration
// through repeated authentication, with the relying party verifying every
// signature it receives.
func TestFullCeremonyPipeline(t *testing.T) {
	ctx := context.Background()

	// Step 1: Real persistence and a real software authenticator
	st := openPipelineStore(t, filepath.Join(t.TempDir(), "attest.db"))
	auth := newSoftwareAuth(t, t.TempDir())

	// Step 2: A relying party that verifies before it accepts
	rp := newRelyingParty(t)

	// Step 3: Fresh manager over empty state
	mgr := newPipelineManager(t, rp, st, auth)
	if !mgr.IsSupported() {
		t.Fatal("Software authenticator should probe as supported")
	}
	if mgr.IsRegistered() {
		t.Fatal("Fresh manager should have no credential")
	}
	if mgr.CurrentPhase() != manager.PhaseIdle {
		t.Fatalf("Fresh manager phase = %v, want idle", mgr.CurrentPhase())
	}

	// Step 4: Register and let the relying party verify the attestation
	if !mgr.Register(ctx, "field-kit") {
		t.Fatalf("Registration failed: %s", mgr.LastError())
	}
	if mgr.CurrentPhase() != manager.PhaseRegistered {
		t.Fatalf("Phase after registration = %v, want registered", mgr.CurrentPhase())
	}
	if !mgr.IsRegistered() || !mgr.IsAuthenticated() || !mgr.Fresh() {
		t.Fatal("Successful registration should leave the device registered, authenticated, and fresh")
	}
	if rp.rejections() != 0 {
		t.Fatalf("Relying party rejected %d requests during honest registration", rp.rejections())
	}
	t.Logf("Registered credential %s", rp.registeredCredential())

	// Step 5: The minted attestation reflects what the server verified
	att := mgr.Attestation()
	if att == nil {
		t.Fatal("Attestation missing after registration")
	}
	if att.CredentialID != rp.registeredCredential() {
		t.Fatalf("Attestation credential id = %q, want %q", att.CredentialID, rp.registeredCredential())
	}
	if att.SignCount != 0 {
		t.Fatalf("Initial sign count = %d, want 0", att.SignCount)
	}
	if att.AttestationFormat != attestation.FormatPacked {
		t.Fatalf("Attestation format = %q, want packed", att.AttestationFormat)
	}

	ref := mgr.Credential()
	if ref == nil || ref.DeviceName != "field-kit" {
		t.Fatalf("Credential reference = %+v, want device name field-kit", ref)
	}

	// Step 6: Repeated authentication with a strictly advancing counter
	for i := 1; i <= 3; i++ {
		if !mgr.Authenticate(ctx) {
			t.Fatalf("Authentication %d failed: %s", i, mgr.LastError())
		}
		got := mgr.Attestation().SignCount
		if got != uint32(i) {
			t.Fatalf("Sign count after authentication %d = %d, want %d", i, got, i)
		}
	}
	if rp.currentSignCount() != 3 {
		t.Fatalf("Relying party sign count = %d, want 3", rp.currentSignCount())
	}
	t.Log("Three assertions verified with advancing sign count")

	// Step 7: The credential reference survives re-authentication untouched
	if got := mgr.Credential(); got.CreatedAt != ref.CreatedAt || got.CredentialID != ref.CredentialID {
		t.Fatal("Authentication should not rewrite the credential reference")
	}

	// Step 8: The serialized artifact round-trips and matches live state
	serialized, ok := mgr.SerializedAttestation()
	if !ok {
		t.Fatal("Fresh attestation should serialize")
	}
	var decoded attestation.DeviceAttestation
	if err := json.Unmarshal([]byte(serialized), &decoded); err != nil {
		t.Fatalf("Failed to decode serialized attestation: %v", err)
	}
	if decoded.CredentialID != att.CredentialID || decoded.SignCount != 3 {
		t.Fatalf("Serialized attestation = %+v, want credential %s with sign count 3", decoded, att.CredentialID)
	}

	// Step 9: Everything the manager reports is actually on disk
	storedRef, err := st.LoadCredential()
	if err != nil || storedRef == nil {
		t.Fatalf("Stored credential = %v, %v", storedRef, err)
	}
	storedAtt, err := st.LoadAttestation()
	if err != nil || storedAtt == nil {
		t.Fatalf("Stored attestation = %v, %v", storedAtt, err)
	}
	if storedAtt.SignCount != 3 {
		t.Fatalf("Persisted sign count = %d, want 3", storedAtt.SignCount)
	}

	t.Log("Full ceremony pipeline verified")
}

// =============================================================================
// INTEGRATION: Persistence and Recovery
// =============================================================================

// TestCeremonyAcrossRestart tests that a device keeps working after the
// daemon restarts: the stored credential loads, the derived key still
// matches the registered public key, and the sign counter keeps advancing.
func TestCeremonyAcrossRestart(t *testing.T) {
	ctx := context.Background()
	dataDir := t.TempDir()
	dbPath := filepath.Join(t.TempDir(), "attest.db")
	rp := newRelyingParty(t)

	// Phase 1: Register and authenticate once
	st1, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	auth1, err := authenticator.NewSoftware(authenticator.Config{
		Origin:  pipelineOrigin,
		DataDir: dataDir,
	})
	if err != nil {
		t.Fatalf("Failed to create authenticator: %v", err)
	}

	mgr1 := newPipelineManager(t, rp, st1, auth1)
	if !mgr1.Register(ctx, "field-kit") {
		t.Fatalf("Registration failed: %s", mgr1.LastError())
	}
	if !mgr1.Authenticate(ctx) {
		t.Fatalf("Authentication failed: %s", mgr1.LastError())
	}
	if rp.currentSignCount() != 1 {
		t.Fatalf("Sign count before restart = %d, want 1", rp.currentSignCount())
	}

	if err := st1.Close(); err != nil {
		t.Fatalf("Failed to close store: %v", err)
	}
	if err := auth1.Close(); err != nil {
		t.Fatalf("Failed to close authenticator: %v", err)
	}

	// Phase 2: Reload everything from disk
	st2 := openPipelineStore(t, dbPath)
	auth2 := newSoftwareAuth(t, dataDir)
	mgr2 := newPipelineManager(t, rp, st2, auth2)

	if !mgr2.IsRegistered() {
		t.Fatal("Reloaded manager should see the persisted credential")
	}
	if mgr2.IsAuthenticated() {
		t.Fatal("Authenticated is a per-process mark and should not survive restart")
	}
	if got := mgr2.Attestation(); got == nil || got.SignCount != 1 {
		t.Fatalf("Reloaded attestation = %+v, want sign count 1", got)
	}

	// The relying party still holds the original public key. If key
	// derivation drifted across restart this assertion fails server-side.
	if !mgr2.Authenticate(ctx) {
		t.Fatalf("Authentication after restart failed: %s", mgr2.LastError())
	}
	if rp.currentSignCount() != 2 {
		t.Fatalf("Sign count after restart = %d, want 2", rp.currentSignCount())
	}
	if rp.rejections() != 0 {
		t.Fatalf("Relying party rejected %d requests across restart", rp.rejections())
	}

	t.Log("Persistence and recovery verified")
}

// =============================================================================
// INTEGRATION: Tamper Detection
// =============================================================================

// TestRogueChallengeRejected tests that a registration signed over a
// challenge the server never issued is rejected, and that the rejection
// leaves no partial state behind.
func TestRogueChallengeRejected(t *testing.T) {
	ctx := context.Background()
	st := openPipelineStore(t, filepath.Join(t.TempDir(), "attest.db"))
	rp := newRelyingParty(t)

	tampered := &tamperingAuthenticator{
		Authenticator:  newSoftwareAuth(t, t.TempDir()),
		rogueChallenge: []byte("challenge-the-server-never-issued"),
	}
	mgr := newPipelineManager(t, rp, st, tampered)

	if mgr.Register(ctx, "field-kit") {
		t.Fatal("Registration with a rogue challenge should fail")
	}
	if mgr.LastError() != "challenge mismatch" {
		t.Fatalf("LastError = %q, want the server's challenge mismatch message", mgr.LastError())
	}
	if mgr.CurrentPhase() != manager.PhaseFailed {
		t.Fatalf("Phase = %v, want failed", mgr.CurrentPhase())
	}
	if mgr.IsRegistered() {
		t.Fatal("Failed registration should not mark the device registered")
	}
	if rp.registeredCredential() != "" {
		t.Fatal("Relying party should not have accepted the credential")
	}
	if rp.rejections() != 1 {
		t.Fatalf("Relying party rejections = %d, want 1", rp.rejections())
	}

	ref, err := st.LoadCredential()
	if err != nil {
		t.Fatalf("LoadCredential: %v", err)
	}
	if ref != nil {
		t.Fatal("Failed registration should persist nothing")
	}

	t.Log("Rogue challenge detected and rejected")
}

// TestDoctoredAssertionRejected tests that a corrupted assertion signature
// is caught server-side and the previous attestation stays untouched.
func TestDoctoredAssertionRejected(t *testing.T) {
	ctx := context.Background()
	st := openPipelineStore(t, filepath.Join(t.TempDir(), "attest.db"))
	rp := newRelyingParty(t)

	tampered := &tamperingAuthenticator{
		Authenticator: newSoftwareAuth(t, t.TempDir()),
	}
	mgr := newPipelineManager(t, rp, st, tampered)

	if !mgr.Register(ctx, "field-kit") {
		t.Fatalf("Registration failed: %s", mgr.LastError())
	}
	before, err := st.LoadAttestation()
	if err != nil || before == nil {
		t.Fatalf("Stored attestation = %v, %v", before, err)
	}

	tampered.doctorAssertion = func(cred *webauthn.AssertionCredential) {
		sig := append(webauthn.URLBytes(nil), cred.Response.Signature...)
		sig[0] ^= 0xFF
		cred.Response.Signature = sig
	}

	if mgr.Authenticate(ctx) {
		t.Fatal("Doctored assertion should fail")
	}
	if mgr.LastError() != "signature verification failed" {
		t.Fatalf("LastError = %q, want the server's verification failure message", mgr.LastError())
	}
	if !mgr.IsRegistered() {
		t.Fatal("Failed authentication should not drop the credential")
	}

	after, err := st.LoadAttestation()
	if err != nil || after == nil {
		t.Fatalf("Stored attestation = %v, %v", after, err)
	}
	if after.AttestedAt != before.AttestedAt || after.SignCount != before.SignCount {
		t.Fatal("Failed authentication should leave the stored attestation untouched")
	}
	if rp.currentSignCount() != before.SignCount {
		t.Fatal("Relying party should not advance its counter on a rejected assertion")
	}

	// Recovery: an honest assertion still goes through.
	tampered.doctorAssertion = nil
	if !mgr.Authenticate(ctx) {
		t.Fatalf("Honest authentication after tampering failed: %s", mgr.LastError())
	}
	if got := mgr.Attestation().SignCount; got != before.SignCount+2 {
		t.Fatalf("Sign count after recovery = %d, want %d", got, before.SignCount+2)
	}

	t.Log("Doctored assertion detected, state preserved, recovery verified")
}

// =============================================================================
// BENCHMARKS
// =============================================================================

// BenchmarkRegistrationCeremony benchmarks the complete registration flow
// against a verifying relying party.
func BenchmarkRegistrationCeremony(b *testing.B) {
	ctx := context.Background()
	st := openPipelineStore(b, filepath.Join(b.TempDir(), "attest.db"))
	auth := newSoftwareAuth(b, b.TempDir())
	rp := newRelyingParty(b)
	mgr := newPipelineManager(b, rp, st, auth)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if !mgr.Register(ctx, "field-kit") {
			b.Fatalf("Registration failed: %s", mgr.LastError())
		}
	}
}

// BenchmarkAuthenticationCeremony benchmarks re-attestation of an already
// registered device.
func BenchmarkAuthenticationCeremony(b *testing.B) {
	ctx := context.Background()
	st := openPipelineStore(b, filepath.Join(b.TempDir(), "attest.db"))
	auth := newSoftwareAuth(b, b.TempDir())
	rp := newRelyingParty(b)
	mgr := newPipelineManager(b, rp, st, auth)

	if !mgr.Register(ctx, "field-kit") {
		b.Fatalf("Registration failed: %s", mgr.LastError())
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if !mgr.Authenticate(ctx) {
			b.Fatalf("Authentication failed: %s", mgr.LastError())
		}
	}
}
