// Integration tests for the attestd daemon: real store, real software
// authenticator, fake sealing backend, requests through the control API
// router.
package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"attestd/internal/attestation"
	"attestd/internal/authenticator"
	"attestd/internal/config"
	"attestd/internal/health"
	"attestd/internal/logging"
	"attestd/internal/manager"
	"attestd/internal/metrics"
	"attestd/internal/store"
)

// sealBackend fakes the backend ceremony endpoints. attestedAt controls
// the timestamp of the attestation it mints.
type sealBackend struct {
	t   *testing.T
	srv *httptest.Server

	mu         sync.Mutex
	attestedAt int64
}

func newSealBackend(t *testing.T) *sealBackend {
	t.Helper()
	sb := &sealBackend{t: t, attestedAt: time.Now().Unix()}

	mux := http.NewServeMux()
	mux.HandleFunc("/webauthn/register/start", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"challenge_id": "c1",
			"public_key": json.RawMessage(`{
				"challenge": "AAA",
				"rp": {"id": "app.example.com", "name": "Example"},
				"user": {"id": "QUI", "name": "user-1", "displayName": "User One"},
				"pubKeyCredParams": [{"type": "public-key", "alg": -7}]
			}`),
		})
	})
	mux.HandleFunc("/webauthn/register/finish", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Response struct {
				RawID string `json:"rawId"`
			} `json:"response"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"device_attestation": sb.mint(),
		})
	})
	mux.HandleFunc("/webauthn/authenticate/start", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"challenge_id": "c2",
			"public_key": json.RawMessage(`{
				"challenge": "BBB",
				"rpId": "app.example.com"
			}`),
		})
	})
	mux.HandleFunc("/webauthn/authenticate/finish", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"device_attestation": sb.mint(),
		})
	})

	sb.srv = httptest.NewServer(mux)
	t.Cleanup(sb.srv.Close)
	return sb
}

func (sb *sealBackend) mint() *attestation.DeviceAttestation {
	sb.mu.Lock()
	attestedAt := sb.attestedAt
	sb.mu.Unlock()
	return &attestation.DeviceAttestation{
		CredentialID:      "cred1",
		AuthenticatorType: attestation.TypePlatform,
		AttestationFormat: attestation.FormatPacked,
		AttestedAt:        attestedAt,
		SignCount:         0,
		AAGUID:            "00000000-0000-0000-0000-000000000000",
	}
}

func (sb *sealBackend) setAttestedAt(ts int64) {
	sb.mu.Lock()
	sb.attestedAt = ts
	sb.mu.Unlock()
}

// newTestDaemon assembles a Daemon against the fake backend, with the
// store and authenticator seed in a temp dir.
func newTestDaemon(t *testing.T, sb *sealBackend) *Daemon {
	t.Helper()
	tmp := t.TempDir()
	t.Setenv("ATTESTD_DATA_DIR", tmp)

	cfg := config.DefaultConfig()
	cfg.Backend.BaseURL = sb.srv.URL
	cfg.Storage.Path = filepath.Join(tmp, "attest.db")
	cfg.Storage.DataDir = filepath.Join(tmp, "authenticator")

	log, err := logging.New(&logging.Config{
		Level:  logging.LevelError,
		Format: logging.FormatText,
		Output: "stderr",
	})
	if err != nil {
		t.Fatalf("logging.New: %v", err)
	}

	st, err := store.Open(cfg.Storage.Path)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	auth, err := authenticator.NewSoftware(authenticator.Config{
		Origin:  sb.srv.URL,
		DataDir: cfg.Storage.DataDir,
	})
	if err != nil {
		t.Fatalf("authenticator.NewSoftware: %v", err)
	}
	t.Cleanup(func() { auth.Close() })

	mgr, err := manager.New(context.Background(), manager.Config{
		Client: manager.NewClient(manager.ClientConfig{
			BaseURL: cfg.Backend.BaseURL,
			Timeout: 5 * time.Second,
		}),
		Store:         st,
		Authenticator: auth,
		Logger:        log,
	})
	if err != nil {
		t.Fatalf("manager.New: %v", err)
	}

	d := &Daemon{
		log:       log,
		store:     st,
		auth:      auth,
		mgr:       mgr,
		cfg:       cfg,
		reloadCh:  make(chan struct{}, 1),
		startedAt: time.Now(),
	}
	d.registry = metrics.NewRegistry("attestd", "")
	d.metrics = metrics.NewAgentMetrics(d.registry)
	d.health = health.NewChecker()
	d.health.RegisterFunc("store", true, health.StoreCheck(st.Ping))
	d.health.RegisterFunc("attestation", false, health.AttestationCheck(mgr.IsRegistered, mgr.Fresh))
	return d
}

func getStatus(t *testing.T, srv *httptest.Server) statusResponse {
	t.Helper()
	resp, err := http.Get(srv.URL + "/v1/status")
	if err != nil {
		t.Fatalf("GET /v1/status: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /v1/status: status %d", resp.StatusCode)
	}
	var status statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	return status
}

func postCeremony(t *testing.T, srv *httptest.Server, path, body string) (*http.Response, ceremonyResponse) {
	t.Helper()
	resp, err := http.Post(srv.URL+path, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	var out ceremonyResponse
	if resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatalf("decode %s response: %v", path, err)
		}
	}
	return resp, out
}

func TestDaemonRegistrationFlow(t *testing.T) {
	sb := newSealBackend(t)
	d := newTestDaemon(t, sb)

	srv := httptest.NewServer(d.newRouter())
	defer srv.Close()

	status := getStatus(t, srv)
	if status.Registered {
		t.Error("registered before any ceremony")
	}
	if !status.Supported {
		t.Error("software authenticator should report supported")
	}

	resp, out := postCeremony(t, srv, "/v1/register", `{"device_name": "press-desk"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("register: status %d", resp.StatusCode)
	}
	if !out.Success {
		t.Fatalf("register failed: %s", out.LastError)
	}
	if out.Phase != string(manager.PhaseRegistered) {
		t.Errorf("phase = %q, want %q", out.Phase, manager.PhaseRegistered)
	}

	status = getStatus(t, srv)
	if !status.Registered || !status.Authenticated || !status.Fresh {
		t.Errorf("after register: registered=%v authenticated=%v fresh=%v",
			status.Registered, status.Authenticated, status.Fresh)
	}
	if status.CredentialID != "cred1" {
		t.Errorf("credential_id = %q, want cred1", status.CredentialID)
	}
	if status.DeviceName != "press-desk" {
		t.Errorf("device_name = %q, want press-desk", status.DeviceName)
	}

	attResp, err := http.Get(srv.URL + "/v1/attestation")
	if err != nil {
		t.Fatalf("GET /v1/attestation: %v", err)
	}
	defer attResp.Body.Close()
	if attResp.StatusCode != http.StatusOK {
		t.Fatalf("GET /v1/attestation: status %d", attResp.StatusCode)
	}
	var doc map[string]interface{}
	if err := json.NewDecoder(attResp.Body).Decode(&doc); err != nil {
		t.Fatalf("attestation not valid JSON: %v", err)
	}
	if doc["credential_id"] != "cred1" {
		t.Errorf("attestation credential_id = %v, want cred1", doc["credential_id"])
	}
}

func TestAttestationEndpointGatesStale(t *testing.T) {
	sb := newSealBackend(t)
	sb.setAttestedAt(time.Now().Add(-10 * time.Minute).Unix())
	d := newTestDaemon(t, sb)

	srv := httptest.NewServer(d.newRouter())
	defer srv.Close()

	_, out := postCeremony(t, srv, "/v1/register", "")
	if !out.Success {
		t.Fatalf("register failed: %s", out.LastError)
	}

	// The record exists but is outside the freshness window.
	resp, err := http.Get(srv.URL + "/v1/attestation")
	if err != nil {
		t.Fatalf("GET /v1/attestation: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("stale attestation: status %d, want 404", resp.StatusCode)
	}

	// Refresh mints a current one.
	sb.setAttestedAt(time.Now().Unix())
	_, out = postCeremony(t, srv, "/v1/authenticate", "")
	if !out.Success {
		t.Fatalf("authenticate failed: %s", out.LastError)
	}

	resp, err = http.Get(srv.URL + "/v1/attestation")
	if err != nil {
		t.Fatalf("GET /v1/attestation: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("after refresh: status %d, want 200", resp.StatusCode)
	}
}

func TestClearEndpoint(t *testing.T) {
	sb := newSealBackend(t)
	d := newTestDaemon(t, sb)

	srv := httptest.NewServer(d.newRouter())
	defer srv.Close()

	_, out := postCeremony(t, srv, "/v1/register", "")
	if !out.Success {
		t.Fatalf("register failed: %s", out.LastError)
	}

	resp, out := postCeremony(t, srv, "/v1/clear", "")
	if resp.StatusCode != http.StatusOK || !out.Success {
		t.Fatalf("clear: status %d success %v", resp.StatusCode, out.Success)
	}

	status := getStatus(t, srv)
	if status.Registered || status.Authenticated {
		t.Errorf("after clear: registered=%v authenticated=%v", status.Registered, status.Authenticated)
	}

	// Both records gone from the store as well.
	ref, err := d.store.LoadCredential()
	if err != nil || ref != nil {
		t.Errorf("credential after clear: %v, %v", ref, err)
	}
	att, err := d.store.LoadAttestation()
	if err != nil || att != nil {
		t.Errorf("attestation after clear: %v, %v", att, err)
	}
}

func TestAuthenticateWithoutCredential(t *testing.T) {
	sb := newSealBackend(t)
	d := newTestDaemon(t, sb)

	srv := httptest.NewServer(d.newRouter())
	defer srv.Close()

	resp, out := postCeremony(t, srv, "/v1/authenticate", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("authenticate: status %d", resp.StatusCode)
	}
	if out.Success {
		t.Error("authenticate succeeded with no credential")
	}
	if !strings.Contains(out.LastError, "no registered credential") {
		t.Errorf("last_error = %q, want no-credential message", out.LastError)
	}
}

func TestRegisterRejectsMalformedBody(t *testing.T) {
	sb := newSealBackend(t)
	d := newTestDaemon(t, sb)

	srv := httptest.NewServer(d.newRouter())
	defer srv.Close()

	resp, _ := postCeremony(t, srv, "/v1/register", "{not json")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("malformed body: status %d, want 400", resp.StatusCode)
	}
}

func TestHealthEndpoints(t *testing.T) {
	sb := newSealBackend(t)
	d := newTestDaemon(t, sb)

	srv := httptest.NewServer(d.newRouter())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz: status %d, want 200", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("readyz before ready: status %d, want 503", resp.StatusCode)
	}

	d.health.SetReady(true)
	resp, err = http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("readyz after ready: status %d, want 200", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	sb := newSealBackend(t)
	d := newTestDaemon(t, sb)

	srv := httptest.NewServer(d.newRouter())
	defer srv.Close()

	_, out := postCeremony(t, srv, "/v1/register", "")
	if !out.Success {
		t.Fatalf("register failed: %s", out.LastError)
	}

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /metrics: status %d", resp.StatusCode)
	}

	var buf strings.Builder
	if _, err := io.Copy(&buf, resp.Body); err != nil {
		t.Fatalf("read metrics body: %v", err)
	}
	body := buf.String()

	for _, want := range []string{
		"attestd_registrations_total 1",
		"attestd_credential_registered 1",
		"attestd_attestation_fresh 1",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestFreshnessRemaining(t *testing.T) {
	sb := newSealBackend(t)
	d := newTestDaemon(t, sb)

	if got := d.freshnessRemaining(); got != 0 {
		t.Errorf("no attestation: remaining = %v, want 0", got)
	}

	srv := httptest.NewServer(d.newRouter())
	defer srv.Close()
	_, out := postCeremony(t, srv, "/v1/register", "")
	if !out.Success {
		t.Fatalf("register failed: %s", out.LastError)
	}

	remaining := d.freshnessRemaining()
	if remaining <= 0 || remaining > attestation.FreshnessWindow {
		t.Errorf("fresh attestation: remaining = %v, want (0, %v]", remaining, attestation.FreshnessWindow)
	}
}

func TestPIDFileLifecycle(t *testing.T) {
	tmp := t.TempDir()
	pidFile := filepath.Join(tmp, "run", "attestd.pid")

	if pid, running := daemonPID(pidFile); pid != 0 || running {
		t.Errorf("missing pid file: got (%d, %v)", pid, running)
	}

	if err := writePIDFile(pidFile); err != nil {
		t.Fatalf("writePIDFile: %v", err)
	}

	pid, running := daemonPID(pidFile)
	if pid != os.Getpid() || !running {
		t.Errorf("own pid: got (%d, %v), want (%d, true)", pid, running, os.Getpid())
	}

	// A live pid file refuses a second daemon.
	if err := writePIDFile(pidFile); err == nil {
		t.Error("writePIDFile succeeded over a live pid file")
	}

	os.Remove(pidFile)
	if pid, running := daemonPID(pidFile); pid != 0 || running {
		t.Errorf("after remove: got (%d, %v)", pid, running)
	}
}
