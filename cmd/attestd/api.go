package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"attestd/internal/logging"
	"attestd/internal/tracing"
)

// The control API is the consumer contract for the other subsystems on
// this machine: the capture pipeline asks for /v1/attestation before
// sealing, the tray UI polls /v1/status. It binds to loopback only;
// config validation rejects anything else.

// statusResponse is the GET /v1/status body.
type statusResponse struct {
	Version       string `json:"version"`
	Phase         string `json:"phase"`
	Supported     bool   `json:"supported"`
	Registered    bool   `json:"registered"`
	Authenticated bool   `json:"authenticated"`
	Loading       bool   `json:"loading"`
	Fresh         bool   `json:"fresh"`
	LastError     string `json:"last_error,omitempty"`
	CredentialID  string `json:"credential_id,omitempty"`
	DeviceName    string `json:"device_name,omitempty"`
	AttestedAt    int64  `json:"attested_at,omitempty"`
	UptimeSec     int64  `json:"uptime_sec"`
}

// ceremonyRequest is the POST /v1/register body. The other ceremony
// endpoints take no body.
type ceremonyRequest struct {
	DeviceName string `json:"device_name"`
}

// ceremonyResponse reports a completed ceremony attempt. Success false
// with LastError set means the ceremony ran and failed; HTTP errors are
// reserved for requests that never reached the manager.
type ceremonyResponse struct {
	Success   bool   `json:"success"`
	Phase     string `json:"phase"`
	LastError string `json:"last_error,omitempty"`
}

func (d *Daemon) newRouter() *mux.Router {
	r := mux.NewRouter()
	r.Use(d.requestLogger)
	r.HandleFunc("/v1/status", d.handleStatus).Methods("GET")
	r.HandleFunc("/v1/attestation", d.handleAttestation).Methods("GET")
	r.HandleFunc("/v1/register", d.handleRegister).Methods("POST")
	r.HandleFunc("/v1/authenticate", d.handleAuthenticate).Methods("POST")
	r.HandleFunc("/v1/clear", d.handleClear).Methods("POST")
	r.HandleFunc("/metrics", d.handleMetrics).Methods("GET")
	r.Handle("/healthz", d.health.LivenessHandler()).Methods("GET")
	r.Handle("/readyz", d.health.ReadinessHandler()).Methods("GET")
	r.Handle("/health", d.health.HealthHandler()).Methods("GET")
	return r
}

// requestLogger tags each request with an id so ceremony audit events can
// be correlated back to the API call that triggered them. Callers that send
// a W3C traceparent header get the request joined to their trace.
func (d *Daemon) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := d.log.NewRequestID()
		ctx := logging.ContextWithRequestID(r.Context(), id)
		if remote := tracing.ExtractTraceContext(r.Header.Get); remote.IsValid() {
			ctx = tracing.ContextWithRemote(ctx, remote)
		}
		ctx, span := tracing.StartSpan(ctx, "api "+r.URL.Path,
			tracing.WithSpanKind(tracing.SpanKindServer))
		span.SetAttribute("http.method", r.Method)

		start := time.Now()
		next.ServeHTTP(w, r.WithContext(ctx))
		span.End()
		d.metrics.RecordAPIRequest(time.Since(start))
		d.log.Debug("api request",
			"request_id", id,
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (d *Daemon) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Version:       Version,
		Phase:         string(d.mgr.CurrentPhase()),
		Supported:     d.mgr.IsSupported(),
		Registered:    d.mgr.IsRegistered(),
		Authenticated: d.mgr.IsAuthenticated(),
		Loading:       d.mgr.IsLoading(),
		Fresh:         d.mgr.Fresh(),
		LastError:     d.mgr.LastError(),
		UptimeSec:     int64(time.Since(d.startedAt).Seconds()),
	}
	if ref := d.mgr.Credential(); ref != nil {
		resp.CredentialID = ref.CredentialID
		resp.DeviceName = ref.DeviceName
	}
	if att := d.mgr.Attestation(); att != nil {
		resp.AttestedAt = att.AttestedAt
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleAttestation hands out the serialized attestation, but only while
// it is fresh. Consumers treat 404 as "do not seal".
func (d *Daemon) handleAttestation(w http.ResponseWriter, r *http.Request) {
	serialized, ok := d.mgr.SerializedAttestation()
	if !ok {
		http.Error(w, "no fresh attestation", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	io.WriteString(w, serialized)
}

func (d *Daemon) handleRegister(w http.ResponseWriter, r *http.Request) {
	if d.mgr.IsLoading() {
		http.Error(w, "ceremony already in flight", http.StatusConflict)
		return
	}

	var req ceremonyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}

	name := req.DeviceName
	if name == "" {
		name = d.config().Backend.DeviceName
	}

	ctx, span := tracing.StartSpan(r.Context(), "ceremony.register")
	span.SetAttribute("device_name", name)
	start := time.Now()
	ok := d.mgr.Register(ctx, name)
	d.metrics.RecordRegistration(time.Since(start), ok)
	d.endCeremonySpan(span, ok)
	d.writeCeremonyResult(w, ok)
}

func (d *Daemon) handleAuthenticate(w http.ResponseWriter, r *http.Request) {
	if d.mgr.IsLoading() {
		http.Error(w, "ceremony already in flight", http.StatusConflict)
		return
	}

	ctx, span := tracing.StartSpan(r.Context(), "ceremony.authenticate")
	start := time.Now()
	ok := d.mgr.Authenticate(ctx)
	d.metrics.RecordAuthentication(time.Since(start), ok)
	d.endCeremonySpan(span, ok)
	d.writeCeremonyResult(w, ok)
}

func (d *Daemon) handleClear(w http.ResponseWriter, r *http.Request) {
	if d.mgr.IsLoading() {
		http.Error(w, "ceremony already in flight", http.StatusConflict)
		return
	}

	if err := d.mgr.Clear(r.Context()); err != nil {
		d.log.Error("clear failed", "error", err)
		http.Error(w, "clear failed: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, ceremonyResponse{
		Success: true,
		Phase:   string(d.mgr.CurrentPhase()),
	})
}

// handleMetrics refreshes the state gauges and serves the registry in
// Prometheus text or JSON per the Accept header.
func (d *Daemon) handleMetrics(w http.ResponseWriter, r *http.Request) {
	d.metrics.UpdateUptime()
	d.metrics.SetAttestationState(d.mgr.IsRegistered(), d.mgr.Fresh())
	d.registry.HTTPHandler().ServeHTTP(w, r)
}

func (d *Daemon) endCeremonySpan(span *tracing.Span, ok bool) {
	if ok {
		span.SetStatus(tracing.StatusOK, "")
	} else {
		span.SetStatus(tracing.StatusError, d.mgr.LastError())
	}
	span.End()
}

func (d *Daemon) writeCeremonyResult(w http.ResponseWriter, ok bool) {
	writeJSON(w, http.StatusOK, ceremonyResponse{
		Success:   ok,
		Phase:     string(d.mgr.CurrentPhase()),
		LastError: d.mgr.LastError(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
