// Package metrics provides Prometheus-compatible metrics for attestd.
package metrics

import (
	"time"
)

// AgentMetrics holds all attestd-specific metrics.
type AgentMetrics struct {
	registry *Registry

	// Counters
	RegistrationsTotal   *Counter
	AuthenticationsTotal *Counter
	CeremonyFailures     *Counter
	RefreshAttempts      *Counter
	RefreshFailures      *Counter
	APIRequestsTotal     *Counter
	ErrorsTotal          *Counter

	// Gauges
	CredentialRegistered *Gauge
	AttestationFresh     *Gauge
	LastAttestedTs       *Gauge
	UptimeSeconds        *Gauge

	// Histograms
	RegistrationDuration   *Histogram
	AuthenticationDuration *Histogram
	APIRequestDuration     *Histogram
}

// startTime records when metrics were initialized.
var startTime = time.Now()

// NewAgentMetrics creates and registers all attestd metrics.
func NewAgentMetrics(registry *Registry) *AgentMetrics {
	if registry == nil {
		registry = Default()
	}

	m := &AgentMetrics{
		registry: registry,

		// Counters
		RegistrationsTotal: registry.RegisterCounter(
			"registrations_total",
			"Total number of registration ceremonies completed successfully",
			nil,
		),
		AuthenticationsTotal: registry.RegisterCounter(
			"authentications_total",
			"Total number of authentication ceremonies completed successfully",
			nil,
		),
		CeremonyFailures: registry.RegisterCounter(
			"ceremony_failures_total",
			"Total number of ceremonies that ended in failure",
			nil,
		),
		RefreshAttempts: registry.RegisterCounter(
			"refresh_attempts_total",
			"Total number of background re-attestation attempts",
			nil,
		),
		RefreshFailures: registry.RegisterCounter(
			"refresh_failures_total",
			"Total number of background re-attestation attempts that failed",
			nil,
		),
		APIRequestsTotal: registry.RegisterCounter(
			"api_requests_total",
			"Total number of control API requests",
			nil,
		),
		ErrorsTotal: registry.RegisterCounter(
			"errors_total",
			"Total number of errors",
			nil,
		),

		// Gauges
		CredentialRegistered: registry.RegisterGauge(
			"credential_registered",
			"Whether a device credential is registered (1) or not (0)",
			nil,
		),
		AttestationFresh: registry.RegisterGauge(
			"attestation_fresh",
			"Whether the stored attestation is inside the freshness window (1) or not (0)",
			nil,
		),
		LastAttestedTs: registry.RegisterGauge(
			"last_attested_timestamp",
			"Unix timestamp of the last successful attestation",
			nil,
		),
		UptimeSeconds: registry.RegisterGauge(
			"uptime_seconds",
			"Number of seconds the daemon has been running",
			nil,
		),

		// Histograms
		RegistrationDuration: registry.RegisterHistogram(
			"registration_duration_seconds",
			"Duration of registration ceremonies in seconds",
			nil,
			DurationBuckets,
		),
		AuthenticationDuration: registry.RegisterHistogram(
			"authentication_duration_seconds",
			"Duration of authentication ceremonies in seconds",
			nil,
			DurationBuckets,
		),
		APIRequestDuration: registry.RegisterHistogram(
			"api_request_duration_seconds",
			"Duration of control API requests in seconds",
			nil,
			DefaultBuckets,
		),
	}

	return m
}

// RecordRegistration records a completed registration ceremony.
func (m *AgentMetrics) RecordRegistration(duration time.Duration, success bool) {
	m.RegistrationDuration.ObserveDuration(duration)
	if success {
		m.RegistrationsTotal.Inc()
		m.LastAttestedTs.Set(time.Now().Unix())
	} else {
		m.CeremonyFailures.Inc()
	}
}

// RecordAuthentication records a completed authentication ceremony.
func (m *AgentMetrics) RecordAuthentication(duration time.Duration, success bool) {
	m.AuthenticationDuration.ObserveDuration(duration)
	if success {
		m.AuthenticationsTotal.Inc()
		m.LastAttestedTs.Set(time.Now().Unix())
	} else {
		m.CeremonyFailures.Inc()
	}
}

// RecordRefreshAttempt records one background re-attestation attempt.
func (m *AgentMetrics) RecordRefreshAttempt(success bool) {
	m.RefreshAttempts.Inc()
	if !success {
		m.RefreshFailures.Inc()
	}
}

// RecordAPIRequest records a control API request.
func (m *AgentMetrics) RecordAPIRequest(duration time.Duration) {
	m.APIRequestsTotal.Inc()
	m.APIRequestDuration.ObserveDuration(duration)
}

// RecordError records an error.
func (m *AgentMetrics) RecordError() {
	m.ErrorsTotal.Inc()
}

// SetAttestationState updates the credential and freshness gauges from the
// manager's current view.
func (m *AgentMetrics) SetAttestationState(registered, fresh bool) {
	m.CredentialRegistered.Set(boolGauge(registered))
	m.AttestationFresh.Set(boolGauge(fresh))
}

// UpdateUptime updates the uptime metric.
func (m *AgentMetrics) UpdateUptime() {
	m.UptimeSeconds.Set(int64(time.Since(startTime).Seconds()))
}

// Snapshot returns a snapshot of key metrics.
func (m *AgentMetrics) Snapshot() map[string]interface{} {
	m.UpdateUptime()
	return map[string]interface{}{
		"registrations_total":        m.RegistrationsTotal.Value(),
		"authentications_total":      m.AuthenticationsTotal.Value(),
		"ceremony_failures_total":    m.CeremonyFailures.Value(),
		"refresh_attempts_total":     m.RefreshAttempts.Value(),
		"refresh_failures_total":     m.RefreshFailures.Value(),
		"api_requests_total":         m.APIRequestsTotal.Value(),
		"errors_total":               m.ErrorsTotal.Value(),
		"credential_registered":      m.CredentialRegistered.Value(),
		"attestation_fresh":          m.AttestationFresh.Value(),
		"last_attested_timestamp":    m.LastAttestedTs.Value(),
		"uptime_seconds":             m.UptimeSeconds.Value(),
		"registration_avg_seconds":   m.RegistrationDuration.Mean(),
		"authentication_avg_seconds": m.AuthenticationDuration.Mean(),
	}
}

func boolGauge(v bool) int64 {
	if v {
		return 1
	}
	return 0
}

// Global agent metrics instance.
var defaultAgentMetrics *AgentMetrics

// GetMetrics returns the global agent metrics instance.
func GetMetrics() *AgentMetrics {
	if defaultAgentMetrics == nil {
		defaultAgentMetrics = NewAgentMetrics(Default())
	}
	return defaultAgentMetrics
}

// InitMetrics initializes the global agent metrics with a custom registry.
func InitMetrics(registry *Registry) *AgentMetrics {
	defaultAgentMetrics = NewAgentMetrics(registry)
	return defaultAgentMetrics
}
