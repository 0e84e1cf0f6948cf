// Package tracing records ceremony and control API spans for attestd.
//
// The implementation follows OpenTelemetry concepts (spans, trace context,
// sampling) without pulling in the OpenTelemetry SDK. Spans are appended as
// JSON lines to a trace file for offline inspection, and incoming W3C
// traceparent headers let callers correlate an attestd ceremony with their
// own traces.
//
// Tracing is off by default and enabled through the [tracing] config section.
package tracing

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// TraceID identifies a trace.
type TraceID [16]byte

// String returns the hex representation of the TraceID.
func (t TraceID) String() string {
	return hex.EncodeToString(t[:])
}

// IsValid reports whether the TraceID is non-zero.
func (t TraceID) IsValid() bool {
	for _, b := range t {
		if b != 0 {
			return true
		}
	}
	return false
}

// SpanID identifies a span within a trace.
type SpanID [8]byte

// String returns the hex representation of the SpanID.
func (s SpanID) String() string {
	return hex.EncodeToString(s[:])
}

// IsValid reports whether the SpanID is non-zero.
func (s SpanID) IsValid() bool {
	for _, b := range s {
		if b != 0 {
			return true
		}
	}
	return false
}

// SpanKind classifies a span.
type SpanKind int

const (
	// SpanKindInternal is the default kind.
	SpanKindInternal SpanKind = iota
	// SpanKindServer marks a span handling an incoming request.
	SpanKindServer
	// SpanKindClient marks a span for an outgoing request.
	SpanKindClient
)

// String returns the string representation of the SpanKind.
func (k SpanKind) String() string {
	switch k {
	case SpanKindServer:
		return "server"
	case SpanKindClient:
		return "client"
	default:
		return "internal"
	}
}

// StatusCode is the outcome of a span.
type StatusCode int

const (
	// StatusUnset is the default status.
	StatusUnset StatusCode = iota
	// StatusOK marks a successful operation.
	StatusOK
	// StatusError marks a failed operation.
	StatusError
)

// String returns the string representation of the StatusCode.
func (s StatusCode) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusError:
		return "error"
	default:
		return "unset"
	}
}

// Attribute is a key-value pair attached to a span.
type Attribute struct {
	Key   string
	Value interface{}
}

// Event is a timestamped annotation on a span.
type Event struct {
	Name       string
	Timestamp  time.Time
	Attributes []Attribute
}

// SpanContext carries the identifiers that cross process boundaries.
type SpanContext struct {
	TraceID    TraceID
	SpanID     SpanID
	TraceFlags byte
	Remote     bool
}

// IsValid reports whether both identifiers are set.
func (sc SpanContext) IsValid() bool {
	return sc.TraceID.IsValid() && sc.SpanID.IsValid()
}

// IsSampled reports whether the sampled flag is set.
func (sc SpanContext) IsSampled() bool {
	return sc.TraceFlags&0x01 != 0
}

// Span is a single timed operation. Spans from a disabled tracer are inert:
// all methods work but End exports nothing.
type Span struct {
	mu         sync.RWMutex
	tracer     *Tracer
	name       string
	context    SpanContext
	parent     SpanContext
	kind       SpanKind
	startTime  time.Time
	endTime    time.Time
	attributes []Attribute
	events     []Event
	status     StatusCode
	statusMsg  string
	ended      atomic.Bool
}

// Context returns the span's context.
func (s *Span) Context() SpanContext {
	return s.context
}

// SetAttribute attaches an attribute to the span.
func (s *Span) SetAttribute(key string, value interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attributes = append(s.attributes, Attribute{Key: key, Value: value})
}

// AddEvent records a timestamped event on the span.
func (s *Span) AddEvent(name string, attrs ...Attribute) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, Event{
		Name:       name,
		Timestamp:  time.Now(),
		Attributes: attrs,
	})
}

// SetStatus sets the span outcome.
func (s *Span) SetStatus(code StatusCode, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = code
	s.statusMsg = message
}

// RecordError marks the span as failed and records the error as an event.
func (s *Span) RecordError(err error) {
	if err == nil {
		return
	}
	s.AddEvent("error", Attribute{Key: "error.message", Value: err.Error()})
	s.SetStatus(StatusError, err.Error())
}

// End finishes the span and hands it to the exporter. Safe to call more than
// once; only the first call exports.
func (s *Span) End() {
	if s.ended.Swap(true) {
		return
	}

	s.mu.Lock()
	s.endTime = time.Now()
	s.mu.Unlock()

	if s.tracer != nil && s.tracer.exporter != nil && s.context.IsSampled() {
		s.tracer.exporter.ExportSpan(s)
	}
}

// Duration returns the elapsed time; for a running span, time since start.
func (s *Span) Duration() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.endTime.IsZero() {
		return time.Since(s.startTime)
	}
	return s.endTime.Sub(s.startTime)
}

// SpanData is the serialized form written by exporters.
type SpanData struct {
	Name       string                 `json:"name"`
	TraceID    string                 `json:"trace_id"`
	SpanID     string                 `json:"span_id"`
	ParentID   string                 `json:"parent_id,omitempty"`
	Kind       string                 `json:"kind"`
	StartTime  time.Time              `json:"start_time"`
	EndTime    time.Time              `json:"end_time"`
	Duration   time.Duration          `json:"duration_ns"`
	Status     string                 `json:"status"`
	StatusMsg  string                 `json:"status_message,omitempty"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
	Events     []EventData            `json:"events,omitempty"`
}

// EventData is the serialized form of an Event.
type EventData struct {
	Name       string                 `json:"name"`
	Timestamp  time.Time              `json:"timestamp"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// Data returns a serializable snapshot of the span.
func (s *Span) Data() SpanData {
	s.mu.RLock()
	defer s.mu.RUnlock()

	attrs := make(map[string]interface{}, len(s.attributes))
	for _, a := range s.attributes {
		attrs[a.Key] = a.Value
	}

	events := make([]EventData, len(s.events))
	for i, e := range s.events {
		eventAttrs := make(map[string]interface{}, len(e.Attributes))
		for _, a := range e.Attributes {
			eventAttrs[a.Key] = a.Value
		}
		events[i] = EventData{Name: e.Name, Timestamp: e.Timestamp, Attributes: eventAttrs}
	}

	parentID := ""
	if s.parent.SpanID.IsValid() {
		parentID = s.parent.SpanID.String()
	}

	return SpanData{
		Name:       s.name,
		TraceID:    s.context.TraceID.String(),
		SpanID:     s.context.SpanID.String(),
		ParentID:   parentID,
		Kind:       s.kind.String(),
		StartTime:  s.startTime,
		EndTime:    s.endTime,
		Duration:   s.endTime.Sub(s.startTime),
		Status:     s.status.String(),
		StatusMsg:  s.statusMsg,
		Attributes: attrs,
		Events:     events,
	}
}

// Exporter receives finished spans.
type Exporter interface {
	ExportSpan(span *Span)
	Shutdown() error
}

// FileExporter appends spans as JSON lines to a file.
type FileExporter struct {
	mu      sync.Mutex
	file    *os.File
	encoder *json.Encoder
}

// NewFileExporter opens (or creates) the trace file for appending.
func NewFileExporter(path string) (*FileExporter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
	if err != nil {
		return nil, err
	}
	return &FileExporter{
		file:    f,
		encoder: json.NewEncoder(f),
	}, nil
}

// ExportSpan writes one span as a JSON line.
func (e *FileExporter) ExportSpan(span *Span) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.encoder.Encode(span.Data())
}

// Shutdown closes the trace file.
func (e *FileExporter) Shutdown() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.file.Close()
}

// NoopExporter discards spans.
type NoopExporter struct{}

// ExportSpan does nothing.
func (e *NoopExporter) ExportSpan(span *Span) {}

// Shutdown does nothing.
func (e *NoopExporter) Shutdown() error { return nil }

// Sampler decides whether a trace is recorded.
type Sampler interface {
	ShouldSample(traceID TraceID, name string) bool
}

// AlwaysSample records every trace.
type AlwaysSample struct{}

// ShouldSample returns true.
func (AlwaysSample) ShouldSample(traceID TraceID, name string) bool { return true }

// NeverSample records no traces.
type NeverSample struct{}

// ShouldSample returns false.
func (NeverSample) ShouldSample(traceID TraceID, name string) bool { return false }

// RatioSampler records a fraction of traces, keyed off the trace ID so the
// decision is consistent for every span in a trace.
type RatioSampler struct {
	threshold uint64
	full      bool
}

// NewRatioSampler creates a sampler recording the given fraction of traces.
// The ratio is clamped to [0, 1].
func NewRatioSampler(ratio float64) *RatioSampler {
	if ratio < 0 {
		ratio = 0
	}
	if ratio >= 1 {
		// Converting 1.0*2^64 to uint64 overflows, so full sampling is
		// handled apart from the threshold math.
		return &RatioSampler{threshold: ^uint64(0), full: true}
	}
	return &RatioSampler{threshold: uint64(ratio * float64(^uint64(0)))}
}

// ShouldSample compares the leading trace ID bytes against the threshold.
func (s *RatioSampler) ShouldSample(traceID TraceID, name string) bool {
	if s.full {
		return true
	}
	h := uint64(0)
	for i := 0; i < 8; i++ {
		h = h<<8 | uint64(traceID[i])
	}
	return h < s.threshold
}

// TracerConfig configures a Tracer.
type TracerConfig struct {
	ServiceName string
	Exporter    Exporter
	Sampler     Sampler
	Enabled     bool
}

// Tracer creates spans.
type Tracer struct {
	serviceName string
	exporter    Exporter
	sampler     Sampler
	enabled     bool
}

// NewTracer creates a Tracer. A nil exporter exports nothing; a nil sampler
// samples everything.
func NewTracer(cfg *TracerConfig) *Tracer {
	if cfg == nil {
		cfg = &TracerConfig{}
	}

	exporter := cfg.Exporter
	if exporter == nil {
		exporter = &NoopExporter{}
	}

	sampler := cfg.Sampler
	if sampler == nil {
		sampler = AlwaysSample{}
	}

	return &Tracer{
		serviceName: cfg.ServiceName,
		exporter:    exporter,
		sampler:     sampler,
		enabled:     cfg.Enabled,
	}
}

// Start begins a span. The parent is taken from ctx: a local span if one is
// there, otherwise a remote context stored by ContextWithRemote. When the
// tracer is disabled the returned span is inert and ctx is unchanged.
func (t *Tracer) Start(ctx context.Context, name string, opts ...SpanOption) (context.Context, *Span) {
	if !t.enabled {
		return ctx, &Span{name: name}
	}

	var parentContext SpanContext
	if parent := SpanFromContext(ctx); parent != nil {
		parentContext = parent.Context()
	} else if remote := remoteFromContext(ctx); remote.IsValid() {
		parentContext = remote
	}

	var traceID TraceID
	if parentContext.TraceID.IsValid() {
		traceID = parentContext.TraceID
	} else {
		rand.Read(traceID[:])
	}

	var spanID SpanID
	rand.Read(spanID[:])

	var traceFlags byte
	if t.sampler.ShouldSample(traceID, name) {
		traceFlags = 0x01
	}

	span := &Span{
		tracer: t,
		name:   name,
		context: SpanContext{
			TraceID:    traceID,
			SpanID:     spanID,
			TraceFlags: traceFlags,
		},
		parent:    parentContext,
		kind:      SpanKindInternal,
		startTime: time.Now(),
	}

	for _, opt := range opts {
		opt(span)
	}

	if t.serviceName != "" {
		span.SetAttribute("service.name", t.serviceName)
	}

	return ContextWithSpan(ctx, span), span
}

// SpanOption configures a span at start.
type SpanOption func(*Span)

// WithSpanKind sets the span kind.
func WithSpanKind(kind SpanKind) SpanOption {
	return func(s *Span) {
		s.kind = kind
	}
}

// WithAttributes sets initial attributes.
func WithAttributes(attrs ...Attribute) SpanOption {
	return func(s *Span) {
		s.attributes = append(s.attributes, attrs...)
	}
}

type spanContextKey struct{}
type remoteContextKey struct{}

// ContextWithSpan stores a span in the context.
func ContextWithSpan(ctx context.Context, span *Span) context.Context {
	return context.WithValue(ctx, spanContextKey{}, span)
}

// SpanFromContext returns the span stored in the context, or nil.
func SpanFromContext(ctx context.Context) *Span {
	if ctx == nil {
		return nil
	}
	if span, ok := ctx.Value(spanContextKey{}).(*Span); ok {
		return span
	}
	return nil
}

// ContextWithRemote stores an extracted remote span context so that spans
// started from ctx join the caller's trace.
func ContextWithRemote(ctx context.Context, sc SpanContext) context.Context {
	return context.WithValue(ctx, remoteContextKey{}, sc)
}

func remoteFromContext(ctx context.Context) SpanContext {
	if ctx == nil {
		return SpanContext{}
	}
	if sc, ok := ctx.Value(remoteContextKey{}).(SpanContext); ok {
		return sc
	}
	return SpanContext{}
}

// Global tracer, disabled until InitTracer runs.
var (
	globalTracer     *Tracer
	globalTracerOnce sync.Once
)

// GetTracer returns the global tracer.
func GetTracer() *Tracer {
	globalTracerOnce.Do(func() {
		if globalTracer == nil {
			globalTracer = NewTracer(&TracerConfig{
				ServiceName: "attestd",
				Enabled:     false,
			})
		}
	})
	return globalTracer
}

// InitTracer replaces the global tracer.
func InitTracer(cfg *TracerConfig) *Tracer {
	globalTracer = NewTracer(cfg)
	return globalTracer
}

// Shutdown flushes and closes the global tracer's exporter.
func Shutdown() error {
	if globalTracer != nil && globalTracer.exporter != nil {
		return globalTracer.exporter.Shutdown()
	}
	return nil
}

// StartSpan starts a span on the global tracer.
func StartSpan(ctx context.Context, name string, opts ...SpanOption) (context.Context, *Span) {
	return GetTracer().Start(ctx, name, opts...)
}

// W3C Trace Context (https://www.w3.org/TR/trace-context/).

// ParseTraceParent parses a traceparent header of the form
// "00-<32 hex trace id>-<16 hex span id>-<2 hex flags>".
func ParseTraceParent(header string) (SpanContext, error) {
	if len(header) != 55 {
		return SpanContext{}, fmt.Errorf("invalid traceparent length")
	}
	if header[2] != '-' || header[35] != '-' || header[52] != '-' {
		return SpanContext{}, fmt.Errorf("invalid traceparent format")
	}
	if header[0:2] != "00" {
		return SpanContext{}, fmt.Errorf("unsupported traceparent version: %s", header[0:2])
	}

	var traceID TraceID
	traceIDBytes, err := hex.DecodeString(header[3:35])
	if err != nil {
		return SpanContext{}, fmt.Errorf("invalid trace ID: %w", err)
	}
	copy(traceID[:], traceIDBytes)

	var spanID SpanID
	spanIDBytes, err := hex.DecodeString(header[36:52])
	if err != nil {
		return SpanContext{}, fmt.Errorf("invalid span ID: %w", err)
	}
	copy(spanID[:], spanIDBytes)

	var flags byte
	if header[53:55] == "01" {
		flags = 0x01
	}

	return SpanContext{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: flags,
		Remote:     true,
	}, nil
}

// FormatTraceParent formats a SpanContext as a traceparent header.
func FormatTraceParent(sc SpanContext) string {
	flags := "00"
	if sc.IsSampled() {
		flags = "01"
	}
	return fmt.Sprintf("00-%s-%s-%s", sc.TraceID.String(), sc.SpanID.String(), flags)
}

// InjectTraceContext writes the current span's context into outgoing headers.
func InjectTraceContext(ctx context.Context, setter func(key, value string)) {
	span := SpanFromContext(ctx)
	if span == nil || !span.Context().IsValid() {
		return
	}
	setter("traceparent", FormatTraceParent(span.Context()))
}

// ExtractTraceContext reads a remote span context from incoming headers.
// Returns a zero SpanContext when no valid traceparent is present.
func ExtractTraceContext(getter func(key string) string) SpanContext {
	traceparent := getter("traceparent")
	if traceparent == "" {
		return SpanContext{}
	}

	sc, err := ParseTraceParent(traceparent)
	if err != nil {
		return SpanContext{}
	}
	return sc
}
