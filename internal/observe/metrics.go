// Package observe provides the client's observability primitives:
// OpenTelemetry metrics, tracing helpers, trace-aware structured logging and
// HTTP middleware for the diagnostics server.
//
// Metrics are recorded through the OpenTelemetry Metrics API. [InitProvider]
// bridges them to a Prometheus registry so they can be scraped from
// /metrics. A package-level default [Metrics] instance ([DefaultMetrics]) is
// provided for convenience; tests should use [NewMetrics] with a custom
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all mathvox metrics.
const meterName = "github.com/MrWong99/mathvox"

// Frame outcomes for [Metrics.RecordFrame].
const (
	FrameSent    = "sent"
	FrameGated   = "gated"
	FrameDropped = "dropped"
)

// Metrics holds all OpenTelemetry metric instruments for the client.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Upstream audio ---

	// AudioFrames counts captured frames by outcome. Use with attribute:
	//   attribute.String("status", FrameSent|FrameGated|FrameDropped)
	AudioFrames metric.Int64Counter

	// GateTransitions counts silence gate state changes. Use with attribute:
	//   attribute.String("state", "open"|"closed")
	GateTransitions metric.Int64Counter

	// --- Transport ---

	// TransportReconnects counts reconnection attempts.
	TransportReconnects metric.Int64Counter

	// TransportParseErrors counts inbound messages that could not be decoded.
	TransportParseErrors metric.Int64Counter

	// --- Turn pipeline ---

	// Utterances counts finalised user utterances. Use with attribute:
	//   attribute.String("trigger", "speech_final"|"timeout"|"flush")
	Utterances metric.Int64Counter

	// ChatDuration tracks the time from sending a message to the end of the
	// streamed answer.
	ChatDuration metric.Float64Histogram

	// TTSDuration tracks text-to-speech synthesis latency per sentence.
	TTSDuration metric.Float64Histogram

	// TurnDuration tracks a full turn from utterance to end of playback.
	TurnDuration metric.Float64Histogram

	// PlaybackSegments counts segments handled by the sequencer. Use with
	// attribute: attribute.String("status", "played"|"skipped")
	PlaybackSegments metric.Int64Counter

	// HistorySaves counts conversation records handed to the history sink.
	// Use with attribute: attribute.String("status", "ok"|"error")
	HistorySaves metric.Int64Counter

	// --- Providers ---

	// ProviderRequests counts collaborator calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts collaborator errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of running sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks diagnostics request time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("route", ...),
	//   attribute.Int("status", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds). Chat
// answers stream for several seconds, so the upper range is wider than for
// single synthesis calls.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&met.AudioFrames, "mathvox.audio.frames", "Captured audio frames by outcome."},
		{&met.GateTransitions, "mathvox.gate.transitions", "Silence gate state changes."},
		{&met.TransportReconnects, "mathvox.transport.reconnects", "Transport reconnection attempts."},
		{&met.TransportParseErrors, "mathvox.transport.parse_errors", "Inbound messages that failed to decode."},
		{&met.Utterances, "mathvox.transcript.utterances", "Finalised user utterances by trigger."},
		{&met.PlaybackSegments, "mathvox.playback.segments", "Playback segments by outcome."},
		{&met.HistorySaves, "mathvox.history.saves", "Conversation records stored by outcome."},
		{&met.ProviderRequests, "mathvox.provider.requests", "Total collaborator requests by provider, kind, and status."},
		{&met.ProviderErrors, "mathvox.provider.errors", "Total collaborator errors by provider and kind."},
	}
	for _, c := range counters {
		if *c.dst, err = m.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	histograms := []struct {
		dst  *metric.Float64Histogram
		name string
		desc string
	}{
		{&met.ChatDuration, "mathvox.chat.duration", "Time to receive a complete chat answer."},
		{&met.TTSDuration, "mathvox.tts.duration", "Latency of text-to-speech synthesis."},
		{&met.TurnDuration, "mathvox.turn.duration", "Time from utterance to end of playback."},
	}
	for _, h := range histograms {
		if *h.dst, err = m.Float64Histogram(h.name,
			metric.WithDescription(h.desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(latencyBuckets...),
		); err != nil {
			return nil, err
		}
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("mathvox.active_sessions",
		metric.WithDescription("Number of running sessions."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("mathvox.http.request.duration",
		metric.WithDescription("Diagnostics HTTP request latency by method, route and status."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails (should not happen with the global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordFrame counts one captured frame with the given outcome.
func (m *Metrics) RecordFrame(ctx context.Context, status string) {
	m.AudioFrames.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordGateTransition counts a silence gate state change.
func (m *Metrics) RecordGateTransition(ctx context.Context, transmitting bool) {
	state := "closed"
	if transmitting {
		state = "open"
	}
	m.GateTransitions.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
}

// RecordUtterance counts a finalised utterance.
func (m *Metrics) RecordUtterance(ctx context.Context, trigger string) {
	m.Utterances.Add(ctx, 1, metric.WithAttributes(attribute.String("trigger", trigger)))
}

// RecordSegment counts a playback segment outcome.
func (m *Metrics) RecordSegment(ctx context.Context, status string) {
	m.PlaybackSegments.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordHistorySave counts a history sink outcome.
func (m *Metrics) RecordHistorySave(ctx context.Context, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.HistorySaves.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordProviderRequest is a convenience method that records a provider
// request counter increment with the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
