// Package observe provides application-wide observability primitives for
// VoxGate: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all VoxGate metrics.
const meterName = "github.com/voxgate/voxgate"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// STTDuration tracks speech-to-text transcription latency, from utterance
	// finalization start to final transcript.
	STTDuration metric.Float64Histogram

	// LLMDuration tracks LLM streaming latency, from request to last chunk.
	LLMDuration metric.Float64Histogram

	// TTSDuration tracks text-to-speech synthesis latency per unit.
	TTSDuration metric.Float64Histogram

	// TTFB tracks the time from utterance finalization to the first
	// synthesized audio byte reaching the playback sink.
	TTFB metric.Float64Histogram

	// TurnDuration tracks full turn latency: end of user speech to end of
	// response playback.
	TurnDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// Utterances counts finalized user utterances. Use with attribute:
	//   attribute.String("ingress", ...)
	Utterances metric.Int64Counter

	// SpeakerIgnored counts speaker_start events rejected because another
	// speaker already held the session's speaking lock.
	SpeakerIgnored metric.Int64Counter

	// STTReconnects counts mid-utterance STT transport reconnect attempts.
	STTReconnects metric.Int64Counter

	// LLMFallbackUsed counts turns answered by the secondary LLM provider
	// after the primary failed before its first chunk.
	LLMFallbackUsed metric.Int64Counter

	// TTSUnitsSkipped counts response units dropped under the skip error
	// strategy after synthesis failed.
	TTSUnitsSkipped metric.Int64Counter

	// Interruptions counts responses cut short by a user barge-in. Use with
	//   attribute.String("policy", ...)
	Interruptions metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// SessionPanics counts panics recovered at the session supervisor
	// boundary.
	SessionPanics metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveUtterances tracks sessions currently in the Listening or
	// Finalizing state.
	ActiveUtterances metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.STTDuration, err = m.Float64Histogram("voxgate.stt.duration",
		metric.WithDescription("Latency of speech-to-text finalization."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("voxgate.llm.duration",
		metric.WithDescription("Latency of LLM streaming completion."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("voxgate.tts.duration",
		metric.WithDescription("Latency of text-to-speech synthesis per unit."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTFB, err = m.Float64Histogram("voxgate.ttfb",
		metric.WithDescription("Time from utterance finalization to first audio byte at the sink."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TurnDuration, err = m.Float64Histogram("voxgate.turn.duration",
		metric.WithDescription("Full turn latency from end of user speech to end of playback."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("voxgate.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.Utterances, err = m.Int64Counter("voxgate.utterances",
		metric.WithDescription("Total finalized user utterances by ingress."),
	); err != nil {
		return nil, err
	}
	if met.SpeakerIgnored, err = m.Int64Counter("voxgate.speaker.ignored",
		metric.WithDescription("Speaker starts ignored while another speaker held the lock."),
	); err != nil {
		return nil, err
	}
	if met.STTReconnects, err = m.Int64Counter("voxgate.stt.reconnects",
		metric.WithDescription("Mid-utterance STT transport reconnect attempts."),
	); err != nil {
		return nil, err
	}
	if met.LLMFallbackUsed, err = m.Int64Counter("voxgate.llm.fallback.used",
		metric.WithDescription("Turns served by the secondary LLM provider."),
	); err != nil {
		return nil, err
	}
	if met.TTSUnitsSkipped, err = m.Int64Counter("voxgate.tts.units.skipped",
		metric.WithDescription("Response units skipped after synthesis failure."),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("voxgate.interruptions",
		metric.WithDescription("Responses interrupted by a user barge-in, by policy."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("voxgate.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.SessionPanics, err = m.Int64Counter("voxgate.session.panics",
		metric.WithDescription("Panics recovered at the session supervisor boundary."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("voxgate.sessions.active",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveUtterances, err = m.Int64UpDownCounter("voxgate.utterances.active",
		metric.WithDescription("Sessions currently capturing or finalizing an utterance."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxgate.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
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
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
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

// RecordUtterance is a convenience method that records a finalized utterance
// for the given ingress.
func (m *Metrics) RecordUtterance(ctx context.Context, ingress string) {
	m.Utterances.Add(ctx, 1,
		metric.WithAttributes(attribute.String("ingress", ingress)),
	)
}

// RecordInterruption records a barge-in with the interruption policy that
// handled it.
func (m *Metrics) RecordInterruption(ctx context.Context, policy string) {
	m.Interruptions.Add(ctx, 1,
		metric.WithAttributes(attribute.String("policy", policy)),
	)
}
