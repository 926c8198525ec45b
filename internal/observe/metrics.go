// Package observe provides application-wide observability primitives for the
// kiosk runtime: OpenTelemetry metrics and structured logging helpers.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
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

// meterName is the instrumentation scope name used for all kiosk metrics.
const meterName = "github.com/hananetworks/kiost-1"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// STTDuration tracks the time from end of speech to final transcript.
	STTDuration metric.Float64Histogram

	// LLMFirstTokenDuration tracks the time from dialogue start to the first
	// streamed text delta.
	LLMFirstTokenDuration metric.Float64Histogram

	// LLMDuration tracks full LLM streaming latency, including any tool
	// execution round trip.
	LLMDuration metric.Float64Histogram

	// TTSUtteranceDuration tracks per-utterance synthesis latency, from
	// dispatch to the worker's completion token.
	TTSUtteranceDuration metric.Float64Histogram

	// ToolExecutionDuration tracks tool execution latency.
	ToolExecutionDuration metric.Float64Histogram

	// --- Counters ---

	// PipeReconnects counts scheduled reconnect attempts per pipe. Use with
	// [WithPipe].
	PipeReconnects metric.Int64Counter

	// PipeParseFailures counts inbound lines that looked like JSON but
	// failed to parse. Use with [WithPipe].
	PipeParseFailures metric.Int64Counter

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// StaleEventsDropped counts asynchronous results discarded because the
	// operation they belonged to had already ended: STT transcripts for a
	// superseded session, playback tokens for cancelled utterances.
	StaleEventsDropped metric.Int64Counter

	// ResponseCacheLookups counts dialogue cache lookups. Use with
	// attribute.String("result", "hit"|"miss").
	ResponseCacheLookups metric.Int64Counter

	// Utterances counts sentences dispatched to TTS. Use with
	// attribute.String("language", ...).
	Utterances metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live voice sessions (0 or 1 in the
	// single-visitor kiosk).
	ActiveSessions metric.Int64UpDownCounter

	// TTSQueueDepth tracks the number of sentences waiting for synthesis.
	TTSQueueDepth metric.Int64UpDownCounter
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
	if met.STTDuration, err = m.Float64Histogram("kiosk.stt.duration",
		metric.WithDescription("Latency from end of speech to final transcript."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMFirstTokenDuration, err = m.Float64Histogram("kiosk.llm.first_token.duration",
		metric.WithDescription("Latency from dialogue start to first streamed text delta."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("kiosk.llm.duration",
		metric.WithDescription("Full LLM streaming latency including tool round trips."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSUtteranceDuration, err = m.Float64Histogram("kiosk.tts.utterance.duration",
		metric.WithDescription("Per-utterance synthesis latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolExecutionDuration, err = m.Float64Histogram("kiosk.tool_execution.duration",
		metric.WithDescription("Latency of tool execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.PipeReconnects, err = m.Int64Counter("kiosk.pipe.reconnects",
		metric.WithDescription("Total reconnect attempts scheduled per pipe."),
	); err != nil {
		return nil, err
	}
	if met.PipeParseFailures, err = m.Int64Counter("kiosk.pipe.parse_failures",
		metric.WithDescription("Total inbound pipe lines that failed JSON parsing."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("kiosk.tool.calls",
		metric.WithDescription("Total tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.StaleEventsDropped, err = m.Int64Counter("kiosk.session.stale_events_dropped",
		metric.WithDescription("Total speech events discarded after their session ended."),
	); err != nil {
		return nil, err
	}
	if met.ResponseCacheLookups, err = m.Int64Counter("kiosk.dialogue.cache_lookups",
		metric.WithDescription("Total dialogue response cache lookups by result."),
	); err != nil {
		return nil, err
	}
	if met.Utterances, err = m.Int64Counter("kiosk.tts.utterances",
		metric.WithDescription("Total sentences dispatched to TTS by language."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("kiosk.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}
	if met.TTSQueueDepth, err = m.Int64UpDownCounter("kiosk.tts.queue_depth",
		metric.WithDescription("Number of sentences waiting for synthesis."),
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

// WithPipe returns a measurement option tagging the given pipe name. Used
// with the pipe counters.
func WithPipe(name string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("pipe", name))
}

// WithLanguage returns a measurement option tagging the given language code.
func WithLanguage(lang string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("language", lang))
}

// RecordToolCall records a tool call counter increment with the standard
// attribute set.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
}

// RecordCacheLookup records a dialogue cache lookup with its result.
func (m *Metrics) RecordCacheLookup(ctx context.Context, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.ResponseCacheLookups.Add(ctx, 1,
		metric.WithAttributes(attribute.String("result", result)),
	)
}
