// Package observe provides application-wide observability primitives for
// Babelcast: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is set up by [InitProvider] so that metrics can be scraped
// from the standard /metrics endpoint. A package-level default [Metrics]
// instance ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Babelcast metrics.
const meterName = "github.com/MrWong99/babelcast"

// Cache lookup outcomes used with [Metrics.RecordCacheLookup].
const (
	OutcomeMiss       = "miss"
	OutcomeOriginal   = "original"
	OutcomeTranslated = "translated"
	OutcomePartial    = "partial"
	OutcomeError      = "error"
)

// Scheduler per-language statuses used with [Metrics.RecordSchedulerLanguage].
const (
	StatusWarmed  = "warmed"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// STTConnectDuration tracks how long it takes to open a streaming
	// recognition session.
	STTConnectDuration metric.Float64Histogram

	// TranslationDuration tracks a single translation backend call. Use with
	// attribute.String("mode", "one"|"batch").
	TranslationDuration metric.Float64Histogram

	// ToolExecutionDuration tracks MCP tool handler latency.
	ToolExecutionDuration metric.Float64Histogram

	// --- Counters ---

	// UtterancesFinalized counts final utterances emitted by transcription
	// connections.
	UtterancesFinalized metric.Int64Counter

	// TranslationFallbacks counts texts served as source text because the
	// translation backend was unavailable. Use with attribute.String("mode", ...).
	TranslationFallbacks metric.Int64Counter

	// CacheLookups counts subtitle cache lookups by outcome.
	CacheLookups metric.Int64Counter

	// SchedulerLanguages counts background warm-up results per language by
	// status.
	SchedulerLanguages metric.Int64Counter

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ToolCalls counts MCP tool invocations by tool and status.
	ToolCalls metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live capture sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) suited to
// network calls against recognition and translation services.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.STTConnectDuration, err = m.Float64Histogram("babelcast.stt.connect.duration",
		metric.WithDescription("Latency of opening a streaming recognition session."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TranslationDuration, err = m.Float64Histogram("babelcast.translation.duration",
		metric.WithDescription("Latency of a translation backend call."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolExecutionDuration, err = m.Float64Histogram("babelcast.tool_execution.duration",
		metric.WithDescription("Latency of MCP tool execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.UtterancesFinalized, err = m.Int64Counter("babelcast.utterances.finalized",
		metric.WithDescription("Total final utterances produced by transcription."),
	); err != nil {
		return nil, err
	}
	if met.TranslationFallbacks, err = m.Int64Counter("babelcast.translation.fallbacks",
		metric.WithDescription("Total texts served untranslated because the backend was unavailable."),
	); err != nil {
		return nil, err
	}
	if met.CacheLookups, err = m.Int64Counter("babelcast.cache.lookups",
		metric.WithDescription("Total subtitle cache lookups by outcome."),
	); err != nil {
		return nil, err
	}
	if met.SchedulerLanguages, err = m.Int64Counter("babelcast.scheduler.languages",
		metric.WithDescription("Total background warm-up languages by status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("babelcast.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("babelcast.tool.calls",
		metric.WithDescription("Total MCP tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("babelcast.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("babelcast.sessions.active",
		metric.WithDescription("Number of live capture sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("babelcast.http.request.duration",
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

// RecordProviderRequest records a provider request counter increment with
// the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordToolCall records an MCP tool call counter increment.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
}

// RecordTranslationFallback adds n texts that fell back to source text.
func (m *Metrics) RecordTranslationFallback(ctx context.Context, mode string, n int) {
	if n <= 0 {
		return
	}
	m.TranslationFallbacks.Add(ctx, int64(n),
		metric.WithAttributes(attribute.String("mode", mode)),
	)
}

// RecordCacheLookup records one cache lookup with the given outcome.
func (m *Metrics) RecordCacheLookup(ctx context.Context, outcome string) {
	m.CacheLookups.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}

// RecordSchedulerLanguage records the result of warming one language.
func (m *Metrics) RecordSchedulerLanguage(ctx context.Context, lang, status string) {
	m.SchedulerLanguages.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("language", lang),
			attribute.String("status", status),
		),
	)
}
