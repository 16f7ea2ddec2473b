// Package observe wires earshot into OpenTelemetry.
//
// Pipeline stages record into a shared [Metrics] value, spans follow an
// utterance from the detector through dispatch and transcription, and
// [Logger] stamps log lines with the active trace. [InitProvider] bridges the
// instruments into a Prometheus registry served by [MetricsHandler]; tests
// build their own [Metrics] with [NewMetrics] and a manual reader.
package observe

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope of earshot's meter and tracer.
const meterName = "github.com/MrWong99/earshot"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Segmentation ---

	// UtterancesStarted counts SPEAKING entries.
	UtterancesStarted metric.Int64Counter

	// UtterancesFinalized counts finalized utterances. Use with attribute:
	//   attribute.String("reason", "hysteresis"|"watchdog"|"teardown")
	UtterancesFinalized metric.Int64Counter

	// ClassifierDuration tracks frame classifier latency.
	ClassifierDuration metric.Float64Histogram

	// --- Dispatch ---

	// DispatchOutcomes counts terminal dispatch outcomes. Use with attribute:
	//   attribute.String("outcome", ...)
	DispatchOutcomes metric.Int64Counter

	// DispatchDuration tracks how long downstream consumers take per utterance.
	DispatchDuration metric.Float64Histogram

	// STTDuration tracks speech-to-text transcription latency.
	STTDuration metric.Float64Histogram

	// --- Providers ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// BreakerTransitions counts circuit breaker state changes per backend,
	// labelled with the state entered.
	BreakerTransitions metric.Int64Counter

	// --- Gauges ---

	// ActiveSpeakers tracks the number of live per-speaker pipelines.
	ActiveSpeakers metric.Int64UpDownCounter

	// ActiveSessions tracks the number of live transcription sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are histogram boundaries in seconds. Classification sits at
// the low end, a cold whisper model at the high end.
var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// instruments creates instruments on one meter and collects their errors.
type instruments struct {
	meter metric.Meter
	errs  []error
}

func (in *instruments) counter(name, desc string) metric.Int64Counter {
	c, err := in.meter.Int64Counter(name, metric.WithDescription(desc))
	in.errs = append(in.errs, err)
	return c
}

func (in *instruments) gauge(name, desc string) metric.Int64UpDownCounter {
	g, err := in.meter.Int64UpDownCounter(name, metric.WithDescription(desc))
	in.errs = append(in.errs, err)
	return g
}

func (in *instruments) seconds(name, desc string) metric.Float64Histogram {
	h, err := in.meter.Float64Histogram(name,
		metric.WithDescription(desc),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	)
	in.errs = append(in.errs, err)
	return h
}

// NewMetrics creates every earshot instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	in := &instruments{meter: mp.Meter(meterName)}
	m := &Metrics{
		UtterancesStarted:   in.counter("earshot.utterances.started", "Utterances opened on a SPEAKING entry."),
		UtterancesFinalized: in.counter("earshot.utterances.finalized", "Utterances finalized, by reason."),
		ClassifierDuration:  in.seconds("earshot.classifier.duration", "Latency of one frame classification."),

		DispatchOutcomes: in.counter("earshot.dispatch.outcomes", "Terminal dispatch outcomes."),
		DispatchDuration: in.seconds("earshot.dispatch.duration", "Time downstream consumers spent per utterance."),
		STTDuration:      in.seconds("earshot.stt.duration", "Speech-to-text latency per utterance."),

		ProviderRequests:   in.counter("earshot.provider.requests", "Provider attempts by provider, kind and status."),
		ProviderErrors:     in.counter("earshot.provider.errors", "Failed provider attempts by provider and kind."),
		BreakerTransitions: in.counter("earshot.provider.breaker.transitions", "Circuit breaker state changes by provider and state."),

		ActiveSpeakers: in.gauge("earshot.active_speakers", "Live per-speaker pipelines."),
		ActiveSessions: in.gauge("earshot.active_sessions", "Live transcription sessions."),

		HTTPRequestDuration: in.seconds("earshot.http.request.duration", "API request latency by method and route."),
	}
	if err := errors.Join(in.errs...); err != nil {
		return nil, err
	}
	return m, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the process-wide [Metrics], built on the global meter
// provider the first time it is called. Call it after [InitProvider] or the
// instruments bind to the no-op provider.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		if defaultMetrics, err = NewMetrics(otel.GetMeterProvider()); err != nil {
			panic("observe: default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

func providerAttrs(provider, kind string, extra ...attribute.KeyValue) metric.MeasurementOption {
	return metric.WithAttributes(append([]attribute.KeyValue{
		attribute.String("provider", provider),
		attribute.String("kind", kind),
	}, extra...)...)
}

// RecordProviderRequest counts one attempt against a provider backend.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1, providerAttrs(provider, kind, attribute.String("status", status)))
}

// RecordProviderError counts one failed attempt against a provider backend.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1, providerAttrs(provider, kind))
}

// RecordBreakerTransition counts a breaker entering state.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, provider, kind, state string) {
	m.BreakerTransitions.Add(ctx, 1, providerAttrs(provider, kind, attribute.String("state", state)))
}

// RecordUtteranceFinalized counts a finalize by its trigger.
func (m *Metrics) RecordUtteranceFinalized(ctx context.Context, reason string) {
	m.UtterancesFinalized.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordDispatch records a terminal dispatch outcome and its duration in seconds.
func (m *Metrics) RecordDispatch(ctx context.Context, outcome string, seconds float64) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.DispatchOutcomes.Add(ctx, 1, attrs)
	m.DispatchDuration.Record(ctx, seconds, attrs)
}
