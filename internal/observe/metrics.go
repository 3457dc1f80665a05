// Package observe provides the observability primitives of parley:
// OpenTelemetry metrics, tracing, trace-aware logging and HTTP middleware.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exported for
// Prometheus scraping via [InitProvider]. [DefaultMetrics] returns a
// package-level instance bound to the global meter provider; tests should use
// [NewMetrics] with their own [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all parley metrics.
const meterName = "github.com/MrWong99/parley"

// Pipeline stage names used as the "stage" attribute.
const (
	StageTranscribe = "transcribe"
	StageGenerate   = "generate"
	StageSpeak      = "speak"
	StageTurn       = "turn"
)

// Metrics holds every instrument. All fields are safe for concurrent use.
type Metrics struct {
	// StageDuration is the latency of one pipeline stage. Attribute: stage.
	StageDuration metric.Float64Histogram

	// Turns counts finished turns. Attribute: outcome.
	Turns metric.Int64Counter

	// BargeIns counts interruptions of playback by the user.
	BargeIns metric.Int64Counter

	// StaleResults counts worker results discarded because their turn was no
	// longer current.
	StaleResults metric.Int64Counter

	// VADFaults counts frames that could not be classified.
	VADFaults metric.Int64Counter

	// DeviceFaults counts capture device losses.
	DeviceFaults metric.Int64Counter

	// ProviderRequests counts provider calls. Attributes: provider, kind,
	// status.
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider failures. Attributes: provider, kind.
	ProviderErrors metric.Int64Counter

	// State is 1 for the current orchestrator state and 0 for the others.
	// Attribute: state.
	State metric.Int64UpDownCounter

	// HTTPRequestDuration is the latency of the admin HTTP surface.
	// Attributes: method, path.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are histogram boundaries in seconds tuned for voice turns.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.StageDuration, err = m.Float64Histogram("parley.stage.duration",
		metric.WithDescription("Latency of one pipeline stage."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("parley.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&met.Turns, "parley.turns", "Finished turns by outcome."},
		{&met.BargeIns, "parley.barge_ins", "Playback interruptions by the user."},
		{&met.StaleResults, "parley.stale_results", "Discarded late worker results."},
		{&met.VADFaults, "parley.vad.faults", "Frames that could not be classified."},
		{&met.DeviceFaults, "parley.device.faults", "Capture device losses."},
		{&met.ProviderRequests, "parley.provider.requests", "Provider calls by provider, kind and status."},
		{&met.ProviderErrors, "parley.provider.errors", "Provider failures by provider and kind."},
	}
	for _, c := range counters {
		if *c.dst, err = m.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	if met.State, err = m.Int64UpDownCounter("parley.state",
		metric.WithDescription("1 for the current orchestrator state."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] bound to
// [otel.GetMeterProvider]. It panics if instrument creation fails, which does
// not happen with the global provider.
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

// Attr is shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordStage records the duration of one stage.
func (m *Metrics) RecordStage(ctx context.Context, stage string, d time.Duration) {
	m.StageDuration.Record(ctx, d.Seconds(), metric.WithAttributes(Attr("stage", stage)))
}

// RecordTurn counts a finished turn.
func (m *Metrics) RecordTurn(ctx context.Context, outcome string) {
	m.Turns.Add(ctx, 1, metric.WithAttributes(Attr("outcome", outcome)))
}

// RecordStateChange moves the state gauge from one state to another. An
// empty from only raises to.
func (m *Metrics) RecordStateChange(ctx context.Context, from, to string) {
	if from != "" {
		m.State.Add(ctx, -1, metric.WithAttributes(Attr("state", from)))
	}
	m.State.Add(ctx, 1, metric.WithAttributes(Attr("state", to)))
}

// RecordProviderRequest counts one provider call.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			Attr("provider", provider),
			Attr("kind", kind),
			Attr("status", status),
		),
	)
}

// RecordProviderError counts one provider failure.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			Attr("provider", provider),
			Attr("kind", kind),
		),
	)
}
