// Package observe provides application-wide observability primitives for
// parley: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all parley metrics.
const meterName = "github.com/MrWong99/parley"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Session ---

	// SessionTransitions counts state machine transitions. Use with attributes:
	//   attribute.String("from", ...), attribute.String("to", ...)
	SessionTransitions metric.Int64Counter

	// ConnectDuration tracks the time from dial to a usable session.
	ConnectDuration metric.Float64Histogram

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// TurnsCompleted counts model turns that ran to completion.
	TurnsCompleted metric.Int64Counter

	// TransportErrors counts sessions that ended with a transport error.
	TransportErrors metric.Int64Counter

	// --- Capture ---

	// FramesSent counts microphone frames forwarded to the model.
	FramesSent metric.Int64Counter

	// FramesDropped counts microphone frames dropped on a full queue.
	FramesDropped metric.Int64Counter

	// InputLevel is the display volume of the latest microphone frame, in
	// [0, 1].
	InputLevel metric.Float64Gauge

	// BargeIns counts playback interrupts caused by user speech. Use with
	// attribute.String("source", "local"|"server").
	BargeIns metric.Int64Counter

	// --- Playback ---

	// PlaybackBuffers counts model audio buffers scheduled for playback.
	PlaybackBuffers metric.Int64Counter

	// DecodeErrors counts inbound audio buffers that could not be decoded.
	DecodeErrors metric.Int64Counter

	// StaleChunks counts model audio buffers discarded because their turn
	// was interrupted before they were scheduled.
	StaleChunks metric.Int64Counter

	// --- Tools ---

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// ToolExecutionDuration tracks tool handler latency.
	ToolExecutionDuration metric.Float64Histogram

	// --- Admin HTTP server ---

	// HTTPRequestDuration tracks admin request latency. Attributes:
	//   attribute.String("method", ...), attribute.String("route", ...),
	//   attribute.Int("status", ...)
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
	if met.ConnectDuration, err = m.Float64Histogram("parley.session.connect.duration",
		metric.WithDescription("Time from dial to an established session."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolExecutionDuration, err = m.Float64Histogram("parley.tool_execution.duration",
		metric.WithDescription("Latency of tool handler execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&met.SessionTransitions, "parley.session.transitions", "Session state transitions by source and target state."},
		{&met.TurnsCompleted, "parley.session.turns", "Completed model turns."},
		{&met.TransportErrors, "parley.session.transport_errors", "Sessions ended by a transport error."},
		{&met.FramesSent, "parley.capture.frames_sent", "Microphone frames sent to the model."},
		{&met.FramesDropped, "parley.capture.frames_dropped", "Microphone frames dropped because the queue was full."},
		{&met.BargeIns, "parley.playback.barge_ins", "Playback interrupts caused by user speech, by source."},
		{&met.PlaybackBuffers, "parley.playback.buffers", "Model audio buffers scheduled for playback."},
		{&met.DecodeErrors, "parley.playback.decode_errors", "Inbound audio buffers that failed to decode."},
		{&met.StaleChunks, "parley.playback.stale_chunks", "Model audio buffers dropped after a server interrupt."},
		{&met.ToolCalls, "parley.tool.calls", "Total tool invocations by tool name and status."},
	}
	for _, c := range counters {
		if *c.dst, err = m.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("parley.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}

	if met.InputLevel, err = m.Float64Gauge("parley.capture.input_level",
		metric.WithDescription("Display volume of the most recent microphone frame."),
		metric.WithUnit("1"),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("parley.http.request.duration",
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

// RecordTransition records one session state transition.
func (m *Metrics) RecordTransition(ctx context.Context, from, to string) {
	m.SessionTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}

// RecordToolCall is a convenience method that records a tool call counter
// increment with the standard attribute set.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
}

// RecordBargeIn records a playback interrupt triggered by user speech.
// source is "local" for the on-device VAD and "server" for the model's
// interrupted signal.
func (m *Metrics) RecordBargeIn(ctx context.Context, source string) {
	m.BargeIns.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}
