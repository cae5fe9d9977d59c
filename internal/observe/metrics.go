// Package observe provides application-wide observability primitives for
// voxlink: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is installed by [InitProvider] so that metrics can be
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

// meterName is the instrumentation scope name used for all voxlink metrics.
const meterName = "github.com/MrWong99/voxlink"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Audio path counters ---

	// CaptureFrames counts PCM16 frames produced by the capture source.
	CaptureFrames metric.Int64Counter

	// FramesSent counts frames handed to the network. Use with attribute:
	//   attribute.String("transport", ...)
	FramesSent metric.Int64Counter

	// FramesDropped counts frames discarded by a full outbox. Use with
	// attribute:
	//   attribute.String("transport", ...)
	FramesDropped metric.Int64Counter

	// ChunksReceived counts response audio chunks received from the engine.
	ChunksReceived metric.Int64Counter

	// MalformedChunks counts inbound chunks that failed to decode.
	MalformedChunks metric.Int64Counter

	// --- Scheduler ---

	// Interruptions counts barge-in events applied by the scheduler.
	Interruptions metric.Int64Counter

	// UnitsScheduled counts playback units handed to the output device.
	UnitsScheduled metric.Int64Counter

	// QueueDepth records how many seconds of audio were already queued ahead
	// of the output clock when a unit was scheduled.
	QueueDepth metric.Float64Histogram

	// --- Latency ---

	// ConnectDuration tracks session establishment latency. Use with
	// attributes:
	//   attribute.String("transport", ...), attribute.String("status", ...)
	ConnectDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	// RelayRequests counts relay client requests. Use with attributes:
	//   attribute.String("op", ...), attribute.String("status", ...)
	RelayRequests metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of client sessions in the Active
	// state.
	ActiveSessions metric.Int64UpDownCounter

	// RelaySessions tracks the number of sessions held by the relay
	// registry.
	RelaySessions metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// connection and request latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// queueBuckets defines bucket boundaries (in seconds of buffered audio).
var queueBuckets = []float64{
	0, 0.1, 0.25, 0.5, 1, 2, 4, 8, 16,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Counters.
	if met.CaptureFrames, err = m.Int64Counter("voxlink.capture.frames",
		metric.WithDescription("Total PCM16 frames produced by microphone capture."),
	); err != nil {
		return nil, err
	}
	if met.FramesSent, err = m.Int64Counter("voxlink.transport.frames_sent",
		metric.WithDescription("Total audio frames written to the transport by transport kind."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("voxlink.transport.frames_dropped",
		metric.WithDescription("Total audio frames dropped by a full send queue."),
	); err != nil {
		return nil, err
	}
	if met.ChunksReceived, err = m.Int64Counter("voxlink.transport.chunks_received",
		metric.WithDescription("Total response audio chunks received from the engine."),
	); err != nil {
		return nil, err
	}
	if met.MalformedChunks, err = m.Int64Counter("voxlink.codec.malformed_chunks",
		metric.WithDescription("Total inbound audio chunks dropped as malformed."),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("voxlink.scheduler.interruptions",
		metric.WithDescription("Total barge-in interruptions applied to playback."),
	); err != nil {
		return nil, err
	}
	if met.UnitsScheduled, err = m.Int64Counter("voxlink.scheduler.units_scheduled",
		metric.WithDescription("Total playback units scheduled on the output device."),
	); err != nil {
		return nil, err
	}
	if met.RelayRequests, err = m.Int64Counter("voxlink.relay.requests",
		metric.WithDescription("Total relay client requests by operation and status."),
	); err != nil {
		return nil, err
	}

	// Histograms.
	if met.QueueDepth, err = m.Float64Histogram("voxlink.scheduler.queue_depth",
		metric.WithDescription("Seconds of audio queued ahead of the output clock at scheduling time."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(queueBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ConnectDuration, err = m.Float64Histogram("voxlink.connect.duration",
		metric.WithDescription("Latency of session establishment until the engine is ready."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxlink.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("voxlink.active_sessions",
		metric.WithDescription("Number of client sessions currently active."),
	); err != nil {
		return nil, err
	}
	if met.RelaySessions, err = m.Int64UpDownCounter("voxlink.relay.sessions",
		metric.WithDescription("Number of sessions held by the relay registry."),
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

// RecordFrameSent records one frame written by the named transport.
func (m *Metrics) RecordFrameSent(ctx context.Context, transport string) {
	m.FramesSent.Add(ctx, 1, metric.WithAttributes(attribute.String("transport", transport)))
}

// RecordFramesDropped records n frames dropped by the named transport's send
// queue.
func (m *Metrics) RecordFramesDropped(ctx context.Context, transport string, n int) {
	if n <= 0 {
		return
	}
	m.FramesDropped.Add(ctx, int64(n), metric.WithAttributes(attribute.String("transport", transport)))
}

// RecordConnect records a session establishment attempt with the standard
// attribute set.
func (m *Metrics) RecordConnect(ctx context.Context, transport, status string, seconds float64) {
	m.ConnectDuration.Record(ctx, seconds,
		metric.WithAttributes(
			attribute.String("transport", transport),
			attribute.String("status", status),
		),
	)
}

// RecordRelayRequest records a relay client request counter increment.
func (m *Metrics) RecordRelayRequest(ctx context.Context, op, status string) {
	m.RelayRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("op", op),
			attribute.String("status", status),
		),
	)
}
