// Package observe provides the observability primitives shared by the device
// and the reference server: OpenTelemetry metrics, tracing, trace-aware
// logging, and HTTP middleware.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exported to
// Prometheus by [InitProvider]. A package-level default [Metrics] instance
// ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/voicebox/internal/resilience"
)

// meterName is the instrumentation scope name used for all voicebox metrics.
const meterName = "github.com/MrWong99/voicebox"

// Metrics holds all OpenTelemetry metric instruments. All fields are safe for
// concurrent use.
type Metrics struct {
	// --- Device session ---

	// Sessions counts voice sessions started by the start input.
	Sessions metric.Int64Counter

	// ActiveSessions is 1 while a session is live, 0 otherwise.
	ActiveSessions metric.Int64UpDownCounter

	// SessionDuration tracks how long sessions last, Idle to Idle.
	SessionDuration metric.Float64Histogram

	// Segments counts closed speech segments. Use with attribute:
	//   attribute.String("reason", ...)
	Segments metric.Int64Counter

	// SegmentDuration tracks segment length from first Loud frame to STOP.
	SegmentDuration metric.Float64Histogram

	// --- Streaming ---

	// BytesSent counts audio payload bytes queued for the server.
	BytesSent metric.Int64Counter

	// ReplyBytes counts reply audio bytes received.
	ReplyBytes metric.Int64Counter

	// ReplyLatency tracks time from STOP_VOICE to a fully received reply.
	ReplyLatency metric.Float64Histogram

	// ReplyTruncations counts replies larger than the reply buffer.
	ReplyTruncations metric.Int64Counter

	// QueueDrops counts messages rejected by a full queue. Use with attribute:
	//   attribute.String("queue", ...)
	QueueDrops metric.Int64Counter

	// TransportErrors counts failed reads and writes. Use with attribute:
	//   attribute.String("phase", ...)
	TransportErrors metric.Int64Counter

	// Reconnects counts reconnection attempts. Use with attribute:
	//   attribute.String("status", ...)
	Reconnects metric.Int64Counter

	// VolumeChanges counts volume button events. Use with attribute:
	//   attribute.String("direction", ...)
	VolumeChanges metric.Int64Counter

	// BreakerTransitions counts circuit breaker state changes. Use with
	// attributes:
	//   attribute.String("breaker", ...), attribute.String("state", ...)
	BreakerTransitions metric.Int64Counter

	// --- Reference server ---

	// ServerSegments counts segments received from devices.
	ServerSegments metric.Int64Counter

	// ResponderDuration tracks reply generation latency. Use with attribute:
	//   attribute.String("responder", ...)
	ResponderDuration metric.Float64Histogram

	// ResponderErrors counts failed reply generations. Use with attribute:
	//   attribute.String("responder", ...)
	ResponderErrors metric.Int64Counter

	// ActiveConnections tracks connected devices.
	ActiveConnections metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks admin listener request time by method, mux
	// route pattern and status. Recorded by [AdminMiddleware].
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for reply
// and responder latencies.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40,
}

// durationBuckets defines histogram bucket boundaries (in seconds) for
// session and segment lengths.
var durationBuckets = []float64{
	0.5, 1, 2, 5, 10, 20, 30, 60, 120, 300,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Session.
	if met.Sessions, err = m.Int64Counter("voicebox.sessions",
		metric.WithDescription("Total voice sessions started."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("voicebox.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}
	if met.SessionDuration, err = m.Float64Histogram("voicebox.session.duration",
		metric.WithDescription("Length of voice sessions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBuckets...),
	); err != nil {
		return nil, err
	}
	if met.Segments, err = m.Int64Counter("voicebox.segments",
		metric.WithDescription("Total speech segments by end reason."),
	); err != nil {
		return nil, err
	}
	if met.SegmentDuration, err = m.Float64Histogram("voicebox.segment.duration",
		metric.WithDescription("Length of streamed speech segments."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBuckets...),
	); err != nil {
		return nil, err
	}

	// Streaming.
	if met.BytesSent, err = m.Int64Counter("voicebox.bytes_sent",
		metric.WithDescription("Audio payload bytes queued for the server."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.ReplyBytes, err = m.Int64Counter("voicebox.reply_bytes",
		metric.WithDescription("Reply audio bytes received."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.ReplyLatency, err = m.Float64Histogram("voicebox.reply.latency",
		metric.WithDescription("Time from STOP_VOICE to a fully received reply."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ReplyTruncations, err = m.Int64Counter("voicebox.reply.truncations",
		metric.WithDescription("Replies that exceeded the reply buffer capacity."),
	); err != nil {
		return nil, err
	}
	if met.QueueDrops, err = m.Int64Counter("voicebox.queue.drops",
		metric.WithDescription("Messages rejected by a full queue, by queue."),
	); err != nil {
		return nil, err
	}
	if met.TransportErrors, err = m.Int64Counter("voicebox.transport.errors",
		metric.WithDescription("Transport read/write failures by session phase."),
	); err != nil {
		return nil, err
	}
	if met.Reconnects, err = m.Int64Counter("voicebox.transport.reconnects",
		metric.WithDescription("Reconnection attempts by status."),
	); err != nil {
		return nil, err
	}
	if met.VolumeChanges, err = m.Int64Counter("voicebox.volume.changes",
		metric.WithDescription("Volume button events by direction."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("voicebox.breaker.transitions",
		metric.WithDescription("Circuit breaker state changes by breaker and new state."),
	); err != nil {
		return nil, err
	}

	// Server.
	if met.ServerSegments, err = m.Int64Counter("voicebox.server.segments",
		metric.WithDescription("Segments received from devices."),
	); err != nil {
		return nil, err
	}
	if met.ResponderDuration, err = m.Float64Histogram("voicebox.server.responder.duration",
		metric.WithDescription("Latency of reply generation by responder."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ResponderErrors, err = m.Int64Counter("voicebox.server.responder.errors",
		metric.WithDescription("Failed reply generations by responder."),
	); err != nil {
		return nil, err
	}
	if met.ActiveConnections, err = m.Int64UpDownCounter("voicebox.server.active_connections",
		metric.WithDescription("Number of connected devices."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voicebox.http.request.duration",
		metric.WithDescription("Admin request latency by method, route and status."),
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

// RecordSegment records a closed segment with its end reason and length.
func (m *Metrics) RecordSegment(ctx context.Context, reason string, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("reason", reason))
	m.Segments.Add(ctx, 1, attrs)
	m.SegmentDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordQueueDrop records a message rejected by the named queue.
func (m *Metrics) RecordQueueDrop(ctx context.Context, queue string) {
	m.QueueDrops.Add(ctx, 1, metric.WithAttributes(attribute.String("queue", queue)))
}

// RecordTransportError records a transport failure in the given phase.
func (m *Metrics) RecordTransportError(ctx context.Context, phase string) {
	m.TransportErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("phase", phase)))
}

// RecordReconnect records one reconnection attempt outcome.
func (m *Metrics) RecordReconnect(ctx context.Context, status string) {
	m.Reconnects.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordVolumeChange records a volume button event.
func (m *Metrics) RecordVolumeChange(ctx context.Context, direction string) {
	m.VolumeChanges.Add(ctx, 1, metric.WithAttributes(attribute.String("direction", direction)))
}

// BreakerObserver returns a [resilience.CircuitBreakerConfig.OnStateChange]
// hook that counts transitions.
func (m *Metrics) BreakerObserver() func(name string, from, to resilience.State) {
	return func(name string, _, to resilience.State) {
		m.BreakerTransitions.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("breaker", name),
			attribute.String("state", to.String()),
		))
	}
}

// RecordResponse records one responder call. A non-nil err also increments
// [Metrics.ResponderErrors].
func (m *Metrics) RecordResponse(ctx context.Context, responder string, d time.Duration, err error) {
	attrs := metric.WithAttributes(attribute.String("responder", responder))
	m.ResponderDuration.Record(ctx, d.Seconds(), attrs)
	if err != nil {
		m.ResponderErrors.Add(ctx, 1, attrs)
	}
}
