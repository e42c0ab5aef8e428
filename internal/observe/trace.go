package observe

import (
	"context"
	"log/slog"
	"slices"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for the voicebox tracer.
const tracerName = "github.com/MrWong99/voicebox"

// Tracer returns the voicebox tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span on [Tracer]. The caller must end it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

type logAttrsKey struct{}

// WithLogAttrs returns a context whose [Logger] adds attrs to every record.
// The device tags a session this way and the server tags a connection, so
// everything logged below them (stream, assistant, storage) carries the id
// without threading a logger through.
func WithLogAttrs(ctx context.Context, attrs ...slog.Attr) context.Context {
	prev, _ := ctx.Value(logAttrsKey{}).([]slog.Attr)
	return context.WithValue(ctx, logAttrsKey{}, append(slices.Clip(prev), attrs...))
}

// Logger returns the default logger enriched with the attributes from
// [WithLogAttrs] and the trace_id and span_id of the active span. Spans stay
// local to each binary; the device and the server trace independently.
func Logger(ctx context.Context) *slog.Logger {
	attrs, _ := ctx.Value(logAttrsKey{}).([]slog.Attr)
	args := make([]any, 0, len(attrs)+2)
	for _, a := range attrs {
		args = append(args, a)
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		args = append(args,
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	if len(args) == 0 {
		return slog.Default()
	}
	return slog.Default().With(args...)
}
