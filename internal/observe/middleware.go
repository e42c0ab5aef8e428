package observe

import (
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// unmatchedRoute labels requests no mux pattern matched.
const unmatchedRoute = "unmatched"

// statusRecorder remembers the status code written by the handler.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

// AdminOption configures [AdminMiddleware].
type AdminOption func(*adminConfig)

type adminConfig struct {
	attrs func() []attribute.KeyValue
}

// WithStateAttrs adds attributes sampled at request time to every admin span
// and log line. The device reports its session state and id this way, so a
// button press or a status poll can be lined up with the session it hit.
func WithStateAttrs(fn func() []attribute.KeyValue) AdminOption {
	return func(c *adminConfig) { c.attrs = fn }
}

// AdminMiddleware instruments the admin listener (metrics, health, status and
// button routes). Every request gets a server span named after the matched
// [http.ServeMux] pattern, e.g. "POST /buttons/{name}", a sample in
// [Metrics.HTTPRequestDuration] labeled by that pattern, and a debug log
// line. Labeling by pattern keeps path values out of metric attributes.
func AdminMiddleware(m *Metrics, opts ...AdminOption) func(http.Handler) http.Handler {
	var cfg adminConfig
	for _, o := range opts {
		o(&cfg)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			var state []attribute.KeyValue
			if cfg.attrs != nil {
				state = cfg.attrs()
			}
			ctx, span := StartSpan(r.Context(), "admin "+r.Method,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.URLPath(r.URL.Path),
				),
				trace.WithAttributes(state...),
			)
			defer span.End()

			// The mux fills in r.Pattern on the request it is handed.
			r = r.WithContext(ctx)
			rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rec, r)

			route := r.Pattern
			if route == "" {
				route = unmatchedRoute
			} else {
				span.SetName("admin " + route)
				span.SetAttributes(semconv.HTTPRoute(route))
			}
			span.SetAttributes(semconv.HTTPResponseStatusCode(rec.statusCode))

			elapsed := time.Since(start)
			m.HTTPRequestDuration.Record(ctx, elapsed.Seconds(),
				metric.WithAttributes(
					attribute.String("method", r.Method),
					attribute.String("route", route),
					attribute.Int("status", rec.statusCode),
				),
			)

			logAttrs := make([]slog.Attr, 0, len(state)+4)
			logAttrs = append(logAttrs,
				slog.String("route", route),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.statusCode),
				slog.Duration("duration", elapsed),
			)
			for _, kv := range state {
				logAttrs = append(logAttrs, slog.String(string(kv.Key), kv.Value.Emit()))
			}
			Logger(ctx).LogAttrs(ctx, slog.LevelDebug, "admin request", logAttrs...)
		})
	}
}
