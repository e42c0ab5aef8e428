package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// adminSetup returns an instrumented admin mux shaped like the device's,
// with the given state reported on every request.
func adminSetup(t *testing.T, state func() []attribute.KeyValue) (http.Handler, *sdkmetric.ManualReader, *tracetest.InMemoryExporter) {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	origTP := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(origTP) })

	mux := http.NewServeMux()
	mux.HandleFunc("POST /buttons/{name}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("name") == "nope" {
			http.Error(w, "unknown button", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("GET /statusz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"state":"idle"}`))
	})

	var opts []AdminOption
	if state != nil {
		opts = append(opts, WithStateAttrs(state))
	}
	return AdminMiddleware(m, opts...)(mux), reader, exp
}

func spanAttr(s sdktrace.ReadOnlySpan, key string) (attribute.Value, bool) {
	for _, a := range s.Attributes() {
		if string(a.Key) == key {
			return a.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestAdminMiddleware_NamesSpanByRoute(t *testing.T) {
	h, _, exp := adminSetup(t, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/buttons/start", nil))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}

	spans := exp.GetSpans().Snapshots()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	if got := spans[0].Name(); got != "admin POST /buttons/{name}" {
		t.Errorf("span name = %q", got)
	}
	if v, ok := spanAttr(spans[0], "http.route"); !ok || v.AsString() != "POST /buttons/{name}" {
		t.Errorf("http.route = %v", v.AsString())
	}
	if v, ok := spanAttr(spans[0], "url.path"); !ok || v.AsString() != "/buttons/start" {
		t.Errorf("url.path = %v", v.AsString())
	}
	if v, _ := spanAttr(spans[0], "http.response.status_code"); v.AsInt64() != http.StatusAccepted {
		t.Errorf("status attribute = %d, want 202", v.AsInt64())
	}
}

func TestAdminMiddleware_TagsSessionState(t *testing.T) {
	state := "listening"
	h, _, exp := adminSetup(t, func() []attribute.KeyValue {
		return []attribute.KeyValue{
			attribute.String("session.state", state),
			attribute.String("session.id", "0b7e"),
		}
	})

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/buttons/start", nil))
	state = "idle"
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/statusz", nil))

	spans := exp.GetSpans().Snapshots()
	if len(spans) != 2 {
		t.Fatalf("got %d spans, want 2", len(spans))
	}
	for i, want := range []string{"listening", "idle"} {
		if v, _ := spanAttr(spans[i], "session.state"); v.AsString() != want {
			t.Errorf("span %d session.state = %q, want %q", i, v.AsString(), want)
		}
		if v, _ := spanAttr(spans[i], "session.id"); v.AsString() != "0b7e" {
			t.Errorf("span %d session.id = %q", i, v.AsString())
		}
	}
}

func TestAdminMiddleware_RecordsByRoute(t *testing.T) {
	h, reader, _ := adminSetup(t, nil)

	for _, name := range []string{"start", "volume_up", "nope"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/buttons/"+name, nil))
	}
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nowhere", nil))

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	met := findMetric(rm, "voicebox.http.request.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("metric is not a histogram")
	}

	counts := map[string]uint64{}
	for _, dp := range hist.DataPoints {
		route, _ := dp.Attributes.Value("route")
		status, _ := dp.Attributes.Value("status")
		if strings.Contains(route.AsString(), "start") || strings.Contains(route.AsString(), "volume") {
			t.Errorf("path value leaked into route label %q", route.AsString())
		}
		counts[route.AsString()+" "+status.Emit()] += dp.Count
	}
	want := map[string]uint64{
		"POST /buttons/{name} 202": 2,
		"POST /buttons/{name} 404": 1,
		unmatchedRoute + " 404":    1,
	}
	for k, n := range want {
		if counts[k] != n {
			t.Errorf("count[%q] = %d, want %d (all: %v)", k, counts[k], n, counts)
		}
	}
}
