package observe

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
)

func TestProvider_ServesOwnRegistry(t *testing.T) {
	origMP, origTP := otel.GetMeterProvider(), otel.GetTracerProvider()
	t.Cleanup(func() {
		otel.SetMeterProvider(origMP)
		otel.SetTracerProvider(origTP)
	})

	p, err := InitProvider(context.Background(), ProviderConfig{
		ServiceName:    "voicebox-server",
		ServiceVersion: "test",
		InstanceID:     "bench-1",
	})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	m, err := p.Metrics()
	if err != nil {
		t.Fatalf("Metrics: %v", err)
	}
	m.ServerSegments.Add(context.Background(), 2)

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	out := string(body)

	for _, want := range []string{
		"voicebox_server_segments",
		"go_goroutines",
		`service_name="voicebox-server"`,
		`service_instance_id="bench-1"`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}

func TestProvider_RegistriesAreIndependent(t *testing.T) {
	origMP, origTP := otel.GetMeterProvider(), otel.GetTracerProvider()
	t.Cleanup(func() {
		otel.SetMeterProvider(origMP)
		otel.SetTracerProvider(origTP)
	})

	// Two providers in one process (device and server in a test binary)
	// must not collide on the runtime collectors.
	for range 2 {
		p, err := InitProvider(context.Background(), ProviderConfig{})
		if err != nil {
			t.Fatalf("InitProvider: %v", err)
		}
		if err := p.Shutdown(context.Background()); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
	}
}
