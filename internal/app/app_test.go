package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/voicebox/internal/app"
	"github.com/MrWong99/voicebox/internal/config"
	"github.com/MrWong99/voicebox/internal/hal/sim"
	"github.com/MrWong99/voicebox/internal/server"
	"github.com/MrWong99/voicebox/internal/server/echo"
	"github.com/MrWong99/voicebox/internal/transport"
)

// testConfig returns a config with 10 ms frames and short timers so that a
// full session completes in well under a second of real time.
func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Device.Endpoint = "tcp://voicebox.test:5000"
	cfg.Device.Audio.FrameSamples = 160
	cfg.Device.Audio.ListenFramePeriods = 1
	cfg.Device.Audio.PlaybackChunkSamples = 160
	cfg.Device.Audio.TrailingSilenceChunks = 1
	cfg.Device.Session.ArmDelay = 10 * time.Millisecond
	cfg.Device.Session.StopDebounce = 0
	cfg.Device.Session.ReplyTimeout = 5 * time.Second
	cfg.Device.VAD.SilenceTimeout = 100 * time.Millisecond
	cfg.Device.VAD.RestTimeout = 5 * time.Second
	cfg.Device.VAD.MaxSegment = 5 * time.Second
	cfg.Device.UI.Sink = config.SinkLog
	cfg.Device.Reconnect.Backoff = 10 * time.Millisecond
	cfg.Device.Reconnect.MaxRetries = 1
	return cfg
}

func refusingDialer(context.Context) (*transport.Conn, error) {
	return nil, errors.New("connection refused")
}

// echoDialer connects the device to an in-process echo server over a pipe.
func echoDialer(t *testing.T) transport.DialFunc {
	t.Helper()
	responder, err := echo.New(config.ProviderEntry{})
	if err != nil {
		t.Fatalf("echo.New: %v", err)
	}
	srv := server.New(server.Config{SampleRate: 16000}, responder)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return func(context.Context) (*transport.Conn, error) {
		device, remote := net.Pipe()
		go srv.ServeConn(ctx, remote, "pipe")
		return transport.NewConn(device), nil
	}
}

type testHardware struct {
	app.Hardware
	buttons   *sim.Buttons
	playback  *sim.Playback
	display   *sim.Display
	indicator *sim.Indicator
}

func newTestHardware(gen sim.Generator) *testHardware {
	h := &testHardware{
		buttons:   &sim.Buttons{},
		playback:  &sim.Playback{},
		display:   &sim.Display{},
		indicator: &sim.Indicator{},
	}
	h.Hardware = app.Hardware{
		Capture:   sim.NewCapture(gen),
		Playback:  h.playback,
		Buttons:   h.buttons,
		Display:   h.display,
		Indicator: h.indicator,
	}
	return h
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNew_Defaults(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Device.UI.Sink = config.SinkLog

	application, err := app.New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if got := application.Volume().Get(); got != cfg.Device.Volume.Initial {
		t.Errorf("volume = %v, want %v", got, cfg.Device.Volume.Initial)
	}
	if application.Connected() {
		t.Error("Connected() = true before Run")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := application.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
}

func TestNew_MissingSimInput(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Device.UI.Sink = config.SinkLog
	cfg.Device.Audio.SimInput = t.TempDir() + "/missing.wav"

	if _, err := app.New(context.Background(), cfg); err == nil {
		t.Fatal("New() succeeded with a missing sim input")
	}
}

func TestApp_EchoSession(t *testing.T) {
	t.Parallel()

	gen := sim.Script(
		sim.Step{Frames: 20, Gen: sim.Constant(2000)},
		sim.Step{Frames: 1, Gen: sim.Silence()},
	)
	hw := newTestHardware(gen)

	application, err := app.New(context.Background(), testConfig(),
		app.WithHardware(hw.Hardware),
		app.WithDialer(echoDialer(t)),
	)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- application.Run(ctx) }()

	waitFor(t, "connection", application.Connected)
	hw.buttons.Pulse(sim.Start, 30*time.Millisecond)

	waitFor(t, "reply playback", func() bool {
		return slices.ContainsFunc(hw.playback.Samples(), func(s int16) bool { return s != 0 })
	})
	waitFor(t, "reply counted", func() bool { return application.Machine().Snapshot().Replies == 1 })

	snap := application.Machine().Snapshot()
	if snap.Segments != 1 {
		t.Errorf("segments = %d, want 1", snap.Segments)
	}
	if snap.TotalBytesSent == 0 {
		t.Error("no audio was sent")
	}

	// Echoed audio comes back scaled by the volume.
	want := int16(2000 * application.Volume().Get())
	if !slices.Contains(hw.playback.Samples(), want) {
		t.Errorf("playback does not contain the scaled echo sample %d", want)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run() error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return within 5s after cancellation")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}

	if len(hw.display.Messages()) == 0 {
		t.Error("nothing was displayed")
	}
}

func TestApp_StartsOffline(t *testing.T) {
	t.Parallel()

	hw := newTestHardware(sim.Silence())
	application, err := app.New(context.Background(), testConfig(),
		app.WithHardware(hw.Hardware),
		app.WithDialer(refusingDialer),
	)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- application.Run(ctx) }()

	waitFor(t, "idle screen", func() bool { return len(hw.display.Messages()) > 0 })
	if application.Connected() {
		t.Error("Connected() = true with a failing dialer")
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run() error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return within 5s after cancellation")
	}
}

func TestApp_Handler(t *testing.T) {
	t.Parallel()

	hw := newTestHardware(sim.Silence())
	application, err := app.New(context.Background(), testConfig(), app.WithHardware(hw.Hardware))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	h := application.Handler()

	tests := []struct {
		name   string
		method string
		path   string
		want   int
	}{
		{name: "press volume up", method: http.MethodPost, path: "/buttons/volume_up?hold=1m", want: http.StatusAccepted},
		{name: "unknown button", method: http.MethodPost, path: "/buttons/power", want: http.StatusNotFound},
		{name: "bad hold", method: http.MethodPost, path: "/buttons/start?hold=soon", want: http.StatusBadRequest},
		{name: "wrong method", method: http.MethodGet, path: "/buttons/start", want: http.StatusMethodNotAllowed},
		{name: "not ready while offline", method: http.MethodGet, path: "/readyz", want: http.StatusServiceUnavailable},
		{name: "healthz", method: http.MethodGet, path: "/healthz", want: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))
			if rec.Code != tt.want {
				t.Errorf("%s %s = %d, want %d", tt.method, tt.path, rec.Code, tt.want)
			}
		})
	}

	if !hw.buttons.VolumeUpPressed() {
		t.Error("volume_up not held after POST")
	}
	if hw.buttons.StartPressed() {
		t.Error("start pressed by a rejected request")
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/statusz", nil))
	var status struct {
		State     string `json:"state"`
		Connected bool   `json:"connected"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode /statusz: %v (body %q)", err, rec.Body.String())
	}
	if status.State != "idle" || status.Connected {
		t.Errorf("/statusz = %+v, want idle and disconnected", status)
	}
}

func TestApp_ApplyConfig(t *testing.T) {
	t.Parallel()

	lv := new(slog.LevelVar)
	hw := newTestHardware(sim.Silence())
	application, err := app.New(context.Background(), testConfig(),
		app.WithHardware(hw.Hardware),
		app.WithDialer(refusingDialer),
		app.WithLogLevel(lv),
	)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	old := testConfig()
	updated := testConfig()
	updated.LogLevel = config.LogDebug
	updated.Device.VAD.EnergyThreshold = 500
	updated.Device.UI.SleepUpper = "Goodnight"

	application.ApplyConfig(config.Diff(old, updated))

	if lv.Level() != slog.LevelDebug {
		t.Errorf("log level = %v, want debug", lv.Level())
	}

	// The new idle text shows once the machine enters Idle.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- application.Run(ctx) }()
	waitFor(t, "new idle text", func() bool {
		return slices.ContainsFunc(hw.display.Messages(), func(m sim.Message) bool { return m.Upper == "Goodnight" })
	})
	cancel()
	<-errCh
}
