package input_test

import (
	"context"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/voicebox/internal/hal/sim"
	"github.com/MrWong99/voicebox/internal/input"
	"github.com/MrWong99/voicebox/internal/observe"
	"github.com/MrWong99/voicebox/internal/volume"
)

func newPoller(t *testing.T) (*input.VolumeButtons, *sim.Buttons, *volume.Cell) {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatal(err)
	}
	b := &sim.Buttons{}
	vol := volume.New(volume.Default)
	return input.NewVolumeButtons(b, vol, time.Millisecond, m), b, vol
}

func TestVolumeButtons_OneStepPerPress(t *testing.T) {
	t.Parallel()

	p, b, vol := newPoller(t)
	ctx := context.Background()

	for range 3 {
		b.Press(sim.VolumeUp)
		p.Poll(ctx)
		p.Poll(ctx) // still held
		b.Release(sim.VolumeUp)
		p.Poll(ctx)
	}
	if got := vol.Get(); got != 0.6 {
		t.Errorf("expected 0.6 after three presses, got %v", got)
	}

	b.Press(sim.VolumeDown)
	p.Poll(ctx)
	if got := vol.Get(); got != 0.5 {
		t.Errorf("expected 0.5, got %v", got)
	}
}

func TestVolumeButtons_Clamps(t *testing.T) {
	t.Parallel()

	p, b, vol := newPoller(t)
	ctx := context.Background()
	for range 20 {
		b.Press(sim.VolumeUp)
		p.Poll(ctx)
		b.Release(sim.VolumeUp)
		p.Poll(ctx)
	}
	if got := vol.Get(); got != volume.Max {
		t.Errorf("expected ceiling %v, got %v", volume.Max, got)
	}
}

func TestVolumeButtons_Run(t *testing.T) {
	t.Parallel()

	p, b, vol := newPoller(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = p.Run(ctx)
		close(done)
	}()

	b.Press(sim.VolumeUp)
	deadline := time.Now().Add(time.Second)
	for vol.Get() == volume.Default && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-done

	if got := vol.Get(); got != 0.4 {
		t.Errorf("expected a single step to 0.4 while held, got %v", got)
	}
}
