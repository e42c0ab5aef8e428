package sim_test

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/voicebox/internal/hal"
	"github.com/MrWong99/voicebox/internal/hal/sim"
)

// Compile-time interface assertions.
var (
	_ hal.Capture   = (*sim.Capture)(nil)
	_ hal.Playback  = (*sim.Playback)(nil)
	_ hal.Buttons   = (*sim.Buttons)(nil)
	_ hal.Display   = (*sim.Display)(nil)
	_ hal.Indicator = (*sim.Indicator)(nil)
)

func TestCapture_AdvancesClock(t *testing.T) {
	t.Parallel()

	start := time.Unix(1000, 0)
	clock := sim.NewClock(start)
	c := sim.NewCapture(sim.Silence(), sim.WithClock(clock))

	buf := make([]int16, 1600)
	for range 10 {
		if _, err := c.ReadFrame(context.Background(), buf); err != nil {
			t.Fatal(err)
		}
	}
	if got := clock.Now().Sub(start); got != time.Second {
		t.Errorf("expected 1s of virtual time, got %v", got)
	}
	if c.Frames() != 10 {
		t.Errorf("expected 10 frames, got %d", c.Frames())
	}
}

func TestScript(t *testing.T) {
	t.Parallel()

	gen := sim.Script(
		sim.Step{Frames: 2, Gen: sim.Silence()},
		sim.Step{Frames: 1, Gen: sim.Constant(500)},
		sim.Step{Frames: 1, Gen: sim.Constant(7)},
	)
	want := []int16{0, 0, 500, 7, 7, 7}
	buf := make([]int16, 1)
	for i, w := range want {
		gen(i, buf)
		if buf[0] != w {
			t.Errorf("frame %d: expected %d, got %d", i, w, buf[0])
		}
	}
}

func TestCapture_OnFrameAndFail(t *testing.T) {
	t.Parallel()

	var seen []int
	c := sim.NewCapture(sim.Silence(),
		sim.WithClock(sim.NewClock(time.Time{})),
		sim.OnFrame(func(i int) { seen = append(seen, i) }),
	)
	buf := make([]int16, 16)
	_, _ = c.ReadFrame(context.Background(), buf)
	_, _ = c.ReadFrame(context.Background(), buf)

	boom := errors.New("dma fault")
	c.Fail(boom)
	if _, err := c.ReadFrame(context.Background(), buf); !errors.Is(err, boom) {
		t.Errorf("expected injected error, got %v", err)
	}
	if len(seen) != 2 || seen[0] != 0 || seen[1] != 1 {
		t.Errorf("unexpected frame callbacks %v", seen)
	}
}

func TestPlayback_PartialWrites(t *testing.T) {
	t.Parallel()

	p := &sim.Playback{MaxWrite: 3}
	n, err := p.WriteFrame(context.Background(), []int16{1, 2, 3, 4, 5})
	if err != nil || n != 3 {
		t.Fatalf("expected 3 samples accepted, got %d (%v)", n, err)
	}
	if got := p.Samples(); len(got) != 3 || got[2] != 3 {
		t.Errorf("unexpected recorded samples %v", got)
	}
}

func TestPlayback_Keep(t *testing.T) {
	t.Parallel()

	p := &sim.Playback{Keep: 4}
	ctx := context.Background()
	_, _ = p.WriteFrame(ctx, []int16{1, 2, 3})
	_, _ = p.WriteFrame(ctx, []int16{4, 5, 6})
	if got := p.Samples(); !slices.Equal(got, []int16{3, 4, 5, 6}) {
		t.Errorf("expected newest 4 samples, got %v", got)
	}
	if p.Writes() != 2 {
		t.Errorf("expected 2 writes, got %d", p.Writes())
	}
}

func TestLoop(t *testing.T) {
	t.Parallel()

	gen := sim.Loop([]int16{1, 2, 3}, 2)
	var got []int16
	for i, n := range []int{2, 4, 3} {
		buf := make([]int16, n)
		gen(i, buf)
		got = append(got, buf...)
	}
	want := []int16{1, 2, 3, 0, 0, 1, 2, 3, 0}
	if !slices.Equal(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}

	empty := sim.Loop(nil, 0)
	buf := []int16{9, 9}
	empty(0, buf)
	if buf[0] != 0 || buf[1] != 0 {
		t.Errorf("expected silence from an empty loop, got %v", buf)
	}
}

func TestButtons(t *testing.T) {
	t.Parallel()

	var b sim.Buttons
	b.Press(sim.VolumeUp)
	if !b.VolumeUpPressed() || b.StartPressed() || b.VolumeDownPressed() {
		t.Fatal("expected only volume up pressed")
	}
	b.Release(sim.VolumeUp)
	if b.VolumeUpPressed() {
		t.Fatal("expected volume up released")
	}

	b.Pulse(sim.Start, 10*time.Millisecond)
	if !b.StartPressed() {
		t.Fatal("expected start pressed during pulse")
	}
	deadline := time.Now().Add(time.Second)
	for b.StartPressed() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if b.StartPressed() {
		t.Error("expected pulse to release start")
	}
}

func TestParseButton(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"start", "volume_up", "volume_down"} {
		b, ok := sim.ParseButton(name)
		if !ok || b.String() != name {
			t.Errorf("ParseButton(%q) = %v, %v", name, b, ok)
		}
	}
	if _, ok := sim.ParseButton("reset"); ok {
		t.Error("expected unknown button to fail")
	}
}
