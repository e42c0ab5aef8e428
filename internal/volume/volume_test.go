package volume_test

import (
	"slices"
	"sync"
	"testing"

	"github.com/MrWong99/voicebox/internal/volume"
)

func TestCell_ThreeStepsUp(t *testing.T) {
	t.Parallel()

	c := volume.New(0.30)
	for range 3 {
		c.Up()
	}
	if got := c.Get(); got != 0.60 {
		t.Fatalf("expected volume 0.60, got %v", got)
	}

	reply := []int16{1000, -1000}
	volume.Scale(reply, c.Get())
	if !slices.Equal(reply, []int16{600, -600}) {
		t.Errorf("expected [600 -600], got %v", reply)
	}
}

func TestCell_Clamps(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		start float64
		steps int
		up    bool
		want  float64
	}{
		{name: "ceiling", start: 0.9, steps: 5, up: true, want: volume.Max},
		{name: "floor", start: 0.2, steps: 5, up: false, want: volume.Min},
		{name: "single down", start: 0.3, steps: 1, up: false, want: 0.2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := volume.New(tt.start)
			for range tt.steps {
				if tt.up {
					c.Up()
				} else {
					c.Down()
				}
			}
			if got := c.Get(); got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestNew_ClampsInitial(t *testing.T) {
	t.Parallel()

	if got := volume.New(5).Get(); got != volume.Max {
		t.Errorf("expected %v, got %v", volume.Max, got)
	}
	if got := volume.New(-1).Get(); got != volume.Min {
		t.Errorf("expected %v, got %v", volume.Min, got)
	}
}

func TestScale_Deterministic(t *testing.T) {
	t.Parallel()

	raw := []int16{32767, -32768, 1234, -7, 0}
	a := slices.Clone(raw)
	b := slices.Clone(raw)
	volume.Scale(a, 0.47)
	volume.Scale(b, 0.47)
	if !slices.Equal(a, b) {
		t.Errorf("expected identical output, got %v and %v", a, b)
	}
}

func TestCell_ConcurrentAccess(t *testing.T) {
	t.Parallel()

	c := volume.New(volume.Default)
	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				if i%2 == 0 {
					c.Up()
				} else {
					c.Down()
				}
				_ = c.Get()
			}
		}()
	}
	wg.Wait()

	if v := c.Get(); v < volume.Min || v > volume.Max {
		t.Errorf("volume %v escaped [%v, %v]", v, volume.Min, volume.Max)
	}
}
