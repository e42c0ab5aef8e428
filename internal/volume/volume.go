// Package volume holds the playback volume shared between the button task
// (writer) and the reply path (reader).
package volume

import (
	"math"
	"sync"
)

const (
	// Min and Max bound the setting. The device never mutes or clips fully.
	Min = 0.01
	Max = 0.99

	// Step is the change applied by one volume-up or volume-down event.
	Step = 0.1

	// Default is the power-on volume.
	Default = 0.3
)

// Cell is a mutex-guarded volume setting. The zero value is not usable; use
// [New]. Critical sections are a single read or a single bounded step.
type Cell struct {
	mu sync.Mutex
	v  float64
}

// New returns a Cell initialised to v, clamped into [Min, Max].
func New(v float64) *Cell {
	return &Cell{v: clamp(v)}
}

// Get returns the current volume.
func (c *Cell) Get() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.v
}

// Set replaces the volume, clamping into [Min, Max].
func (c *Cell) Set(v float64) {
	c.mu.Lock()
	c.v = clamp(v)
	c.mu.Unlock()
}

// Up raises the volume by one [Step] and returns the new value.
func (c *Cell) Up() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.v = clamp(round2(c.v + Step))
	return c.v
}

// Down lowers the volume by one [Step] and returns the new value.
func (c *Cell) Down() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.v = clamp(round2(c.v - Step))
	return c.v
}

// Scale multiplies every sample in place by gain, truncating toward zero.
// Applying it to identical input under identical gain yields identical output.
func Scale(samples []int16, gain float64) {
	for i, s := range samples {
		samples[i] = int16(float64(s) * gain)
	}
}

// round2 drops the floating point residue that repeated 0.1 steps leave
// behind, so three steps from 0.3 land on 0.6 exactly.
func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func clamp(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return Default
	case v < Min:
		return Min
	case v > Max:
		return Max
	}
	return v
}
