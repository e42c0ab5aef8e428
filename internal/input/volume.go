// Package input polls the device's volume inputs.
package input

import (
	"context"
	"log/slog"
	"time"

	"github.com/MrWong99/voicebox/internal/hal"
	"github.com/MrWong99/voicebox/internal/observe"
	"github.com/MrWong99/voicebox/internal/volume"
)

// DefaultPoll is the button polling interval.
const DefaultPoll = 100 * time.Millisecond

// VolumeButtons turns presses of the volume inputs into volume steps. Each
// press changes the volume once, however long it is held.
type VolumeButtons struct {
	buttons hal.Buttons
	vol     *volume.Cell
	poll    time.Duration
	metrics *observe.Metrics

	upHeld   bool
	downHeld bool
}

// NewVolumeButtons returns a poller. A non-positive poll selects
// [DefaultPoll]; a nil metrics uses [observe.DefaultMetrics].
func NewVolumeButtons(buttons hal.Buttons, vol *volume.Cell, poll time.Duration, metrics *observe.Metrics) *VolumeButtons {
	if poll <= 0 {
		poll = DefaultPoll
	}
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &VolumeButtons{buttons: buttons, vol: vol, poll: poll, metrics: metrics}
}

// Run polls until ctx is done. It always returns nil.
func (v *VolumeButtons) Run(ctx context.Context) error {
	ticker := time.NewTicker(v.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			v.Poll(ctx)
		}
	}
}

// Poll samples the inputs once.
func (v *VolumeButtons) Poll(ctx context.Context) {
	up := v.buttons.VolumeUpPressed()
	down := v.buttons.VolumeDownPressed()

	if up && !v.upHeld {
		v.step(ctx, "up", v.vol.Up)
	}
	if down && !v.downHeld {
		v.step(ctx, "down", v.vol.Down)
	}
	v.upHeld, v.downHeld = up, down
}

func (v *VolumeButtons) step(ctx context.Context, direction string, fn func() float64) {
	level := fn()
	v.metrics.RecordVolumeChange(ctx, direction)
	slog.Info("volume changed", "direction", direction, "volume", level)
}
