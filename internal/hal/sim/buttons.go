package sim

import (
	"sync/atomic"
	"time"
)

// Button names one of the device inputs.
type Button int

const (
	Start Button = iota
	VolumeUp
	VolumeDown
	numButtons
)

// String returns the button name.
func (b Button) String() string {
	switch b {
	case Start:
		return "start"
	case VolumeUp:
		return "volume_up"
	case VolumeDown:
		return "volume_down"
	default:
		return "unknown"
	}
}

// ParseButton maps a name produced by [Button.String] back to a Button.
func ParseButton(name string) (Button, bool) {
	for b := range numButtons {
		if b.String() == name {
			return b, true
		}
	}
	return 0, false
}

// Buttons is a level-triggered [hal.Buttons] whose levels are set by the
// caller.
type Buttons struct {
	levels [numButtons]atomic.Bool
}

// Set sets the level of b.
func (s *Buttons) Set(b Button, pressed bool) {
	if b < 0 || b >= numButtons {
		return
	}
	s.levels[b].Store(pressed)
}

// Press holds b down.
func (s *Buttons) Press(b Button) { s.Set(b, true) }

// Release lets go of b.
func (s *Buttons) Release(b Button) { s.Set(b, false) }

// Pulse presses b and releases it after d.
func (s *Buttons) Pulse(b Button, d time.Duration) {
	s.Press(b)
	time.AfterFunc(d, func() { s.Release(b) })
}

func (s *Buttons) StartPressed() bool      { return s.levels[Start].Load() }
func (s *Buttons) VolumeUpPressed() bool   { return s.levels[VolumeUp].Load() }
func (s *Buttons) VolumeDownPressed() bool { return s.levels[VolumeDown].Load() }
