// Package hal defines the boundary between the voice pipeline and the
// device's peripherals: microphone, speaker, buttons, display, and the
// status indicator.
//
// Implementations live in sub-packages: sim for tests and headless runs,
// hostaudio for a host sound card.
package hal

import "context"

// Capture reads fixed-rate mono 16-bit audio.
type Capture interface {
	// ReadFrame blocks until buf is filled or an error occurs, and returns
	// the number of samples read.
	ReadFrame(ctx context.Context, buf []int16) (int, error)
}

// Playback writes mono 16-bit audio to the output device.
type Playback interface {
	// WriteFrame blocks until the output accepted samples from buf and
	// returns how many were accepted.
	WriteFrame(ctx context.Context, buf []int16) (int, error)
}

// Buttons exposes the momentary inputs as level-triggered booleans. Debouncing
// happens below this interface.
type Buttons interface {
	StartPressed() bool
	VolumeUpPressed() bool
	VolumeDownPressed() bool
}

// DisplayMode controls how the display renders a message.
type DisplayMode int

const (
	// ModeStatic shows both lines without animation.
	ModeStatic DisplayMode = iota

	// ModeScrolling scrolls the lower line horizontally.
	ModeScrolling

	// ModeSleepStatic is the idle screen shown between sessions.
	ModeSleepStatic
)

// String returns the mode name.
func (m DisplayMode) String() string {
	switch m {
	case ModeStatic:
		return "static"
	case ModeScrolling:
		return "scrolling"
	case ModeSleepStatic:
		return "sleep"
	default:
		return "unknown"
	}
}

// IndicatorState is the semantic status shown on the device LED.
type IndicatorState int

const (
	IndicatorStandby IndicatorState = iota
	IndicatorArmed
	IndicatorListening
	IndicatorBusy
	IndicatorReplying
)

// String returns the state name.
func (s IndicatorState) String() string {
	switch s {
	case IndicatorStandby:
		return "standby"
	case IndicatorArmed:
		return "armed"
	case IndicatorListening:
		return "listening"
	case IndicatorBusy:
		return "busy"
	case IndicatorReplying:
		return "replying"
	default:
		return "unknown"
	}
}

// Display renders two lines of text.
type Display interface {
	ShowMessage(upper, lower string, mode DisplayMode)
}

// Indicator maps an [IndicatorState] onto the LED.
type Indicator interface {
	SetIndicator(state IndicatorState)
}
