package bus

import (
	"github.com/MrWong99/voicebox/internal/hal"
	"github.com/MrWong99/voicebox/internal/wire"
)

// NetKind tags a [NetMessage].
type NetKind int

const (
	NetAudio NetKind = iota
	NetSignal
)

// String returns the kind name.
func (k NetKind) String() string {
	if k == NetSignal {
		return "signal"
	}
	return "audio"
}

// NetMessage is the network queue's message: an audio chunk or a control
// signal.
type NetMessage struct {
	Kind   NetKind
	Audio  *Samples
	Signal wire.Signal
}

// AudioMessage wraps an owned sample buffer.
func AudioMessage(s *Samples) NetMessage {
	return NetMessage{Kind: NetAudio, Audio: s}
}

// SignalMessage wraps a control signal.
func SignalMessage(sig wire.Signal) NetMessage {
	return NetMessage{Kind: NetSignal, Signal: sig}
}

// Release frees any attached buffer.
func (m NetMessage) Release() {
	if m.Kind == NetAudio {
		m.Audio.Release()
	}
}

// DisplayUpdate is the display queue's message.
type DisplayUpdate struct {
	Upper string
	Lower string
	Mode  hal.DisplayMode
}

// IndicatorUpdate is the indicator queue's message.
type IndicatorUpdate struct {
	State hal.IndicatorState
}
