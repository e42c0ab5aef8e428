package sim

import (
	"sync"

	"github.com/MrWong99/voicebox/internal/hal"
)

// Message is one recorded display update.
type Message struct {
	Upper string
	Lower string
	Mode  hal.DisplayMode
}

// Display records every message shown.
type Display struct {
	mu       sync.Mutex
	messages []Message
}

// ShowMessage implements hal.Display.
func (d *Display) ShowMessage(upper, lower string, mode hal.DisplayMode) {
	d.mu.Lock()
	d.messages = append(d.messages, Message{Upper: upper, Lower: lower, Mode: mode})
	d.mu.Unlock()
}

// Messages returns a copy of the recorded messages.
func (d *Display) Messages() []Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Message, len(d.messages))
	copy(out, d.messages)
	return out
}

// Indicator records every state set.
type Indicator struct {
	mu     sync.Mutex
	states []hal.IndicatorState
}

// SetIndicator implements hal.Indicator.
func (i *Indicator) SetIndicator(state hal.IndicatorState) {
	i.mu.Lock()
	i.states = append(i.states, state)
	i.mu.Unlock()
}

// States returns a copy of the recorded states.
func (i *Indicator) States() []hal.IndicatorState {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]hal.IndicatorState, len(i.states))
	copy(out, i.states)
	return out
}
