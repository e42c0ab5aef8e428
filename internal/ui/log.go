package ui

import (
	"log/slog"

	"github.com/MrWong99/voicebox/internal/hal"
)

// LogSink renders display and indicator updates as structured log records.
// It is the sink of headless devices.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// ShowMessage implements [hal.Display].
func (s LogSink) ShowMessage(upper, lower string, mode hal.DisplayMode) {
	s.logger().Info("display", "upper", upper, "lower", lower, "mode", mode.String())
}

// SetIndicator implements [hal.Indicator].
func (s LogSink) SetIndicator(state hal.IndicatorState) {
	s.logger().Info("indicator", "state", state.String())
}
