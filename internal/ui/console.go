package ui

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/MrWong99/voicebox/internal/hal"
)

// DefaultWidth is the console panel width in cells.
const DefaultWidth = 40

// indicatorColors maps indicator states to LED colors.
var indicatorColors = map[hal.IndicatorState]lipgloss.Color{
	hal.IndicatorStandby:   lipgloss.Color("#6e7681"),
	hal.IndicatorArmed:     lipgloss.Color("#3b82f6"),
	hal.IndicatorListening: lipgloss.Color("#00ff9f"),
	hal.IndicatorBusy:      lipgloss.Color("#facc15"),
	hal.IndicatorReplying:  lipgloss.Color("#d946ef"),
}

// ConsoleSink draws the two-line display and the indicator as a small
// terminal panel. Every update redraws the panel.
type ConsoleSink struct {
	w     io.Writer
	width int

	panel lipgloss.Style
	upper lipgloss.Style
	lower lipgloss.Style
	sleep lipgloss.Style

	mu        sync.Mutex
	upperText string
	lowerText string
	mode      hal.DisplayMode
	state     hal.IndicatorState
}

// NewConsoleSink returns a sink writing to w. A non-positive width selects
// [DefaultWidth].
func NewConsoleSink(w io.Writer, width int) *ConsoleSink {
	if width <= 0 {
		width = DefaultWidth
	}
	return &ConsoleSink{
		w:     w,
		width: width,
		panel: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			Padding(0, 1).
			Width(width),
		upper: lipgloss.NewStyle().Bold(true),
		lower: lipgloss.NewStyle(),
		sleep: lipgloss.NewStyle().Faint(true),
	}
}

// ShowMessage implements [hal.Display].
func (c *ConsoleSink) ShowMessage(upper, lower string, mode hal.DisplayMode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.upperText, c.lowerText, c.mode = upper, lower, mode
	c.draw()
}

// SetIndicator implements [hal.Indicator].
func (c *ConsoleSink) SetIndicator(state hal.IndicatorState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = state
	c.draw()
}

// Render returns the panel for the current display and indicator state.
func (c *ConsoleSink) Render() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.render()
}

func (c *ConsoleSink) render() string {
	led := lipgloss.NewStyle().Foreground(indicatorColors[c.state]).Render("●")
	header := led + " " + c.upper.Render(c.upperText)

	lower := c.lowerText
	style := c.lower
	switch c.mode {
	case hal.ModeSleepStatic:
		style = c.sleep
		header = led + " " + c.sleep.Render(c.upperText)
	case hal.ModeStatic:
		// A static line is cut to the panel; scrolling text wraps instead.
		if inner := c.width - 4; inner > 0 && lipgloss.Width(lower) > inner {
			lower = truncate(lower, inner)
		}
	}
	return c.panel.Render(header + "\n" + style.Render(lower))
}

func (c *ConsoleSink) draw() {
	_, _ = fmt.Fprintln(c.w, c.render())
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 1 {
		return string(r[:n])
	}
	return strings.TrimSpace(string(r[:n-1])) + "…"
}
