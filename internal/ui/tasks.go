// Package ui runs the display and indicator consumer tasks and provides the
// sinks they render to.
package ui

import (
	"context"
	"time"

	"github.com/MrWong99/voicebox/internal/bus"
	"github.com/MrWong99/voicebox/internal/hal"
)

// Poll intervals of the consumer tasks.
const (
	DisplayPoll   = 50 * time.Millisecond
	IndicatorPoll = 100 * time.Millisecond
)

// RunDisplay forwards display updates to sink until ctx is done or the
// queue is closed. It always returns nil.
func RunDisplay(ctx context.Context, q *bus.Queue[bus.DisplayUpdate], sink hal.Display) error {
	return consume(ctx, q, DisplayPoll, func(u bus.DisplayUpdate) {
		sink.ShowMessage(u.Upper, u.Lower, u.Mode)
	})
}

// RunIndicator forwards indicator updates to sink until ctx is done or the
// queue is closed. It always returns nil.
func RunIndicator(ctx context.Context, q *bus.Queue[bus.IndicatorUpdate], sink hal.Indicator) error {
	return consume(ctx, q, IndicatorPoll, func(u bus.IndicatorUpdate) {
		sink.SetIndicator(u.State)
	})
}

func consume[T any](ctx context.Context, q *bus.Queue[T], poll time.Duration, fn func(T)) error {
	for {
		msg, ok := q.Dequeue(ctx, poll)
		if ok {
			fn(msg)
			continue
		}
		if ctx.Err() != nil || q.Closed() {
			return nil
		}
	}
}
