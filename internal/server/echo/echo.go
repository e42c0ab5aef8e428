// Package echo provides a responder that plays each segment back to the
// device. It needs no external services, which makes it the default and the
// usual fallback for the assistant.
package echo

import (
	"context"
	"fmt"
	"time"

	"github.com/MrWong99/voicebox/internal/config"
	"github.com/MrWong99/voicebox/internal/server"
)

// Responder echoes audio with a short description as text.
type Responder struct {
	// MaxDuration caps the echoed audio. Zero echoes everything.
	MaxDuration time.Duration
}

var _ server.Responder = (*Responder)(nil)

// New returns an echo responder. entry.Options["max_duration"] may hold a
// duration string such as "10s".
func New(entry config.ProviderEntry) (server.Responder, error) {
	r := &Responder{}
	if v, ok := entry.Options["max_duration"]; ok {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("echo: max_duration must be a duration string, got %T", v)
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, fmt.Errorf("echo: max_duration: %w", err)
		}
		r.MaxDuration = d
	}
	return r, nil
}

// Respond implements [server.Responder].
func (r *Responder) Respond(_ context.Context, seg server.Segment) (server.Reply, error) {
	samples := seg.Samples
	if r.MaxDuration > 0 && seg.SampleRate > 0 {
		limit := int(r.MaxDuration.Seconds() * float64(seg.SampleRate))
		if len(samples) > limit {
			samples = samples[:limit]
		}
	}
	text := fmt.Sprintf("heard %.1fs", seg.Duration().Seconds())
	if len(seg.Samples) == 0 {
		text = "heard nothing"
	}
	return server.Reply{Audio: samples, Text: text}, nil
}
