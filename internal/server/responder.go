package server

import (
	"context"
	"fmt"
	"time"

	"github.com/MrWong99/voicebox/internal/config"
	"github.com/MrWong99/voicebox/internal/resilience"
	"github.com/MrWong99/voicebox/pkg/audio"
)

// Segment is one utterance received from a device, START_VOICE to
// STOP_VOICE.
type Segment struct {
	// ID is unique per segment and used for logs and recordings.
	ID string

	// Remote is the peer address of the device connection.
	Remote string

	// Samples holds the mono int16 audio at SampleRate.
	Samples []int16

	SampleRate int

	// Truncated reports that audio beyond the server's segment limit was
	// dropped.
	Truncated bool

	ReceivedAt time.Time
}

// Duration returns the playback length of the segment.
func (s Segment) Duration() time.Duration {
	return audio.Duration(len(s.Samples), s.SampleRate)
}

// Reply is what a device plays back and displays.
type Reply struct {
	Audio []int16
	Text  string
}

// Responder turns a segment into a reply. Implementations must be safe for
// concurrent use; each device connection calls Respond from its own
// goroutine.
type Responder interface {
	Respond(ctx context.Context, seg Segment) (Reply, error)
}

// ResponderFunc adapts a function to [Responder].
type ResponderFunc func(ctx context.Context, seg Segment) (Reply, error)

// Respond calls f.
func (f ResponderFunc) Respond(ctx context.Context, seg Segment) (Reply, error) {
	return f(ctx, seg)
}

// Responders is the registry of named responder factories. Packages that
// provide a responder register it from main.
var Responders = config.NewRegistry[Responder]("responder")

// Fallback tries each responder in order until one succeeds. Every entry gets
// its own circuit breaker so a failing upstream is skipped quickly.
type Fallback struct {
	group *resilience.FallbackGroup[Responder]
}

// NewFallback builds a chain with primary first.
func NewFallback(primaryName string, primary Responder, cfg resilience.FallbackConfig) *Fallback {
	return &Fallback{group: resilience.NewFallbackGroup(primary, primaryName, cfg)}
}

// Add appends a responder to the chain. Must not be called concurrently with
// Respond.
func (f *Fallback) Add(name string, r Responder) *Fallback {
	f.group.AddFallback(name, r)
	return f
}

// Names returns the chain order.
func (f *Fallback) Names() []string { return f.group.Names() }

// Respond implements [Responder].
func (f *Fallback) Respond(ctx context.Context, seg Segment) (Reply, error) {
	reply, _, err := resilience.ExecuteWithResult(ctx, f.group, func(ctx context.Context, r Responder) (Reply, error) {
		return r.Respond(ctx, seg)
	})
	if err != nil {
		return Reply{}, fmt.Errorf("server: respond: %w", err)
	}
	return reply, nil
}
