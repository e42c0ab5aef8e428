// Package session implements the device's session state machine: one voice
// interaction from the start input to the return to Idle, looping through
// listening, streaming a segment, awaiting the reply and playing it.
package session

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// State is the machine's current phase.
type State int

const (
	StateIdle State = iota
	StateListening
	StateStreaming
	StateAwaitingReply
	StatePlaying
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateStreaming:
		return "streaming"
	case StateAwaitingReply:
		return "awaiting_reply"
	case StatePlaying:
		return "playing"
	default:
		return "unknown"
	}
}

// VoiceSession is one end-to-end interaction. It is owned by the machine
// goroutine; others see copies through [Machine.Snapshot].
type VoiceSession struct {
	ID             string
	StartedAt      time.Time
	LastLoudAt     time.Time
	TotalBytesSent int64
	Segments       int
	Replies        int

	segmentBytes int64
	stopped      bool
}

func newVoiceSession(now time.Time) *VoiceSession {
	return &VoiceSession{ID: uuid.NewString(), StartedAt: now}
}

// Clock supplies time to the machine. Tests substitute a virtual clock.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// SystemClock is the wall clock.
type SystemClock struct{}

// Now returns time.Now().
func (SystemClock) Now() time.Time { return time.Now() }

// Sleep waits for d or until ctx is done.
func (SystemClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
