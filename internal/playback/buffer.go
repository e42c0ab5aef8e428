// Package playback holds the reply audio between the network read and the
// speaker, and feeds it to the output device in fixed-size chunks.
package playback

import "github.com/MrWong99/voicebox/internal/volume"

// DefaultCapacity is the reply buffer size in samples (2 MiB of audio).
const DefaultCapacity = 1 << 20

// ReplyBuffer is a pre-allocated sample store reused across sessions. It is
// not safe for concurrent use: the session state machine guarantees that the
// fill (AwaitingReply) and the drain (Playing) never overlap.
type ReplyBuffer struct {
	buf []int16
	n   int
}

// NewReplyBuffer allocates a buffer of capacity samples. A non-positive
// capacity selects [DefaultCapacity].
func NewReplyBuffer(capacity int) *ReplyBuffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &ReplyBuffer{buf: make([]int16, capacity)}
}

// Buffer returns the full backing array for a reader to fill. Call SetLen
// afterwards.
func (b *ReplyBuffer) Buffer() []int16 { return b.buf }

// Cap returns the capacity in samples.
func (b *ReplyBuffer) Cap() int { return len(b.buf) }

// SetLen records how many samples of Buffer hold the current reply.
func (b *ReplyBuffer) SetLen(n int) {
	b.n = max(0, min(n, len(b.buf)))
}

// Len returns the number of valid samples.
func (b *ReplyBuffer) Len() int { return b.n }

// Samples returns the current reply.
func (b *ReplyBuffer) Samples() []int16 { return b.buf[:b.n] }

// Scale applies gain to the current reply in place.
func (b *ReplyBuffer) Scale(gain float64) {
	volume.Scale(b.Samples(), gain)
}

// Reset empties the buffer without releasing storage.
func (b *ReplyBuffer) Reset() { b.n = 0 }
