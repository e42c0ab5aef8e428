package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/voicebox/internal/hal"
)

// Defaults matching the output DMA period.
const (
	DefaultChunkSamples    = 1024
	DefaultTrailingSilence = 8
)

var errNoProgress = errors.New("playback: device accepted no samples")

// Player writes audio to a [hal.Playback] in fixed-size chunks and pads the
// end with silence so the output pipeline flushes the tail of the reply.
type Player struct {
	out      hal.Playback
	chunk    int
	trailing int
	silence  []int16
}

// PlayerOption configures a [Player].
type PlayerOption func(*Player)

// WithChunkSamples sets the write size in samples.
func WithChunkSamples(n int) PlayerOption {
	return func(p *Player) {
		if n > 0 {
			p.chunk = n
		}
	}
}

// WithTrailingSilence sets how many silent chunks follow each reply.
func WithTrailingSilence(n int) PlayerOption {
	return func(p *Player) {
		if n >= 0 {
			p.trailing = n
		}
	}
}

// NewPlayer returns a Player writing to out.
func NewPlayer(out hal.Playback, opts ...PlayerOption) *Player {
	p := &Player{
		out:      out,
		chunk:    DefaultChunkSamples,
		trailing: DefaultTrailingSilence,
	}
	for _, o := range opts {
		o(p)
	}
	p.silence = make([]int16, p.chunk)
	return p
}

// Play writes samples followed by the trailing silence. Each chunk is written
// until the device accepted all of it. Cancellation is only checked between
// chunks.
func (p *Player) Play(ctx context.Context, samples []int16) error {
	chunks := 0
	for off := 0; off < len(samples); off += p.chunk {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(off+p.chunk, len(samples))
		if err := p.writeChunk(ctx, samples[off:end]); err != nil {
			return err
		}
		chunks++
	}
	for range p.trailing {
		if err := p.writeChunk(ctx, p.silence); err != nil {
			return err
		}
	}
	slog.Debug("playback finished", "samples", len(samples), "chunks", chunks, "trailing", p.trailing)
	return nil
}

func (p *Player) writeChunk(ctx context.Context, chunk []int16) error {
	for len(chunk) > 0 {
		n, err := p.out.WriteFrame(ctx, chunk)
		if err != nil {
			return fmt.Errorf("playback: write: %w", err)
		}
		if n <= 0 {
			return errNoProgress
		}
		chunk = chunk[min(n, len(chunk)):]
	}
	return nil
}
