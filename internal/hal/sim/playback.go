package sim

import (
	"context"
	"sync"
)

// Playback records everything written to it.
type Playback struct {
	mu      sync.Mutex
	samples []int16
	writes  int

	// MaxWrite limits how many samples a single WriteFrame accepts, to
	// exercise partial writes. Zero accepts everything.
	MaxWrite int

	// Keep bounds the recording to the newest Keep samples. Zero keeps
	// everything.
	Keep int
}

// WriteFrame implements hal.Playback.
func (p *Playback) WriteFrame(ctx context.Context, buf []int16) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(buf)
	if p.MaxWrite > 0 {
		n = min(n, p.MaxWrite)
	}
	p.samples = append(p.samples, buf[:n]...)
	if p.Keep > 0 && len(p.samples) > p.Keep {
		p.samples = append(p.samples[:0], p.samples[len(p.samples)-p.Keep:]...)
	}
	p.writes++
	return n, nil
}

// Samples returns a copy of everything played so far.
func (p *Playback) Samples() []int16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]int16, len(p.samples))
	copy(out, p.samples)
	return out
}

// Writes returns the number of WriteFrame calls.
func (p *Playback) Writes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writes
}
