package sim

import (
	"context"
	"math"
	"sync"
	"time"
)

// DefaultSampleRate is the device capture rate.
const DefaultSampleRate = 16000

// Generator fills buf with the samples of frame number index.
type Generator func(index int, buf []int16)

// Silence produces all-zero frames.
func Silence() Generator {
	return func(_ int, buf []int16) { clear(buf) }
}

// Constant fills every sample with v. Its energy is v*v.
func Constant(v int16) Generator {
	return func(_ int, buf []int16) {
		for i := range buf {
			buf[i] = v
		}
	}
}

// Step is one stretch of a [Script].
type Step struct {
	Frames int
	Gen    Generator
}

// Script plays steps in order, each for its number of frames, then repeats
// the last step forever.
func Script(steps ...Step) Generator {
	return func(index int, buf []int16) {
		for _, s := range steps {
			if index < s.Frames {
				s.Gen(index, buf)
				return
			}
			index -= s.Frames
		}
		if len(steps) == 0 {
			clear(buf)
			return
		}
		steps[len(steps)-1].Gen(index, buf)
	}
}

// Talker alternates speech bursts and pauses, measured in frames. The burst
// is a 440 Hz tone at amplitude amp.
func Talker(rate, frameSamples, speech, pause int, amp float64) Generator {
	period := max(speech+pause, 1)
	return func(index int, buf []int16) {
		if index%period >= speech {
			clear(buf)
			return
		}
		base := index * frameSamples
		for i := range buf {
			t := float64(base+i) / float64(rate)
			buf[i] = int16(amp * math.Sin(2*math.Pi*440*t))
		}
	}
}

// Loop plays clip, then gap samples of silence, and repeats. It keeps its own
// position, so frames of any size stay contiguous.
func Loop(clip []int16, gap int) Generator {
	period := len(clip) + max(gap, 0)
	pos := 0
	return func(_ int, buf []int16) {
		if period == 0 {
			clear(buf)
			return
		}
		for i := range buf {
			if pos < len(clip) {
				buf[i] = clip[pos]
			} else {
				buf[i] = 0
			}
			pos = (pos + 1) % period
		}
	}
}

// Capture is a scripted [hal.Capture]. Each ReadFrame call produces one
// generated frame of len(buf) samples.
type Capture struct {
	rate  int
	gen   Generator
	clock *Clock

	mu      sync.Mutex
	index   int
	onFrame func(index int)
	err     error
}

// CaptureOption configures a [Capture].
type CaptureOption func(*Capture)

// WithClock makes every read advance clock by the frame duration instead of
// pacing in real time.
func WithClock(c *Clock) CaptureOption {
	return func(cp *Capture) { cp.clock = c }
}

// WithSampleRate sets the virtual sample rate.
func WithSampleRate(rate int) CaptureOption {
	return func(cp *Capture) {
		if rate > 0 {
			cp.rate = rate
		}
	}
}

// OnFrame registers fn to run after each frame is produced, with the frame
// index. Tests use it to press buttons at a given point in the audio.
func OnFrame(fn func(index int)) CaptureOption {
	return func(cp *Capture) { cp.onFrame = fn }
}

// NewCapture returns a Capture producing frames from gen.
func NewCapture(gen Generator, opts ...CaptureOption) *Capture {
	c := &Capture{rate: DefaultSampleRate, gen: gen}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Fail makes subsequent reads return err.
func (c *Capture) Fail(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
}

// Frames returns how many frames were read.
func (c *Capture) Frames() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.index
}

// ReadFrame implements hal.Capture.
func (c *Capture) ReadFrame(ctx context.Context, buf []int16) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	d := time.Duration(len(buf)) * time.Second / time.Duration(c.rate)
	if c.clock != nil {
		c.clock.Advance(d)
	} else {
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return 0, ctx.Err()
		case <-t.C:
		}
	}

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return 0, err
	}
	idx := c.index
	c.index++
	fn := c.onFrame
	c.mu.Unlock()

	c.gen(idx, buf)
	if fn != nil {
		fn(idx)
	}
	return len(buf), nil
}
