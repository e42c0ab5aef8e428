// Package hostaudio implements the audio collaborators on a host sound card
// through miniaudio. Audio is signed 16-bit mono at the configured rate.
package hostaudio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gen2brain/malgo"
	"github.com/haivivi/giztoy/go/pkg/buffer"
)

// ErrClosed is returned by ReadFrame and WriteFrame after [Device.Close].
var ErrClosed = errors.New("hostaudio: device closed")

// DefaultSampleRate is the device rate.
const DefaultSampleRate = 16000

// bufferSeconds sizes the capture and playback buffers.
const bufferSeconds = 2

// callbackSamples is the initial size of the callback scratch buffers. It
// covers the 100 ms periods miniaudio uses in its conservative profile.
const callbackSamples = DefaultSampleRate / 10

// Device owns one capture and one playback stream on the default devices.
// It satisfies hal.Capture and hal.Playback.
//
// Captured audio goes into a ring that overwrites the oldest samples when the
// reader falls behind; playback audio waits in a bounded block buffer. The
// device callbacks never block: they only touch data that is already there.
type Device struct {
	mctx     *malgo.AllocatedContext
	capture  *malgo.Device
	playback *malgo.Device

	in   *buffer.RingBuffer[int16]
	out  *buffer.BlockBuffer[int16]
	size int

	// captured and played wake ReadFrame and WriteFrame.
	captured chan struct{}
	played   chan struct{}
	done     chan struct{}

	// Scratch space owned by the callbacks.
	capScratch []int16
	pbScratch  []int16

	closeOnce sync.Once
}

func newDevice(sampleRate int) *Device {
	size := sampleRate * bufferSeconds
	return &Device{
		in:         buffer.RingN[int16](size),
		out:        buffer.BlockN[int16](size),
		size:       size,
		captured:   make(chan struct{}, 1),
		played:     make(chan struct{}, 1),
		done:       make(chan struct{}),
		capScratch: make([]int16, callbackSamples),
		pbScratch:  make([]int16, callbackSamples),
	}
}

// Open initialises miniaudio and starts both streams.
func Open(sampleRate int) (*Device, error) {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		slog.Debug("miniaudio", "msg", message)
	})
	if err != nil {
		return nil, fmt.Errorf("hostaudio: init context: %w", err)
	}

	d := newDevice(sampleRate)
	d.mctx = mctx

	capCfg := malgo.DefaultDeviceConfig(malgo.Capture)
	capCfg.SampleRate = uint32(sampleRate)
	capCfg.Capture.Format = malgo.FormatS16
	capCfg.Capture.Channels = 1
	capCfg.Alsa.NoMMap = 1
	capCfg.PerformanceProfile = malgo.LowLatency

	if d.capture, err = malgo.InitDevice(mctx.Context, capCfg, malgo.DeviceCallbacks{Data: d.onCapture}); err != nil {
		d.Close()
		return nil, fmt.Errorf("hostaudio: init capture: %w", err)
	}

	pbCfg := malgo.DefaultDeviceConfig(malgo.Playback)
	pbCfg.SampleRate = uint32(sampleRate)
	pbCfg.Playback.Format = malgo.FormatS16
	pbCfg.Playback.Channels = 1
	pbCfg.Alsa.NoMMap = 1

	if d.playback, err = malgo.InitDevice(mctx.Context, pbCfg, malgo.DeviceCallbacks{Data: d.onPlayback}); err != nil {
		d.Close()
		return nil, fmt.Errorf("hostaudio: init playback: %w", err)
	}

	if err := d.capture.Start(); err != nil {
		d.Close()
		return nil, fmt.Errorf("hostaudio: start capture: %w", err)
	}
	if err := d.playback.Start(); err != nil {
		d.Close()
		return nil, fmt.Errorf("hostaudio: start playback: %w", err)
	}
	return d, nil
}

func (d *Device) onCapture(_, input []byte, frameCount uint32) {
	n := min(int(frameCount), len(input)/2)
	if n == 0 {
		return
	}
	if cap(d.capScratch) < n {
		d.capScratch = make([]int16, n)
	}
	samples := d.capScratch[:n]
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(input[i*2:]))
	}
	if free := d.size - d.in.Len(); n > free {
		slog.Debug("capture overrun", "dropped", n-free)
	}
	if _, err := d.in.Write(samples); err != nil {
		return
	}
	wake(d.captured)
}

func (d *Device) onPlayback(output, _ []byte, frameCount uint32) {
	n := min(int(frameCount), len(output)/2)
	if cap(d.pbScratch) < n {
		d.pbScratch = make([]int16, n)
	}
	samples := d.pbScratch[:n]
	got := 0
	// The callback is the only reader, so Read cannot block while Len is
	// non-zero.
	for got < n && d.out.Len() > 0 {
		m, err := d.out.Read(samples[got:])
		if err != nil {
			break
		}
		got += m
	}
	clear(samples[got:])
	for i, s := range samples {
		binary.LittleEndian.PutUint16(output[i*2:], uint16(s))
	}
	if got > 0 {
		wake(d.played)
	}
}

// ReadFrame blocks until buf is filled with captured samples.
func (d *Device) ReadFrame(ctx context.Context, buf []int16) (int, error) {
	read := 0
	for read < len(buf) {
		if d.in.Len() > 0 {
			n, err := d.in.Read(buf[read:])
			if err != nil {
				return read, ErrClosed
			}
			read += n
			continue
		}
		select {
		case <-ctx.Done():
			return read, ctx.Err()
		case <-d.done:
			return read, ErrClosed
		case <-d.captured:
		}
	}
	return read, nil
}

// WriteFrame queues buf for the speaker, blocking while the playback buffer
// is full.
func (d *Device) WriteFrame(ctx context.Context, buf []int16) (int, error) {
	written := 0
	for written < len(buf) {
		if free := d.size - d.out.Len(); free > 0 {
			end := written + min(free, len(buf)-written)
			n, err := d.out.Write(buf[written:end])
			written += n
			if err != nil {
				return written, ErrClosed
			}
			continue
		}
		select {
		case <-ctx.Done():
			return written, ctx.Err()
		case <-d.done:
			return written, ErrClosed
		case <-d.played:
		}
	}
	return written, nil
}

// Close stops both streams and releases miniaudio.
func (d *Device) Close() {
	d.closeOnce.Do(func() {
		close(d.done)
		_ = d.in.CloseWithError(ErrClosed)
		_ = d.out.CloseWithError(ErrClosed)
		if d.capture != nil {
			d.capture.Uninit()
		}
		if d.playback != nil {
			d.playback.Uninit()
		}
		if d.mctx != nil {
			_ = d.mctx.Uninit()
			d.mctx.Free()
		}
	})
}

func wake(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
