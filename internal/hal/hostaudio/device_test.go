package hostaudio

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"
	"time"
)

func pcm(samples ...int16) []byte {
	b := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(b[i*2:], uint16(s))
	}
	return b
}

func TestDevice_CaptureToReadFrame(t *testing.T) {
	t.Parallel()

	d := newDevice(8)
	defer d.Close()

	d.onCapture(nil, pcm(1, -2, 3), 3)

	buf := make([]int16, 3)
	n, err := d.ReadFrame(context.Background(), buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if n != 3 || buf[0] != 1 || buf[1] != -2 || buf[2] != 3 {
		t.Errorf("ReadFrame = %d %v, want 3 [1 -2 3]", n, buf)
	}
}

func TestDevice_CaptureOverrunKeepsNewest(t *testing.T) {
	t.Parallel()

	// Two seconds at 2 Hz holds four samples.
	d := newDevice(2)
	defer d.Close()

	d.onCapture(nil, pcm(1, 2, 3), 3)
	d.onCapture(nil, pcm(4, 5, 6), 3)

	buf := make([]int16, 4)
	if _, err := d.ReadFrame(context.Background(), buf); err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	want := []int16{3, 4, 5, 6}
	for i := range want {
		if buf[i] != want[i] {
			t.Fatalf("ReadFrame = %v, want %v", buf, want)
		}
	}
}

func TestDevice_ReadFrameWaitsForCallback(t *testing.T) {
	t.Parallel()

	d := newDevice(8)
	defer d.Close()

	go func() {
		time.Sleep(10 * time.Millisecond)
		d.onCapture(nil, pcm(7), 1)
		time.Sleep(10 * time.Millisecond)
		d.onCapture(nil, pcm(8), 1)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	buf := make([]int16, 2)
	n, err := d.ReadFrame(ctx, buf)
	if err != nil || n != 2 {
		t.Fatalf("ReadFrame = %d, %v", n, err)
	}
	if buf[0] != 7 || buf[1] != 8 {
		t.Errorf("ReadFrame = %v, want [7 8]", buf)
	}
}

func TestDevice_ReadFrameCancelled(t *testing.T) {
	t.Parallel()

	d := newDevice(8)
	defer d.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := d.ReadFrame(ctx, make([]int16, 1)); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("ReadFrame err = %v, want deadline exceeded", err)
	}
}

func TestDevice_Closed(t *testing.T) {
	t.Parallel()

	d := newDevice(8)
	done := make(chan error, 1)
	go func() {
		_, err := d.ReadFrame(context.Background(), make([]int16, 1))
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	d.Close()
	d.Close()

	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("ReadFrame err = %v, want ErrClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ReadFrame still blocked after Close")
	}
	if _, err := d.WriteFrame(context.Background(), make([]int16, 1)); !errors.Is(err, ErrClosed) {
		t.Errorf("WriteFrame err = %v, want ErrClosed", err)
	}
}

func TestDevice_PlaybackPadsWithSilence(t *testing.T) {
	t.Parallel()

	d := newDevice(8)
	defer d.Close()

	if _, err := d.WriteFrame(context.Background(), []int16{100, -100}); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	out := make([]byte, 8)
	for i := range out {
		out[i] = 0xff
	}
	d.onPlayback(out, nil, 4)

	want := pcm(100, -100, 0, 0)
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("playback = %v, want %v", out, want)
		}
	}
}

func TestDevice_WriteFrameBlocksUntilPlayed(t *testing.T) {
	t.Parallel()

	// Four samples of room.
	d := newDevice(2)
	defer d.Close()

	done := make(chan error, 1)
	go func() {
		_, err := d.WriteFrame(context.Background(), []int16{1, 2, 3, 4, 5, 6})
		done <- err
	}()

	select {
	case <-done:
		t.Fatal("WriteFrame returned before the speaker drained the buffer")
	case <-time.After(20 * time.Millisecond):
	}

	out := make([]byte, 8)
	deadline := time.After(2 * time.Second)
	for {
		d.onPlayback(out, nil, 4)
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("WriteFrame: %v", err)
			}
			return
		case <-deadline:
			t.Fatal("WriteFrame still blocked")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestDevice_WriteFrameCancelled(t *testing.T) {
	t.Parallel()

	d := newDevice(2)
	defer d.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	n, err := d.WriteFrame(ctx, make([]int16, 6))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("WriteFrame err = %v, want deadline exceeded", err)
	}
	if n != 4 {
		t.Errorf("WriteFrame wrote %d, want 4", n)
	}
}

func TestDevice_CallbacksDoNotAllocate(t *testing.T) {
	d := newDevice(DefaultSampleRate)
	defer d.Close()

	in := pcm(make([]int16, 160)...)
	out := make([]byte, 320)
	frame := make([]int16, 160)

	allocs := testing.AllocsPerRun(100, func() {
		d.onCapture(nil, in, 160)
		if _, err := d.ReadFrame(context.Background(), frame); err != nil {
			t.Fatal(err)
		}
		if _, err := d.WriteFrame(context.Background(), frame); err != nil {
			t.Fatal(err)
		}
		d.onPlayback(out, nil, 160)
	})
	if allocs != 0 {
		t.Errorf("callbacks allocated %.1f times per period, want 0", allocs)
	}
}
