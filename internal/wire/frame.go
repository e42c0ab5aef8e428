// Package wire implements the device-server byte protocol.
//
// Uplink (device -> server) is a sequence of frames:
//
//	[1 byte type][4 bytes little-endian length][length bytes payload]
//
// Type 0x02 carries raw little-endian int16 samples; type 0x01 carries a
// 2-byte little-endian signal code. A segment is START_VOICE, any number of
// audio frames, then STOP_VOICE.
//
// Downlink (server -> device) is one reply per segment:
//
//	[4 bytes LE audio length][audio bytes][4 bytes LE text length][UTF-8 text]
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// FrameType tags an uplink frame.
type FrameType byte

const (
	FrameSignal FrameType = 0x01
	FrameAudio  FrameType = 0x02
)

// String returns the frame type name.
func (t FrameType) String() string {
	switch t {
	case FrameSignal:
		return "signal"
	case FrameAudio:
		return "audio"
	default:
		return fmt.Sprintf("0x%02x", byte(t))
	}
}

// Signal is a control code carried in a [FrameSignal] frame.
type Signal uint16

const (
	StartVoice Signal = 0x0001
	StopVoice  Signal = 0x0002
)

// String returns the signal name.
func (s Signal) String() string {
	switch s {
	case StartVoice:
		return "START_VOICE"
	case StopVoice:
		return "STOP_VOICE"
	default:
		return fmt.Sprintf("signal(0x%04x)", uint16(s))
	}
}

const (
	// HeaderSize is the size of an uplink frame header.
	HeaderSize = 5

	// SignalPayloadSize is the payload size of a signal frame.
	SignalPayloadSize = 2

	// SampleSize is the size of one encoded sample.
	SampleSize = 2
)

var (
	// ErrNoProgress is reported when a write call accepted no bytes without
	// returning an error.
	ErrNoProgress = errors.New("wire: write made no progress")

	// ErrFrameTooLarge is returned by [ReadFrame] for a payload beyond the
	// caller's limit.
	ErrFrameTooLarge = errors.New("wire: frame payload too large")

	// ErrMalformed is returned when a payload does not fit its frame type.
	ErrMalformed = errors.New("wire: malformed payload")
)

// TransportError wraps a failed read or write on the connection.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return "wire: " + e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransport reports whether err is or wraps a [TransportError].
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// AppendHeader appends a frame header for a payload of n bytes to dst.
func AppendHeader(dst []byte, t FrameType, n int) []byte {
	dst = append(dst, byte(t))
	return binary.LittleEndian.AppendUint32(dst, uint32(n))
}

// AppendSamples appends samples as little-endian int16 to dst.
func AppendSamples(dst []byte, samples []int16) []byte {
	for _, s := range samples {
		dst = binary.LittleEndian.AppendUint16(dst, uint16(s))
	}
	return dst
}

// DecodeSamples decodes little-endian int16 samples from b into dst and
// returns the number of samples written. A trailing odd byte is ignored.
func DecodeSamples(dst []int16, b []byte) int {
	n := min(len(dst), len(b)/SampleSize)
	for i := range n {
		dst[i] = int16(binary.LittleEndian.Uint16(b[i*SampleSize:]))
	}
	return n
}

// writeFull writes p completely. Short writes are retried; an error or a
// zero-byte write is fatal.
func writeFull(w io.Writer, p []byte, op string) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return &TransportError{Op: op, Err: err}
		}
		if n <= 0 {
			return &TransportError{Op: op, Err: ErrNoProgress}
		}
		p = p[n:]
	}
	return nil
}

// Encoder writes uplink frames, reusing one scratch buffer. It is not safe
// for concurrent use.
type Encoder struct {
	w   io.Writer
	buf []byte
}

// NewEncoder returns an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Reset points the encoder at a new writer.
func (e *Encoder) Reset(w io.Writer) {
	e.w = w
}

// WriteAudio writes one audio frame: the header, then the payload until it
// has been fully accepted.
func (e *Encoder) WriteAudio(samples []int16) error {
	hdr := AppendHeader(e.buf[:0], FrameAudio, len(samples)*SampleSize)
	if err := writeFull(e.w, hdr, "write audio header"); err != nil {
		return err
	}
	e.buf = AppendSamples(hdr[:0], samples)
	return writeFull(e.w, e.buf, "write audio payload")
}

// WriteSignal writes one signal frame.
func (e *Encoder) WriteSignal(s Signal) error {
	b := AppendHeader(e.buf[:0], FrameSignal, SignalPayloadSize)
	b = binary.LittleEndian.AppendUint16(b, uint16(s))
	e.buf = b
	return writeFull(e.w, b, "write signal")
}

// WriteAudio writes one audio frame to w.
func WriteAudio(w io.Writer, samples []int16) error {
	return NewEncoder(w).WriteAudio(samples)
}

// WriteSignal writes one signal frame to w.
func WriteSignal(w io.Writer, s Signal) error {
	return NewEncoder(w).WriteSignal(s)
}

// Frame is a decoded uplink frame.
type Frame struct {
	Type    FrameType
	Payload []byte
}

// Signal decodes the payload of a signal frame.
func (f Frame) Signal() (Signal, error) {
	if f.Type != FrameSignal || len(f.Payload) != SignalPayloadSize {
		return 0, fmt.Errorf("%w: %s frame with %d bytes", ErrMalformed, f.Type, len(f.Payload))
	}
	return Signal(binary.LittleEndian.Uint16(f.Payload)), nil
}

// Samples decodes the payload of an audio frame.
func (f Frame) Samples() ([]int16, error) {
	if f.Type != FrameAudio || len(f.Payload)%SampleSize != 0 {
		return nil, fmt.Errorf("%w: %s frame with %d bytes", ErrMalformed, f.Type, len(f.Payload))
	}
	out := make([]int16, len(f.Payload)/SampleSize)
	DecodeSamples(out, f.Payload)
	return out, nil
}

// ReadFrame reads one uplink frame. Payloads larger than maxPayload are
// rejected with [ErrFrameTooLarge] before allocation; a maxPayload of zero
// disables the check.
func ReadFrame(r io.Reader, maxPayload uint32) (Frame, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return Frame{}, io.EOF
		}
		return Frame{}, &TransportError{Op: "read frame header", Err: err}
	}
	n := binary.LittleEndian.Uint32(hdr[1:])
	if maxPayload > 0 && n > maxPayload {
		return Frame{}, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, n, maxPayload)
	}
	f := Frame{Type: FrameType(hdr[0]), Payload: make([]byte, n)}
	if _, err := io.ReadFull(r, f.Payload); err != nil {
		return Frame{}, &TransportError{Op: "read frame payload", Err: err}
	}
	return f, nil
}
