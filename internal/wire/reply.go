package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrReplyTooLarge reports a reply whose declared audio or text length
// exceeded the receiver's capacity. The reply is truncated, not rejected.
var ErrReplyTooLarge = errors.New("wire: reply exceeds buffer capacity")

// Reply describes a decoded downlink reply. The audio lives in the caller's
// buffer passed to [ReadReply].
type Reply struct {
	// Samples is the number of samples stored in the destination buffer.
	Samples int

	// DeclaredBytes is the audio byte length announced by the server.
	DeclaredBytes uint32

	// Text is the reply transcript.
	Text string

	// DeclaredTextBytes is the text byte length announced by the server.
	DeclaredTextBytes uint32

	// Truncated is set when audio or text did not fit and the excess was
	// discarded.
	Truncated bool
}

// Overrun returns [ErrReplyTooLarge] when the reply was truncated.
func (r Reply) Overrun() error {
	if r.Truncated {
		return fmt.Errorf("%w: %d audio bytes, %d text bytes", ErrReplyTooLarge, r.DeclaredBytes, r.DeclaredTextBytes)
	}
	return nil
}

// WireSize returns the number of bytes the reply occupied on the stream.
func (r Reply) WireSize() int64 {
	return 4 + int64(r.DeclaredBytes) + 4 + int64(r.DeclaredTextBytes)
}

// ReadReply reads one reply from r. Audio is decoded into dst; a declared
// length beyond 2*len(dst) keeps the first len(dst) samples and drains the
// rest so the stream stays framed. Text beyond maxText bytes is handled the
// same way; maxText <= 0 means no limit.
//
// ReadReply consumes exactly the bytes the server declared.
func ReadReply(r io.Reader, dst []int16, maxText int) (Reply, error) {
	var (
		rep Reply
		lb  [4]byte
	)

	if _, err := io.ReadFull(r, lb[:]); err != nil {
		return rep, &TransportError{Op: "read reply audio length", Err: err}
	}
	rep.DeclaredBytes = binary.LittleEndian.Uint32(lb[:])

	keep := int64(rep.DeclaredBytes) / SampleSize
	if keep > int64(len(dst)) {
		keep = int64(len(dst))
		rep.Truncated = true
	}
	if err := readSamples(r, dst[:keep]); err != nil {
		return rep, err
	}
	rep.Samples = int(keep)
	if rest := int64(rep.DeclaredBytes) - keep*SampleSize; rest > 0 {
		if _, err := io.CopyN(io.Discard, r, rest); err != nil {
			return rep, &TransportError{Op: "drain reply audio", Err: err}
		}
	}

	if _, err := io.ReadFull(r, lb[:]); err != nil {
		return rep, &TransportError{Op: "read reply text length", Err: err}
	}
	rep.DeclaredTextBytes = binary.LittleEndian.Uint32(lb[:])

	textKeep := int64(rep.DeclaredTextBytes)
	if maxText > 0 && textKeep > int64(maxText) {
		textKeep = int64(maxText)
		rep.Truncated = true
	}
	text := make([]byte, textKeep)
	if _, err := io.ReadFull(r, text); err != nil {
		return rep, &TransportError{Op: "read reply text", Err: err}
	}
	if rest := int64(rep.DeclaredTextBytes) - textKeep; rest > 0 {
		if _, err := io.CopyN(io.Discard, r, rest); err != nil {
			return rep, &TransportError{Op: "drain reply text", Err: err}
		}
	}
	rep.Text = string(text)
	return rep, nil
}

// readSamples fills dst from r in bounded chunks.
func readSamples(r io.Reader, dst []int16) error {
	var chunk [4096]byte
	for len(dst) > 0 {
		n := min(len(dst)*SampleSize, len(chunk))
		if _, err := io.ReadFull(r, chunk[:n]); err != nil {
			return &TransportError{Op: "read reply audio", Err: err}
		}
		got := DecodeSamples(dst, chunk[:n])
		dst = dst[got:]
	}
	return nil
}

// WriteReply writes one reply: audio length, audio, text length, text.
func WriteReply(w io.Writer, samples []int16, text string) error {
	buf := make([]byte, 0, 8+len(samples)*SampleSize+len(text))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(samples)*SampleSize))
	buf = AppendSamples(buf, samples)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(text)))
	buf = append(buf, text...)
	return writeFull(w, buf, "write reply")
}
