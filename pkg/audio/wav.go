package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

// ErrNotWAV is returned by [DecodeWAV] for input that is not a PCM RIFF/WAVE
// stream.
var ErrNotWAV = errors.New("audio: not a 16-bit PCM WAV stream")

const wavHeaderSize = 44

// EncodeWAV wraps mono samples in a 44-byte canonical WAV header.
func EncodeWAV(samples []int16, sampleRate int) []byte {
	var buf bytes.Buffer
	buf.Grow(wavHeaderSize + len(samples)*2)
	_ = WriteWAV(&buf, samples, sampleRate)
	return buf.Bytes()
}

// WriteWAV writes mono samples as a WAV stream to w.
func WriteWAV(w io.Writer, samples []int16, sampleRate int) error {
	const (
		channels      = 1
		bitsPerSample = 16
	)
	dataLen := len(samples) * 2

	header := make([]byte, wavHeaderSize)
	copy(header[0:4], "RIFF")
	binary.LittleEndian.PutUint32(header[4:8], uint32(36+dataLen))
	copy(header[8:12], "WAVE")

	copy(header[12:16], "fmt ")
	binary.LittleEndian.PutUint32(header[16:20], 16)
	binary.LittleEndian.PutUint16(header[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(header[22:24], channels)
	binary.LittleEndian.PutUint32(header[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(header[28:32], uint32(sampleRate*channels*bitsPerSample/8))
	binary.LittleEndian.PutUint16(header[32:34], channels*bitsPerSample/8)
	binary.LittleEndian.PutUint16(header[34:36], bitsPerSample)

	copy(header[36:40], "data")
	binary.LittleEndian.PutUint32(header[40:44], uint32(dataLen))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("audio: write wav header: %w", err)
	}
	if _, err := w.Write(Bytes(samples)); err != nil {
		return fmt.Errorf("audio: write wav data: %w", err)
	}
	return nil
}

// SaveWAV writes mono samples to a new file at path.
func SaveWAV(path string, samples []int16, sampleRate int) error {
	return os.WriteFile(path, EncodeWAV(samples, sampleRate), 0o644)
}

// DecodeWAV parses a 16-bit PCM WAV stream. Stereo input is mixed down to
// mono. It walks the chunk list, so extra chunks before "data" are skipped.
func DecodeWAV(data []byte) ([]int16, Format, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, Format{}, ErrNotWAV
	}

	var (
		format  Format
		haveFmt bool
	)
	offset := 12
	for offset+8 <= len(data) {
		id := string(data[offset : offset+4])
		size := int(binary.LittleEndian.Uint32(data[offset+4 : offset+8]))
		body := offset + 8

		switch id {
		case "fmt ":
			if size < 16 || body+16 > len(data) {
				return nil, Format{}, fmt.Errorf("%w: short fmt chunk", ErrNotWAV)
			}
			if binary.LittleEndian.Uint16(data[body:]) != 1 {
				return nil, Format{}, fmt.Errorf("%w: compressed audio", ErrNotWAV)
			}
			if bits := binary.LittleEndian.Uint16(data[body+14:]); bits != 16 {
				return nil, Format{}, fmt.Errorf("%w: %d bits per sample", ErrNotWAV, bits)
			}
			format.Channels = int(binary.LittleEndian.Uint16(data[body+2:]))
			format.SampleRate = int(binary.LittleEndian.Uint32(data[body+4:]))
			haveFmt = true

		case "data":
			if !haveFmt {
				return nil, Format{}, fmt.Errorf("%w: data before fmt", ErrNotWAV)
			}
			end := min(body+size, len(data))
			samples := Samples(data[body:end])
			if format.Channels == 2 {
				samples = StereoToMono(samples)
			}
			return samples, format, nil
		}

		// Chunks are word aligned.
		offset = body + size + size%2
	}
	return nil, Format{}, fmt.Errorf("%w: no data chunk", ErrNotWAV)
}

// LoadWAV reads and decodes the WAV file at path.
func LoadWAV(path string) ([]int16, Format, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, Format{}, fmt.Errorf("audio: read %q: %w", path, err)
	}
	return DecodeWAV(data)
}
