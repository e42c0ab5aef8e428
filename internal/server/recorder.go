package server

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/MrWong99/voicebox/pkg/audio"
)

// Recorder saves segments as WAV files, one per segment, named
// <unix-millis>-<segment id>.wav.
type Recorder struct {
	dir string
}

// NewRecorder creates dir if needed.
func NewRecorder(dir string) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("server: create record dir: %w", err)
	}
	return &Recorder{dir: dir}, nil
}

// Save writes seg and returns the file path.
func (r *Recorder) Save(seg Segment) (string, error) {
	name := fmt.Sprintf("%d-%s.wav", seg.ReceivedAt.UnixMilli(), seg.ID)
	path := filepath.Join(r.dir, name)
	if err := audio.SaveWAV(path, seg.Samples, seg.SampleRate); err != nil {
		return "", fmt.Errorf("server: record segment %s: %w", seg.ID, err)
	}
	return path, nil
}
