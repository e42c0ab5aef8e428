// Package vad implements the device's energy-based voice activity detection
// and the segment timing policy built on top of it.
//
// [Classify] is a pure function of one frame. [Segmenter] turns a sequence of
// classified frames plus monotonic timestamps into segment boundaries using
// three timers: rest, silence, and maximum segment duration.
package vad

// DefaultEnergyThreshold is the mean squared amplitude above which a frame
// counts as speech, on the 16-bit sample scale.
const DefaultEnergyThreshold int64 = 10000

// Class is the result of classifying one frame.
type Class int

const (
	Silent Class = iota
	Loud
)

// String returns the lowercase class name.
func (c Class) String() string {
	if c == Loud {
		return "loud"
	}
	return "silent"
}

// Energy returns the integer mean of the squared samples in frame. An empty
// frame has zero energy.
func Energy(frame []int16) int64 {
	if len(frame) == 0 {
		return 0
	}
	var sum int64
	for _, s := range frame {
		v := int64(s)
		sum += v * v
	}
	return sum / int64(len(frame))
}

// Classify reports [Loud] iff the frame's mean energy strictly exceeds
// threshold.
func Classify(frame []int16, threshold int64) Class {
	if Energy(frame) > threshold {
		return Loud
	}
	return Silent
}
