package vad

import (
	"sync"
	"time"
)

// Default timer values.
const (
	DefaultRestTimeout    = 30 * time.Second
	DefaultSilenceTimeout = 2 * time.Second
	DefaultMaxSegment     = 30 * time.Second
)

// Timing holds the three segmentation timers. Zero fields take defaults.
type Timing struct {
	// RestTimeout ends the session when no Loud frame opens a segment for
	// this long while listening.
	RestTimeout time.Duration

	// SilenceTimeout ends an active segment once this long has passed since
	// the last Loud frame.
	SilenceTimeout time.Duration

	// MaxSegment caps the length of a single segment.
	MaxSegment time.Duration
}

func (t Timing) withDefaults() Timing {
	if t.RestTimeout <= 0 {
		t.RestTimeout = DefaultRestTimeout
	}
	if t.SilenceTimeout <= 0 {
		t.SilenceTimeout = DefaultSilenceTimeout
	}
	if t.MaxSegment <= 0 {
		t.MaxSegment = DefaultMaxSegment
	}
	return t
}

// Event is the segmenter's verdict for one observed frame.
type Event int

const (
	// EventIdle: listening, no speech yet. The frame is discarded.
	EventIdle Event = iota

	// EventRestTimeout: listening for longer than the rest timeout without
	// speech. The session should end. The frame is discarded.
	EventRestTimeout

	// EventSegmentStart: the first Loud frame. A segment opens and the frame
	// is its first chunk.
	EventSegmentStart

	// EventSegmentContinue: the segment stays open and the frame is forwarded.
	EventSegmentContinue

	// EventSegmentEnd: the frame is forwarded as the segment's last chunk,
	// then the segment closes.
	EventSegmentEnd
)

var eventNames = [...]string{"idle", "rest_timeout", "segment_start", "segment_continue", "segment_end"}

// String returns the snake_case event name.
func (e Event) String() string {
	if int(e) < len(eventNames) {
		return eventNames[e]
	}
	return "unknown"
}

// Forward reports whether the observed frame belongs to the segment.
func (e Event) Forward() bool {
	return e == EventSegmentStart || e == EventSegmentContinue || e == EventSegmentEnd
}

// EndReason explains why a segment closed.
type EndReason int

const (
	EndNone EndReason = iota
	EndSilence
	EndMaxDuration
	EndQueueFull
	EndStopped
)

// String returns the snake_case reason, used as a metric attribute.
func (r EndReason) String() string {
	switch r {
	case EndSilence:
		return "silence"
	case EndMaxDuration:
		return "max_duration"
	case EndQueueFull:
		return "queue_full"
	case EndStopped:
		return "stopped"
	default:
		return "none"
	}
}

// Decision is returned by [Segmenter.Observe].
type Decision struct {
	Event  Event
	Class  Class
	Reason EndReason
}

// Segmenter is the segment state machine. Every timer comparison happens in
// [Segmenter.Observe]; callers never re-check the timers themselves.
//
// Timing and threshold changes made with SetTiming/SetThreshold apply from
// the next [Segmenter.Arm]. Observe and Arm must be called from one
// goroutine; the setters may be called from any.
type Segmenter struct {
	mu         sync.Mutex
	nextTiming Timing
	nextThresh int64

	timing    Timing
	threshold int64
	active    bool
	restSince time.Time
	segStart  time.Time
	lastLoud  time.Time
}

// NewSegmenter returns a Segmenter using timing and threshold. A
// non-positive threshold selects [DefaultEnergyThreshold].
func NewSegmenter(timing Timing, threshold int64) *Segmenter {
	if threshold <= 0 {
		threshold = DefaultEnergyThreshold
	}
	t := timing.withDefaults()
	return &Segmenter{
		nextTiming: t,
		nextThresh: threshold,
		timing:     t,
		threshold:  threshold,
	}
}

// SetTiming schedules new timers for the next Arm.
func (s *Segmenter) SetTiming(t Timing) {
	s.mu.Lock()
	s.nextTiming = t.withDefaults()
	s.mu.Unlock()
}

// SetThreshold schedules a new energy threshold for the next Arm.
func (s *Segmenter) SetThreshold(threshold int64) {
	if threshold <= 0 {
		threshold = DefaultEnergyThreshold
	}
	s.mu.Lock()
	s.nextThresh = threshold
	s.mu.Unlock()
}

// Timing returns the timers currently in force.
func (s *Segmenter) Timing() Timing {
	return s.timing
}

// Arm enters listening and anchors the rest timer at now.
func (s *Segmenter) Arm(now time.Time) {
	s.mu.Lock()
	s.timing = s.nextTiming
	s.threshold = s.nextThresh
	s.mu.Unlock()

	s.active = false
	s.restSince = now
	s.segStart = time.Time{}
	s.lastLoud = time.Time{}
}

// Active reports whether a segment is open.
func (s *Segmenter) Active() bool {
	return s.active
}

// SegmentStart returns when the open segment started.
func (s *Segmenter) SegmentStart() time.Time {
	return s.segStart
}

// LastLoud returns when the most recent Loud frame was observed.
func (s *Segmenter) LastLoud() time.Time {
	return s.lastLoud
}

// Observe classifies frame at time now and advances the state machine.
func (s *Segmenter) Observe(frame []int16, now time.Time) Decision {
	class := Classify(frame, s.threshold)

	if !s.active {
		if class == Loud {
			s.active = true
			s.segStart = now
			s.lastLoud = now
			return Decision{Event: EventSegmentStart, Class: class}
		}
		if now.Sub(s.restSince) > s.timing.RestTimeout {
			return Decision{Event: EventRestTimeout, Class: class}
		}
		return Decision{Event: EventIdle, Class: class}
	}

	if class == Loud {
		s.lastLoud = now
	}
	switch {
	case now.Sub(s.segStart) > s.timing.MaxSegment:
		s.active = false
		return Decision{Event: EventSegmentEnd, Class: class, Reason: EndMaxDuration}
	case now.Sub(s.lastLoud) > s.timing.SilenceTimeout:
		s.active = false
		return Decision{Event: EventSegmentEnd, Class: class, Reason: EndSilence}
	}
	return Decision{Event: EventSegmentContinue, Class: class}
}

// Close force-closes an open segment, e.g. on a stop input or an escalated
// queue failure.
func (s *Segmenter) Close() {
	s.active = false
}
