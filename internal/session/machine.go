package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/voicebox/internal/bus"
	"github.com/MrWong99/voicebox/internal/hal"
	"github.com/MrWong99/voicebox/internal/observe"
	"github.com/MrWong99/voicebox/internal/playback"
	"github.com/MrWong99/voicebox/internal/vad"
	"github.com/MrWong99/voicebox/internal/wire"
)

// Defaults for [Config].
const (
	DefaultFrameSamples       = 1024
	DefaultListenFramePeriods = 8
	DefaultArmDelay           = 2500 * time.Millisecond
	DefaultStopDebounce       = 50 * time.Millisecond
	DefaultIdlePoll           = 10 * time.Millisecond
	DefaultSleepUpper         = "Press to talk"
	DefaultSleepLower         = "zzz"
)

// Config tunes the machine.
type Config struct {
	// FrameSamples is one capture period while streaming.
	FrameSamples int

	// ListenFramePeriods is how many periods are read per classification
	// while listening.
	ListenFramePeriods int

	// ArmDelay separates the start press from listening so the press
	// itself is not heard.
	ArmDelay time.Duration

	// StopDebounce is how long a stop press must hold before it counts.
	StopDebounce time.Duration

	// IdlePoll is the start input polling interval while Idle, and while a
	// session waits on the server or the speaker.
	IdlePoll time.Duration

	// SleepUpper and SleepLower are shown while Idle.
	SleepUpper string
	SleepLower string
}

func (c Config) withDefaults() Config {
	if c.FrameSamples <= 0 {
		c.FrameSamples = DefaultFrameSamples
	}
	if c.ListenFramePeriods <= 0 {
		c.ListenFramePeriods = DefaultListenFramePeriods
	}
	if c.ArmDelay < 0 {
		c.ArmDelay = 0
	}
	if c.StopDebounce < 0 {
		c.StopDebounce = 0
	}
	if c.IdlePoll <= 0 {
		c.IdlePoll = DefaultIdlePoll
	}
	if c.SleepUpper == "" && c.SleepLower == "" {
		c.SleepUpper, c.SleepLower = DefaultSleepUpper, DefaultSleepLower
	}
	return c
}

// Link is the connection as seen by the machine.
type Link interface {
	Connected() bool
	NotifyDisconnect()
}

// FaultSource reports asynchronous send failures.
type FaultSource interface {
	Faults() <-chan error
	ClearFaults()
}

// ReplyReceiver reads the reply for a closed segment into the reply buffer.
type ReplyReceiver interface {
	Receive(ctx context.Context) (wire.Reply, error)
}

// Player plays buffered audio.
type Player interface {
	Play(ctx context.Context, samples []int16) error
}

// Deps are the collaborators of a [Machine]. All fields are required.
type Deps struct {
	Capture   hal.Capture
	Buttons   hal.Buttons
	Bus       *bus.Bus
	Segmenter *vad.Segmenter
	Faults    FaultSource
	Receiver  ReplyReceiver
	Player    Player
	Reply     *playback.ReplyBuffer
	Link      Link
}

func (d Deps) validate() error {
	var errs []error
	if d.Capture == nil {
		errs = append(errs, errors.New("capture is required"))
	}
	if d.Buttons == nil {
		errs = append(errs, errors.New("buttons are required"))
	}
	if d.Bus == nil {
		errs = append(errs, errors.New("bus is required"))
	}
	if d.Segmenter == nil {
		errs = append(errs, errors.New("segmenter is required"))
	}
	if d.Faults == nil {
		errs = append(errs, errors.New("fault source is required"))
	}
	if d.Receiver == nil {
		errs = append(errs, errors.New("receiver is required"))
	}
	if d.Player == nil {
		errs = append(errs, errors.New("player is required"))
	}
	if d.Reply == nil {
		errs = append(errs, errors.New("reply buffer is required"))
	}
	if d.Link == nil {
		errs = append(errs, errors.New("link is required"))
	}
	return errors.Join(errs...)
}

// Option configures a [Machine].
type Option func(*Machine)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(m *Machine) { m.clock = c }
}

// WithMetrics sets the metrics sink.
func WithMetrics(met *observe.Metrics) Option {
	return func(m *Machine) { m.metrics = met }
}

// WithObserver registers fn to be called on every state change, from the
// machine goroutine.
func WithObserver(fn func(from, to State)) Option {
	return func(m *Machine) { m.observer = fn }
}

// Machine runs voice sessions one at a time.
type Machine struct {
	cfg      Config
	deps     Deps
	clock    Clock
	metrics  *observe.Metrics
	observer func(from, to State)

	listenBuf []int16
	frameBuf  []int16

	mu       sync.Mutex
	state    State
	current  *VoiceSession
	last     *VoiceSession
	sessions int
}

// New validates deps and returns an idle machine.
func New(cfg Config, deps Deps, opts ...Option) (*Machine, error) {
	if err := deps.validate(); err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	cfg = cfg.withDefaults()
	m := &Machine{
		cfg:       cfg,
		deps:      deps,
		clock:     SystemClock{},
		listenBuf: make([]int16, cfg.FrameSamples*cfg.ListenFramePeriods),
		frameBuf:  make([]int16, cfg.FrameSamples),
	}
	for _, o := range opts {
		o(m)
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	return m, nil
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Snapshot is a point-in-time view of the machine for status endpoints.
type Snapshot struct {
	State          string     `json:"state"`
	SessionID      string     `json:"session_id,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	LastLoudAt     *time.Time `json:"last_loud_at,omitempty"`
	TotalBytesSent int64      `json:"total_bytes_sent"`
	Segments       int        `json:"segments"`
	Replies        int        `json:"replies"`
	Sessions       int        `json:"sessions"`
	Connected      bool       `json:"connected"`
}

// Snapshot returns the current state and the live session, or the last one
// when Idle.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	snap := Snapshot{State: m.state.String(), Sessions: m.sessions}
	s := m.current
	if s == nil {
		s = m.last
	}
	if s != nil {
		started := s.StartedAt
		snap.SessionID = s.ID
		snap.StartedAt = &started
		if !s.LastLoudAt.IsZero() {
			loud := s.LastLoudAt
			snap.LastLoudAt = &loud
		}
		snap.TotalBytesSent = s.TotalBytesSent
		snap.Segments = s.Segments
		snap.Replies = s.Replies
	}
	m.mu.Unlock()
	snap.Connected = m.deps.Link.Connected()
	return snap
}

func (m *Machine) setState(s State) {
	m.mu.Lock()
	from := m.state
	m.state = s
	m.mu.Unlock()
	if from == s {
		return
	}
	slog.Debug("session state", "from", from.String(), "to", s.String())
	if m.observer != nil {
		m.observer(from, s)
	}
}

// Run waits for the start input and runs sessions until ctx is done. It
// returns nil on cancellation.
func (m *Machine) Run(ctx context.Context) error {
	held := false
	for {
		if err := m.idle(ctx, held); err != nil {
			return nil
		}
		m.runSession(ctx)
		if ctx.Err() != nil {
			m.enterIdle(ctx)
			return nil
		}
		// A start input still held from the stop press must be released
		// before it can start the next session.
		held = m.deps.Buttons.StartPressed()
	}
}

// SetSleepText replaces the Idle screen text. It takes effect the next time
// the machine enters Idle.
func (m *Machine) SetSleepText(upper, lower string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg.SleepUpper, m.cfg.SleepLower = upper, lower
}

func (m *Machine) enterIdle(ctx context.Context) {
	m.setState(StateIdle)
	m.deps.Bus.SetIndicator(ctx, hal.IndicatorStandby)
	m.mu.Lock()
	upper, lower := m.cfg.SleepUpper, m.cfg.SleepLower
	m.mu.Unlock()
	m.deps.Bus.ShowMessage(ctx, upper, lower, hal.ModeSleepStatic)
}

// idle blocks until a start press while connected.
func (m *Machine) idle(ctx context.Context, held bool) error {
	m.enterIdle(ctx)
	for {
		pressed := m.deps.Buttons.StartPressed()
		if pressed && !held {
			if m.deps.Link.Connected() {
				return nil
			}
			slog.Warn("start pressed while offline, requesting reconnect")
			m.deps.Bus.ShowMessage(ctx, "Offline", "Reconnecting...", hal.ModeStatic)
			m.deps.Link.NotifyDisconnect()
		}
		held = pressed
		if err := m.clock.Sleep(ctx, m.cfg.IdlePoll); err != nil {
			return err
		}
	}
}

// stopInput tracks the start/stop input within a session. A stop needs a
// release followed by a debounced press. latched holds a stop pressed while
// the session was blocked on the reply or on playback.
type stopInput struct {
	released bool
	latched  bool
}

// stopRequested is the single stop check point of a session iteration.
func (m *Machine) stopRequested(ctx context.Context, in *stopInput) bool {
	if in.latched {
		in.latched = false
		return true
	}
	if !m.deps.Buttons.StartPressed() {
		in.released = true
		return false
	}
	if !in.released {
		return false
	}
	if m.cfg.StopDebounce > 0 {
		if err := m.clock.Sleep(ctx, m.cfg.StopDebounce); err != nil {
			return false
		}
		if !m.deps.Buttons.StartPressed() {
			return false
		}
	}
	return true
}

// watchStop polls the start input in real time until the returned func is
// called, latching a debounced press into in. The returned func waits for
// the poller, so in is owned by the caller again once it returns.
func (m *Machine) watchStop(in *stopInput) (stop func()) {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(m.cfg.IdlePoll)
		defer t.Stop()
		var since time.Time
		for {
			select {
			case <-done:
				return
			case now := <-t.C:
				if !m.deps.Buttons.StartPressed() {
					in.released = true
					since = time.Time{}
					continue
				}
				if !in.released || in.latched {
					continue
				}
				if since.IsZero() {
					since = now
				}
				if now.Sub(since) >= m.cfg.StopDebounce {
					in.latched = true
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

func (m *Machine) runSession(ctx context.Context) {
	sess := newVoiceSession(m.clock.Now())
	m.mu.Lock()
	m.current = sess
	m.sessions++
	m.mu.Unlock()

	ctx, span := observe.StartSpan(ctx, "session",
		trace.WithAttributes(attribute.String("session.id", sess.ID)),
	)
	ctx = observe.WithLogAttrs(ctx, slog.String("session_id", sess.ID))
	log := observe.Logger(ctx)
	log.Info("session started")

	m.metrics.Sessions.Add(ctx, 1)
	m.metrics.ActiveSessions.Add(ctx, 1)
	defer func() {
		elapsed := m.clock.Now().Sub(sess.StartedAt)
		m.metrics.ActiveSessions.Add(ctx, -1)
		m.metrics.SessionDuration.Record(ctx, elapsed.Seconds())
		log.Info("session ended",
			"duration", elapsed,
			"segments", sess.Segments,
			"bytes_sent", sess.TotalBytesSent,
		)
		span.End()

		m.mu.Lock()
		m.current = nil
		m.last = sess
		m.mu.Unlock()
	}()

	m.deps.Bus.ShowMessage(ctx, "Get ready", "", hal.ModeStatic)
	if err := m.clock.Sleep(ctx, m.cfg.ArmDelay); err != nil {
		return
	}
	m.deps.Faults.ClearFaults()

	var in stopInput
	m.enterListening(ctx)
	next := StateListening
	for next != StateIdle && ctx.Err() == nil {
		switch next {
		case StateListening:
			next = m.listening(ctx, log, sess, &in)
		case StateStreaming:
			next = m.streaming(ctx, log, sess, &in)
		case StateAwaitingReply:
			next = m.awaitingReply(ctx, log, sess, &in)
		case StatePlaying:
			next = m.playing(ctx, log, &in)
		}
	}
}

func (m *Machine) enterListening(ctx context.Context) {
	m.deps.Segmenter.Arm(m.clock.Now())
	m.setState(StateListening)
	m.deps.Bus.SetIndicator(ctx, hal.IndicatorArmed)
	m.deps.Bus.ShowMessage(ctx, "Listening", "", hal.ModeStatic)
}

func (m *Machine) listening(ctx context.Context, log *slog.Logger, sess *VoiceSession, in *stopInput) State {
	for {
		if m.stopRequested(ctx, in) {
			log.Info("session stopped by user")
			return StateIdle
		}
		n, err := m.deps.Capture.ReadFrame(ctx, m.listenBuf)
		if err != nil {
			if ctx.Err() == nil {
				log.Error("capture failed", "err", err)
			}
			return StateIdle
		}
		frame := m.listenBuf[:n]
		now := m.clock.Now()

		d := m.deps.Segmenter.Observe(frame, now)
		switch d.Event {
		case vad.EventRestTimeout:
			log.Info("no speech before rest timeout", "rest_timeout", m.deps.Segmenter.Timing().RestTimeout)
			return StateIdle
		case vad.EventSegmentStart:
			sess.LastLoudAt = now
			sess.segmentBytes = 0
			if err := m.deps.Bus.SendSignal(ctx, wire.StartVoice); err != nil {
				m.deps.Segmenter.Close()
				log.Error("cannot open segment, resetting link", "err", err)
				m.deps.Link.NotifyDisconnect()
				return StateIdle
			}
			m.setState(StateStreaming)
			m.deps.Bus.ShowMessage(ctx, "Listening", "Hearing voice", hal.ModeStatic)
			m.deps.Bus.SetIndicator(ctx, hal.IndicatorListening)
			log.Debug("segment started")
			if err := m.sendAudio(ctx, sess, frame); err != nil {
				return m.abortOnSend(ctx, log, sess, err)
			}
			return StateStreaming
		}
	}
}

func (m *Machine) streaming(ctx context.Context, log *slog.Logger, sess *VoiceSession, in *stopInput) State {
	for {
		if m.stopRequested(ctx, in) {
			log.Info("session stopped by user while streaming")
			sess.stopped = true
			return m.endSegment(ctx, log, sess, vad.EndStopped)
		}
		select {
		case err := <-m.deps.Faults.Faults():
			m.deps.Segmenter.Close()
			log.Warn("segment aborted by transport failure", "err", err)
			return StateIdle
		default:
		}

		n, err := m.deps.Capture.ReadFrame(ctx, m.frameBuf)
		if err != nil {
			m.deps.Segmenter.Close()
			if ctx.Err() == nil {
				// The server holds a half segment; a fresh connection
				// restores framing.
				log.Error("capture failed while streaming", "err", err)
				m.deps.Link.NotifyDisconnect()
			}
			return StateIdle
		}
		frame := m.frameBuf[:n]
		now := m.clock.Now()

		d := m.deps.Segmenter.Observe(frame, now)
		if d.Class == vad.Loud {
			sess.LastLoudAt = now
		}
		if d.Event.Forward() {
			if err := m.sendAudio(ctx, sess, frame); err != nil {
				return m.abortOnSend(ctx, log, sess, err)
			}
		}
		if d.Event == vad.EventSegmentEnd {
			return m.endSegment(ctx, log, sess, d.Reason)
		}
	}
}

func (m *Machine) sendAudio(ctx context.Context, sess *VoiceSession, frame []int16) error {
	if err := m.deps.Bus.SendAudio(ctx, frame); err != nil {
		return err
	}
	n := int64(len(frame) * wire.SampleSize)
	sess.TotalBytesSent += n
	sess.segmentBytes += n
	return nil
}

// abortOnSend handles a failed audio enqueue. A full network queue closes
// the segment early; anything else ends the session.
func (m *Machine) abortOnSend(ctx context.Context, log *slog.Logger, sess *VoiceSession, err error) State {
	if errors.Is(err, bus.ErrQueueFull) {
		log.Warn("network queue full, closing segment early", "err", err)
		return m.endSegment(ctx, log, sess, vad.EndQueueFull)
	}
	m.deps.Segmenter.Close()
	return StateIdle
}

// endSegment closes the open segment with STOP_VOICE and moves on to the
// reply.
func (m *Machine) endSegment(ctx context.Context, log *slog.Logger, sess *VoiceSession, reason vad.EndReason) State {
	seg := m.deps.Segmenter
	length := m.clock.Now().Sub(seg.SegmentStart())
	seg.Close()
	sess.Segments++
	m.metrics.RecordSegment(ctx, reason.String(), length)
	log.Info("segment ended", "reason", reason.String(), "length", length, "bytes", sess.segmentBytes)

	m.deps.Bus.ShowMessage(ctx, "Total sent", fmt.Sprintf("%d bytes", sess.segmentBytes), hal.ModeStatic)
	if err := m.deps.Bus.SendSignal(ctx, wire.StopVoice); err != nil {
		log.Error("cannot close segment, resetting link", "err", err)
		m.deps.Link.NotifyDisconnect()
		return StateIdle
	}
	m.setState(StateAwaitingReply)
	m.deps.Bus.ShowMessage(ctx, "Processing", "", hal.ModeStatic)
	m.deps.Bus.SetIndicator(ctx, hal.IndicatorBusy)
	return StateAwaitingReply
}

func (m *Machine) awaitingReply(ctx context.Context, log *slog.Logger, sess *VoiceSession, in *stopInput) State {
	stopWatch := m.watchStop(in)
	rep, err := m.deps.Receiver.Receive(ctx)
	stopWatch()
	if err != nil {
		if ctx.Err() != nil {
			return StateIdle
		}
		log.Error("reply failed, ending session", "err", err)
		if wire.IsTransport(err) {
			m.deps.Link.NotifyDisconnect()
		}
		return StateIdle
	}
	sess.Replies++
	if sess.stopped {
		log.Info("reply discarded after stop", "samples", rep.Samples)
		return StateIdle
	}

	m.setState(StatePlaying)
	m.deps.Bus.ShowMessage(ctx, "Replying", rep.Text, hal.ModeScrolling)
	m.deps.Bus.SetIndicator(ctx, hal.IndicatorReplying)
	log.Info("reply received", "samples", rep.Samples, "text", rep.Text)
	return StatePlaying
}

func (m *Machine) playing(ctx context.Context, log *slog.Logger, in *stopInput) State {
	stopWatch := m.watchStop(in)
	err := m.deps.Player.Play(ctx, m.deps.Reply.Samples())
	stopWatch()
	if err != nil {
		if ctx.Err() == nil {
			log.Error("playback failed", "err", err)
		}
		return StateIdle
	}
	m.enterListening(ctx)
	return StateListening
}
