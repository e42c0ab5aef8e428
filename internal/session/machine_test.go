package session_test

import (
	"bytes"
	"context"
	"io"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/voicebox/internal/bus"
	"github.com/MrWong99/voicebox/internal/hal/sim"
	"github.com/MrWong99/voicebox/internal/observe"
	"github.com/MrWong99/voicebox/internal/playback"
	"github.com/MrWong99/voicebox/internal/session"
	"github.com/MrWong99/voicebox/internal/stream"
	"github.com/MrWong99/voicebox/internal/transport"
	"github.com/MrWong99/voicebox/internal/vad"
	"github.com/MrWong99/voicebox/internal/volume"
	"github.com/MrWong99/voicebox/internal/wire"
)

const frameSamples = 160 // 10 ms at 16 kHz

// loud is well above the default energy threshold (200² = 40000).
var loud = sim.Constant(200)

// ─── fakes ───────────────────────────────────────────────────────────────────

// fakeServer speaks the server side of the protocol over one connection.
type fakeServer struct {
	conn     net.Conn
	reply    []int16
	text     string
	hangupOn wire.Signal
	// gate, when set, holds the reply until it is closed.
	gate chan struct{}

	mu     sync.Mutex
	frames []string
}

func (s *fakeServer) serve() {
	for {
		f, err := wire.ReadFrame(s.conn, 1<<20)
		if err != nil {
			return
		}
		if f.Type == wire.FrameAudio {
			s.record("audio")
			continue
		}
		sig, _ := f.Signal()
		s.record(sig.String())
		if sig == s.hangupOn {
			_ = s.conn.Close()
			return
		}
		if sig == wire.StopVoice {
			if s.gate != nil {
				<-s.gate
			}
			if err := wire.WriteReply(s.conn, s.reply, s.text); err != nil {
				return
			}
		}
	}
}

func (s *fakeServer) record(kind string) {
	s.mu.Lock()
	s.frames = append(s.frames, kind)
	s.mu.Unlock()
}

func (s *fakeServer) received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.frames)
}

// fakeLink wraps a connection and counts reconnect requests.
type fakeLink struct {
	conn    *transport.Conn
	offline atomic.Bool
	notices atomic.Int32
}

func (l *fakeLink) Connected() bool   { return !l.offline.Load() && l.conn.Connected() }
func (l *fakeLink) NotifyDisconnect() { l.notices.Add(1) }

// lossyWriter forwards writes until it sees a STOP_VOICE frame, then fails
// that write and every later one.
type lossyWriter struct {
	w    io.Writer
	stop []byte
	lost atomic.Bool
}

func newLossyWriter(w io.Writer) *lossyWriter {
	var stop bytes.Buffer
	_ = wire.WriteSignal(&stop, wire.StopVoice)
	return &lossyWriter{w: w, stop: stop.Bytes()}
}

func (l *lossyWriter) Write(p []byte) (int, error) {
	if l.lost.Load() || bytes.Equal(p, l.stop) {
		l.lost.Store(true)
		return 0, io.ErrClosedPipe
	}
	return l.w.Write(p)
}

// ─── harness ─────────────────────────────────────────────────────────────────

type harness struct {
	clock    *sim.Clock
	buttons  *sim.Buttons
	capture  *sim.Capture
	playback *sim.Playback
	bus      *bus.Bus
	link     *fakeLink
	server   *fakeServer
	machine  *session.Machine

	mu          sync.Mutex
	transitions []string
	displayed   []bus.DisplayUpdate
	stopWhen    func(from, to session.State) bool
	cancel      context.CancelFunc
}

type harnessConfig struct {
	gen        sim.Generator
	onFrame    func(h *harness, index int)
	onSleep    func(h *harness, d time.Duration)
	timing     vad.Timing
	networkCap int
	noSender   bool
	hangupOn   wire.Signal
	loseStop   bool
	replyGate  chan struct{}
	stopWhen   func(from, to session.State) bool
}

// hookClock runs a callback before every virtual sleep.
type hookClock struct {
	*sim.Clock
	fn func(d time.Duration)
}

func (c hookClock) Sleep(ctx context.Context, d time.Duration) error {
	if c.fn != nil {
		c.fn(d)
	}
	return c.Clock.Sleep(ctx, d)
}

func newHarness(t *testing.T, hc harnessConfig) *harness {
	t.Helper()

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	metrics, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatal(err)
	}

	h := &harness{
		clock:    sim.NewClock(time.Unix(1_700_000_000, 0)),
		buttons:  &sim.Buttons{},
		playback: &sim.Playback{},
		stopWhen: hc.stopWhen,
	}
	h.capture = sim.NewCapture(hc.gen,
		sim.WithClock(h.clock),
		sim.OnFrame(func(i int) {
			if hc.onFrame != nil {
				hc.onFrame(h, i)
			}
		}),
	)

	client, server := net.Pipe()
	conn := transport.NewConn(client)
	t.Cleanup(func() {
		_ = conn.Close()
		_ = server.Close()
	})
	h.link = &fakeLink{conn: conn}
	h.server = &fakeServer{conn: server, reply: []int16{1000, -1000}, text: "hi", hangupOn: hc.hangupOn, gate: hc.replyGate}
	go h.server.serve()

	h.bus = bus.New(bus.Config{NetworkCapacity: hc.networkCap}, metrics)
	var out io.Writer = conn
	if hc.loseStop {
		out = newLossyWriter(conn)
	}
	sender := stream.NewSender(h.bus.Network, out,
		stream.WithNotifier(h.link),
		stream.WithSenderMetrics(metrics),
	)
	if !hc.noSender {
		ctx, cancel := context.WithCancel(context.Background())
		t.Cleanup(cancel)
		go func() { _ = sender.Run(ctx) }()
	}

	// Stand in for the UI tasks so that advisory updates never back up.
	uiCtx, uiCancel := context.WithCancel(context.Background())
	t.Cleanup(uiCancel)
	go func() {
		for uiCtx.Err() == nil {
			if u, ok := h.bus.Display.Dequeue(uiCtx, time.Millisecond); ok {
				h.mu.Lock()
				h.displayed = append(h.displayed, u)
				h.mu.Unlock()
			}
			h.bus.Indicator.Dequeue(uiCtx, time.Millisecond)
		}
	}()

	timing := hc.timing
	if timing == (vad.Timing{}) {
		timing = vad.Timing{RestTimeout: time.Second, SilenceTimeout: 200 * time.Millisecond, MaxSegment: 2 * time.Second}
	}
	reply := playback.NewReplyBuffer(1024)
	receiver := stream.NewReceiver(conn, reply, volume.New(volume.Default),
		stream.WithPollInterval(time.Millisecond),
		stream.WithFaults(sender),
		stream.WithReceiverMetrics(metrics),
	)

	h.machine, err = session.New(session.Config{
		FrameSamples:       frameSamples,
		ListenFramePeriods: 1,
		ArmDelay:           100 * time.Millisecond,
		StopDebounce:       50 * time.Millisecond,
	}, session.Deps{
		Capture:   h.capture,
		Buttons:   h.buttons,
		Bus:       h.bus,
		Segmenter: vad.NewSegmenter(timing, 0),
		Faults:    sender,
		Receiver:  receiver,
		Player: playback.NewPlayer(h.playback,
			playback.WithChunkSamples(frameSamples),
			playback.WithTrailingSilence(8),
		),
		Reply: reply,
		Link:  h.link,
	},
		session.WithClock(hookClock{Clock: h.clock, fn: func(d time.Duration) {
			if hc.onSleep != nil {
				hc.onSleep(h, d)
			}
		}}),
		session.WithMetrics(metrics),
		session.WithObserver(h.observe),
	)
	if err != nil {
		t.Fatal(err)
	}
	return h
}

func (h *harness) observe(from, to session.State) {
	h.mu.Lock()
	h.transitions = append(h.transitions, from.String()+"->"+to.String())
	stop := h.stopWhen != nil && h.stopWhen(from, to)
	cancel := h.cancel
	h.mu.Unlock()
	if stop && cancel != nil {
		cancel()
	}
}

// run starts the machine with the start input held and waits for it to
// return.
func (h *harness) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	h.mu.Lock()
	h.cancel = cancel
	h.mu.Unlock()

	h.buttons.Press(sim.Start)
	if err := h.machine.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if ctx.Err() == context.DeadlineExceeded {
		t.Fatalf("machine did not reach the expected state; transitions: %v", h.recorded())
	}
}

func (h *harness) recorded() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.transitions)
}

func toIdle(_, to session.State) bool { return to == session.StateIdle }

func countAudio(frames []string) int {
	n := 0
	for _, f := range frames {
		if f == "audio" {
			n++
		}
	}
	return n
}

// waitFrames waits until the server has seen n frames.
func (h *harness) waitFrames(t *testing.T, n int) []string {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for {
		got := h.server.received()
		if len(got) >= n || time.Now().After(deadline) {
			return got
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// ─── tests ───────────────────────────────────────────────────────────────────

func TestMachine_FullCycle(t *testing.T) {
	t.Parallel()

	var sawPlaying atomic.Bool
	h := newHarness(t, harnessConfig{
		gen: sim.Script(
			sim.Step{Frames: 10, Gen: sim.Silence()},
			sim.Step{Frames: 20, Gen: loud},
			sim.Step{Frames: 1, Gen: sim.Silence()},
		),
		stopWhen: func(_, to session.State) bool {
			if to == session.StatePlaying {
				sawPlaying.Store(true)
			}
			return to == session.StateIdle && sawPlaying.Load()
		},
	})
	h.run(t)

	want := []string{
		"idle->listening",
		"listening->streaming",
		"streaming->awaiting_reply",
		"awaiting_reply->playing",
		"playing->listening",
		"listening->idle",
	}
	if got := h.recorded(); !slices.Equal(got, want) {
		t.Fatalf("transitions:\n got %v\nwant %v", got, want)
	}

	// Frames 10..29 are loud; the segment ends on the first frame more than
	// 200 ms after frame 29, which is frame 50.
	frames := h.server.received()
	if len(frames) < 2 || frames[0] != "START_VOICE" || frames[len(frames)-1] != "STOP_VOICE" {
		t.Fatalf("expected START_VOICE ... STOP_VOICE, got %v", frames)
	}
	if got := countAudio(frames); got != 41 {
		t.Errorf("expected 41 audio frames, got %d", got)
	}

	played := h.playback.Samples()
	if len(played) != 2+8*frameSamples {
		t.Fatalf("expected reply plus trailing silence, got %d samples", len(played))
	}
	if played[0] != 300 || played[1] != -300 {
		t.Errorf("expected reply scaled by 0.3, got %v", played[:2])
	}

	snap := h.machine.Snapshot()
	if snap.State != "idle" || snap.Segments != 1 || snap.Replies != 1 || snap.Sessions != 1 {
		t.Errorf("unexpected snapshot %+v", snap)
	}
	if snap.TotalBytesSent != 41*frameSamples*2 {
		t.Errorf("expected %d bytes sent, got %d", 41*frameSamples*2, snap.TotalBytesSent)
	}
}

func TestMachine_RestTimeout(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessConfig{gen: sim.Silence(), stopWhen: toIdle})
	h.run(t)

	if got := h.recorded(); !slices.Equal(got, []string{"idle->listening", "listening->idle"}) {
		t.Fatalf("unexpected transitions %v", got)
	}
	// Frame 100 lands exactly on the 1 s rest timeout and keeps listening;
	// frame 101 ends the session.
	if got := h.capture.Frames(); got != 101 {
		t.Errorf("expected 101 frames before the rest timeout, got %d", got)
	}
	if got := h.server.received(); len(got) != 0 {
		t.Errorf("expected nothing sent, got %v", got)
	}
}

func TestMachine_MaxSegmentDuration(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessConfig{
		gen:    loud,
		timing: vad.Timing{RestTimeout: time.Second, SilenceTimeout: 200 * time.Millisecond, MaxSegment: 500 * time.Millisecond},
		stopWhen: func(_, to session.State) bool {
			return to == session.StatePlaying
		},
	})
	h.run(t)

	frames := h.waitFrames(t, 54)
	// Frame 0 opens the segment; frame 51 is the first more than 500 ms later.
	if got := countAudio(frames); got != 52 {
		t.Errorf("expected 52 audio frames, got %d", got)
	}
	if frames[len(frames)-1] != "STOP_VOICE" {
		t.Errorf("expected STOP_VOICE last, got %v", frames[len(frames)-1])
	}
}

func TestMachine_StopWhileListening(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessConfig{
		gen: sim.Silence(),
		onFrame: func(h *harness, i int) {
			switch i {
			case 2:
				h.buttons.Release(sim.Start)
			case 4:
				h.buttons.Press(sim.Start)
			}
		},
		stopWhen: toIdle,
	})
	h.run(t)

	if got := h.recorded(); !slices.Equal(got, []string{"idle->listening", "listening->idle"}) {
		t.Fatalf("unexpected transitions %v", got)
	}
	if got := h.capture.Frames(); got != 5 {
		t.Errorf("expected the stop to be honored before frame 5, got %d frames", got)
	}
}

func TestMachine_StopIgnoresBounce(t *testing.T) {
	t.Parallel()

	var bounced atomic.Bool
	h := newHarness(t, harnessConfig{
		gen: sim.Silence(),
		onFrame: func(h *harness, i int) {
			switch i {
			case 2:
				h.buttons.Release(sim.Start)
			case 4, 7:
				h.buttons.Press(sim.Start)
			}
		},
		onSleep: func(h *harness, d time.Duration) {
			// The first press is a glitch shorter than the debounce.
			if d == 50*time.Millisecond && bounced.CompareAndSwap(false, true) {
				h.buttons.Release(sim.Start)
			}
		},
		stopWhen: toIdle,
	})
	h.run(t)

	if got := h.recorded(); !slices.Equal(got, []string{"idle->listening", "listening->idle"}) {
		t.Fatalf("unexpected transitions %v", got)
	}
	if got := h.capture.Frames(); got != 8 {
		t.Errorf("expected the glitch ignored and the second press honored before frame 8, got %d frames", got)
	}
}

func TestMachine_StopWhileStreaming(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessConfig{
		gen: loud,
		onFrame: func(h *harness, i int) {
			switch i {
			case 2:
				h.buttons.Release(sim.Start)
			case 4:
				h.buttons.Press(sim.Start)
			}
		},
		stopWhen: toIdle,
	})
	h.run(t)

	want := []string{
		"idle->listening",
		"listening->streaming",
		"streaming->awaiting_reply",
		"awaiting_reply->idle",
	}
	if got := h.recorded(); !slices.Equal(got, want) {
		t.Fatalf("transitions:\n got %v\nwant %v", got, want)
	}
	frames := h.server.received()
	if got := countAudio(frames); got != 5 {
		t.Errorf("expected frames 0..4 streamed, got %d", got)
	}
	if frames[len(frames)-1] != "STOP_VOICE" {
		t.Errorf("expected the segment closed with STOP_VOICE, got %v", frames)
	}
	if h.playback.Writes() != 0 {
		t.Errorf("expected no playback after stop, got %d writes", h.playback.Writes())
	}
}

func TestMachine_TransportErrorAwaitingReply(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessConfig{
		gen: sim.Script(
			sim.Step{Frames: 3, Gen: loud},
			sim.Step{Frames: 1, Gen: sim.Silence()},
		),
		hangupOn: wire.StopVoice,
		stopWhen: toIdle,
	})
	h.run(t)

	got := h.recorded()
	if got[len(got)-1] != "awaiting_reply->idle" {
		t.Fatalf("expected the session to end from awaiting_reply, got %v", got)
	}
	if h.link.notices.Load() == 0 {
		t.Error("expected a reconnect request")
	}
	if h.playback.Writes() != 0 {
		t.Error("expected no playback")
	}
}

func TestMachine_LostStopEndsAwaitingReply(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessConfig{
		gen: sim.Script(
			sim.Step{Frames: 3, Gen: loud},
			sim.Step{Frames: 1, Gen: sim.Silence()},
		),
		loseStop: true,
		stopWhen: toIdle,
	})
	h.run(t)

	got := h.recorded()
	if got[len(got)-1] != "awaiting_reply->idle" {
		t.Fatalf("expected the session to end from awaiting_reply, got %v", got)
	}
	if frames := h.server.received(); slices.Contains(frames, "STOP_VOICE") {
		t.Fatalf("STOP_VOICE reached the server: %v", frames)
	}
	if h.link.notices.Load() == 0 {
		t.Error("expected a reconnect request")
	}
	if h.machine.Snapshot().Replies != 0 {
		t.Error("expected no reply")
	}
}

func TestMachine_StopPressedWhileAwaitingReply(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	var (
		once           sync.Once
		framesAtReturn atomic.Int64
		h              *harness
	)
	h = newHarness(t, harnessConfig{
		gen: sim.Script(
			sim.Step{Frames: 3, Gen: loud},
			sim.Step{Frames: 1, Gen: sim.Silence()},
		),
		replyGate: gate,
		stopWhen: func(from, to session.State) bool {
			switch {
			case to == session.StateAwaitingReply:
				// A full press and release while the server thinks.
				once.Do(func() {
					go func() {
						h.buttons.Release(sim.Start)
						time.Sleep(30 * time.Millisecond)
						h.buttons.Press(sim.Start)
						time.Sleep(120 * time.Millisecond)
						h.buttons.Release(sim.Start)
						close(gate)
					}()
				})
			case from == session.StatePlaying && to == session.StateListening:
				framesAtReturn.Store(int64(h.capture.Frames()))
			}
			return to == session.StateIdle
		},
	})
	h.run(t)

	got := h.recorded()
	want := []string{"playing->listening", "listening->idle"}
	if len(got) < 2 || !slices.Equal(got[len(got)-2:], want) {
		t.Fatalf("expected the stop to end the session on return to listening, got %v", got)
	}
	if n := int64(h.capture.Frames()); n != framesAtReturn.Load() {
		t.Errorf("captured %d frames after the reply, want none", n-framesAtReturn.Load())
	}
	if h.machine.Snapshot().Replies != 1 {
		t.Errorf("replies = %d, want 1", h.machine.Snapshot().Replies)
	}
	if h.playback.Writes() == 0 {
		t.Error("expected the reply to play")
	}
}

func TestMachine_SenderFaultAbortsSegment(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessConfig{
		gen:      loud,
		timing:   vad.Timing{RestTimeout: time.Hour, SilenceTimeout: time.Hour, MaxSegment: time.Hour},
		hangupOn: wire.StartVoice,
		stopWhen: toIdle,
	})
	h.run(t)

	want := []string{"idle->listening", "listening->streaming", "streaming->idle"}
	if got := h.recorded(); !slices.Equal(got, want) {
		t.Fatalf("transitions:\n got %v\nwant %v", got, want)
	}
	if h.link.notices.Load() == 0 {
		t.Error("expected the sender to request a reconnect")
	}
}

func TestMachine_NetworkQueueFullClosesSegment(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessConfig{
		gen:        loud,
		networkCap: 2,
		noSender:   true,
		stopWhen:   toIdle,
	})
	h.run(t)

	// START and the first chunk fill the queue; the next chunk fails, the
	// early STOP cannot be queued either, so the link is reset.
	want := []string{"idle->listening", "listening->streaming", "streaming->idle"}
	if got := h.recorded(); !slices.Equal(got, want) {
		t.Fatalf("transitions:\n got %v\nwant %v", got, want)
	}
	if h.link.notices.Load() != 1 {
		t.Errorf("expected one link reset, got %d", h.link.notices.Load())
	}
	if h.bus.Network.Len() != 2 {
		t.Errorf("expected the queued START and chunk to remain, got %d", h.bus.Network.Len())
	}
}

func TestMachine_OfflineStaysIdle(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessConfig{gen: sim.Silence()})
	h.link.offline.Store(true)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	h.buttons.Press(sim.Start)
	go func() {
		_ = h.machine.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for h.link.notices.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-done

	if h.link.notices.Load() != 1 {
		t.Errorf("expected one reconnect request per press, got %d", h.link.notices.Load())
	}
	if got := h.recorded(); len(got) != 0 {
		t.Errorf("expected no session, got %v", got)
	}

	var offline bool
	deadline = time.Now().Add(time.Second)
	for !offline && time.Now().Before(deadline) {
		h.mu.Lock()
		for _, u := range h.displayed {
			offline = offline || u.Upper == "Offline"
		}
		h.mu.Unlock()
		time.Sleep(time.Millisecond)
	}
	if !offline {
		t.Error("expected the offline message")
	}
}

func TestMachine_SetSleepText(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessConfig{gen: sim.Silence()})
	h.machine.SetSleepText("Hello", "there")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = h.machine.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		h.mu.Lock()
		for _, u := range h.displayed {
			if u.Upper == "Hello" && u.Lower == "there" {
				h.mu.Unlock()
				return
			}
		}
		h.mu.Unlock()
		time.Sleep(time.Millisecond)
	}
	t.Error("expected the replaced sleep text on the idle screen")
}

func TestNew_RequiresDeps(t *testing.T) {
	t.Parallel()

	if _, err := session.New(session.Config{}, session.Deps{}); err == nil {
		t.Fatal("expected an error for missing dependencies")
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()

	tests := []struct {
		s    session.State
		want string
	}{
		{session.StateIdle, "idle"},
		{session.StateListening, "listening"},
		{session.StateStreaming, "streaming"},
		{session.StateAwaitingReply, "awaiting_reply"},
		{session.StatePlaying, "playing"},
		{session.State(42), "unknown"},
	}
	for _, tc := range tests {
		if got := tc.s.String(); got != tc.want {
			t.Errorf("State(%d).String() = %q, want %q", tc.s, got, tc.want)
		}
	}
}
