// Package app wires the voicebox device subsystems into a running
// application.
//
// The App struct owns the full lifecycle: New builds every subsystem from the
// config, Run executes the device tasks until the context is done, and
// Shutdown tears everything down in order.
//
// For testing, inject simulated hardware and an in-process dialer via
// functional options (WithHardware, WithDialer). When an option is not
// provided, New creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voicebox/internal/bus"
	"github.com/MrWong99/voicebox/internal/config"
	"github.com/MrWong99/voicebox/internal/hal"
	"github.com/MrWong99/voicebox/internal/hal/hostaudio"
	"github.com/MrWong99/voicebox/internal/hal/sim"
	"github.com/MrWong99/voicebox/internal/health"
	"github.com/MrWong99/voicebox/internal/input"
	"github.com/MrWong99/voicebox/internal/observe"
	"github.com/MrWong99/voicebox/internal/playback"
	"github.com/MrWong99/voicebox/internal/session"
	"github.com/MrWong99/voicebox/internal/stream"
	"github.com/MrWong99/voicebox/internal/transport"
	"github.com/MrWong99/voicebox/internal/ui"
	"github.com/MrWong99/voicebox/internal/vad"
	"github.com/MrWong99/voicebox/internal/volume"
	"github.com/MrWong99/voicebox/pkg/audio"
)

// DefaultPulse is how long a button press requested over HTTP is held.
const DefaultPulse = 150 * time.Millisecond

// simGap is the silence between repeats of a looped sim input, in seconds.
const simGap = 4

// Hardware holds the device collaborators. Nil fields are created from the
// config.
type Hardware struct {
	Capture   hal.Capture
	Playback  hal.Playback
	Buttons   hal.Buttons
	Display   hal.Display
	Indicator hal.Indicator
}

// App owns all subsystem lifetimes and runs the device tasks.
type App struct {
	cfg      *config.Config
	hw       Hardware
	dial     transport.DialFunc
	metrics  *observe.Metrics
	promHTTP http.Handler
	logLevel *slog.LevelVar

	// pressable is set when the start and volume inputs are simulated and
	// can be driven over HTTP.
	pressable *sim.Buttons

	// Subsystems, initialised in New and torn down in Shutdown.
	bus       *bus.Bus
	segmenter *vad.Segmenter
	volume    *volume.Cell
	link      *transport.Reconnector
	sender    *stream.Sender
	machine   *session.Machine
	volumeIn  *input.VolumeButtons

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithHardware injects device collaborators instead of creating them from
// the audio backend config.
func WithHardware(hw Hardware) Option {
	return func(a *App) { a.hw = hw }
}

// WithDialer replaces dialing the configured endpoint.
func WithDialer(d transport.DialFunc) Option {
	return func(a *App) { a.dial = d }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithTelemetry records into the instruments of p and serves its registry on
// GET /metrics. Without it the app records into [observe.DefaultMetrics] and
// the admin listener has no /metrics route.
func WithTelemetry(p *observe.Provider) Option {
	return func(a *App) {
		if m, err := p.Metrics(); err == nil {
			a.metrics = m
		} else {
			slog.Warn("telemetry instruments unavailable, using defaults", "err", err)
		}
		a.promHTTP = p.Handler()
	}
}

// WithLogLevel hands the app the level variable behind the process logger so
// that config reloads can change verbosity.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = lv }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all device subsystems together. It does not
// connect to the server; Run does.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	d := cfg.Device

	// ── 1. Hardware ──────────────────────────────────────────────────────
	if err := a.initHardware(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init hardware: %w", err)
	}

	// ── 2. Bus, detector, volume ─────────────────────────────────────────
	a.bus = bus.New(bus.Config{
		NetworkCapacity:   d.Queues.Network,
		DisplayCapacity:   d.Queues.Display,
		IndicatorCapacity: d.Queues.Indicator,
	}, a.metrics)
	a.closers = append(a.closers, func() error { a.bus.Close(); return nil })

	a.segmenter = vad.NewSegmenter(vadTiming(d.VAD), d.VAD.EnergyThreshold)
	a.volume = volume.New(d.Volume.Initial)

	// ── 3. Transport ─────────────────────────────────────────────────────
	a.link = transport.NewReconnector(transport.ReconnectorConfig{
		Endpoint:   d.Endpoint,
		Dial:       a.dial,
		MaxRetries: d.Reconnect.MaxRetries,
		Backoff:    d.Reconnect.Backoff,
		MaxBackoff: d.Reconnect.MaxBackoff,
		OnReconnect: func(c *transport.Conn) {
			slog.Info("server link restored", "endpoint", d.Endpoint, "remote", c.RemoteAddr())
		},
		Metrics: a.metrics,
	})
	a.closers = append(a.closers, a.link.Stop)

	// ── 4. Streaming ─────────────────────────────────────────────────────
	a.sender = stream.NewSender(a.bus.Network, a.link,
		stream.WithNotifier(a.link),
		stream.WithSenderMetrics(a.metrics),
	)
	reply := playback.NewReplyBuffer(d.Audio.ReplyCapacitySamples)
	receiver := stream.NewReceiver(a.link, reply, a.volume,
		stream.WithMaxText(d.Session.MaxReplyTextBytes),
		stream.WithReplyTimeout(d.Session.ReplyTimeout),
		stream.WithFaults(a.sender),
		stream.WithReceiverMetrics(a.metrics),
	)
	player := playback.NewPlayer(a.hw.Playback,
		playback.WithChunkSamples(d.Audio.PlaybackChunkSamples),
		playback.WithTrailingSilence(d.Audio.TrailingSilenceChunks),
	)

	// ── 5. Session machine ───────────────────────────────────────────────
	machine, err := session.New(session.Config{
		FrameSamples:       d.Audio.FrameSamples,
		ListenFramePeriods: d.Audio.ListenFramePeriods,
		ArmDelay:           d.Session.ArmDelay,
		StopDebounce:       d.Session.StopDebounce,
		SleepUpper:         d.UI.SleepUpper,
		SleepLower:         d.UI.SleepLower,
	}, session.Deps{
		Capture:   a.hw.Capture,
		Buttons:   a.hw.Buttons,
		Bus:       a.bus,
		Segmenter: a.segmenter,
		Faults:    a.sender,
		Receiver:  receiver,
		Player:    player,
		Reply:     reply,
		Link:      a.link,
	}, session.WithMetrics(a.metrics))
	if err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: %w", err)
	}
	a.machine = machine

	// ── 6. Volume inputs ─────────────────────────────────────────────────
	a.volumeIn = input.NewVolumeButtons(a.hw.Buttons, a.volume, input.DefaultPoll, a.metrics)

	slog.Info("device assembled",
		"endpoint", d.Endpoint,
		"backend", d.Audio.Backend,
		"sample_rate", d.Audio.SampleRate,
		"volume", a.volume.Get(),
	)
	return a, nil
}

// initHardware fills the Hardware fields not injected via [WithHardware].
func (a *App) initHardware() error {
	ac := a.cfg.Device.Audio

	if a.hw.Buttons == nil {
		a.hw.Buttons = &sim.Buttons{}
	}
	if b, ok := a.hw.Buttons.(*sim.Buttons); ok {
		a.pressable = b
	}

	if a.hw.Capture == nil || a.hw.Playback == nil {
		switch ac.Backend {
		case config.BackendHost:
			dev, err := hostaudio.Open(ac.SampleRate)
			if err != nil {
				return err
			}
			a.closers = append(a.closers, func() error { dev.Close(); return nil })
			if a.hw.Capture == nil {
				a.hw.Capture = dev
			}
			if a.hw.Playback == nil {
				a.hw.Playback = dev
			}
		default:
			if a.hw.Capture == nil {
				gen, err := simInput(ac)
				if err != nil {
					return err
				}
				a.hw.Capture = sim.NewCapture(gen, sim.WithSampleRate(ac.SampleRate))
			}
			if a.hw.Playback == nil {
				a.hw.Playback = &sim.Playback{Keep: 10 * ac.SampleRate}
			}
		}
	}

	if a.hw.Display == nil || a.hw.Indicator == nil {
		var sink interface {
			hal.Display
			hal.Indicator
		}
		switch a.cfg.Device.UI.Sink {
		case config.SinkLog:
			sink = ui.LogSink{Logger: slog.Default().With("component", "ui")}
		default:
			sink = ui.NewConsoleSink(os.Stdout, a.cfg.Device.UI.Width)
		}
		if a.hw.Display == nil {
			a.hw.Display = sink
		}
		if a.hw.Indicator == nil {
			a.hw.Indicator = sink
		}
	}
	return nil
}

// simInput loops the configured WAV clip or, without one, a two second tone.
func simInput(ac config.AudioConfig) (sim.Generator, error) {
	if ac.SimInput == "" {
		tone := make([]int16, 2*ac.SampleRate)
		sim.Talker(ac.SampleRate, len(tone), 1, 0, 3000)(0, tone)
		return sim.Loop(tone, simGap*ac.SampleRate), nil
	}
	clip, format, err := audio.LoadWAV(ac.SimInput)
	if err != nil {
		return nil, err
	}
	clip = audio.Resample(clip, format.SampleRate, ac.SampleRate)
	slog.Info("sim input loaded", "path", ac.SimInput, "duration", audio.Duration(len(clip), ac.SampleRate))
	return sim.Loop(clip, simGap*ac.SampleRate), nil
}

func vadTiming(c config.VADConfig) vad.Timing {
	return vad.Timing{
		RestTimeout:    c.RestTimeout,
		SilenceTimeout: c.SilenceTimeout,
		MaxSegment:     c.MaxSegment,
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run connects to the server and runs the device tasks until ctx is done. A
// failed initial connect is not fatal: the device starts offline and the
// reconnector keeps trying. Run returns nil on cancellation.
func (a *App) Run(ctx context.Context) error {
	if err := a.link.Connect(ctx); err != nil {
		slog.Warn("server unreachable, starting offline", "endpoint", a.cfg.Device.Endpoint, "err", err)
		a.link.NotifyDisconnect()
	} else {
		slog.Info("connected", "endpoint", a.cfg.Device.Endpoint)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.link.Run(gctx) })
	g.Go(func() error { return a.sender.Run(gctx) })
	g.Go(func() error { return ui.RunDisplay(gctx, a.bus.Display, a.hw.Display) })
	g.Go(func() error { return ui.RunIndicator(gctx, a.bus.Indicator, a.hw.Indicator) })
	g.Go(func() error { return a.volumeIn.Run(gctx) })
	g.Go(func() error { return a.machine.Run(gctx) })

	if addr := a.cfg.Telemetry.ListenAddr; addr != "" {
		srv := &http.Server{
			Addr:              addr,
			Handler:           observe.AdminMiddleware(a.metrics, observe.WithStateAttrs(a.stateAttrs))(a.Handler()),
			ReadHeaderTimeout: 5 * time.Second,
			BaseContext:       func(net.Listener) context.Context { return gctx },
		}
		g.Go(func() error {
			slog.Info("admin listener started", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: admin listener: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	slog.Info("device running")
	return g.Wait()
}

// Handler returns the admin endpoints: Prometheus metrics (with
// [WithTelemetry]), health probes with the session snapshot as status, and
// POST /buttons/{name} for simulated inputs.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	if a.promHTTP != nil {
		mux.Handle("GET /metrics", a.promHTTP)
	}
	health.New(health.Connected("server", a.link.Connected)).
		WithStatus(func() any { return a.machine.Snapshot() }).
		Register(mux)
	mux.HandleFunc("POST /buttons/{name}", a.handleButton)
	return mux
}

// stateAttrs tags admin requests with the session they landed in.
func (a *App) stateAttrs() []attribute.KeyValue {
	snap := a.machine.Snapshot()
	attrs := []attribute.KeyValue{
		attribute.String("session.state", snap.State),
		attribute.Bool("link.connected", snap.Connected),
	}
	if snap.SessionID != "" {
		attrs = append(attrs, attribute.String("session.id", snap.SessionID))
	}
	return attrs
}

// handleButton presses a simulated input. The optional "hold" query
// parameter sets the press duration, e.g. ?hold=1s.
func (a *App) handleButton(w http.ResponseWriter, r *http.Request) {
	if a.pressable == nil {
		http.Error(w, "inputs are not simulated", http.StatusNotFound)
		return
	}
	b, ok := sim.ParseButton(r.PathValue("name"))
	if !ok {
		http.Error(w, "unknown button", http.StatusNotFound)
		return
	}
	hold := DefaultPulse
	if v := r.URL.Query().Get("hold"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			http.Error(w, "invalid hold duration", http.StatusBadRequest)
			return
		}
		hold = d
	}
	a.pressable.Pulse(b, hold)
	slog.Debug("button pulsed", "button", b.String(), "hold", hold)
	w.WriteHeader(http.StatusAccepted)
}

// Machine returns the session machine.
func (a *App) Machine() *session.Machine { return a.machine }

// Volume returns the shared volume cell.
func (a *App) Volume() *volume.Cell { return a.volume }

// Connected reports whether the server link is up.
func (a *App) Connected() bool { return a.link.Connected() }

// ─── Reload ──────────────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable parts of a config change. Sections
// that need a restart are logged and otherwise ignored.
func (a *App) ApplyConfig(diff config.ConfigDiff) {
	if diff.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(diff.NewLogLevel.Level())
		slog.Info("log level changed", "level", diff.NewLogLevel)
	}
	if diff.VADChanged {
		a.segmenter.SetTiming(vadTiming(diff.NewVAD))
		a.segmenter.SetThreshold(diff.NewVAD.EnergyThreshold)
		slog.Info("detector settings changed",
			"threshold", diff.NewVAD.EnergyThreshold,
			"silence_timeout", diff.NewVAD.SilenceTimeout,
		)
	}
	if diff.SleepTextChanged {
		a.machine.SetSleepText(diff.NewSleepUpper, diff.NewSleepLower)
	}
	if len(diff.RestartRequired) > 0 {
		slog.Warn("config changes need a restart", "sections", diff.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in init order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll releases what New created before it failed.
func (a *App) closeAll() {
	for _, c := range a.closers {
		_ = c()
	}
}
