// Package server is the reference peer for voicebox devices. It accepts the
// framed uplink over TCP or WebSocket, collects each segment between
// START_VOICE and STOP_VOICE, asks a [Responder] for a reply and writes it
// back on the same connection.
//
// One goroutine serves each connection. A connection handles one segment at
// a time: the device does not send the next START_VOICE before it has read
// the reply.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voicebox/internal/health"
	"github.com/MrWong99/voicebox/internal/observe"
	"github.com/MrWong99/voicebox/internal/wire"
)

const (
	// DefaultMaxSegmentBytes bounds one segment's audio.
	DefaultMaxSegmentBytes = 4 << 20

	// DefaultSampleRate is the rate devices capture at.
	DefaultSampleRate = 16000

	// MaxFrameBytes rejects absurd frame lengths before allocation. Devices
	// send a few KiB per frame.
	MaxFrameBytes = 1 << 20

	// WebSocketPath is where [Server.WebSocketHandler] is mounted.
	WebSocketPath = "/voice"
)

// Config tunes a [Server]. Zero fields take the defaults above.
type Config struct {
	MaxSegmentBytes int
	SampleRate      int

	// ResponderName labels metrics and logs.
	ResponderName string

	// ResponseTimeout bounds one Respond call. Zero means no limit beyond the
	// connection's lifetime.
	ResponseTimeout time.Duration
}

// Server serves device connections.
type Server struct {
	cfg       Config
	responder Responder
	recorder  *Recorder
	metrics   *observe.Metrics

	listening atomic.Int32
}

// Option configures a [Server].
type Option func(*Server)

// WithRecorder saves every segment before it is answered.
func WithRecorder(r *Recorder) Option {
	return func(s *Server) { s.recorder = r }
}

// WithMetrics overrides [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// New returns a server that answers with responder.
func New(cfg Config, responder Responder, opts ...Option) *Server {
	if cfg.MaxSegmentBytes <= 0 {
		cfg.MaxSegmentBytes = DefaultMaxSegmentBytes
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = DefaultSampleRate
	}
	if cfg.ResponderName == "" {
		cfg.ResponderName = "default"
	}
	s := &Server{cfg: cfg, responder: responder}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Ready reports whether at least one listener is accepting.
func (s *Server) Ready() bool { return s.listening.Load() > 0 }

// ReadyChecker exposes [Server.Ready] to the health endpoints.
func (s *Server) ReadyChecker() health.Checker {
	return health.Connected("listener", s.Ready)
}

// Serve accepts connections on ln until ctx is cancelled or Accept fails.
// It closes ln and waits for every connection to finish before returning.
// Cancellation is not an error.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-gctx.Done()
		_ = ln.Close()
		return nil
	})

	g.Go(func() error {
		s.listening.Add(1)
		defer s.listening.Add(-1)
		slog.Info("server listening", "addr", ln.Addr().String(), "responder", s.cfg.ResponderName)
		for {
			nc, err := ln.Accept()
			if err != nil {
				if gctx.Err() != nil || errors.Is(err, net.ErrClosed) {
					return nil
				}
				return fmt.Errorf("server: accept: %w", err)
			}
			g.Go(func() error {
				s.ServeConn(gctx, nc, nc.RemoteAddr().String())
				return nil
			})
		}
	})

	return g.Wait()
}

// WebSocketHandler serves the same protocol carried in binary WebSocket
// messages. ctx bounds every accepted connection.
func (s *Server) WebSocketHandler(ctx context.Context) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			slog.Warn("websocket accept failed", "remote", r.RemoteAddr, "err", err)
			return
		}
		ws.SetReadLimit(MaxFrameBytes + wire.HeaderSize)
		nc := websocket.NetConn(ctx, ws, websocket.MessageBinary)
		s.ServeConn(ctx, nc, r.RemoteAddr)
	})
}

// ServeConn runs the segment loop on conn until the peer disconnects or ctx
// is cancelled. conn is closed on return.
func (s *Server) ServeConn(ctx context.Context, conn io.ReadWriteCloser, remote string) {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer conn.Close()

	s.metrics.ActiveConnections.Add(ctx, 1)
	defer s.metrics.ActiveConnections.Add(context.Background(), -1)

	ctx = observe.WithLogAttrs(ctx,
		slog.String("remote", remote),
		slog.String("conn_id", uuid.NewString()),
	)
	c := &connection{
		srv:    s,
		conn:   conn,
		remote: remote,
		log:    observe.Logger(ctx),
	}
	c.log.Info("device connected")
	err := c.loop(ctx)
	switch {
	case err == nil, errors.Is(err, io.EOF), ctx.Err() != nil:
		c.log.Info("device disconnected")
	default:
		c.log.Warn("device connection failed", "err", err)
	}
}

// connection is the per-device segment state.
type connection struct {
	srv    *Server
	conn   io.ReadWriteCloser
	remote string
	log    *slog.Logger

	samples   []int16
	truncated bool
}

func (c *connection) loop(ctx context.Context) error {
	for {
		f, err := wire.ReadFrame(c.conn, MaxFrameBytes)
		if err != nil {
			return err
		}
		switch f.Type {
		case wire.FrameSignal:
			sig, err := f.Signal()
			if err != nil {
				c.log.Warn("skipping malformed signal", "err", err)
				continue
			}
			switch sig {
			case wire.StartVoice:
				c.reset()
			case wire.StopVoice:
				if err := c.finish(ctx); err != nil {
					return err
				}
			default:
				c.log.Warn("skipping unknown signal", "signal", sig.String())
			}
		case wire.FrameAudio:
			samples, err := f.Samples()
			if err != nil {
				c.log.Warn("skipping malformed audio frame", "err", err)
				continue
			}
			c.append(samples)
		default:
			c.log.Warn("skipping unknown frame", "type", f.Type.String(), "bytes", len(f.Payload))
		}
	}
}

func (c *connection) reset() {
	c.samples = c.samples[:0]
	c.truncated = false
}

func (c *connection) append(samples []int16) {
	room := c.srv.cfg.MaxSegmentBytes/wire.SampleSize - len(c.samples)
	if len(samples) > room {
		if !c.truncated {
			c.log.Warn("segment limit reached, dropping audio", "max_bytes", c.srv.cfg.MaxSegmentBytes)
		}
		c.truncated = true
		samples = samples[:max(room, 0)]
	}
	c.samples = append(c.samples, samples...)
}

// finish answers the collected segment. Only write failures are returned;
// a responder failure still produces an empty reply carrying the error
// text so the device is never left waiting.
func (c *connection) finish(ctx context.Context) error {
	seg := Segment{
		ID:         uuid.NewString(),
		Remote:     c.remote,
		Samples:    append([]int16(nil), c.samples...),
		SampleRate: c.srv.cfg.SampleRate,
		Truncated:  c.truncated,
		ReceivedAt: time.Now(),
	}
	c.reset()

	ctx, span := observe.StartSpan(ctx, "server.respond", trace.WithAttributes(
		attribute.String("segment_id", seg.ID),
		attribute.Int("samples", len(seg.Samples)),
	))
	defer span.End()
	log := observe.Logger(ctx).With("segment_id", seg.ID)

	c.srv.metrics.ServerSegments.Add(ctx, 1)
	log.Info("segment received", "duration", seg.Duration(), "bytes", len(seg.Samples)*wire.SampleSize, "truncated", seg.Truncated)

	if c.srv.recorder != nil {
		if path, err := c.srv.recorder.Save(seg); err != nil {
			log.Warn("recording failed", "err", err)
		} else {
			log.Debug("segment recorded", "path", path)
		}
	}

	reply, err := c.respond(ctx, seg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Error("responder failed", "err", err)
		reply = Reply{Text: err.Error()}
	}

	if err := wire.WriteReply(c.conn, reply.Audio, reply.Text); err != nil {
		return fmt.Errorf("server: write reply: %w", err)
	}
	log.Info("reply sent", "audio_bytes", len(reply.Audio)*wire.SampleSize, "text", reply.Text)
	return nil
}

func (c *connection) respond(ctx context.Context, seg Segment) (Reply, error) {
	if t := c.srv.cfg.ResponseTimeout; t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}
	start := time.Now()
	reply, err := c.srv.responder.Respond(ctx, seg)
	c.srv.metrics.RecordResponse(ctx, c.srv.cfg.ResponderName, time.Since(start), err)
	return reply, err
}
