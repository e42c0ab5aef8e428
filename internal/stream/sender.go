// Package stream moves a segment between the device and the server: the
// [Sender] is the network task draining the bus onto the wire, and the
// [Receiver] reads the server's reply into the playback buffer.
package stream

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/MrWong99/voicebox/internal/bus"
	"github.com/MrWong99/voicebox/internal/observe"
	"github.com/MrWong99/voicebox/internal/wire"
)

// DequeuePoll is how long the sender waits for a message before checking
// for shutdown again.
const DequeuePoll = 200 * time.Millisecond

// Notifier is implemented by links that can re-establish themselves.
type Notifier interface {
	NotifyDisconnect()
}

// Sender drains the network queue onto the wire in FIFO order.
//
// When a write fails the chunk is abandoned, the fault is published on
// [Sender.Faults], the link is told to reconnect, and every further message
// is dropped until the next START_VOICE so that a half-sent segment never
// continues on a fresh connection.
type Sender struct {
	queue   *bus.Queue[bus.NetMessage]
	enc     *wire.Encoder
	notify  Notifier
	metrics *observe.Metrics
	faults  chan error

	poisoned bool
}

// SenderOption configures a [Sender].
type SenderOption func(*Sender)

// WithNotifier sets the link notified after a write failure. When w passed
// to [NewSender] implements [Notifier] it is used by default.
func WithNotifier(n Notifier) SenderOption {
	return func(s *Sender) { s.notify = n }
}

// WithSenderMetrics sets the metrics sink.
func WithSenderMetrics(m *observe.Metrics) SenderOption {
	return func(s *Sender) { s.metrics = m }
}

// NewSender returns a Sender writing messages from queue to w.
func NewSender(queue *bus.Queue[bus.NetMessage], w io.Writer, opts ...SenderOption) *Sender {
	s := &Sender{
		queue:  queue,
		enc:    wire.NewEncoder(w),
		faults: make(chan error, 1),
	}
	if n, ok := w.(Notifier); ok {
		s.notify = n
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Faults delivers write failures as *wire.TransportError. At most one fault
// is pending; later ones are dropped until it has been received.
func (s *Sender) Faults() <-chan error { return s.faults }

// ClearFaults discards a pending fault.
func (s *Sender) ClearFaults() {
	select {
	case <-s.faults:
	default:
	}
}

// Run drains the queue until ctx is done or the queue is closed. It always
// returns nil.
func (s *Sender) Run(ctx context.Context) error {
	for {
		msg, ok := s.queue.Dequeue(ctx, DequeuePoll)
		if !ok {
			if ctx.Err() != nil || s.queue.Closed() {
				return nil
			}
			continue
		}
		s.handle(ctx, msg)
	}
}

func (s *Sender) handle(ctx context.Context, msg bus.NetMessage) {
	defer msg.Release()

	if msg.Kind == bus.NetSignal && msg.Signal == wire.StartVoice {
		s.poisoned = false
	}
	if s.poisoned {
		slog.Debug("dropping message after transport failure", "kind", msg.Kind.String())
		return
	}

	var err error
	switch msg.Kind {
	case bus.NetAudio:
		err = s.enc.WriteAudio(msg.Audio.Data())
		if err == nil {
			s.metrics.BytesSent.Add(ctx, int64(msg.Audio.ByteLen()))
		}
	case bus.NetSignal:
		err = s.enc.WriteSignal(msg.Signal)
		if err == nil {
			slog.Debug("signal sent", "signal", msg.Signal.String())
		}
	}
	if err == nil {
		return
	}

	s.poisoned = true
	s.metrics.RecordTransportError(ctx, "streaming")
	slog.Warn("network write failed, abandoning segment", "kind", msg.Kind.String(), "err", err)
	select {
	case s.faults <- err:
	default:
	}
	if s.notify != nil {
		s.notify.NotifyDisconnect()
	}
}
