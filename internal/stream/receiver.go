package stream

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/MrWong99/voicebox/internal/observe"
	"github.com/MrWong99/voicebox/internal/playback"
	"github.com/MrWong99/voicebox/internal/volume"
	"github.com/MrWong99/voicebox/internal/wire"
)

// AvailablePoll is the interval between checks for the start of a reply.
const AvailablePoll = 100 * time.Millisecond

// Source is the inbound side of the link.
type Source interface {
	io.Reader
	Available() bool
}

// FaultSource publishes asynchronous write failures of the outbound side.
type FaultSource interface {
	Faults() <-chan error
}

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

// Receiver reads one reply per segment into a [playback.ReplyBuffer] and
// applies the current volume to it.
type Receiver struct {
	src     Source
	buf     *playback.ReplyBuffer
	vol     *volume.Cell
	maxText int
	poll    time.Duration
	timeout time.Duration
	faults  FaultSource
	metrics *observe.Metrics
}

// ReceiverOption configures a [Receiver].
type ReceiverOption func(*Receiver)

// WithMaxText caps the kept transcript length in bytes.
func WithMaxText(n int) ReceiverOption {
	return func(r *Receiver) { r.maxText = n }
}

// WithReplyTimeout bounds the wait for and the read of a reply. Zero waits
// forever.
func WithReplyTimeout(d time.Duration) ReceiverOption {
	return func(r *Receiver) { r.timeout = d }
}

// WithFaults ends the wait for a reply as soon as f reports a failed write.
// A segment whose tail never reached the server gets no reply, and the link
// may already have been replaced by a fresh, silent connection.
func WithFaults(f FaultSource) ReceiverOption {
	return func(r *Receiver) { r.faults = f }
}

// WithPollInterval overrides [AvailablePoll].
func WithPollInterval(d time.Duration) ReceiverOption {
	return func(r *Receiver) {
		if d > 0 {
			r.poll = d
		}
	}
}

// WithReceiverMetrics sets the metrics sink.
func WithReceiverMetrics(m *observe.Metrics) ReceiverOption {
	return func(r *Receiver) { r.metrics = m }
}

// NewReceiver returns a Receiver reading from src into buf.
func NewReceiver(src Source, buf *playback.ReplyBuffer, vol *volume.Cell, opts ...ReceiverOption) *Receiver {
	r := &Receiver{
		src:  src,
		buf:  buf,
		vol:  vol,
		poll: AvailablePoll,
	}
	for _, o := range opts {
		o(r)
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	return r
}

// Receive waits for the reply to start arriving, reads it completely into
// the reply buffer and scales it by the current volume. The returned
// [wire.Reply] describes the buffered audio; a truncated reply is not an
// error.
//
// Read failures, and write failures reported while waiting, are returned as
// *wire.TransportError. Cancelling ctx only interrupts the wait, never a read
// in progress.
func (r *Receiver) Receive(ctx context.Context) (wire.Reply, error) {
	ctx, span := observe.StartSpan(ctx, "stream.receive")
	defer span.End()

	start := time.Now()
	var deadline time.Time
	if r.timeout > 0 {
		deadline = start.Add(r.timeout)
	}
	r.buf.Reset()

	if err := r.wait(ctx, deadline); err != nil {
		span.RecordError(err)
		return wire.Reply{}, err
	}

	if d, ok := r.src.(readDeadliner); ok && !deadline.IsZero() {
		_ = d.SetReadDeadline(deadline)
		defer func() { _ = d.SetReadDeadline(time.Time{}) }()
	}

	rep, err := wire.ReadReply(r.src, r.buf.Buffer(), r.maxText)
	if err != nil {
		r.metrics.RecordTransportError(ctx, "awaiting_reply")
		span.RecordError(err)
		return rep, err
	}
	r.buf.SetLen(rep.Samples)
	gain := r.vol.Get()
	r.buf.Scale(gain)

	r.metrics.ReplyBytes.Add(ctx, int64(rep.DeclaredBytes))
	r.metrics.ReplyLatency.Record(ctx, time.Since(start).Seconds())
	if overrun := rep.Overrun(); overrun != nil {
		r.metrics.ReplyTruncations.Add(ctx, 1)
		slog.Warn("reply truncated", "err", overrun, "kept_samples", rep.Samples)
	}
	observe.Logger(ctx).Debug("reply received",
		"samples", rep.Samples,
		"text_bytes", len(rep.Text),
		"gain", gain,
	)
	return rep, nil
}

func (r *Receiver) wait(ctx context.Context, deadline time.Time) error {
	var faults <-chan error
	if r.faults != nil {
		faults = r.faults.Faults()
	}
	select {
	case err := <-faults:
		return r.sendFault(ctx, err)
	default:
	}
	if r.src.Available() {
		return nil
	}
	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-faults:
			return r.sendFault(ctx, err)
		case <-ticker.C:
		}
		if r.src.Available() {
			return nil
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			r.metrics.RecordTransportError(ctx, "awaiting_reply")
			return &wire.TransportError{Op: "await reply", Err: os.ErrDeadlineExceeded}
		}
	}
}

func (r *Receiver) sendFault(ctx context.Context, err error) error {
	r.metrics.RecordTransportError(ctx, "awaiting_reply")
	observe.Logger(ctx).Warn("segment did not reach the server, giving up on the reply", "err", err)
	if wire.IsTransport(err) {
		return err
	}
	return &wire.TransportError{Op: "await reply", Err: err}
}
