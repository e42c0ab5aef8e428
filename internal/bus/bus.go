package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/voicebox/internal/hal"
	"github.com/MrWong99/voicebox/internal/observe"
	"github.com/MrWong99/voicebox/internal/wire"
)

// Queue capacities and enqueue timeouts used by the device.
const (
	DefaultNetworkCapacity   = 100
	DefaultDisplayCapacity   = 10
	DefaultIndicatorCapacity = 10

	NetworkEnqueueTimeout   = 100 * time.Millisecond
	DisplayEnqueueTimeout   = 100 * time.Millisecond
	IndicatorEnqueueTimeout = 10 * time.Millisecond
)

// Config sizes the bus queues. Zero fields take the defaults above.
type Config struct {
	NetworkCapacity   int
	DisplayCapacity   int
	IndicatorCapacity int
}

// Bus bundles the device's three queues. Construct one per process with
// [New] and pass it to the producer and consumer tasks.
type Bus struct {
	Network   *Queue[NetMessage]
	Display   *Queue[DisplayUpdate]
	Indicator *Queue[IndicatorUpdate]

	metrics *observe.Metrics
}

// New builds the queues. A nil metrics uses [observe.DefaultMetrics].
func New(cfg Config, metrics *observe.Metrics) *Bus {
	if cfg.NetworkCapacity <= 0 {
		cfg.NetworkCapacity = DefaultNetworkCapacity
	}
	if cfg.DisplayCapacity <= 0 {
		cfg.DisplayCapacity = DefaultDisplayCapacity
	}
	if cfg.IndicatorCapacity <= 0 {
		cfg.IndicatorCapacity = DefaultIndicatorCapacity
	}
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Bus{
		Network:   NewQueue[NetMessage]("network", cfg.NetworkCapacity),
		Display:   NewQueue[DisplayUpdate]("display", cfg.DisplayCapacity),
		Indicator: NewQueue[IndicatorUpdate]("indicator", cfg.IndicatorCapacity),
		metrics:   metrics,
	}
}

// SendAudio copies frame into an owned buffer and queues it for the network
// task. Failure is returned to the caller: audio must never be dropped
// silently.
func (b *Bus) SendAudio(ctx context.Context, frame []int16) error {
	msg := AudioMessage(CopySamples(frame))
	if err := b.Network.Enqueue(ctx, msg, NetworkEnqueueTimeout); err != nil {
		msg.Release()
		if errors.Is(err, ErrQueueFull) {
			b.metrics.RecordQueueDrop(ctx, b.Network.Name())
		}
		return fmt.Errorf("bus: send audio: %w", err)
	}
	return nil
}

// SendSignal queues a control signal for the network task.
func (b *Bus) SendSignal(ctx context.Context, sig wire.Signal) error {
	if err := b.Network.Enqueue(ctx, SignalMessage(sig), NetworkEnqueueTimeout); err != nil {
		if errors.Is(err, ErrQueueFull) {
			b.metrics.RecordQueueDrop(ctx, b.Network.Name())
		}
		return fmt.Errorf("bus: send %s: %w", sig, err)
	}
	return nil
}

// ShowMessage queues a display update. Delivery is best effort.
func (b *Bus) ShowMessage(ctx context.Context, upper, lower string, mode hal.DisplayMode) {
	err := b.Display.Enqueue(ctx, DisplayUpdate{Upper: upper, Lower: lower, Mode: mode}, DisplayEnqueueTimeout)
	b.advisory(ctx, b.Display.Name(), err)
}

// SetIndicator queues an indicator update. Delivery is best effort.
func (b *Bus) SetIndicator(ctx context.Context, state hal.IndicatorState) {
	err := b.Indicator.Enqueue(ctx, IndicatorUpdate{State: state}, IndicatorEnqueueTimeout)
	b.advisory(ctx, b.Indicator.Name(), err)
}

func (b *Bus) advisory(ctx context.Context, queue string, err error) {
	if err == nil {
		return
	}
	if errors.Is(err, ErrQueueFull) {
		b.metrics.RecordQueueDrop(ctx, queue)
	}
	slog.Debug("ui update dropped", "queue", queue, "err", err)
}

// Close closes all queues and releases any audio still waiting.
func (b *Bus) Close() {
	b.Network.Close()
	b.Display.Close()
	b.Indicator.Close()
	b.Network.Drain(NetMessage.Release)
}
