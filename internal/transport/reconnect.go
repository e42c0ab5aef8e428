package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voicebox/internal/observe"
	"github.com/MrWong99/voicebox/internal/resilience"
)

// Default reconnection parameters.
const (
	defaultMaxRetries = 10
	defaultBackoff    = 1 * time.Second
	defaultMaxBackoff = 30 * time.Second
)

// DialFunc opens a new connection.
type DialFunc func(ctx context.Context) (*Conn, error)

// Reconnector holds the device's server connection and re-establishes it
// after a failure.
//
// Callers open the initial connection via [Reconnector.Connect], then run
// [Reconnector.Run] (or [Reconnector.Monitor]) to watch for disconnections.
// When a drop is reported through [Reconnector.NotifyDisconnect], the current
// connection is closed and redialed with exponential backoff. Dials go
// through a circuit breaker so that a dead server is not hammered.
//
// Reconnector itself is the byte stream used by the rest of the device: Read,
// Write, and Available act on whichever connection is current.
//
// All methods are safe for concurrent use.
type Reconnector struct {
	dial        DialFunc
	endpoint    string
	maxRetries  int
	backoff     time.Duration
	maxBackoff  time.Duration
	onReconnect func(*Conn)
	breaker     *resilience.CircuitBreaker
	metrics     *observe.Metrics

	mu           sync.Mutex
	conn         *Conn
	deadline     time.Time
	done         chan struct{}
	stopOnce     sync.Once
	disconnected chan struct{} // signalled when a disconnect is detected
}

// ReconnectorConfig configures a [Reconnector].
type ReconnectorConfig struct {
	// Endpoint is the server address passed to [Dial] when Dial is nil. It
	// also labels log messages.
	Endpoint string

	// Dial opens connections. Defaults to [Dial] on Endpoint.
	Dial DialFunc

	// MaxRetries is the maximum number of reconnection attempts per
	// disconnect before giving up. Defaults to 10 if zero.
	MaxRetries int

	// Backoff is the initial backoff duration between retries. Doubles each
	// attempt up to MaxBackoff. Defaults to 1s if zero.
	Backoff time.Duration

	// MaxBackoff is the upper limit on backoff duration. Defaults to 30s if zero.
	MaxBackoff time.Duration

	// OnReconnect is called after a successful reconnection with the new
	// connection. May be nil.
	OnReconnect func(*Conn)

	// Breaker guards dial attempts. Defaults to a breaker that opens after
	// 5 consecutive failures.
	Breaker *resilience.CircuitBreaker

	// Metrics records reconnect attempts. Defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// NewReconnector creates a new [Reconnector] with the given configuration.
func NewReconnector(cfg ReconnectorConfig) *Reconnector {
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}
	dial := cfg.Dial
	if dial == nil {
		endpoint := cfg.Endpoint
		dial = func(ctx context.Context) (*Conn, error) { return Dial(ctx, endpoint) }
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	breaker := cfg.Breaker
	if breaker == nil {
		breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:          "transport",
			OnStateChange: metrics.BreakerObserver(),
		})
	}
	return &Reconnector{
		dial:         dial,
		endpoint:     cfg.Endpoint,
		maxRetries:   maxRetries,
		backoff:      backoff,
		maxBackoff:   maxBackoff,
		onReconnect:  cfg.OnReconnect,
		breaker:      breaker,
		metrics:      metrics,
		done:         make(chan struct{}),
		disconnected: make(chan struct{}, 1),
	}
}

// Connect performs the initial connection.
func (r *Reconnector) Connect(ctx context.Context) error {
	conn, err := r.dialOnce(ctx)
	if err != nil {
		return fmt.Errorf("reconnector initial connect: %w", err)
	}

	r.mu.Lock()
	r.conn = conn
	r.mu.Unlock()
	return nil
}

func (r *Reconnector) dialOnce(ctx context.Context) (*Conn, error) {
	var conn *Conn
	err := r.breaker.Execute(func() error {
		var err error
		conn, err = r.dial(ctx)
		return err
	})
	return conn, err
}

// Monitor starts [Reconnector.Run] in a background goroutine.
func (r *Reconnector) Monitor(ctx context.Context) {
	go func() { _ = r.Run(ctx) }()
}

// Run waits for disconnect notifications and reconnects until ctx is done or
// [Reconnector.Stop] is called. It always returns nil.
func (r *Reconnector) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.done:
			return nil
		case <-r.disconnected:
			r.attemptReconnect(ctx)
		}
	}
}

// NotifyDisconnect signals the monitor that the connection has been lost
// and reconnection should be attempted. Safe to call multiple times; only
// the first call per reconnection cycle has effect.
func (r *Reconnector) NotifyDisconnect() {
	select {
	case r.disconnected <- struct{}{}:
	default:
		// Already signalled; avoid blocking.
	}
}

// Stop halts monitoring and closes the current connection.
// Safe to call multiple times.
func (r *Reconnector) Stop() error {
	r.stopOnce.Do(func() {
		close(r.done)
	})

	r.mu.Lock()
	conn := r.conn
	r.conn = nil
	r.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Connection returns the current connection. It returns nil while
// reconnecting.
func (r *Reconnector) Connection() *Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn
}

// Connected reports whether a live connection is held.
func (r *Reconnector) Connected() bool {
	conn := r.Connection()
	return conn != nil && conn.Connected()
}

// Read reads from the current connection.
func (r *Reconnector) Read(p []byte) (int, error) {
	conn := r.Connection()
	if conn == nil {
		return 0, ErrDisconnected
	}
	return conn.Read(p)
}

// Write writes to the current connection.
func (r *Reconnector) Write(p []byte) (int, error) {
	conn := r.Connection()
	if conn == nil {
		return 0, ErrDisconnected
	}
	return conn.Write(p)
}

// Available reports whether the current connection has input pending. While
// disconnected it reports true so that a waiting reader fails promptly.
func (r *Reconnector) Available() bool {
	conn := r.Connection()
	if conn == nil {
		return true
	}
	return conn.Available()
}

// SetReadDeadline applies t to the current connection and to any
// connection established later.
func (r *Reconnector) SetReadDeadline(t time.Time) error {
	r.mu.Lock()
	r.deadline = t
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.SetReadDeadline(t)
}

// attemptReconnect drops the failed connection and redials with exponential
// backoff.
func (r *Reconnector) attemptReconnect(ctx context.Context) {
	r.mu.Lock()
	oldConn := r.conn
	r.conn = nil
	r.mu.Unlock()

	// Close the old (failed) connection to release its resources.
	if oldConn != nil {
		_ = oldConn.Close()
	}

	currentBackoff := r.backoff

	for attempt := 1; attempt <= r.maxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		default:
		}

		slog.Info("attempting reconnection",
			"endpoint", r.endpoint,
			"attempt", attempt,
			"max_retries", r.maxRetries,
			"backoff", currentBackoff,
		)

		conn, err := r.dialOnce(ctx)
		if err == nil {
			select {
			case <-r.done:
				_ = conn.Close()
				return
			default:
			}
			r.mu.Lock()
			r.conn = conn
			deadline := r.deadline
			r.mu.Unlock()
			_ = conn.SetReadDeadline(deadline)

			r.metrics.RecordReconnect(ctx, "ok")
			slog.Info("reconnection successful",
				"endpoint", r.endpoint,
				"attempt", attempt,
			)

			if r.onReconnect != nil {
				r.onReconnect(conn)
			}
			return
		}

		status := "failed"
		if errors.Is(err, resilience.ErrCircuitOpen) {
			status = "circuit_open"
		}
		r.metrics.RecordReconnect(ctx, status)
		slog.Warn("reconnection attempt failed",
			"endpoint", r.endpoint,
			"attempt", attempt,
			"err", err,
		)

		// Wait before retrying.
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-time.After(currentBackoff):
		}

		// Exponential backoff.
		currentBackoff *= 2
		if currentBackoff > r.maxBackoff {
			currentBackoff = r.maxBackoff
		}
	}

	slog.Error("reconnection failed after max retries",
		"endpoint", r.endpoint,
		"max_retries", r.maxRetries,
	)
}
