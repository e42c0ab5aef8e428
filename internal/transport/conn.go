// Package transport provides the device's connection to the server: a
// byte-stream [Conn] over TCP or WebSocket, and a [Reconnector] that keeps
// one such connection alive.
package transport

import (
	"errors"
	"net"
	"os"
	"sync"
	"time"
)

// ErrDisconnected is returned by reads and writes while no connection is
// established.
var ErrDisconnected = errors.New("transport: not connected")

const readChunk = 4096

// Conn wraps a [net.Conn] with a receive loop so that pending input can be
// queried without consuming it. Reads are meant for a single reader
// goroutine; writes go straight to the underlying connection.
type Conn struct {
	nc     net.Conn
	chunks chan []byte
	done   chan struct{} // closed when the receive loop exits
	closed chan struct{}

	closeOnce sync.Once

	mu       sync.Mutex
	pending  []byte
	err      error
	deadline time.Time
}

// NewConn starts receiving from nc.
func NewConn(nc net.Conn) *Conn {
	c := &Conn{
		nc:     nc,
		chunks: make(chan []byte, 64),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
	}
	go c.receiveLoop()
	return c
}

func (c *Conn) receiveLoop() {
	defer close(c.done)
	for {
		buf := make([]byte, readChunk)
		n, err := c.nc.Read(buf)
		if n > 0 {
			select {
			case c.chunks <- buf[:n]:
			case <-c.closed:
				return
			}
		}
		if err != nil {
			c.mu.Lock()
			c.err = err
			c.mu.Unlock()
			return
		}
	}
}

// Read implements [io.Reader]. It honors the deadline set by
// [Conn.SetReadDeadline] and returns the receive error once all buffered
// input has been consumed.
func (c *Conn) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	c.mu.Lock()
	if len(c.pending) > 0 {
		n := copy(p, c.pending)
		c.pending = c.pending[n:]
		c.mu.Unlock()
		return n, nil
	}
	deadline := c.deadline
	c.mu.Unlock()

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		d := time.Until(deadline)
		if d <= 0 {
			return 0, os.ErrDeadlineExceeded
		}
		t := time.NewTimer(d)
		defer t.Stop()
		timeout = t.C
	}

	var chunk []byte
	select {
	case chunk = <-c.chunks:
	case <-c.done:
		// Input received before the loop exited is still delivered.
		select {
		case chunk = <-c.chunks:
		default:
			return 0, c.readErr()
		}
	case <-c.closed:
		return 0, net.ErrClosed
	case <-timeout:
		return 0, os.ErrDeadlineExceeded
	}

	n := copy(p, chunk)
	c.mu.Lock()
	c.pending = chunk[n:]
	c.mu.Unlock()
	return n, nil
}

func (c *Conn) readErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		return net.ErrClosed
	}
	return c.err
}

// Write implements [io.Writer].
func (c *Conn) Write(p []byte) (int, error) {
	select {
	case <-c.closed:
		return 0, net.ErrClosed
	default:
	}
	return c.nc.Write(p)
}

// Available reports whether a Read would return without blocking, either
// with data or with the connection's terminal error.
func (c *Conn) Available() bool {
	c.mu.Lock()
	buffered := len(c.pending) > 0
	c.mu.Unlock()
	if buffered || len(c.chunks) > 0 {
		return true
	}
	select {
	case <-c.done:
		return true
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Connected reports whether the connection is open and still receiving.
func (c *Conn) Connected() bool {
	select {
	case <-c.done:
		return false
	case <-c.closed:
		return false
	default:
		return true
	}
}

// SetReadDeadline bounds subsequent reads. A zero t removes the bound.
func (c *Conn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.deadline = t
	c.mu.Unlock()
	return nil
}

// SetWriteDeadline bounds writes on the underlying connection.
func (c *Conn) SetWriteDeadline(t time.Time) error {
	return c.nc.SetWriteDeadline(t)
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr { return c.nc.RemoteAddr() }

// Close closes the connection. It is safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.nc.Close()
	})
	return err
}
