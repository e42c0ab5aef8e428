package transport

import (
	"context"
	"fmt"
	"net"
	"net/url"

	"github.com/coder/websocket"
)

// MaxMessageSize bounds a single WebSocket message.
const MaxMessageSize = 64 << 20

// Dial connects to endpoint. Supported schemes are tcp, ws and wss, e.g.
// "tcp://10.0.0.2:5000" or "ws://10.0.0.2:8080/voice".
func Dial(ctx context.Context, endpoint string) (*Conn, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("transport: parse endpoint %q: %w", endpoint, err)
	}
	switch u.Scheme {
	case "tcp":
		return DialTCP(ctx, u.Host)
	case "ws", "wss":
		return DialWebSocket(ctx, endpoint)
	default:
		return nil, fmt.Errorf("transport: unsupported endpoint scheme %q", u.Scheme)
	}
}

// DialTCP opens a TCP connection to addr.
func DialTCP(ctx context.Context, addr string) (*Conn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial tcp %s: %w", addr, err)
	}
	return NewConn(nc), nil
}

// DialWebSocket opens a WebSocket to rawURL and carries the byte stream in
// binary messages.
func DialWebSocket(ctx context.Context, rawURL string) (*Conn, error) {
	ws, _, err := websocket.Dial(ctx, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: dial websocket %s: %w", rawURL, err)
	}
	ws.SetReadLimit(MaxMessageSize)
	// The stream lives until Close, not until the dial context ends.
	nc := websocket.NetConn(context.Background(), ws, websocket.MessageBinary)
	return NewConn(nc), nil
}
