// Package intercept wraps WebSocket connections so inbound binary frames are
// observed without changing what the connection's owner sees.
package intercept

import (
	"io"
	"net"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Message types, re-exported so callers of the wrapper need not import the
// transport package.
const (
	TextMessage   = websocket.TextMessage
	BinaryMessage = websocket.BinaryMessage
	CloseMessage  = websocket.CloseMessage
	PingMessage   = websocket.PingMessage
	PongMessage   = websocket.PongMessage
)

// Socket is the capability set a connection must expose to be tapped.
// *websocket.Conn satisfies it.
type Socket interface {
	ReadMessage() (messageType int, p []byte, err error)
	NextReader() (messageType int, r io.Reader, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
	Subprotocol() string
	SetCloseHandler(h func(code int, text string) error)
	CloseHandler() func(code int, text string) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// FrameSink receives every inbound binary frame of a tapped connection, on
// that connection's reader goroutine.
type FrameSink interface {
	HandleFrame(data []byte, endpoint string)
}

// FrameSinkFunc adapts a function to a FrameSink.
type FrameSinkFunc func(data []byte, endpoint string)

// HandleFrame calls f.
func (f FrameSinkFunc) HandleFrame(data []byte, endpoint string) { f(data, endpoint) }

var loopbackMarkers = []string{"localhost", "127.0.0.1", "[::1]"}

// IsLoopback reports whether an endpoint address points at the local host.
func IsLoopback(addr string) bool {
	lower := strings.ToLower(addr)
	for _, m := range loopbackMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}

	host := lower
	if u, err := url.Parse(lower); err == nil && u.Host != "" {
		host = u.Hostname()
	} else if h, _, err := net.SplitHostPort(lower); err == nil {
		host = h
	}
	if ip, err := netip.ParseAddr(strings.Trim(host, "[]")); err == nil {
		return ip.IsLoopback()
	}
	return false
}

// endpointOf derives an endpoint address for a socket attached without one.
func endpointOf(sock Socket) string {
	if e, ok := sock.(interface{ Endpoint() string }); ok {
		return e.Endpoint()
	}
	if addr := sock.RemoteAddr(); addr != nil {
		return "ws://" + addr.String()
	}
	return ""
}
