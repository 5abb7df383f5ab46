package relay

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
)

// Transport is the collector connection as the forwarder uses it.
type Transport interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

// Dialer opens a Transport to url.
type Dialer func(ctx context.Context, url string) (Transport, error)

// Timer is a pending scheduled call.
type Timer interface {
	Stop() bool
}

// Scheduler runs f after d. Tests inject a fake to drive backoff.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realScheduler struct{}

func (realScheduler) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// wsTransport bounds each write with a deadline.
type wsTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

func (t *wsTransport) WriteMessage(messageType int, data []byte) error {
	if t.writeTimeout > 0 {
		_ = t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	}
	return t.conn.WriteMessage(messageType, data)
}

func (t *wsTransport) ReadMessage() (int, []byte, error) { return t.conn.ReadMessage() }

func (t *wsTransport) Close() error { return t.conn.Close() }

// WebSocketDialer dials the collector with gorilla/websocket.
func WebSocketDialer(handshakeTimeout, writeTimeout time.Duration) Dialer {
	d := &websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	return func(ctx context.Context, url string) (Transport, error) {
		conn, _, err := d.DialContext(ctx, url, nil)
		if err != nil {
			return nil, err
		}
		return &wsTransport{conn: conn, writeTimeout: writeTimeout}, nil
	}
}
