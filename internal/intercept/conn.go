package intercept

import (
	"bytes"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Conn forwards every operation to the wrapped Socket. When tapped it also
// hands inbound binary frames to the interceptor's FrameSink and removes
// itself from the socket registry exactly once when the connection closes.
//
// Like *websocket.Conn, Conn supports one concurrent reader. Writes are
// serialized, so several goroutines may write. Reads and writes always go to
// the wrapped socket and return its errors unchanged; a failed read or write
// marks the connection closed.
type Conn struct {
	sock     Socket
	endpoint string
	in       *Interceptor
	tapped   bool

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool
}

func newConn(in *Interceptor, sock Socket, endpoint string, tapped bool) *Conn {
	c := &Conn{sock: sock, endpoint: endpoint, in: in, tapped: tapped}
	if tapped {
		c.sock.SetCloseHandler(c.chainClose(sock.CloseHandler()))
	}
	return c
}

// Endpoint returns the address the connection was opened to.
func (c *Conn) Endpoint() string { return c.endpoint }

// Tapped reports whether inbound frames are observed.
func (c *Conn) Tapped() bool { return c.tapped }

// IsOpen reports whether the connection has not been seen to close.
func (c *Conn) IsOpen() bool { return !c.closed.Load() }

// Socket returns the wrapped connection.
func (c *Conn) Socket() Socket { return c.sock }

// ReadMessage reads the next message. Binary messages on a tapped
// connection are fed to the sink before being returned unchanged.
func (c *Conn) ReadMessage() (int, []byte, error) {
	mt, p, err := c.sock.ReadMessage()
	if err != nil {
		c.markClosed()
		return mt, p, err
	}
	if c.tapped && mt == BinaryMessage {
		c.in.feed(p, c.endpoint)
	}
	return mt, p, nil
}

// NextReader returns a reader for the next message. For a tapped binary
// message the frame is fed to the sink once the reader is drained.
func (c *Conn) NextReader() (int, io.Reader, error) {
	mt, r, err := c.sock.NextReader()
	if err != nil {
		c.markClosed()
		return mt, r, err
	}
	if c.tapped && mt == BinaryMessage {
		r = &frameReader{r: r, conn: c}
	}
	return mt, r, nil
}

// WriteMessage writes a message. Concurrent calls are serialized.
func (c *Conn) WriteMessage(messageType int, data []byte) error {
	c.writeMu.Lock()
	err := c.sock.WriteMessage(messageType, data)
	c.writeMu.Unlock()
	if err != nil {
		c.markClosed()
	}
	return err
}

// WriteControl writes a control message. It may be called concurrently with other writes.
func (c *Conn) WriteControl(messageType int, data []byte, deadline time.Time) error {
	err := c.sock.WriteControl(messageType, data, deadline)
	if err != nil {
		c.markClosed()
	}
	return err
}

// Close closes the underlying connection without sending a close message.
func (c *Conn) Close() error {
	c.markClosed()
	return c.sock.Close()
}

func (c *Conn) LocalAddr() net.Addr { return c.sock.LocalAddr() }
func (c *Conn) RemoteAddr() net.Addr { return c.sock.RemoteAddr() }
func (c *Conn) Subprotocol() string { return c.sock.Subprotocol() }

// SetCloseHandler sets the handler for close messages from the peer. On a
// tapped connection the handler runs after the registry entry is removed.
func (c *Conn) SetCloseHandler(h func(code int, text string) error) {
	if !c.tapped {
		c.sock.SetCloseHandler(h)
		return
	}
	if h == nil {
		c.sock.SetCloseHandler(nil)
		h = c.sock.CloseHandler()
	}
	c.sock.SetCloseHandler(c.chainClose(h))
}

func (c *Conn) CloseHandler() func(code int, text string) error { return c.sock.CloseHandler() }

func (c *Conn) SetReadDeadline(t time.Time) error { return c.sock.SetReadDeadline(t) }
func (c *Conn) SetWriteDeadline(t time.Time) error { return c.sock.SetWriteDeadline(t) }

func (c *Conn) chainClose(next func(code int, text string) error) func(code int, text string) error {
	return func(code int, text string) error {
		c.markClosed()
		if next == nil {
			return nil
		}
		return next(code, text)
	}
}

// markClosed unregisters a tapped connection once, and only if the registry
// still maps the endpoint to this connection.
func (c *Conn) markClosed() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		if c.tapped {
			removed := c.in.registry.Unregister(c.endpoint, c)
			c.in.forget(c.sock)
			slog.Debug("tapped connection closed", "endpoint", c.endpoint, "unregistered", removed)
		}
	})
}

// frameReader buffers a deferred message and feeds it when EOF is reached.
type frameReader struct {
	r    io.Reader
	conn *Conn
	buf  bytes.Buffer
	done bool
}

func (fr *frameReader) Read(p []byte) (int, error) {
	n, err := fr.r.Read(p)
	if n > 0 && !fr.done {
		fr.buf.Write(p[:n])
	}
	switch {
	case err == io.EOF && !fr.done:
		fr.done = true
		fr.conn.in.feed(fr.buf.Bytes(), fr.conn.endpoint)
		fr.buf = bytes.Buffer{}
	case err != nil && err != io.EOF:
		fr.conn.markClosed()
	}
	return n, err
}
