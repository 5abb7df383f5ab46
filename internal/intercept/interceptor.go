package intercept

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/net/proxy"

	"firestige.xyz/wstap/internal/socket"
)

// Config configures an Interceptor.
type Config struct {
	// UpstreamProxy routes outbound dials through a socks5:// or http(s):// proxy.
	UpstreamProxy string
	// HandshakeTimeout bounds the WebSocket opening handshake.
	HandshakeTimeout time.Duration
	// TapLoopback taps loopback endpoints too. Off by default.
	TapLoopback bool
}

// Interceptor creates and attaches wrapped connections. Non-loopback
// connections are registered and their inbound binary frames fed to the sink.
type Interceptor struct {
	cfg      Config
	dialer   *websocket.Dialer
	sink     FrameSink
	registry *socket.Registry[*Conn]

	mu       sync.Mutex
	attached map[Socket]*Conn
}

// New creates an Interceptor feeding sink and tracking connections in registry.
func New(cfg Config, sink FrameSink, registry *socket.Registry[*Conn]) (*Interceptor, error) {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 45 * time.Second
	}
	dialer := &websocket.Dialer{
		HandshakeTimeout: cfg.HandshakeTimeout,
		Proxy:            http.ProxyFromEnvironment,
	}
	if cfg.UpstreamProxy != "" {
		if err := configureProxy(dialer, cfg.UpstreamProxy); err != nil {
			return nil, err
		}
	}
	return &Interceptor{
		cfg:      cfg,
		dialer:   dialer,
		sink:     sink,
		registry: registry,
		attached: make(map[Socket]*Conn),
	}, nil
}

// configureProxy routes http(s) proxies through the dialer's CONNECT support
// and everything else through golang.org/x/net/proxy.
func configureProxy(dialer *websocket.Dialer, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse upstream proxy %q: %w", raw, err)
	}
	switch u.Scheme {
	case "http", "https":
		dialer.Proxy = http.ProxyURL(u)
		return nil
	}

	d, err := proxy.FromURL(u, proxy.Direct)
	if err != nil {
		return fmt.Errorf("upstream proxy %q: %w", raw, err)
	}
	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		return fmt.Errorf("upstream proxy %q: dialer does not support contexts", raw)
	}
	dialer.Proxy = nil
	dialer.NetDialContext = cd.DialContext
	return nil
}

// Dial opens a WebSocket connection like websocket.Dialer.DialContext and
// returns it wrapped. Loopback endpoints are passed through untapped.
func (i *Interceptor) Dial(ctx context.Context, urlStr string, header http.Header) (*Conn, *http.Response, error) {
	ws, resp, err := i.dialer.DialContext(ctx, urlStr, header)
	if err != nil {
		return nil, resp, err
	}
	if !i.shouldTap(urlStr) {
		return newConn(i, ws, urlStr, false), resp, nil
	}
	return i.instrument(ws, urlStr), resp, nil
}

// Attach wraps a connection obtained outside Dial. endpoint names the
// connection in the registry; when empty it is derived from the remote
// address. Attaching the same socket again returns the first wrapper.
func (i *Interceptor) Attach(sock Socket, endpoint string) *Conn {
	if c, ok := sock.(*Conn); ok {
		return c
	}
	if endpoint == "" {
		endpoint = endpointOf(sock)
	}
	if !i.shouldTap(endpoint) {
		return newConn(i, sock, endpoint, false)
	}
	return i.instrument(sock, endpoint)
}

// Send writes on sock, instrumenting it first if it is a non-loopback socket
// that has not been tapped yet. The write itself is unchanged.
func (i *Interceptor) Send(sock Socket, messageType int, data []byte) error {
	_, err := i.SendConn(sock, messageType, data)
	return err
}

// SendConn is Send returning the wrapper sock is tracked under. Reading
// through the returned Conn taps inbound frames and notices a dead peer;
// reads on the raw socket are not observed. Loopback sockets come back
// wrapped but untapped.
func (i *Interceptor) SendConn(sock Socket, messageType int, data []byte) (*Conn, error) {
	if c, ok := sock.(*Conn); ok {
		return c, c.WriteMessage(messageType, data)
	}
	i.mu.Lock()
	c, ok := i.attached[sock]
	i.mu.Unlock()
	if !ok {
		endpoint := endpointOf(sock)
		if !i.shouldTap(endpoint) {
			return newConn(i, sock, endpoint, false), sock.WriteMessage(messageType, data)
		}
		slog.Debug("retrofitting connection on first send", "endpoint", endpoint)
		c = i.instrument(sock, endpoint)
	}
	return c, c.WriteMessage(messageType, data)
}

// Instrumented reports whether sock has been tapped.
func (i *Interceptor) Instrumented(sock Socket) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	_, ok := i.attached[sock]
	return ok
}

// Registry returns the registry tapped connections are tracked in.
func (i *Interceptor) Registry() *socket.Registry[*Conn] {
	return i.registry
}

func (i *Interceptor) shouldTap(endpoint string) bool {
	return i.cfg.TapLoopback || !IsLoopback(endpoint)
}

// instrument wraps and registers sock once per socket identity.
func (i *Interceptor) instrument(sock Socket, endpoint string) *Conn {
	i.mu.Lock()
	if c, ok := i.attached[sock]; ok {
		i.mu.Unlock()
		return c
	}
	c := newConn(i, sock, endpoint, true)
	i.attached[sock] = c
	i.mu.Unlock()

	i.registry.Register(endpoint, c)
	slog.Info("connection tapped", "endpoint", endpoint)
	return c
}

// forget drops a closed socket from the identity set.
func (i *Interceptor) forget(sock Socket) {
	i.mu.Lock()
	delete(i.attached, sock)
	i.mu.Unlock()
}

// feed hands a frame to the sink. A panicking sink must not break the
// owner's read loop.
func (i *Interceptor) feed(data []byte, endpoint string) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("frame sink panic", "endpoint", endpoint, "panic", r)
		}
	}()
	if i.sink != nil {
		i.sink.HandleFrame(data, endpoint)
	}
}
