// Package proxy implements the local WebSocket bridge: each client
// connection is bridged to its real upstream through the intercepting
// dialer, so the upstream side is tapped while the client sees the
// upstream's frames unchanged.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"firestige.xyz/wstap/internal/intercept"
)

// TargetHeader selects the upstream per request when overrides are allowed.
const TargetHeader = "X-Wstap-Target"

// forwardedHeaders are copied from the client handshake to the upstream one.
var forwardedHeaders = []string{"Origin", "Cookie", "Authorization", "User-Agent"}

// Config configures the bridge.
type Config struct {
	Listen              string
	Upstream            string
	AllowTargetOverride bool
}

// Dialer opens tapped upstream connections.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (*intercept.Conn, *http.Response, error)
}

// Server accepts client WebSocket connections and bridges them upstream.
type Server struct {
	cfg      Config
	dialer   Dialer
	upgrader websocket.Upgrader
	server   *http.Server
	listener net.Listener

	mu      sync.Mutex
	bridges map[*bridge]struct{}
	wg      sync.WaitGroup
	stopped bool
	ready   chan struct{}
}

// NewServer creates a bridge server.
func NewServer(cfg Config, dialer Dialer) *Server {
	s := &Server{
		cfg:     cfg,
		dialer:  dialer,
		bridges: make(map[*bridge]struct{}),
		ready:   make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	return s
}

// Start listens and serves. Blocks until ctx is cancelled or serving fails.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Listen, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.server = &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Unlock()
	close(s.ready)

	slog.Info("bridge proxy started", "listen", ln.Addr().String(), "upstream", s.cfg.Upstream)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		slog.Info("bridge proxy stopping", "reason", ctx.Err())
	case err := <-errCh:
		if err != nil {
			_ = s.Stop()
			return fmt.Errorf("bridge proxy serve: %w", err)
		}
	}
	return s.Stop()
}

// Ready is closed once the listener is bound.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener and every active bridge.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	srv := s.server
	for b := range s.bridges {
		b.close()
	}
	s.mu.Unlock()

	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			slog.Warn("bridge proxy shutdown", "error", err)
		}
	}
	s.wg.Wait()
	slog.Info("bridge proxy stopped")
	return nil
}

// ServeHTTP upgrades the client and bridges it to the resolved upstream.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	target, err := s.target(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	header := http.Header{}
	for _, h := range forwardedHeaders {
		if v := r.Header.Get(h); v != "" {
			header.Set(h, v)
		}
	}
	if protos := websocket.Subprotocols(r); len(protos) > 0 {
		header.Set("Sec-WebSocket-Protocol", strings.Join(protos, ", "))
	}

	up, resp, err := s.dialer.Dial(r.Context(), target, header)
	if err != nil {
		status := http.StatusBadGateway
		if resp != nil {
			status = resp.StatusCode
		}
		slog.Warn("upstream dial failed", "target", target, "error", err)
		http.Error(w, "upstream unavailable", status)
		return
	}

	var respHeader http.Header
	if sp := up.Subprotocol(); sp != "" {
		respHeader = http.Header{"Sec-WebSocket-Protocol": {sp}}
	}
	client, err := s.upgrader.Upgrade(w, r, respHeader)
	if err != nil {
		_ = up.Close()
		return
	}

	b := &bridge{client: client, upstream: up, target: target}
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		b.close()
		return
	}
	s.bridges[b] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.bridges, b)
		s.mu.Unlock()
		s.wg.Done()
	}()
	b.run()
}

// target resolves the upstream URL for r: the configured upstream plus the
// request path and query, or an override when allowed.
func (s *Server) target(r *http.Request) (string, error) {
	if s.cfg.AllowTargetOverride {
		override := r.Header.Get(TargetHeader)
		if override == "" {
			override = r.URL.Query().Get("target")
		}
		if override != "" {
			u, err := url.Parse(override)
			if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
				return "", fmt.Errorf("invalid target %q", override)
			}
			return u.String(), nil
		}
	}

	if s.cfg.Upstream == "" {
		return "", errors.New("no upstream configured")
	}
	base, err := url.Parse(s.cfg.Upstream)
	if err != nil {
		return "", fmt.Errorf("invalid upstream %q: %w", s.cfg.Upstream, err)
	}
	u := *base
	u.Path = strings.TrimSuffix(base.Path, "/") + r.URL.Path
	q := r.URL.Query()
	q.Del("target")
	u.RawQuery = q.Encode()
	return u.String(), nil
}
