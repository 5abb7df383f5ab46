// Package relay mirrors serialized records to a collector over one
// persistent WebSocket, reconnecting with capped quadratic backoff and
// buffering records in a bounded offline queue while disconnected.
package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"firestige.xyz/wstap/internal/core"
	"firestige.xyz/wstap/internal/metrics"
	"firestige.xyz/wstap/internal/ringbuf"
)

const (
	DefaultURL        = "ws://127.0.0.1:9977/ingest"
	DefaultQueueSize  = 500
	DefaultMaxRetries = 8

	backoffUnit = time.Second
	backoffCap  = 30 * time.Second
)

// Config configures a Forwarder.
type Config struct {
	URL              string
	QueueSize        int
	MaxRetries       int
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

// Backoff returns the reconnect delay after the given number of
// consecutive failures: min(30s, 1s × attempt²).
func Backoff(attempt int) time.Duration {
	d := time.Duration(attempt*attempt) * backoffUnit
	if d > backoffCap || attempt > 1000 {
		return backoffCap
	}
	return d
}

// Forwarder maintains the collector connection. Forward never blocks on
// connection setup or collector writes and never reports an error. Every
// record goes through the queue; one writer goroutine per open connection
// drains it in FIFO order.
type Forwarder struct {
	cfg   Config
	dial  Dialer
	sched Scheduler

	mu       sync.Mutex
	status   core.RelayStatus
	retries  int
	conn     Transport
	connDone chan struct{}
	gen      uint64
	timer    Timer
	queue    *ringbuf.Buffer[[]byte]
	sent     uint64
	dropped  uint64
	stopped  bool
	wake     chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option customizes a Forwarder.
type Option func(*Forwarder)

// WithDialer replaces the WebSocket dialer.
func WithDialer(d Dialer) Option { return func(f *Forwarder) { f.dial = d } }

// WithScheduler replaces the timer used for reconnects.
func WithScheduler(s Scheduler) Option { return func(f *Forwarder) { f.sched = s } }

// New creates a disconnected Forwarder. Records are queued until Start.
func New(cfg Config, opts ...Option) *Forwarder {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 5 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	f := &Forwarder{
		cfg:    cfg,
		sched:  realScheduler{},
		status: core.RelayDisconnected,
		queue:  ringbuf.New[[]byte](cfg.QueueSize, ringbuf.DropNewest),
	}
	f.dial = WebSocketDialer(cfg.HandshakeTimeout, cfg.WriteTimeout)
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Start begins connecting in the background.
func (f *Forwarder) Start(ctx context.Context) {
	f.mu.Lock()
	f.ctx, f.cancel = context.WithCancel(ctx)
	f.mu.Unlock()

	slog.Info("starting relay", "url", f.cfg.URL)
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		f.connect()
	}()
}

// Stop closes the connection, cancels any pending reconnect and waits for
// background goroutines. Queued records are discarded.
func (f *Forwarder) Stop() {
	f.mu.Lock()
	f.stopped = true
	if f.cancel != nil {
		f.cancel()
	}
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
	conn := f.dropConnLocked()
	f.status = core.RelayDisconnected
	f.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	f.wg.Wait()
	slog.Info("relay stopped", "url", f.cfg.URL)
}

// Forward queues record and wakes the writer when connected. When the
// queue is full the record is dropped.
func (f *Forwarder) Forward(record []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.queue.Push(record) {
		f.dropped++
		metrics.RelayRecordsTotal.WithLabelValues("dropped").Inc()
		return
	}
	metrics.RelayQueueDepth.Set(float64(f.queue.Len()))
	if f.status == core.RelayOpen {
		f.signal()
		return
	}
	metrics.RelayRecordsTotal.WithLabelValues("queued").Inc()
}

func (f *Forwarder) signal() {
	if f.wake == nil {
		return
	}
	select {
	case f.wake <- struct{}{}:
	default:
	}
}

// Stats returns a snapshot of the forwarder state.
func (f *Forwarder) Stats() core.RelayStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return core.RelayStats{
		URL:        f.cfg.URL,
		Status:     f.status,
		Retries:    f.retries,
		QueueDepth: f.queue.Len(),
		Sent:       f.sent,
		Dropped:    f.dropped,
	}
}

// Queued returns the queued records, oldest first.
func (f *Forwarder) Queued() [][]byte {
	return f.queue.Snapshot()
}

// connect dials once. A newer connect supersedes any pending reconnect.
func (f *Forwarder) connect() {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return
	}
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
	f.gen++
	gen := f.gen
	f.status = core.RelayConnecting
	ctx := f.ctx
	f.mu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	conn, err := f.dial(ctx, f.cfg.URL)
	if err != nil {
		slog.Debug("relay dial failed", "url", f.cfg.URL, "error", err)
		f.disconnected(gen, nil)
		return
	}
	f.opened(gen, conn)
}

// reconnect runs on the scheduler's goroutine.
func (f *Forwarder) reconnect() {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return
	}
	f.wg.Add(1)
	f.mu.Unlock()

	defer f.wg.Done()
	f.connect()
}

// opened resets the retry counter and starts the writer, which flushes the
// queue before anything forwarded later.
func (f *Forwarder) opened(gen uint64, conn Transport) {
	f.mu.Lock()
	if f.stopped || gen != f.gen {
		f.mu.Unlock()
		_ = conn.Close()
		return
	}
	f.status = core.RelayOpen
	f.retries = 0
	f.conn = conn
	f.connDone = make(chan struct{})
	f.wake = make(chan struct{}, 1)
	done, wake := f.connDone, f.wake
	queued := f.queue.Len()
	f.wg.Add(2)
	f.mu.Unlock()

	slog.Info("relay connected", "url", f.cfg.URL, "queued", queued)
	go f.writeLoop(gen, conn, done, wake)
	go f.readLoop(gen, conn)
}

// writeLoop sends queued records in FIFO order without holding f.mu during
// a write. A failed write leaves the record at the head of the queue and
// drops the connection.
func (f *Forwarder) writeLoop(gen uint64, conn Transport, done, wake <-chan struct{}) {
	defer f.wg.Done()
	for {
		f.mu.Lock()
		if f.stopped || gen != f.gen {
			f.mu.Unlock()
			return
		}
		rec, ok := f.queue.Peek()
		f.mu.Unlock()

		if !ok {
			select {
			case <-done:
				return
			case <-wake:
			}
			continue
		}

		if err := conn.WriteMessage(websocket.TextMessage, rec); err != nil {
			slog.Debug("relay send failed, record stays queued", "error", err)
			f.disconnected(gen, conn)
			return
		}

		f.mu.Lock()
		if gen == f.gen {
			f.queue.Pop()
			f.sent++
			metrics.RelayRecordsTotal.WithLabelValues("sent").Inc()
			metrics.RelayQueueDepth.Set(float64(f.queue.Len()))
		}
		f.mu.Unlock()
	}
}

// readLoop drains the collector side so closure is noticed.
func (f *Forwarder) readLoop(gen uint64, conn Transport) {
	defer f.wg.Done()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			f.disconnected(gen, conn)
			return
		}
	}
}

// dropConnLocked detaches the current connection and releases its writer.
func (f *Forwarder) dropConnLocked() Transport {
	conn := f.conn
	f.conn = nil
	if f.connDone != nil {
		close(f.connDone)
		f.connDone = nil
	}
	f.wake = nil
	return conn
}

// disconnected counts a failure and schedules the next attempt, or gives up
// after MaxRetries consecutive failures. Only the first report for a
// connection counts.
func (f *Forwarder) disconnected(gen uint64, conn Transport) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.stopped || gen != f.gen || (conn != nil && conn != f.conn) {
		return
	}
	f.dropConnLocked()
	if conn != nil {
		_ = conn.Close()
	}
	f.retries++
	if f.retries > f.cfg.MaxRetries {
		f.status = core.RelayExhausted
		slog.Warn("relay retries exhausted, giving up", "url", f.cfg.URL, "retries", f.retries-1)
		return
	}

	f.status = core.RelayDisconnected
	delay := Backoff(f.retries)
	f.timer = f.sched.AfterFunc(delay, f.reconnect)
	metrics.RelayReconnectsTotal.Inc()
	slog.Info("relay disconnected, reconnect scheduled", "url", f.cfg.URL, "attempt", f.retries, "delay", delay)
}
