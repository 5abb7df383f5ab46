// Package tap wires interception, decoding, history, the event bus and the
// relay into one long-lived context object.
package tap

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"firestige.xyz/wstap/internal/action"
	"firestige.xyz/wstap/internal/core"
	"firestige.xyz/wstap/internal/decoder"
	"firestige.xyz/wstap/internal/eventbus"
	"firestige.xyz/wstap/internal/intercept"
	"firestige.xyz/wstap/internal/metrics"
	"firestige.xyz/wstap/internal/ringbuf"
	"firestige.xyz/wstap/internal/socket"
	"firestige.xyz/wstap/pkg/schema"
)

const (
	DefaultEventHistory   = 200
	DefaultUnknownHistory = 500
	DefaultPollInterval   = 100 * time.Millisecond
)

// Config configures a Tap.
type Config struct {
	Decoder        decoder.Config
	Intercept      intercept.Config
	Action         action.Config
	EventHistory   int
	UnknownHistory int
	PollInterval   time.Duration
}

// Forwarder receives serialized records for the collector.
type Forwarder interface {
	Start(ctx context.Context)
	Stop()
	Forward(record []byte)
	Stats() core.RelayStats
}

// Sink mirrors serialized records somewhere else. Send must not block.
type Sink interface {
	Name() string
	Send(record []byte)
	Close() error
}

// ConnInfo describes a tracked connection.
type ConnInfo struct {
	Endpoint string `json:"endpoint"`
	Remote   string `json:"remote"`
	Open     bool   `json:"open"`
}

// Tap is the single context object the tap's components hang off.
type Tap struct {
	id      string
	version string
	cfg     Config

	source  schema.Source
	relay   Forwarder
	sinks   []Sink
	bus     *eventbus.Bus
	decoder *decoder.FrameDecoder
	conns   *socket.Registry[*intercept.Conn]
	in      *intercept.Interceptor
	sender  *action.Sender

	events  *ringbuf.Buffer[*core.DecodedEvent]
	unknown *ringbuf.Buffer[*core.UnknownFrame]

	ready     chan struct{}
	readyOnce sync.Once

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New creates a Tap. src yields the schema registry; relay receives every
// record; sinks mirror them.
func New(cfg Config, src schema.Source, relay Forwarder, sinks ...Sink) (*Tap, error) {
	if cfg.EventHistory <= 0 {
		cfg.EventHistory = DefaultEventHistory
	}
	if cfg.UnknownHistory <= 0 {
		cfg.UnknownHistory = DefaultUnknownHistory
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Action.Namespace == "" {
		cfg.Action.Namespace = cfg.Decoder.DefaultNamespace
	}

	t := &Tap{
		id:      uuid.NewString(),
		cfg:     cfg,
		source:  src,
		relay:   relay,
		sinks:   sinks,
		bus:     eventbus.New(),
		decoder: decoder.New(cfg.Decoder),
		conns:   socket.NewRegistry[*intercept.Conn](),
		events:  ringbuf.New[*core.DecodedEvent](cfg.EventHistory, ringbuf.DropOldest),
		unknown: ringbuf.New[*core.UnknownFrame](cfg.UnknownHistory, ringbuf.DropOldest),
		ready:   make(chan struct{}),
	}

	in, err := intercept.New(cfg.Intercept, t, t.conns)
	if err != nil {
		return nil, err
	}
	t.in = in
	t.sender = action.NewSender(cfg.Action, t.decoder, t.conns)
	return t, nil
}

// ID returns the instance id.
func (t *Tap) ID() string { return t.id }

// Version returns the installed version, set by Host.Install.
func (t *Tap) Version() string { return t.version }

// Ready is closed once the schema registry is attached.
func (t *Tap) Ready() <-chan struct{} { return t.ready }

// Start starts the relay and waits for the schema registry in the background.
func (t *Tap) Start(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return
	}
	t.started = true

	ctx, t.cancel = context.WithCancel(ctx)
	if t.relay != nil {
		t.relay.Start(ctx)
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.awaitSchema(ctx)
	}()
	slog.Info("tap started", "id", t.id, "version", t.version)
}

// Stop stops background work, the relay and the sinks.
func (t *Tap) Stop() {
	t.mu.Lock()
	if !t.started {
		t.mu.Unlock()
		return
	}
	t.started = false
	t.cancel()
	t.mu.Unlock()

	t.wg.Wait()
	if t.relay != nil {
		t.relay.Stop()
	}
	for _, s := range t.sinks {
		if err := s.Close(); err != nil {
			slog.Warn("sink close failed", "sink", s.Name(), "error", err)
		}
	}
	slog.Info("tap stopped", "id", t.id)
}

// awaitSchema attaches the registry once the source reports it ready,
// either on its readiness signal or by polling.
func (t *Tap) awaitSchema(ctx context.Context) {
	if t.source == nil {
		return
	}
	if t.tryLoad() {
		return
	}

	if n, ok := t.source.(schema.Notifier); ok {
		select {
		case <-ctx.Done():
		case <-n.Ready():
			t.tryLoad()
		}
		return
	}

	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if t.tryLoad() {
				return
			}
		}
	}
}

func (t *Tap) tryLoad() bool {
	reg, ok := t.source.Load()
	if !ok {
		return false
	}
	if t.decoder.Load(reg) {
		slog.Info("schema registry ready", "namespaces", reg.Namespaces())
	}
	t.readyOnce.Do(func() { close(t.ready) })
	return true
}

// HandleFrame decodes one inbound frame and distributes the result. It
// runs on the connection's reader goroutine.
func (t *Tap) HandleFrame(data []byte, endpoint string) {
	res := t.decoder.Decode(data, endpoint)
	switch {
	case res.Event != nil:
		ev := res.Event
		t.events.Push(ev)
		t.publish(ev)
		t.forward(ev)
	case res.Unknown != nil:
		t.unknown.Push(res.Unknown)
		t.forward(res.Unknown)
	}
}

func (t *Tap) publish(ev *core.DecodedEvent) {
	t.bus.PublishDecoded(ev)
	metrics.EventsPublishedTotal.WithLabelValues("exact").Inc()
	if ev.CompositeTopic != "" && ev.CompositeTopic != ev.Topic {
		metrics.EventsPublishedTotal.WithLabelValues("composite").Inc()
	}
}

func (t *Tap) forward(record any) {
	data, err := json.Marshal(record)
	if err != nil {
		slog.Warn("record not serializable, not forwarded", "error", err)
		return
	}
	if t.relay != nil {
		t.relay.Forward(data)
	}
	for _, s := range t.sinks {
		s.Send(data)
	}
}

// Subscribe registers h for topic; "*" receives everything.
func (t *Tap) Subscribe(topic string, h eventbus.Handler) error {
	return t.bus.Subscribe(topic, h)
}

// SubscribeDecoded registers fn for decoded events on topic. The returned
// handler can be passed to Unsubscribe.
func (t *Tap) SubscribeDecoded(topic string, fn func(topic string, ev *core.DecodedEvent)) (eventbus.Handler, error) {
	return t.bus.SubscribeDecoded(topic, fn)
}

// Unsubscribe removes h from topic.
func (t *Tap) Unsubscribe(topic string, h eventbus.Handler) bool {
	return t.bus.Unsubscribe(topic, h)
}

// LastRoom returns the last room id seen in a decoded payload.
func (t *Tap) LastRoom() string { return t.decoder.LastRoom() }

// RecentEvents returns up to n of the newest decoded events, oldest first.
// n <= 0 returns all of them.
func (t *Tap) RecentEvents(n int) []*core.DecodedEvent { return t.events.Last(n) }

// UnknownFrames returns up to n of the newest unknown frames, oldest first.
func (t *Tap) UnknownFrames(n int) []*core.UnknownFrame { return t.unknown.Last(n) }

// Connections returns the tracked connections keyed by endpoint.
func (t *Tap) Connections() map[string]*intercept.Conn {
	entries := t.conns.Snapshot()
	out := make(map[string]*intercept.Conn, len(entries))
	for _, e := range entries {
		out[e.Addr] = e.Conn
	}
	return out
}

// ConnectionInfo describes the tracked connections in registration order.
func (t *Tap) ConnectionInfo() []ConnInfo {
	entries := t.conns.Snapshot()
	out := make([]ConnInfo, 0, len(entries))
	for _, e := range entries {
		info := ConnInfo{Endpoint: e.Addr, Open: e.Conn.IsOpen()}
		if addr := e.Conn.RemoteAddr(); addr != nil {
			info.Remote = addr.String()
		}
		out = append(out, info)
	}
	return out
}

// SendAction injects an action message on the first eligible connection.
// Failures are logged and reported as false.
func (t *Tap) SendAction(roomID, action string, coin int64) bool {
	if _, err := t.TrySendAction(roomID, action, coin); err != nil {
		slog.Warn("send action failed", "room_id", roomID, "action", action, "error", err)
		return false
	}
	return true
}

// TrySendAction is SendAction returning the endpoint used or the failure.
func (t *Tap) TrySendAction(roomID, action string, coin int64) (string, error) {
	return t.sender.SendAction(roomID, action, coin)
}

// AttachToConnection taps a connection obtained outside Dial. Attaching
// the same connection twice instruments it once.
func (t *Tap) AttachToConnection(sock intercept.Socket, endpoint string) *intercept.Conn {
	return t.in.Attach(sock, endpoint)
}

// Dial opens a tapped WebSocket connection.
func (t *Tap) Dial(ctx context.Context, url string, header http.Header) (*intercept.Conn, *http.Response, error) {
	return t.in.Dial(ctx, url, header)
}

// Send writes on sock, tapping it first if it has not been seen before.
func (t *Tap) Send(sock intercept.Socket, messageType int, data []byte) error {
	return t.in.Send(sock, messageType, data)
}

// SendConn is Send returning the wrapper to read through, so inbound frames
// of a retrofitted connection are decoded too.
func (t *Tap) SendConn(sock intercept.Socket, messageType int, data []byte) (*intercept.Conn, error) {
	return t.in.SendConn(sock, messageType, data)
}

// Stats returns a diagnostics snapshot.
func (t *Tap) Stats() core.Stats {
	st := core.Stats{
		InstanceID:         t.id,
		Version:            t.version,
		SchemaReady:        t.decoder.Ready(),
		TrackedConnections: t.conns.Len(),
		RecentEvents:       t.events.Len(),
		UnknownFrames:      t.unknown.Len(),
		Namespaces:         t.decoder.Namespaces(),
		Frames:             t.decoder.Stats(),
		LastRoom:           t.decoder.LastRoom(),
	}
	if t.relay != nil {
		st.Relay = t.relay.Stats()
	}
	if st.Namespaces == nil {
		st.Namespaces = []string{}
	}
	return st
}
