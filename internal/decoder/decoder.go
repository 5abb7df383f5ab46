// Package decoder classifies raw WebSocket frames and decodes them into events.
//
// Two framing schemes are recognized. A length-prefixed frame starts with a
// big-endian uint32 equal to the total frame length followed by a big-endian
// uint16 message id. Any other frame is tried as a wrapper envelope carrying
// a topic string and an opaque body.
package decoder

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"firestige.xyz/wstap/internal/core"
	"firestige.xyz/wstap/internal/metrics"
	"firestige.xyz/wstap/pkg/schema"
)

// headerLen is the length-prefixed header: 4 bytes length, 2 bytes id.
const headerLen = 6

// Config configures a FrameDecoder.
type Config struct {
	// Namespaces is the namespace priority list. Wrapper decoding tries them
	// in order; on a message id collision the last one wins.
	Namespaces []string
	// DefaultNamespace is the canonical namespace of length-prefixed frames.
	DefaultNamespace string
	// Skip lists type names that are filtered out under both schemes.
	Skip []string
}

// Result is what Decode produced. At most one field is set; both nil means
// the frame was filtered, dropped or too short.
type Result struct {
	Event   *core.DecodedEvent
	Unknown *core.UnknownFrame
}

// Empty reports whether the frame produced nothing.
func (r Result) Empty() bool {
	return r.Event == nil && r.Unknown == nil
}

// FrameDecoder decodes frames against a schema registry. It is safe for
// concurrent use; the registry is attached once with Load.
type FrameDecoder struct {
	cfg  Config
	skip map[string]struct{}
	now  func() time.Time

	mu       sync.RWMutex
	registry schema.Registry
	reverse  *reverseMap
	order    []string

	lastRoom atomic.Value // string

	decodedN  atomic.Uint64
	partialN  atomic.Uint64
	unknownN  atomic.Uint64
	skippedN  atomic.Uint64
	droppedN  atomic.Uint64
	notReadyN atomic.Uint64
}

// New creates a FrameDecoder. It drops every frame until Load is called.
func New(cfg Config) *FrameDecoder {
	skip := make(map[string]struct{}, len(cfg.Skip))
	for _, s := range cfg.Skip {
		skip[s] = struct{}{}
	}
	d := &FrameDecoder{
		cfg:  cfg,
		skip: skip,
		now:  time.Now,
	}
	d.lastRoom.Store("")
	return d
}

// Load attaches reg and builds the reverse id map. Only the first call has
// any effect; it reports whether this call attached the registry.
func (d *FrameDecoder) Load(reg schema.Registry) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.registry != nil || reg == nil {
		return false
	}

	order := d.cfg.Namespaces
	if len(order) == 0 {
		order = reg.Namespaces()
	}
	d.order = slices.Clone(order)
	d.reverse = buildReverseMap(reg, d.order)
	d.registry = reg

	slog.Info("frame decoder ready", "namespaces", d.order, "message_ids", len(d.reverse.byID))
	return true
}

// Ready reports whether a registry is attached.
func (d *FrameDecoder) Ready() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.registry != nil
}

// Namespaces returns the namespace priority list in use, or nil before Load.
func (d *FrameDecoder) Namespaces() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Clone(d.order)
}

// Registry returns the attached registry, or nil before Load.
func (d *FrameDecoder) Registry() schema.Registry {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.registry
}

// LastRoom returns the last room id seen in a decoded payload.
func (d *FrameDecoder) LastRoom() string {
	return d.lastRoom.Load().(string)
}

// Stats returns the decode outcome counters.
func (d *FrameDecoder) Stats() core.FrameStats {
	return core.FrameStats{
		Decoded:  d.decodedN.Load(),
		Partial:  d.partialN.Load(),
		Unknown:  d.unknownN.Load(),
		Skipped:  d.skippedN.Load(),
		Dropped:  d.droppedN.Load(),
		NotReady: d.notReadyN.Load(),
	}
}

// Decode classifies raw and decodes it. source is the originating endpoint
// address; it is only used as a display key.
func (d *FrameDecoder) Decode(raw []byte, source string) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("frame decode panic", "source", source, "len", len(raw), "panic", r)
			d.count(&d.droppedN, metrics.OutcomeDropped)
			res = Result{}
		}
	}()

	if len(raw) < headerLen {
		d.count(&d.droppedN, metrics.OutcomeDropped)
		return Result{}
	}

	d.mu.RLock()
	reg, rm, order := d.registry, d.reverse, d.order
	d.mu.RUnlock()
	if reg == nil {
		d.count(&d.notReadyN, metrics.OutcomeNotReady)
		return Result{}
	}

	source = sanitizeEndpoint(source)
	declared := binary.BigEndian.Uint32(raw[0:4])
	if int64(declared) == int64(len(raw)) && declared >= headerLen {
		return d.decodeLengthPrefixed(reg, rm, raw, int(declared), source)
	}
	return d.decodeWrapper(reg, rm, order, raw, source)
}

func (d *FrameDecoder) decodeLengthPrefixed(reg schema.Registry, rm *reverseMap, raw []byte, declared int, source string) Result {
	id := int(binary.BigEndian.Uint16(raw[4:6]))
	bodyBytes := raw[headerLen:]

	ref, ok := rm.lookupID(id)
	if !ok {
		d.count(&d.unknownN, metrics.OutcomeUnknown)
		return Result{Unknown: &core.UnknownFrame{
			Kind:           core.KindUnknownFrame,
			MessageID:      id,
			DeclaredLength: declared,
			Timestamp:      d.now().UnixMilli(),
			SourceEndpoint: source,
			RawHex:         hex.EncodeToString(raw),
			BodyHex:        hex.EncodeToString(bodyBytes),
			BodyLength:     len(bodyBytes),
		}}
	}
	if d.skipped(ref.TypeName) {
		return Result{}
	}

	codec, ok := messageCodec(reg, ref.Namespace, ref.TypeName)
	if !ok {
		slog.Debug("message id maps to type without codec", "id", id, "type", ref.Composite())
		d.count(&d.droppedN, metrics.OutcomeDropped)
		return Result{}
	}

	ev := d.event(ref, &id, source, decodeBody(codec, bodyBytes))
	if d.cfg.DefaultNamespace != "" && ref.Namespace != d.cfg.DefaultNamespace {
		ev.CompositeTopic = ref.Composite()
	}
	return Result{Event: ev}
}

func (d *FrameDecoder) decodeWrapper(reg schema.Registry, rm *reverseMap, order []string, raw []byte, source string) Result {
	for _, nsName := range order {
		ns, ok := reg.Namespace(nsName)
		if !ok || ns.Envelope() == nil {
			continue
		}
		env, err := decodeEnvelope(ns.Envelope(), raw)
		if err != nil || env.Topic == "" {
			continue
		}

		typeName := env.Topic
		if i := strings.LastIndexByte(typeName, '.'); i >= 0 {
			typeName = typeName[i+1:]
		}
		if d.skipped(typeName) {
			return Result{}
		}

		decodeNS := nsName
		codec, ok := ns.Message(typeName)
		if !ok {
			decodeNS, codec, ok = findCodec(reg, order, typeName)
		}
		if !ok {
			slog.Debug("wrapper topic has no codec", "namespace", nsName, "topic", env.Topic)
			d.count(&d.droppedN, metrics.OutcomeDropped)
			return Result{}
		}

		ref := core.TypeRef{Namespace: decodeNS, TypeName: typeName}
		var idp *int
		if id, ok := rm.lookupName(ref); ok {
			idp = &id
		}
		ev := d.event(ref, idp, source, decodeBody(codec, env.Body))
		if decodeNS != nsName {
			ev.CompositeTopic = ref.Composite()
		}
		return Result{Event: ev}
	}

	d.count(&d.droppedN, metrics.OutcomeDropped)
	return Result{}
}

func (d *FrameDecoder) event(ref core.TypeRef, id *int, source string, b body) *core.DecodedEvent {
	if b.partial {
		d.count(&d.partialN, metrics.OutcomePartial)
	} else {
		d.count(&d.decodedN, metrics.OutcomeDecoded)
		if room := roomID(b.payload); room != "" {
			d.lastRoom.Store(room)
		}
	}
	return &core.DecodedEvent{
		Kind:           core.KindProtoEvent,
		Namespace:      ref.Namespace,
		Topic:          ref.TypeName,
		MessageID:      id,
		Timestamp:      d.now().UnixMilli(),
		SourceEndpoint: source,
		Payload:        b.payload,
		Partial:        b.partial,
	}
}

func (d *FrameDecoder) skipped(typeName string) bool {
	if _, ok := d.skip[typeName]; ok {
		d.count(&d.skippedN, metrics.OutcomeSkipped)
		return true
	}
	return false
}

func (d *FrameDecoder) count(c *atomic.Uint64, outcome string) {
	c.Add(1)
	metrics.FramesTotal.WithLabelValues(outcome).Inc()
}

func messageCodec(reg schema.Registry, nsName, typeName string) (schema.MessageCodec, bool) {
	ns, ok := reg.Namespace(nsName)
	if !ok {
		return nil, false
	}
	return ns.Message(typeName)
}

// findCodec returns the first namespace in order that defines typeName.
func findCodec(reg schema.Registry, order []string, typeName string) (string, schema.MessageCodec, bool) {
	for _, name := range order {
		if codec, ok := messageCodec(reg, name, typeName); ok {
			return name, codec, true
		}
	}
	return "", nil, false
}

// decodeEnvelope shields the frame loop from panicking envelope codecs.
func decodeEnvelope(codec schema.EnvelopeCodec, raw []byte) (env schema.Envelope, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("envelope codec panic: %v", r)
		}
	}()
	return codec.Decode(raw)
}
