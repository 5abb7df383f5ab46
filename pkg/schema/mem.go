package schema

import "slices"

// MemNamespace is an in-memory Namespace.
type MemNamespace struct {
	IDs      map[string]int
	Wrapper  EnvelopeCodec
	Messages map[string]MessageCodec
}

// MessageIDs implements Namespace.
func (n *MemNamespace) MessageIDs() map[string]int { return n.IDs }

// Envelope implements Namespace.
func (n *MemNamespace) Envelope() EnvelopeCodec { return n.Wrapper }

// Message implements Namespace.
func (n *MemNamespace) Message(typeName string) (MessageCodec, bool) {
	c, ok := n.Messages[typeName]
	return c, ok
}

// MemRegistry is an in-memory Registry preserving insertion order.
type MemRegistry struct {
	order []string
	items map[string]Namespace
}

// NewMemRegistry creates an empty registry.
func NewMemRegistry() *MemRegistry {
	return &MemRegistry{items: make(map[string]Namespace)}
}

// Add registers ns under name, replacing any previous namespace of that name.
func (r *MemRegistry) Add(name string, ns Namespace) *MemRegistry {
	if _, ok := r.items[name]; !ok {
		r.order = append(r.order, name)
	}
	r.items[name] = ns
	return r
}

// Namespaces implements Registry.
func (r *MemRegistry) Namespaces() []string { return slices.Clone(r.order) }

// Namespace implements Registry.
func (r *MemRegistry) Namespace(name string) (Namespace, bool) {
	ns, ok := r.items[name]
	return ns, ok
}

// CodecFuncs adapts a pair of functions to a MessageCodec.
type CodecFuncs struct {
	EncodeFunc func(fields map[string]any) ([]byte, error)
	DecodeFunc func(data []byte) (any, error)
}

// Encode implements MessageCodec.
func (c CodecFuncs) Encode(fields map[string]any) ([]byte, error) { return c.EncodeFunc(fields) }

// Decode implements MessageCodec.
func (c CodecFuncs) Decode(data []byte) (any, error) { return c.DecodeFunc(data) }

// EnvelopeFuncs adapts a pair of functions to an EnvelopeCodec.
type EnvelopeFuncs struct {
	EncodeFunc func(env Envelope) ([]byte, error)
	DecodeFunc func(data []byte) (Envelope, error)
}

// Encode implements EnvelopeCodec.
func (c EnvelopeFuncs) Encode(env Envelope) ([]byte, error) { return c.EncodeFunc(env) }

// Decode implements EnvelopeCodec.
func (c EnvelopeFuncs) Decode(data []byte) (Envelope, error) { return c.DecodeFunc(data) }
