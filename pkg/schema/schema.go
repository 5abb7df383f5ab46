// Package schema defines the schema registry capability the tap consumes.
//
// A registry groups message types into namespaces. Each namespace may carry
// a numeric message id mapping, an envelope codec for the wrapper framing,
// and a codec per message type. The tap never defines how schemas are
// produced; it only calls into a Registry.
package schema

// MessageCodec encodes and decodes one message type.
type MessageCodec interface {
	// Encode builds the binary form from plain field values.
	Encode(fields map[string]any) ([]byte, error)
	// Decode parses the binary form. The result may be any value the codec
	// produces (for example a proto.Message); callers normalize it.
	Decode(data []byte) (any, error)
}

// Envelope is the wrapper framing: a topic naming the body's type and the opaque body.
type Envelope struct {
	Topic string
	Body  []byte
}

// EnvelopeCodec encodes and decodes the wrapper framing of a namespace.
type EnvelopeCodec interface {
	Encode(env Envelope) ([]byte, error)
	Decode(data []byte) (Envelope, error)
}

// Namespace is a group of message types sharing one identifier space.
type Namespace interface {
	// MessageIDs maps type names to numeric ids. Nil when the namespace has none.
	MessageIDs() map[string]int
	// Envelope returns the wrapper codec, or nil when the namespace has none.
	Envelope() EnvelopeCodec
	// Message returns the codec for typeName.
	Message(typeName string) (MessageCodec, bool)
}

// Registry maps namespace names to namespaces.
type Registry interface {
	// Namespaces lists known namespaces in registry order.
	Namespaces() []string
	Namespace(name string) (Namespace, bool)
}
