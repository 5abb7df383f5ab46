// Package core defines core types with zero external dependencies.
package core

// Record kinds carried in the "kind" field of relayed JSON records.
const (
	KindProtoEvent   = "proto_event"
	KindUnknownFrame = "unknown_frame"
)

// DecodedEvent is a frame decoded into a structured event.
// Never mutated after the decoder returns it.
type DecodedEvent struct {
	Kind           string `json:"kind"`
	Namespace      string `json:"namespace"`
	Topic          string `json:"topic"`
	MessageID      *int   `json:"messageId"` // nil when no reverse mapping exists
	Timestamp      int64  `json:"timestamp"` // unix milliseconds
	SourceEndpoint string `json:"sourceEndpoint"`
	Payload        any    `json:"payload"`           // plain maps, slices and scalars only
	Partial        bool   `json:"partial,omitempty"` // payload is a raw-prefix salvage

	// Publication topics, set by the decoder. Not serialized.
	CompositeTopic string `json:"-"`
}

// UnknownFrame captures a length-prefixed frame whose message id has no mapping.
type UnknownFrame struct {
	Kind           string `json:"kind"`
	MessageID      int    `json:"messageId"`
	DeclaredLength int    `json:"declaredLength"`
	Timestamp      int64  `json:"timestamp"`
	SourceEndpoint string `json:"sourceEndpoint"`
	RawHex         string `json:"rawHex"`
	BodyHex        string `json:"bodyHex"`
	BodyLength     int    `json:"bodyLength"`
}

// TypeRef names a message type inside a namespace.
type TypeRef struct {
	Namespace string `json:"namespace"`
	TypeName  string `json:"typeName"`
}

// Composite returns "namespace.typeName".
func (r TypeRef) Composite() string {
	return r.Namespace + "." + r.TypeName
}

// RelayStatus is the relay connection state.
type RelayStatus string

const (
	RelayDisconnected RelayStatus = "disconnected"
	RelayConnecting   RelayStatus = "connecting"
	RelayOpen         RelayStatus = "open"
	RelayExhausted    RelayStatus = "exhausted"
)

// RelayStats is a point-in-time view of the relay forwarder.
type RelayStats struct {
	URL        string      `json:"url"`
	Status     RelayStatus `json:"status"`
	Retries    int         `json:"retries"`
	QueueDepth int         `json:"queueDepth"`
	Sent       uint64      `json:"sent"`
	Dropped    uint64      `json:"dropped"`
}

// FrameStats counts decoder outcomes.
type FrameStats struct {
	Decoded  uint64 `json:"decoded"`
	Partial  uint64 `json:"partial"`
	Unknown  uint64 `json:"unknown"`
	Skipped  uint64 `json:"skipped"`
	Dropped  uint64 `json:"dropped"`
	NotReady uint64 `json:"notReady"`
}

// Stats is the diagnostics snapshot exposed by the tap.
type Stats struct {
	InstanceID         string     `json:"instanceId"`
	Version            string     `json:"version"`
	Relay              RelayStats `json:"relay"`
	SchemaReady        bool       `json:"schemaReady"`
	TrackedConnections int        `json:"trackedConnections"`
	RecentEvents       int        `json:"recentEvents"`
	UnknownFrames      int        `json:"unknownFrames"`
	Namespaces         []string   `json:"namespaces"`
	Frames             FrameStats `json:"frames"`
	LastRoom           string     `json:"lastRoom,omitempty"`
}
