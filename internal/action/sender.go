// Package action builds outbound protocol messages and writes them on a
// tracked connection.
package action

import (
	"fmt"
	"log/slog"

	"firestige.xyz/wstap/internal/core"
	"firestige.xyz/wstap/internal/intercept"
	"firestige.xyz/wstap/internal/socket"
	"firestige.xyz/wstap/pkg/schema"
)

// DefaultMessageType is the action message looked up when none is configured.
const DefaultMessageType = "SendActionRequest"

// Config names the action message and its envelope.
type Config struct {
	// Namespace holds the action message and the envelope codec.
	Namespace string
	// MessageType is the action message type name.
	MessageType string
	// Topic is the fixed envelope topic. Defaults to "Namespace.MessageType".
	Topic string
}

// RegistryProvider returns the schema registry, or nil until it is ready.
type RegistryProvider interface {
	Registry() schema.Registry
}

// Sender encodes actions and transmits them on the first eligible connection.
type Sender struct {
	cfg      Config
	schemas  RegistryProvider
	registry *socket.Registry[*intercept.Conn]
}

// NewSender creates a Sender.
func NewSender(cfg Config, schemas RegistryProvider, registry *socket.Registry[*intercept.Conn]) *Sender {
	if cfg.MessageType == "" {
		cfg.MessageType = DefaultMessageType
	}
	if cfg.Topic == "" && cfg.Namespace != "" {
		cfg.Topic = cfg.Namespace + "." + cfg.MessageType
	}
	return &Sender{cfg: cfg, schemas: schemas, registry: registry}
}

// SendAction encodes {roomId, action, coin}, wraps it in the namespace
// envelope and writes it as one binary message. It returns the endpoint the
// action was written to.
func (s *Sender) SendAction(roomID, action string, coin int64) (string, error) {
	reg := s.schemas.Registry()
	if reg == nil {
		return "", core.ErrSchemaNotReady
	}
	ns, ok := reg.Namespace(s.cfg.Namespace)
	if !ok {
		return "", fmt.Errorf("%w: %s", core.ErrNamespaceNotFound, s.cfg.Namespace)
	}
	codec, ok := ns.Message(s.cfg.MessageType)
	if !ok {
		return "", fmt.Errorf("%w: %s.%s", core.ErrActionUnsupported, s.cfg.Namespace, s.cfg.MessageType)
	}
	envelope := ns.Envelope()
	if envelope == nil {
		return "", fmt.Errorf("%w: %s", core.ErrNoEnvelopeCodec, s.cfg.Namespace)
	}

	if _, _, ok := s.registry.Select(eligible); !ok {
		return "", core.ErrNoConnection
	}

	body, err := codec.Encode(map[string]any{
		"roomId": roomID,
		"action": action,
		"coin":   coin,
	})
	if err != nil {
		return "", fmt.Errorf("encode action: %w", err)
	}
	frame, err := envelope.Encode(schema.Envelope{Topic: s.cfg.Topic, Body: body})
	if err != nil {
		return "", fmt.Errorf("encode envelope: %w", err)
	}

	// A failed write marks its connection closed; the next eligible one is tried.
	var lastErr error
	var lastAddr string
	for _, e := range s.registry.Snapshot() {
		if !eligible(e.Addr, e.Conn) {
			continue
		}
		if err := e.Conn.WriteMessage(intercept.BinaryMessage, frame); err != nil {
			slog.Warn("action write failed, trying next connection", "endpoint", e.Addr, "error", err)
			lastErr, lastAddr = err, e.Addr
			continue
		}
		slog.Info("action sent", "endpoint", e.Addr, "room_id", roomID, "action", action, "coin", coin, "bytes", len(frame))
		return e.Addr, nil
	}
	if lastErr != nil {
		return "", fmt.Errorf("%w: send action to %s: %v", core.ErrConnectionClosed, lastAddr, lastErr)
	}
	return "", core.ErrNoConnection
}

func eligible(addr string, c *intercept.Conn) bool {
	return !intercept.IsLoopback(addr) && c.IsOpen()
}
