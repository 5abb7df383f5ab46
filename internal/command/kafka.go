package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"firestige.xyz/wstap/internal/config"
)

const defaultCommandTTL = 5 * time.Minute

// KafkaCommand is the wire format for commands received via Kafka.
//
// Example JSON:
//
//	{
//	  "version":    "v1",
//	  "target":     "edge-1",
//	  "command":    "tap_send_action",
//	  "timestamp":  "2026-01-15T10:30:00Z",
//	  "request_id": "req-abc-123",
//	  "payload":    {"room_id": "77", "action": "like"}
//	}
type KafkaCommand struct {
	Version   string          `json:"version"`
	Target    string          `json:"target"` // instance name or "*" for broadcast
	Command   string          `json:"command"`
	Timestamp time.Time       `json:"timestamp"`
	RequestID string          `json:"request_id"`
	Payload   json.RawMessage `json:"payload"`
}

// KafkaResponse is written to the response topic for each executed command.
type KafkaResponse struct {
	RequestID string     `json:"request_id"`
	Source    string     `json:"source"`
	Command   string     `json:"command"`
	Timestamp time.Time  `json:"timestamp"`
	Result    any        `json:"result,omitempty"`
	Error     *ErrorInfo `json:"error,omitempty"`
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaCommandConsumer consumes commands from Kafka and dispatches them to
// the handler, optionally publishing responses.
type KafkaCommandConsumer struct {
	cfg     config.CommandChannelConfig
	reader  messageReader
	writer  messageWriter // nil when no response topic is configured
	handler *CommandHandler
	ttl     time.Duration
	now     func() time.Time
}

// NewKafkaCommandConsumer creates a consumer from the control channel config.
func NewKafkaCommandConsumer(cfg config.CommandChannelConfig, handler *CommandHandler) (*KafkaCommandConsumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("brokers is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("topic is required")
	}
	if cfg.GroupID == "" {
		return nil, fmt.Errorf("group_id is required")
	}

	startOffset := kafka.LastOffset
	if cfg.AutoOffsetReset == "earliest" {
		startOffset = kafka.FirstOffset
	}

	c := &KafkaCommandConsumer{
		cfg:     cfg,
		handler: handler,
		ttl:     cfg.CommandTTL,
		now:     time.Now,
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:        cfg.Brokers,
			Topic:          cfg.Topic,
			GroupID:        cfg.GroupID,
			StartOffset:    startOffset,
			MinBytes:       1,
			MaxBytes:       10 << 20,
			CommitInterval: time.Second,
			MaxWait:        time.Second,
		}),
	}
	if c.ttl <= 0 {
		c.ttl = defaultCommandTTL
	}
	if cfg.ResponseTopic != "" {
		c.writer = &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.ResponseTopic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 10 * time.Millisecond,
		}
	}
	return c, nil
}

// Start consumes commands. Blocks until ctx is cancelled.
func (c *KafkaCommandConsumer) Start(ctx context.Context) error {
	slog.Info("kafka command consumer started",
		"brokers", c.cfg.Brokers,
		"topic", c.cfg.Topic,
		"group_id", c.cfg.GroupID,
		"target", c.cfg.Target,
		"ttl", c.ttl,
	)

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				slog.Info("kafka command consumer stopped", "reason", ctx.Err())
				return nil
			}
			slog.Error("failed to fetch kafka message", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(5 * time.Second):
				continue
			}
		}

		if err := c.processMessage(ctx, msg); err != nil {
			slog.Error("failed to process command",
				"error", err,
				"partition", msg.Partition,
				"offset", msg.Offset,
			)
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			slog.Error("failed to commit message", "error", err)
		}
	}
}

// processMessage runs one command if it targets this instance and is fresh.
func (c *KafkaCommandConsumer) processMessage(ctx context.Context, msg kafka.Message) error {
	var kCmd KafkaCommand
	if err := json.Unmarshal(msg.Value, &kCmd); err != nil {
		return fmt.Errorf("failed to parse kafka command: %w", err)
	}

	if kCmd.Target != "*" && kCmd.Target != "" && kCmd.Target != c.cfg.Target {
		slog.Debug("skipping command for another instance",
			"target", kCmd.Target, "request_id", kCmd.RequestID)
		return nil
	}

	if !kCmd.Timestamp.IsZero() && c.now().Sub(kCmd.Timestamp) > c.ttl {
		slog.Warn("skipping stale command",
			"command", kCmd.Command,
			"request_id", kCmd.RequestID,
			"age", c.now().Sub(kCmd.Timestamp),
			"ttl", c.ttl,
		)
		return nil
	}

	slog.Info("received kafka command", "command", kCmd.Command, "request_id", kCmd.RequestID)

	resp := c.handler.Handle(ctx, Command{Method: kCmd.Command, Params: kCmd.Payload, ID: kCmd.RequestID})
	if err := c.respond(ctx, kCmd, resp); err != nil {
		slog.Warn("failed to publish command response", "request_id", kCmd.RequestID, "error", err)
	}
	if resp.Error != nil {
		return fmt.Errorf("command %s failed: %w", kCmd.Command, resp.Error)
	}
	return nil
}

func (c *KafkaCommandConsumer) respond(ctx context.Context, kCmd KafkaCommand, resp Response) error {
	if c.writer == nil {
		return nil
	}
	value, err := json.Marshal(KafkaResponse{
		RequestID: kCmd.RequestID,
		Source:    c.cfg.Target,
		Command:   kCmd.Command,
		Timestamp: c.now(),
		Result:    resp.Result,
		Error:     resp.Error,
	})
	if err != nil {
		return err
	}
	return c.writer.WriteMessages(ctx, kafka.Message{Key: []byte(kCmd.RequestID), Value: value})
}

// Stop closes the reader and the response writer. Safe to call twice.
func (c *KafkaCommandConsumer) Stop() error {
	var errs []error
	if c.reader != nil {
		reader := c.reader
		c.reader = nil
		slog.Info("closing kafka command consumer")
		if err := reader.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close kafka reader: %w", err))
		}
	}
	if c.writer != nil {
		writer := c.writer
		c.writer = nil
		if err := writer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close kafka writer: %w", err))
		}
	}
	return errors.Join(errs...)
}
