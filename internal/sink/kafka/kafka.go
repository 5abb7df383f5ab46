// Package kafka mirrors relay records to a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress"

	"firestige.xyz/wstap/internal/metrics"
)

// Name identifies the sink in logs and metrics.
const Name = "kafka"

const (
	defaultBatchSize    = 100
	defaultBatchTimeout = 100 * time.Millisecond
	defaultCompression  = "snappy"
	defaultMaxAttempts  = 3
	defaultWriteTimeout = 5 * time.Second
)

// Config represents Kafka sink configuration.
type Config struct {
	Brokers      []string      `mapstructure:"brokers"`       // required
	Topic        string        `mapstructure:"topic"`         // required
	Key          string        `mapstructure:"key"`           // optional, "" | "endpoint" | "topic"
	BatchSize    int           `mapstructure:"batch_size"`    // optional, default 100
	BatchTimeout time.Duration `mapstructure:"batch_timeout"` // optional, default 100ms
	Compression  string        `mapstructure:"compression"`   // optional: none|gzip|snappy|lz4|zstd, default snappy
	MaxAttempts  int           `mapstructure:"max_attempts"`  // optional, default 3
}

// ParseConfig decodes raw options and applies defaults.
func ParseConfig(raw map[string]any) (Config, error) {
	if raw == nil {
		return Config{}, fmt.Errorf("kafka sink requires configuration")
	}
	cfg := Config{
		BatchSize:    defaultBatchSize,
		BatchTimeout: defaultBatchTimeout,
		Compression:  defaultCompression,
		MaxAttempts:  defaultMaxAttempts,
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		WeaklyTypedInput: true,
		Result:           &cfg,
	})
	if err != nil {
		return Config{}, err
	}
	if err := dec.Decode(raw); err != nil {
		return Config{}, fmt.Errorf("invalid kafka sink config: %w", err)
	}

	if len(cfg.Brokers) == 0 {
		return Config{}, fmt.Errorf("brokers is required")
	}
	if cfg.Topic == "" {
		return Config{}, fmt.Errorf("topic is required")
	}
	switch cfg.Key {
	case "", "endpoint", "topic":
	default:
		return Config{}, fmt.Errorf("invalid key mode: %s", cfg.Key)
	}
	if _, err := codec(cfg.Compression); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// codec maps a compression name to the writer setting; zero means none.
func codec(name string) (compress.Compression, error) {
	switch name {
	case "none", "":
		return 0, nil
	case "gzip":
		return compress.Gzip, nil
	case "snappy":
		return compress.Snappy, nil
	case "lz4":
		return compress.Lz4, nil
	case "zstd":
		return compress.Zstd, nil
	default:
		return 0, fmt.Errorf("invalid compression type: %s", name)
	}
}

// messageWriter is the part of kafka.Writer the sink uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Sink writes records to Kafka asynchronously. Send never blocks on the
// broker and never reports an error.
type Sink struct {
	config Config
	writer messageWriter

	closeOnce sync.Once

	sentCount  atomic.Uint64
	errorCount atomic.Uint64
}

// New creates a Kafka sink from raw options.
func New(raw map[string]any) (*Sink, error) {
	cfg, err := ParseConfig(raw)
	if err != nil {
		return nil, err
	}
	s := &Sink{config: cfg}
	compression, _ := codec(cfg.Compression)
	s.writer = &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		MaxAttempts:  cfg.MaxAttempts,
		WriteTimeout: defaultWriteTimeout,
		Compression:  compression,
		Async:        true,
		Completion:   s.completed,
	}

	slog.Info("kafka sink created",
		"brokers", cfg.Brokers,
		"topic", cfg.Topic,
		"batch_size", cfg.BatchSize,
		"batch_timeout", cfg.BatchTimeout,
		"compression", cfg.Compression,
	)
	return s, nil
}

// Name returns the sink name.
func (s *Sink) Name() string { return Name }

// Send queues one record.
func (s *Sink) Send(record []byte) {
	msg := kafka.Message{
		Key:   s.key(record),
		Value: append([]byte(nil), record...),
		Time:  time.Now(),
	}
	if err := s.writer.WriteMessages(context.Background(), msg); err != nil {
		s.failed(1, err)
	}
}

// key picks the partition key from the record according to Config.Key.
func (s *Sink) key(record []byte) []byte {
	if s.config.Key == "" {
		return nil
	}
	var fields struct {
		Topic          string `json:"topic"`
		SourceEndpoint string `json:"sourceEndpoint"`
	}
	if err := json.Unmarshal(record, &fields); err != nil {
		return nil
	}
	if s.config.Key == "topic" {
		return []byte(fields.Topic)
	}
	return []byte(fields.SourceEndpoint)
}

// completed is called by the async writer for each written batch.
func (s *Sink) completed(msgs []kafka.Message, err error) {
	if err != nil {
		s.failed(len(msgs), err)
		return
	}
	s.sentCount.Add(uint64(len(msgs)))
}

func (s *Sink) failed(n int, err error) {
	s.errorCount.Add(uint64(n))
	metrics.SinkErrorsTotal.WithLabelValues(Name).Add(float64(n))
	slog.Warn("kafka sink write failed", "topic", s.config.Topic, "messages", n, "error", err)
}

// Close flushes pending messages and closes the writer.
func (s *Sink) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if err = s.writer.Close(); err != nil {
			slog.Error("error closing kafka writer", "error", err)
		}
		slog.Info("kafka sink stopped",
			"total_sent", s.sentCount.Load(),
			"total_errors", s.errorCount.Load(),
		)
	})
	return err
}

// Counts returns the sent and failed message totals.
func (s *Sink) Counts() (sent, failed uint64) {
	return s.sentCount.Load(), s.errorCount.Load()
}
