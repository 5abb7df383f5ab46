// Package console implements a debug sink.
// Outputs relay records to stdout, either raw or in human-readable form.
package console

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Name identifies the sink in logs and metrics.
const Name = "console"

// Sink writes one line per record.
type Sink struct {
	format string // "json" or "text"
	out    io.Writer

	mu            sync.Mutex
	reportedCount atomic.Uint64
}

// New creates a console sink writing to stdout. format is "json" or
// "text"; empty means text.
func New(format string) (*Sink, error) {
	return NewWithWriter(format, os.Stdout)
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(format string, out io.Writer) (*Sink, error) {
	if format == "" {
		format = "text"
	}
	if format != "json" && format != "text" {
		return nil, fmt.Errorf("invalid format %q, must be json or text", format)
	}
	slog.Info("console sink started", "format", format)
	return &Sink{format: format, out: out}, nil
}

// Name returns the sink name.
func (s *Sink) Name() string { return Name }

// Send prints record.
func (s *Sink) Send(record []byte) {
	s.reportedCount.Add(1)

	line := string(record)
	if s.format == "text" {
		line = formatText(record)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintln(s.out, line)
}

// Close logs the total and releases nothing.
func (s *Sink) Close() error {
	slog.Info("console sink stopped", "total_reported", s.reportedCount.Load())
	return nil
}

// Count returns the number of records printed.
func (s *Sink) Count() uint64 { return s.reportedCount.Load() }

// record holds the fields shared by decoded events and unknown frames.
type record struct {
	Kind           string `json:"kind"`
	Namespace      string `json:"namespace"`
	Topic          string `json:"topic"`
	MessageID      *int   `json:"messageId"`
	Timestamp      int64  `json:"timestamp"`
	SourceEndpoint string `json:"sourceEndpoint"`
	Payload        any    `json:"payload"`
	BodyLength     int    `json:"bodyLength"`
}

func formatText(data []byte) string {
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return string(data)
	}

	ts := time.UnixMilli(r.Timestamp).Format("15:04:05.000")
	id := "-"
	if r.MessageID != nil {
		id = fmt.Sprint(*r.MessageID)
	}

	if r.Kind == "unknown_frame" {
		return fmt.Sprintf("[%s] unknown id=%s body=%dB %s", ts, id, r.BodyLength, r.SourceEndpoint)
	}
	payload, _ := json.Marshal(r.Payload)
	return fmt.Sprintf("[%s] %s.%s id=%s %s %s", ts, r.Namespace, r.Topic, id, r.SourceEndpoint, payload)
}
