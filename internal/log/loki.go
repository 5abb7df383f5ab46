package log

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultLokiBatchSize     = 100
	defaultLokiFlushInterval = 5 * time.Second
	lokiMaxAttempts          = 3
	lokiRetryBase            = 100 * time.Millisecond
)

// ErrLokiClosed is returned by Write after Close.
var ErrLokiClosed = errors.New("loki writer is closed")

// LokiConfig contains configuration for Loki writer.
type LokiConfig struct {
	Endpoint      string            // push endpoint URL
	Labels        map[string]string // stream labels; "job" defaults to wstap
	BatchSize     int               // entries per push
	FlushInterval string            // e.g. "5s"
}

// LokiWriter is an io.Writer that batches lines and pushes them to Grafana
// Loki. Pushes run outside the write path's lock; failed batches are
// dropped and counted.
type LokiWriter struct {
	endpoint      string
	labels        map[string]string
	batchSize     int
	flushInterval time.Duration
	httpClient    *http.Client

	mu     sync.Mutex
	batch  []logEntry
	closed bool

	sendMu  sync.Mutex
	closeCh chan struct{}
	wg      sync.WaitGroup

	dropped atomic.Uint64
}

type logEntry struct {
	timestamp time.Time
	line      string
}

// lokiPushRequest is the body of POST /loki/api/v1/push.
type lokiPushRequest struct {
	Streams []lokiStream `json:"streams"`
}

type lokiStream struct {
	Stream map[string]string `json:"stream"`
	Values [][]string        `json:"values"`
}

// NewLokiWriter creates a Loki writer and starts its background flusher.
func NewLokiWriter(cfg LokiConfig) (*LokiWriter, error) {
	flushInterval := defaultLokiFlushInterval
	if cfg.FlushInterval != "" {
		d, err := time.ParseDuration(cfg.FlushInterval)
		if err != nil {
			return nil, fmt.Errorf("invalid flush interval: %w", err)
		}
		if d > 0 {
			flushInterval = d
		}
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultLokiBatchSize
	}

	labels := make(map[string]string, len(cfg.Labels)+1)
	for k, v := range cfg.Labels {
		labels[k] = v
	}
	if _, ok := labels["job"]; !ok {
		labels["job"] = "wstap"
	}

	lw := &LokiWriter{
		endpoint:      cfg.Endpoint,
		labels:        labels,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		httpClient:    &http.Client{Timeout: 10 * time.Second},
		batch:         make([]logEntry, 0, batchSize),
		closeCh:       make(chan struct{}),
	}

	lw.wg.Add(1)
	go lw.flusher()
	return lw, nil
}

// Write implements io.Writer. p is copied.
func (lw *LokiWriter) Write(p []byte) (int, error) {
	lw.mu.Lock()
	if lw.closed {
		lw.mu.Unlock()
		return 0, ErrLokiClosed
	}
	lw.batch = append(lw.batch, logEntry{timestamp: time.Now(), line: string(p)})
	var full []logEntry
	if len(lw.batch) >= lw.batchSize {
		full = lw.takeLocked()
	}
	lw.mu.Unlock()

	if full != nil {
		lw.push(full)
	}
	return len(p), nil
}

// Dropped returns the number of entries lost to failed pushes.
func (lw *LokiWriter) Dropped() uint64 { return lw.dropped.Load() }

// Close pushes what is left and stops the flusher.
func (lw *LokiWriter) Close() error {
	lw.mu.Lock()
	if lw.closed {
		lw.mu.Unlock()
		return nil
	}
	lw.closed = true
	rest := lw.takeLocked()
	lw.mu.Unlock()

	close(lw.closeCh)
	lw.wg.Wait()

	if rest == nil {
		return nil
	}
	return lw.push(rest)
}

func (lw *LokiWriter) flusher() {
	defer lw.wg.Done()

	ticker := time.NewTicker(lw.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			lw.mu.Lock()
			entries := lw.takeLocked()
			lw.mu.Unlock()
			if entries != nil {
				lw.push(entries)
			}
		case <-lw.closeCh:
			return
		}
	}
}

// takeLocked detaches the pending batch. Must be called with lw.mu held.
func (lw *LokiWriter) takeLocked() []logEntry {
	if len(lw.batch) == 0 {
		return nil
	}
	entries := lw.batch
	lw.batch = make([]logEntry, 0, lw.batchSize)
	return entries
}

// push sends entries in one stream. Pushes are serialized so batches
// arrive in order.
func (lw *LokiWriter) push(entries []logEntry) error {
	values := make([][]string, len(entries))
	for i, e := range entries {
		values[i] = []string{strconv.FormatInt(e.timestamp.UnixNano(), 10), e.line}
	}
	data, err := json.Marshal(lokiPushRequest{
		Streams: []lokiStream{{Stream: lw.labels, Values: values}},
	})
	if err != nil {
		lw.dropped.Add(uint64(len(entries)))
		return fmt.Errorf("failed to marshal loki request: %w", err)
	}

	lw.sendMu.Lock()
	defer lw.sendMu.Unlock()
	if err := lw.sendWithRetry(data); err != nil {
		lw.dropped.Add(uint64(len(entries)))
		return err
	}
	return nil
}

// sendWithRetry retries with exponential backoff.
func (lw *LokiWriter) sendWithRetry(data []byte) error {
	var lastErr error
	for attempt := 0; attempt < lokiMaxAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(lokiRetryBase << (attempt - 1))
		}
		if lastErr = lw.send(data); lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("loki push failed after %d attempts: %w", lokiMaxAttempts, lastErr)
}

func (lw *LokiWriter) send(data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, lw.endpoint, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := lw.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("loki push failed with status %d: %s", resp.StatusCode, body)
	}
	return nil
}
