package command

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/wstap/internal/config"
)

// fakeReader serves queued messages, then blocks until ctx is done.
type fakeReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed []int64
	closed    bool
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.msgs) > 0 {
		m := r.msgs[0]
		r.msgs = r.msgs[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

type responseWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
}

func (w *responseWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *responseWriter) Close() error { return nil }

func kafkaMessage(t *testing.T, offset int64, cmd KafkaCommand) kafka.Message {
	t.Helper()
	data, err := json.Marshal(cmd)
	require.NoError(t, err)
	return kafka.Message{Offset: offset, Value: data}
}

func TestNewKafkaCommandConsumer(t *testing.T) {
	h := NewCommandHandler(&fakeTap{}, nil)
	tests := []struct {
		name    string
		cfg     config.CommandChannelConfig
		wantErr bool
	}{
		{"missing brokers", config.CommandChannelConfig{Topic: "t", GroupID: "g"}, true},
		{"missing topic", config.CommandChannelConfig{Brokers: []string{"localhost:9092"}, GroupID: "g"}, true},
		{"missing group", config.CommandChannelConfig{Brokers: []string{"localhost:9092"}, Topic: "t"}, true},
		{"valid", config.CommandChannelConfig{Brokers: []string{"localhost:9092"}, Topic: "t", GroupID: "g"}, false},
		{"with responses", config.CommandChannelConfig{
			Brokers: []string{"localhost:9092"}, Topic: "t", GroupID: "g", ResponseTopic: "r",
			AutoOffsetReset: "earliest", CommandTTL: time.Minute,
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewKafkaCommandConsumer(tt.cfg, h)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.cfg.ResponseTopic != "", c.writer != nil)
			if tt.cfg.CommandTTL == 0 {
				assert.Equal(t, defaultCommandTTL, c.ttl)
			}
			assert.NoError(t, c.Stop())
			assert.NoError(t, c.Stop())
		})
	}
}

func TestKafkaCommandConsumerDispatch(t *testing.T) {
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	ft := &fakeTap{}
	reader := &fakeReader{msgs: []kafka.Message{
		{Offset: 1, Value: []byte("garbage")},
	}}
	reader.msgs = append(reader.msgs,
		kafkaMessage(t, 2, KafkaCommand{Target: "other", Command: MethodTapSendAction,
			Payload: json.RawMessage(`{"room_id":"other","action":"like"}`)}),
		kafkaMessage(t, 3, KafkaCommand{Target: "edge-1", Command: MethodTapSendAction, Timestamp: now.Add(-time.Hour),
			Payload: json.RawMessage(`{"room_id":"stale","action":"like"}`)}),
		kafkaMessage(t, 4, KafkaCommand{Target: "*", Command: MethodTapSendAction, RequestID: "req-4", Timestamp: now,
			Payload: json.RawMessage(`{"room_id":"77","action":"like","coin":2}`)}),
	)
	writer := &responseWriter{}

	c := &KafkaCommandConsumer{
		cfg:     config.CommandChannelConfig{Topic: "t", Target: "edge-1"},
		reader:  reader,
		writer:  writer,
		handler: NewCommandHandler(ft, nil),
		ttl:     5 * time.Minute,
		now:     func() time.Time { return now },
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Start(ctx) }()

	require.Eventually(t, func() bool { return len(reader.commits()) == 4 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, []int64{1, 2, 3, 4}, reader.commits(), "every message is committed")
	assert.Equal(t, "77", ft.lastRoom, "only the fresh broadcast command ran")
	assert.Equal(t, int64(2), ft.lastCoin)

	require.Len(t, writer.msgs, 1)
	var resp KafkaResponse
	require.NoError(t, json.Unmarshal(writer.msgs[0].Value, &resp))
	assert.Equal(t, "req-4", resp.RequestID)
	assert.Equal(t, "edge-1", resp.Source)
	assert.Nil(t, resp.Error)
}

func TestKafkaCommandFailureIsReported(t *testing.T) {
	writer := &responseWriter{}
	c := &KafkaCommandConsumer{
		cfg:     config.CommandChannelConfig{Target: "edge-1"},
		writer:  writer,
		handler: NewCommandHandler(&fakeTap{sendErr: errors.New("boom")}, nil),
		ttl:     time.Minute,
		now:     time.Now,
	}
	err := c.processMessage(context.Background(), kafkaMessage(t, 1, KafkaCommand{
		Command: MethodTapSendAction, RequestID: "r", Payload: json.RawMessage(`{"room_id":"1","action":"like"}`),
	}))
	require.Error(t, err)

	require.Len(t, writer.msgs, 1)
	var resp KafkaResponse
	require.NoError(t, json.Unmarshal(writer.msgs[0].Value, &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeInternalError, resp.Error.Code)
}
