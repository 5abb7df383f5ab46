package command

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/wstap/internal/core"
	"firestige.xyz/wstap/internal/tap"
)

type fakeTap struct {
	events  []*core.DecodedEvent
	unknown []*core.UnknownFrame
	conns   []tap.ConnInfo
	sendErr error

	lastRoom   string
	lastAction string
	lastCoin   int64
	lastLimit  int
}

func (f *fakeTap) Stats() core.Stats {
	return core.Stats{
		InstanceID:         "tap-1",
		Version:            "v1.2.0",
		SchemaReady:        true,
		TrackedConnections: len(f.conns),
		Relay:              core.RelayStats{Status: core.RelayOpen},
	}
}

func (f *fakeTap) RecentEvents(n int) []*core.DecodedEvent {
	f.lastLimit = n
	if n > 0 && n < len(f.events) {
		return f.events[len(f.events)-n:]
	}
	return f.events
}

func (f *fakeTap) UnknownFrames(n int) []*core.UnknownFrame {
	f.lastLimit = n
	return f.unknown
}

func (f *fakeTap) ConnectionInfo() []tap.ConnInfo { return f.conns }

func (f *fakeTap) TrySendAction(roomID, action string, coin int64) (string, error) {
	f.lastRoom, f.lastAction, f.lastCoin = roomID, action, coin
	if f.sendErr != nil {
		return "", f.sendErr
	}
	return "wss://live.example.com/ws", nil
}

type fakeReloader struct {
	calls atomic.Int32
	err   error
}

func (r *fakeReloader) Reload() error {
	r.calls.Add(1)
	return r.err
}

func call(t *testing.T, h *CommandHandler, method string, params any) Response {
	t.Helper()
	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		require.NoError(t, err)
		raw = data
	}
	resp := h.Handle(context.Background(), Command{Method: method, Params: raw, ID: "req-1"})
	assert.Equal(t, "req-1", resp.ID)
	return resp
}

func TestHandleTapStats(t *testing.T) {
	h := NewCommandHandler(&fakeTap{}, nil)
	resp := call(t, h, MethodTapStats, nil)
	require.Nil(t, resp.Error)
	st, ok := resp.Result.(core.Stats)
	require.True(t, ok)
	assert.Equal(t, "tap-1", st.InstanceID)
}

func TestHandleTapEvents(t *testing.T) {
	ft := &fakeTap{events: []*core.DecodedEvent{
		{Kind: core.KindProtoEvent, Topic: "ChatMessage"},
		{Kind: core.KindProtoEvent, Topic: "GiftMessage"},
	}}
	h := NewCommandHandler(ft, nil)

	resp := call(t, h, MethodTapEvents, LimitParams{Limit: 1})
	require.Nil(t, resp.Error)
	result := resp.Result.(map[string]any)
	assert.Equal(t, 1, result["count"])
	assert.Equal(t, 1, ft.lastLimit)

	resp = call(t, h, MethodTapEvents, nil)
	require.Nil(t, resp.Error)
	assert.Equal(t, 2, resp.Result.(map[string]any)["count"])
	assert.Equal(t, 0, ft.lastLimit)

	resp = call(t, h, MethodTapEvents, LimitParams{Limit: -1})
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeInvalidParams, resp.Error.Code)
}

func TestHandleTapEventsEmptyIsList(t *testing.T) {
	resp := call(t, NewCommandHandler(&fakeTap{}, nil), MethodTapEvents, nil)
	data, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	assert.JSONEq(t, `{"events":[],"count":0}`, string(data))
}

func TestHandleTapUnknown(t *testing.T) {
	ft := &fakeTap{unknown: []*core.UnknownFrame{{Kind: core.KindUnknownFrame, MessageID: 9999}}}
	resp := call(t, NewCommandHandler(ft, nil), MethodTapUnknown, LimitParams{Limit: 5})
	require.Nil(t, resp.Error)
	assert.Equal(t, 1, resp.Result.(map[string]any)["count"])
	assert.Equal(t, 5, ft.lastLimit)
}

func TestHandleTapConnections(t *testing.T) {
	ft := &fakeTap{conns: []tap.ConnInfo{{Endpoint: "wss://a.example/ws", Open: true}}}
	resp := call(t, NewCommandHandler(ft, nil), MethodTapConnections, nil)
	require.Nil(t, resp.Error)
	assert.Equal(t, 1, resp.Result.(map[string]any)["count"])
}

func TestHandleTapSendAction(t *testing.T) {
	ft := &fakeTap{}
	h := NewCommandHandler(ft, nil)

	resp := call(t, h, MethodTapSendAction, SendActionParams{RoomID: "77", Action: "like", Coin: 3})
	require.Nil(t, resp.Error)
	assert.Equal(t, "wss://live.example.com/ws", resp.Result.(map[string]any)["endpoint"])
	assert.Equal(t, "77", ft.lastRoom)
	assert.Equal(t, "like", ft.lastAction)
	assert.Equal(t, int64(3), ft.lastCoin)

	resp = call(t, h, MethodTapSendAction, SendActionParams{RoomID: "77"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeInvalidParams, resp.Error.Code)

	resp = h.Handle(context.Background(), Command{Method: MethodTapSendAction, Params: json.RawMessage(`{"room_id":`), ID: "x"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeInvalidParams, resp.Error.Code)
}

func TestHandleTapSendActionErrors(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{core.ErrSchemaNotReady, ErrCodeUnavailable},
		{core.ErrNoConnection, ErrCodeUnavailable},
		{core.ErrActionUnsupported, ErrCodeInternalError},
		{errors.New("write: broken pipe"), ErrCodeInternalError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			h := NewCommandHandler(&fakeTap{sendErr: tt.err}, nil)
			resp := call(t, h, MethodTapSendAction, SendActionParams{RoomID: "1", Action: "like"})
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.code, resp.Error.Code)
		})
	}
}

func TestHandleConfigReload(t *testing.T) {
	resp := call(t, NewCommandHandler(&fakeTap{}, nil), MethodConfigReload, nil)
	require.NotNil(t, resp.Error)

	r := &fakeReloader{}
	resp = call(t, NewCommandHandler(&fakeTap{}, r), MethodConfigReload, nil)
	require.Nil(t, resp.Error)
	assert.Equal(t, int32(1), r.calls.Load())

	r.err = errors.New("bad file")
	resp = call(t, NewCommandHandler(&fakeTap{}, r), MethodConfigReload, nil)
	require.NotNil(t, resp.Error)
	assert.Contains(t, resp.Error.Message, "bad file")
}

func TestHandleDaemonStatus(t *testing.T) {
	resp := call(t, NewCommandHandler(&fakeTap{}, nil), MethodDaemonStatus, nil)
	require.Nil(t, resp.Error)
	result := resp.Result.(map[string]any)
	assert.Equal(t, true, result["running"])
	assert.Equal(t, "v1.2.0", result["version"])
	assert.Equal(t, core.RelayOpen, result["relay_status"])
}

func TestHandleDaemonShutdown(t *testing.T) {
	h := NewCommandHandler(&fakeTap{}, nil)
	resp := call(t, h, MethodDaemonShutdown, nil)
	require.NotNil(t, resp.Error, "no shutdown func configured")

	done := make(chan struct{})
	h.SetShutdownFunc(func() { close(done) })
	resp = call(t, h, MethodDaemonShutdown, nil)
	require.Nil(t, resp.Error)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("shutdown func not called")
	}
}

func TestHandleUnknownMethod(t *testing.T) {
	resp := call(t, NewCommandHandler(&fakeTap{}, nil), "task_create", nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeMethodNotFound, resp.Error.Code)
}
