package command

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/wstap/internal/core"
)

func startUDS(t *testing.T, h *CommandHandler) (string, context.CancelFunc) {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "wstap.sock")
	server := NewUDSServer(socketPath, h)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- server.Start(ctx) }()

	select {
	case <-server.Ready():
	case err := <-errCh:
		t.Fatalf("server failed to start: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not start")
	}

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errCh:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("server did not stop")
		}
	})
	return socketPath, cancel
}

func TestUDSServerClient_Integration(t *testing.T) {
	ft := &fakeTap{events: []*core.DecodedEvent{{Kind: core.KindProtoEvent, Topic: "ChatMessage"}}}
	socketPath, _ := startUDS(t, NewCommandHandler(ft, nil))

	info, err := os.Stat(socketPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	client := NewUDSClient(socketPath, 5*time.Second)
	ctx := context.Background()

	t.Run("tap_stats", func(t *testing.T) {
		var st core.Stats
		require.NoError(t, client.CallInto(ctx, MethodTapStats, nil, &st))
		assert.Equal(t, "tap-1", st.InstanceID)
		assert.True(t, st.SchemaReady)
		assert.Equal(t, core.RelayOpen, st.Relay.Status)
	})

	t.Run("tap_events", func(t *testing.T) {
		resp, err := client.Events(ctx, 10)
		require.NoError(t, err)
		require.Nil(t, resp.Error)
		result := resp.Result.(map[string]any)
		assert.Equal(t, float64(1), result["count"])
	})

	t.Run("tap_send_action", func(t *testing.T) {
		resp, err := client.SendAction(ctx, SendActionParams{RoomID: "9", Action: "gift", Coin: 5})
		require.NoError(t, err)
		require.Nil(t, resp.Error)
		assert.Equal(t, "9", ft.lastRoom)
	})

	t.Run("rpc error", func(t *testing.T) {
		err := client.CallInto(ctx, "nope", nil, nil)
		var rpcErr *ErrorInfo
		require.ErrorAs(t, err, &rpcErr)
		assert.Equal(t, ErrCodeMethodNotFound, rpcErr.Code)
	})

	t.Run("ping", func(t *testing.T) {
		assert.NoError(t, client.Ping(ctx))
	})
}

func TestUDSServerMalformedRequests(t *testing.T) {
	socketPath, _ := startUDS(t, NewCommandHandler(&fakeTap{}, nil))

	conn, err := net.Dial("unix", socketPath)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))

	scanner := bufio.NewScanner(conn)
	read := func() JSONRPCResponse {
		require.True(t, scanner.Scan())
		var resp JSONRPCResponse
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &resp))
		return resp
	}

	_, err = conn.Write([]byte("{not json\n"))
	require.NoError(t, err)
	resp := read()
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeParseError, resp.Error.Code)

	_, err = conn.Write([]byte(`{"jsonrpc":"1.0","method":"tap_stats","id":7}` + "\n"))
	require.NoError(t, err)
	resp = read()
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeInvalidRequest, resp.Error.Code)
	assert.Equal(t, float64(7), resp.ID)

	// the connection survives bad lines
	_, err = conn.Write([]byte(`{"jsonrpc":"2.0","method":"daemon_status","id":8}` + "\n"))
	require.NoError(t, err)
	resp = read()
	assert.Nil(t, resp.Error)
	assert.Equal(t, float64(8), resp.ID)
}

func TestUDSServerRemovesSocketOnStop(t *testing.T) {
	socketPath, cancel := startUDS(t, NewCommandHandler(&fakeTap{}, nil))

	// an idle client must not block shutdown
	conn, err := net.Dial("unix", socketPath)
	require.NoError(t, err)
	defer conn.Close()

	cancel()
	assert.Eventually(t, func() bool {
		_, err := os.Stat(socketPath)
		return os.IsNotExist(err)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestUDSClientNoServer(t *testing.T) {
	client := NewUDSClient(filepath.Join(t.TempDir(), "missing.sock"), time.Second)
	_, err := client.Stats(context.Background())
	assert.Error(t, err)
}
