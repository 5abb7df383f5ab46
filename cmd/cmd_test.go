package cmd

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"firestige.xyz/wstap/internal/command"
	"firestige.xyz/wstap/internal/core"
)

// MockClient implements Client
type MockClient struct {
	mock.Mock
}

func (m *MockClient) Call(ctx context.Context, method string, params any) (*command.Response, error) {
	args := m.Called(ctx, method, params)
	resp, _ := args.Get(0).(*command.Response)
	return resp, args.Error(1)
}

func useClient(t *testing.T, c Client) {
	t.Helper()
	orig := newClient
	newClient = func() Client { return c }
	t.Cleanup(func() { newClient = orig })
}

func TestRunReload_Success(t *testing.T) {
	mockClient := new(MockClient)
	mockClient.On("Call", mock.Anything, command.MethodConfigReload, nil).
		Return(&command.Response{Result: map[string]any{"reloaded": true}}, nil)

	var buf bytes.Buffer
	err := runReload(context.Background(), mockClient, &buf)

	assert.NoError(t, err)
	assert.Contains(t, buf.String(), "✓ Configuration reloaded successfully")
	mockClient.AssertExpectations(t)
}

func TestRunReload_TableDriven(t *testing.T) {
	tests := []struct {
		name      string
		resp      *command.Response
		callErr   error
		wantError string
	}{
		{
			name:      "connection failed",
			callErr:   errors.New("connection refused"),
			wantError: "connection refused",
		},
		{
			name:      "daemon rejected reload",
			resp:      &command.Response{Error: &command.ErrorInfo{Code: command.ErrCodeInternalError, Message: "bad yaml"}},
			wantError: "bad yaml",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockClient := new(MockClient)
			mockClient.On("Call", mock.Anything, command.MethodConfigReload, nil).Return(tt.resp, tt.callErr)

			var buf bytes.Buffer
			err := runReload(context.Background(), mockClient, &buf)

			require.Error(t, err)
			assert.Contains(t, err.Error(), "failed to reload")
			assert.Contains(t, err.Error(), tt.wantError)
			assert.Empty(t, buf.String())
			mockClient.AssertExpectations(t)
		})
	}
}

func TestReloadCmd_Execute(t *testing.T) {
	mockClient := new(MockClient)
	mockClient.On("Call", mock.Anything, command.MethodConfigReload, nil).
		Return(&command.Response{Result: map[string]any{"reloaded": true}}, nil)
	useClient(t, mockClient)

	root := &cobra.Command{Use: "wstap"}
	root.AddCommand(reloadCmd)

	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs([]string{"reload"})

	require.NoError(t, root.Execute())
	assert.Contains(t, buf.String(), "✓ Configuration reloaded successfully")
	mockClient.AssertExpectations(t)
}

func TestEventsCmd_PassesLimit(t *testing.T) {
	mockClient := new(MockClient)
	mockClient.On("Call", mock.Anything, command.MethodTapEvents, command.LimitParams{Limit: 5}).
		Return(&command.Response{Result: map[string]any{"count": 0, "events": []any{}}}, nil)
	useClient(t, mockClient)

	root := &cobra.Command{Use: "wstap"}
	root.AddCommand(eventsCmd)
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetArgs([]string{"events", "-n", "5"})

	require.NoError(t, root.Execute())
	assert.Contains(t, buf.String(), `"count": 0`)
	mockClient.AssertExpectations(t)
}

func TestRunSendAction(t *testing.T) {
	params := command.SendActionParams{RoomID: "7001", Action: "gift", Coin: 10}

	mockClient := new(MockClient)
	mockClient.On("Call", mock.Anything, command.MethodTapSendAction, params).
		Return(&command.Response{Result: map[string]any{"sent": true, "endpoint": "wss://live.example.com/ws"}}, nil)

	var buf bytes.Buffer
	require.NoError(t, runSendAction(context.Background(), mockClient, &buf, params))
	assert.Contains(t, buf.String(), `"gift" sent to room 7001 via wss://live.example.com/ws`)
	mockClient.AssertExpectations(t)
}

func TestRunSendAction_NoConnection(t *testing.T) {
	params := command.SendActionParams{RoomID: "7001", Action: "like"}

	mockClient := new(MockClient)
	mockClient.On("Call", mock.Anything, command.MethodTapSendAction, params).
		Return(&command.Response{Error: &command.ErrorInfo{Code: command.ErrCodeUnavailable, Message: "no eligible connection"}}, nil)

	var buf bytes.Buffer
	err := runSendAction(context.Background(), mockClient, &buf, params)

	var rpcErr *command.ErrorInfo
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, command.ErrCodeUnavailable, rpcErr.Code)
	assert.Empty(t, buf.String())
}

func TestRunStop_ViaSocket(t *testing.T) {
	mockClient := new(MockClient)
	mockClient.On("Call", mock.Anything, command.MethodDaemonShutdown, nil).
		Return(&command.Response{Result: map[string]any{"shutting_down": true}}, nil)

	var buf bytes.Buffer
	require.NoError(t, runStop(context.Background(), mockClient, &buf, "", time.Second))
	assert.Contains(t, buf.String(), "✓ Shutdown requested")
}

func TestRunStop_FallbackWithoutPIDFile(t *testing.T) {
	mockClient := new(MockClient)
	mockClient.On("Call", mock.Anything, command.MethodDaemonShutdown, nil).
		Return(nil, errors.New("dial unix: no such file"))

	var buf bytes.Buffer
	err := runStop(context.Background(), mockClient, &buf, filepath.Join(t.TempDir(), "wstap.pid"), time.Second)
	assert.ErrorIs(t, err, core.ErrDaemonNotRunning)

	err = runStop(context.Background(), mockClient, &buf, "", time.Second)
	assert.ErrorContains(t, err, "socket is inaccessible")
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "wstap.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestRunValidate(t *testing.T) {
	var buf bytes.Buffer
	path := writeConfig(t, "wstap:\n  relay:\n    url: ws://collector:9977/ingest\n")
	require.NoError(t, runValidate(path, &buf))
	assert.Contains(t, buf.String(), "VALID: relay ws://collector:9977/ingest")
	assert.Contains(t, buf.String(), "schema not configured")

	bad := writeConfig(t, "wstap:\n  relay:\n    url: http://collector\n")
	err := runValidate(bad, &buf)
	assert.ErrorContains(t, err, "INVALID")

	missing := writeConfig(t, "wstap:\n  schema:\n    descriptors: /nonexistent/live.pb\n")
	err = runValidate(missing, &buf)
	assert.ErrorContains(t, err, "schema descriptors")
}

func TestRunConfigShow(t *testing.T) {
	var buf bytes.Buffer
	path := writeConfig(t, "wstap:\n  decoder:\n    namespaces: [room, live]\n")
	require.NoError(t, runConfigShow(path, &buf))

	out := buf.String()
	assert.Contains(t, out, "wstap:")
	assert.Contains(t, out, "default_namespace: room")
	assert.Contains(t, out, "queue_size: 500")
}
