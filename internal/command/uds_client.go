package command

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// UDSClient is a JSON-RPC client over Unix Domain Socket.
type UDSClient struct {
	socketPath string
	timeout    time.Duration
}

// NewUDSClient creates a new UDS client.
func NewUDSClient(socketPath string, timeout time.Duration) *UDSClient {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &UDSClient{
		socketPath: socketPath,
		timeout:    timeout,
	}
}

// Call sends a command and waits for response.
func (c *UDSClient) Call(ctx context.Context, method string, params any) (*Response, error) {
	d := net.Dialer{Timeout: c.timeout}
	conn, err := d.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to socket %s: %w", c.socketPath, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	_ = conn.SetDeadline(deadline)

	var paramsJSON json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
		paramsJSON = data
	}

	reqID := fmt.Sprintf("req-%d", time.Now().UnixNano())
	req := JSONRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  paramsJSON,
		ID:      reqID,
	}
	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 64<<20)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("failed to read response: %w", err)
		}
		return nil, fmt.Errorf("connection closed without response")
	}

	var jsonrpcResp JSONRPCResponse
	if err := json.Unmarshal(scanner.Bytes(), &jsonrpcResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	respID := fmt.Sprintf("%v", jsonrpcResp.ID)
	if respID != reqID {
		return nil, fmt.Errorf("response ID mismatch: expected %v, got %v", reqID, respID)
	}

	return &Response{
		ID:     respID,
		Result: jsonrpcResp.Result,
		Error:  jsonrpcResp.Error,
	}, nil
}

// CallInto calls method and decodes the result into out. An RPC error is
// returned as *ErrorInfo.
func (c *UDSClient) CallInto(ctx context.Context, method string, params, out any) error {
	resp, err := c.Call(ctx, method, params)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return resp.Error
	}
	if out == nil {
		return nil
	}
	data, err := json.Marshal(resp.Result)
	if err != nil {
		return fmt.Errorf("failed to re-encode result: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode result: %w", err)
	}
	return nil
}

// Stats is a convenience method for tap_stats.
func (c *UDSClient) Stats(ctx context.Context) (*Response, error) {
	return c.Call(ctx, MethodTapStats, nil)
}

// Events is a convenience method for tap_events.
func (c *UDSClient) Events(ctx context.Context, limit int) (*Response, error) {
	return c.Call(ctx, MethodTapEvents, LimitParams{Limit: limit})
}

// Unknown is a convenience method for tap_unknown.
func (c *UDSClient) Unknown(ctx context.Context, limit int) (*Response, error) {
	return c.Call(ctx, MethodTapUnknown, LimitParams{Limit: limit})
}

// Connections is a convenience method for tap_connections.
func (c *UDSClient) Connections(ctx context.Context) (*Response, error) {
	return c.Call(ctx, MethodTapConnections, nil)
}

// SendAction is a convenience method for tap_send_action.
func (c *UDSClient) SendAction(ctx context.Context, params SendActionParams) (*Response, error) {
	return c.Call(ctx, MethodTapSendAction, params)
}

// ConfigReload is a convenience method for config_reload.
func (c *UDSClient) ConfigReload(ctx context.Context) (*Response, error) {
	return c.Call(ctx, MethodConfigReload, nil)
}

// Status is a convenience method for daemon_status.
func (c *UDSClient) Status(ctx context.Context) (*Response, error) {
	return c.Call(ctx, MethodDaemonStatus, nil)
}

// Shutdown is a convenience method for daemon_shutdown.
func (c *UDSClient) Shutdown(ctx context.Context) (*Response, error) {
	return c.Call(ctx, MethodDaemonShutdown, nil)
}

// Ping checks that the daemon is alive.
func (c *UDSClient) Ping(ctx context.Context) error {
	resp, err := c.Status(ctx)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return resp.Error
	}
	return nil
}
