package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"firestige.xyz/wstap/internal/command"
)

// Client is the part of the control client the commands use.
type Client interface {
	Call(ctx context.Context, method string, params any) (*command.Response, error)
}

// newClient is replaced in tests.
var newClient = func() Client {
	return command.NewUDSClient(socketPath, 10*time.Second)
}

// call invokes method and returns its result, turning RPC errors into Go errors.
func call(ctx context.Context, client Client, method string, params any) (any, error) {
	resp, err := client.Call(ctx, method, params)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("%s failed: %w", method, resp.Error)
	}
	return resp.Result, nil
}

// printJSON writes v indented.
func printJSON(out io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to format result: %w", err)
	}
	_, err = fmt.Fprintln(out, string(data))
	return err
}

// runQuery calls method and prints the result as JSON.
func runQuery(ctx context.Context, client Client, out io.Writer, method string, params any) error {
	result, err := call(ctx, client, method, params)
	if err != nil {
		return err
	}
	return printJSON(out, result)
}
