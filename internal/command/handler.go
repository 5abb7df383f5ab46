// Package command implements control plane command handling.
package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"firestige.xyz/wstap/internal/core"
	"firestige.xyz/wstap/internal/tap"
)

// Method names.
const (
	MethodTapStats       = "tap_stats"
	MethodTapEvents      = "tap_events"
	MethodTapUnknown     = "tap_unknown"
	MethodTapConnections = "tap_connections"
	MethodTapSendAction  = "tap_send_action"
	MethodConfigReload   = "config_reload"
	MethodDaemonStatus   = "daemon_status"
	MethodDaemonShutdown = "daemon_shutdown"
)

// Tap is the part of the tap the control plane exposes.
type Tap interface {
	Stats() core.Stats
	RecentEvents(n int) []*core.DecodedEvent
	UnknownFrames(n int) []*core.UnknownFrame
	ConnectionInfo() []tap.ConnInfo
	TrySendAction(roomID, action string, coin int64) (string, error)
}

// ConfigReloader is the interface for reloading global configuration.
type ConfigReloader interface {
	Reload() error
}

// CommandHandler handles control plane commands.
type CommandHandler struct {
	tap            Tap
	configReloader ConfigReloader
	shutdownFunc   func() // called by daemon_shutdown to trigger graceful stop
	startTime      time.Time
}

// NewCommandHandler creates a new command handler.
func NewCommandHandler(t Tap, reloader ConfigReloader) *CommandHandler {
	return &CommandHandler{
		tap:            t,
		configReloader: reloader,
		startTime:      time.Now(),
	}
}

// SetShutdownFunc sets the callback invoked by the daemon_shutdown command.
func (h *CommandHandler) SetShutdownFunc(fn func()) {
	h.shutdownFunc = fn
}

// Command represents a control plane command.
type Command struct {
	Method string          `json:"method"` // e.g., "tap_stats"
	Params json.RawMessage `json:"params"` // command-specific parameters
	ID     string          `json:"id"`     // request ID for tracking
}

// Response represents a command response.
type Response struct {
	ID     string     `json:"id"`               // matches request ID
	Result any        `json:"result,omitempty"` // success result
	Error  *ErrorInfo `json:"error,omitempty"`  // error info if failed
}

// ErrorInfo represents an error in the response.
type ErrorInfo struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorInfo) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Error codes
const (
	ErrCodeParseError     = -32700 // Invalid JSON
	ErrCodeInvalidRequest = -32600 // Invalid request object
	ErrCodeMethodNotFound = -32601 // Method not found
	ErrCodeInvalidParams  = -32602 // Invalid method parameters
	ErrCodeInternalError  = -32603 // Internal error

	// ErrCodeUnavailable reports a precondition the tap cannot meet yet,
	// such as a missing schema or no eligible connection.
	ErrCodeUnavailable = -32000
)

// LimitParams bounds list results; zero means everything buffered.
type LimitParams struct {
	Limit int `json:"limit"`
}

// SendActionParams represents parameters for tap_send_action.
type SendActionParams struct {
	RoomID string `json:"room_id"`
	Action string `json:"action"`
	Coin   int64  `json:"coin"`
}

// Handle processes a command and returns a response.
func (h *CommandHandler) Handle(ctx context.Context, cmd Command) Response {
	slog.Debug("handling command", "method", cmd.Method, "id", cmd.ID)

	switch cmd.Method {
	case MethodTapStats:
		return Response{ID: cmd.ID, Result: h.tap.Stats()}
	case MethodTapEvents:
		return h.handleTapEvents(cmd)
	case MethodTapUnknown:
		return h.handleTapUnknown(cmd)
	case MethodTapConnections:
		return h.handleTapConnections(cmd)
	case MethodTapSendAction:
		return h.handleTapSendAction(cmd)
	case MethodConfigReload:
		return h.handleConfigReload(cmd)
	case MethodDaemonStatus:
		return h.handleDaemonStatus(cmd)
	case MethodDaemonShutdown:
		return h.handleDaemonShutdown(cmd)
	default:
		return errorResponse(cmd.ID, ErrCodeMethodNotFound, fmt.Sprintf("method %q not found", cmd.Method))
	}
}

func errorResponse(id string, code int, msg string) Response {
	return Response{ID: id, Error: &ErrorInfo{Code: code, Message: msg}}
}

// parseParams decodes optional params into v. Absent params leave v as is.
func parseParams(cmd Command, v any) *Response {
	if len(cmd.Params) == 0 || string(cmd.Params) == "null" {
		return nil
	}
	if err := json.Unmarshal(cmd.Params, v); err != nil {
		resp := errorResponse(cmd.ID, ErrCodeInvalidParams, fmt.Sprintf("invalid params: %v", err))
		return &resp
	}
	return nil
}

func (h *CommandHandler) handleTapEvents(cmd Command) Response {
	var params LimitParams
	if resp := parseParams(cmd, &params); resp != nil {
		return *resp
	}
	if params.Limit < 0 {
		return errorResponse(cmd.ID, ErrCodeInvalidParams, "limit must not be negative")
	}
	events := h.tap.RecentEvents(params.Limit)
	if events == nil {
		events = []*core.DecodedEvent{}
	}
	return Response{ID: cmd.ID, Result: map[string]any{
		"events": events,
		"count":  len(events),
	}}
}

func (h *CommandHandler) handleTapUnknown(cmd Command) Response {
	var params LimitParams
	if resp := parseParams(cmd, &params); resp != nil {
		return *resp
	}
	if params.Limit < 0 {
		return errorResponse(cmd.ID, ErrCodeInvalidParams, "limit must not be negative")
	}
	frames := h.tap.UnknownFrames(params.Limit)
	if frames == nil {
		frames = []*core.UnknownFrame{}
	}
	return Response{ID: cmd.ID, Result: map[string]any{
		"frames": frames,
		"count":  len(frames),
	}}
}

func (h *CommandHandler) handleTapConnections(cmd Command) Response {
	conns := h.tap.ConnectionInfo()
	return Response{ID: cmd.ID, Result: map[string]any{
		"connections": conns,
		"count":       len(conns),
	}}
}

func (h *CommandHandler) handleTapSendAction(cmd Command) Response {
	var params SendActionParams
	if resp := parseParams(cmd, &params); resp != nil {
		return *resp
	}
	if params.RoomID == "" || params.Action == "" {
		return errorResponse(cmd.ID, ErrCodeInvalidParams, "room_id and action are required")
	}

	endpoint, err := h.tap.TrySendAction(params.RoomID, params.Action, params.Coin)
	if err != nil {
		code := ErrCodeInternalError
		if errors.Is(err, core.ErrSchemaNotReady) || errors.Is(err, core.ErrNoConnection) ||
			errors.Is(err, core.ErrConnectionClosed) {
			code = ErrCodeUnavailable
		}
		return errorResponse(cmd.ID, code, fmt.Sprintf("send action failed: %v", err))
	}

	slog.Info("action sent", "room_id", params.RoomID, "action", params.Action, "endpoint", endpoint)
	return Response{ID: cmd.ID, Result: map[string]any{
		"sent":     true,
		"endpoint": endpoint,
	}}
}

func (h *CommandHandler) handleConfigReload(cmd Command) Response {
	if h.configReloader == nil {
		return errorResponse(cmd.ID, ErrCodeInternalError, "config reload not supported")
	}
	if err := h.configReloader.Reload(); err != nil {
		return errorResponse(cmd.ID, ErrCodeInternalError, fmt.Sprintf("config reload failed: %v", err))
	}
	return Response{ID: cmd.ID, Result: map[string]any{"reloaded": true}}
}

func (h *CommandHandler) handleDaemonStatus(cmd Command) Response {
	st := h.tap.Stats()
	return Response{ID: cmd.ID, Result: map[string]any{
		"running":        true,
		"instance_id":    st.InstanceID,
		"version":        st.Version,
		"uptime_seconds": int64(time.Since(h.startTime).Seconds()),
		"schema_ready":   st.SchemaReady,
		"relay_status":   st.Relay.Status,
		"connections":    st.TrackedConnections,
	}}
}

func (h *CommandHandler) handleDaemonShutdown(cmd Command) Response {
	if h.shutdownFunc == nil {
		return errorResponse(cmd.ID, ErrCodeInternalError, "shutdown not supported")
	}
	slog.Info("shutdown requested via control plane", "id", cmd.ID)
	// respond before the daemon tears the server down
	go h.shutdownFunc()
	return Response{ID: cmd.ID, Result: map[string]any{"shutting_down": true}}
}
