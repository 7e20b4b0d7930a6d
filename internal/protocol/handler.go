package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/toolgate/toolgate/internal/router"
)

// Handler dispatches inbound protocol messages. Tool methods delegate to the
// Router; session and handshake methods are answered locally. Every failure
// becomes a coded error response, never a fault.
type Handler struct {
	router  *router.Router
	logger  *slog.Logger
	name    string
	version string
}

// NewHandler builds a Handler bound to one Router.
func NewHandler(r *router.Router, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{router: r, logger: logger, name: "toolgate", version: "1.0.0"}
}

// Router exposes the underlying router for owners that need direct access.
func (h *Handler) Router() *router.Router { return h.router }

type initializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ServerInfo      serverInfo     `json:"serverInfo"`
}

type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type callToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// Handle processes one message. Notifications return nil: they are consumed
// without a response.
func (h *Handler) Handle(ctx context.Context, req *Request) *Response {
	if req.IsNotification() {
		// Nothing to do for notifications/initialized and friends.
		return nil
	}

	switch req.Method {
	case "initialize":
		return NewResult(req.ID, initializeResult{
			ProtocolVersion: ProtocolVersion,
			Capabilities: map[string]any{
				"tools": map[string]any{"listChanged": true},
			},
			ServerInfo: serverInfo{Name: h.name, Version: h.version},
		})
	case "ping":
		return NewResult(req.ID, map[string]any{})
	case "tools/list":
		tools := h.router.AllTools(ctx, false)
		return NewResult(req.ID, map[string]any{"tools": tools})
	case "tools/call":
		return h.handleCallTool(ctx, req)
	default:
		return NewError(req.ID, CodeMethodNotFound, "method not found: "+req.Method, nil)
	}
}

func (h *Handler) handleCallTool(ctx context.Context, req *Request) *Response {
	var params callToolParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return NewError(req.ID, CodeInvalidParams, "invalid tools/call params", err.Error())
	}
	if params.Name == "" {
		return NewError(req.ID, CodeInvalidParams, "tool name is required", nil)
	}

	res, err := h.router.CallTool(ctx, params.Name, params.Arguments)
	if err != nil {
		var notFound *router.ToolNotFoundError
		if errors.As(err, &notFound) {
			return NewError(req.ID, CodeToolNotFound, err.Error(), map[string]any{"knownTools": notFound.Known})
		}
		var notConnected *router.ServerNotConnectedError
		if errors.As(err, &notConnected) {
			return NewError(req.ID, CodeServerNotConnected, err.Error(), map[string]any{"server": notConnected.Server})
		}
		h.logger.Error("tool call failed", "tool", params.Name, "error", err)
		return NewError(req.ID, CodeInternalError, err.Error(), nil)
	}
	return NewResult(req.ID, res)
}
