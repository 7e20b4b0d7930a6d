// Package protocol implements the client-facing JSON-RPC surface of the
// gateway: message framing, the stable numeric error codes, and the handler
// that delegates tool methods to the router while answering session and
// handshake methods itself.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Version is the JSON-RPC version the gateway speaks.
const Version = "2.0"

// ProtocolVersion is the MCP protocol revision advertised at initialize.
const ProtocolVersion = "2025-03-26"

// Standard JSON-RPC error codes plus the gateway's own stable codes.
const (
	CodeParseError         = -32700
	CodeInvalidRequest     = -32600
	CodeMethodNotFound     = -32601
	CodeInvalidParams      = -32602
	CodeInternalError      = -32603
	CodeToolNotFound       = -32000
	CodeServerNotConnected = -32001
)

// Request is an inbound JSON-RPC request or notification. A nil ID marks a
// notification.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the message carries no id and therefore
// expects no response.
func (r *Request) IsNotification() bool {
	return len(r.ID) == 0 || string(r.ID) == "null"
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("protocol: %s (code %d)", e.Message, e.Code)
}

// Response is an outbound JSON-RPC response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// ParseRequest decodes one JSON-RPC message. The returned error is a parse
// error in the protocol taxonomy; callers answer it with CodeParseError keyed
// to whatever id they can recover.
func ParseRequest(data []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("protocol: parse request: %w", err)
	}
	if req.Method == "" {
		return nil, fmt.Errorf("protocol: request has no method")
	}
	return &req, nil
}

// RecoverID extracts an id from a malformed message when one is recoverable,
// so parse errors can still be correlated.
func RecoverID(data []byte) json.RawMessage {
	var probe struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil
	}
	return probe.ID
}

// NewResult builds a success response.
func NewResult(id json.RawMessage, result any) *Response {
	return &Response{JSONRPC: Version, ID: normalizeID(id), Result: result}
}

// NewError builds an error response.
func NewError(id json.RawMessage, code int, message string, data any) *Response {
	return &Response{JSONRPC: Version, ID: normalizeID(id), Error: &Error{Code: code, Message: message, Data: data}}
}

func normalizeID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}
	return id
}
