// Package ipc defines the wire contract between the daemon and its
// short-lived clients: newline-delimited JSON envelopes over a local socket,
// covering the welcome handshake, protocol request passthrough, lifecycle
// control, and asynchronous pushes.
package ipc

import (
	"encoding/json"
	"time"

	"github.com/toolgate/toolgate/internal/router"
)

// MessageType enumerates the IPC message kinds.
type MessageType string

const (
	// TypeWelcome is pushed by the daemon immediately after a client
	// connects; receiving it moves the client to the Ready state.
	TypeWelcome MessageType = "welcome"
	// TypeRequest carries one client JSON-RPC message to the daemon.
	TypeRequest MessageType = "request"
	// TypeResponse answers a TypeRequest, correlated by Seq.
	TypeResponse MessageType = "response"
	// TypeStatus queries the daemon's status document.
	TypeStatus MessageType = "status"
	// TypeReload asks the daemon to re-read its configuration and reconcile
	// the adapter set.
	TypeReload MessageType = "reload"
	// TypeStop asks the daemon to shut down gracefully.
	TypeStop MessageType = "stop"
	// TypeRoutesUpdated is pushed whenever the route table changes.
	TypeRoutesUpdated MessageType = "routes_updated"
	// TypeServerStarted is pushed when a backend connects.
	TypeServerStarted MessageType = "server_started"
)

// Message is the envelope for every IPC exchange. Requests and their
// responses share a Seq; pushes carry none.
type Message struct {
	Type    MessageType     `json:"type"`
	Seq     uint64          `json:"seq,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Welcome is the handshake payload.
type Welcome struct {
	Version    string `json:"version"`
	PID        int    `json:"pid"`
	Generation string `json:"generation"`
}

// StatusResult is the daemon status document.
type StatusResult struct {
	PID       int                   `json:"pid"`
	StartedAt time.Time             `json:"startedAt"`
	Servers   []router.ServerHealth `json:"servers"`
	Routes    int                   `json:"routes"`
}

// ReloadResult summarizes a configuration reconciliation.
type ReloadResult struct {
	Added     []string `json:"added,omitempty"`
	Removed   []string `json:"removed,omitempty"`
	Unchanged []string `json:"unchanged,omitempty"`
}

// ServerStartedEvent is the payload of TypeServerStarted.
type ServerStartedEvent struct {
	Server string `json:"server"`
}
