// Package adapter normalizes one configured backend MCP server into a uniform
// connection contract, independent of whether the backend is a spawned child
// process, an SSE endpoint, or a streamable HTTP endpoint. Each adapter owns
// exactly one connection handle and its own crash/backoff counters; routing
// state lives with the caller.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/toolgate/toolgate/internal/config"
)

// Status represents the lifecycle of an adapter's connection.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	// StatusBlacklisted marks an adapter that crashed too often; automatic
	// reconnection is suppressed until the blacklist is cleared.
	StatusBlacklisted Status = "blacklisted"
)

var (
	// ErrNotConnected is returned by operations that require a live session.
	ErrNotConnected = errors.New("adapter: not connected")
	// ErrBlacklisted is returned by Connect once the crash budget is spent.
	ErrBlacklisted = errors.New("adapter: blacklisted after repeated crashes")
	// ErrUnsupportedMethod is returned by SendRequest for methods outside the
	// gateway's protocol surface.
	ErrUnsupportedMethod = errors.New("adapter: unsupported method")
)

// Hooks carries the adapter's three lifecycle events. Hooks are scoped to the
// subscribing owner; there is no process-wide event bus. All callbacks run
// without adapter locks held and must be safe for concurrent use.
type Hooks struct {
	Connected    func(server string)
	Disconnected func(server string, err error, crashed bool)
	ToolsChanged func(server string)
}

// Adapter is the uniform contract over one backend server.
type Adapter interface {
	// Name returns the configured server name.
	Name() string
	// Config returns the server configuration the adapter was built from.
	Config() *config.ServerConfig
	// Status reports the current connection lifecycle state.
	Status() Status

	// Connect establishes the backend session. It is idempotent while
	// connected, deduplicates concurrent attempts, and fails with
	// ErrBlacklisted once repeated crashes have disabled the server.
	Connect(ctx context.Context) error
	// Disconnect tears the session down best-effort; it never fails.
	Disconnect(ctx context.Context) error
	// Tools fetches the backend's current tool catalog. It performs no
	// caching and fails with ErrNotConnected when no session is live.
	Tools(ctx context.Context) ([]*mcp.Tool, error)
	// CallTool invokes a tool by its backend-native (unprefixed) name.
	// Backend-reported failures are normalized into a result with IsError
	// set rather than surfaced as Go errors.
	CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error)
	// SendRequest is the escape hatch for handshake-type protocol messages
	// (ping and the like) that bypass the tool surface.
	SendRequest(ctx context.Context, method string, params map[string]any) (any, error)

	// SetHooks registers the lifecycle event sinks. Passing the zero Hooks
	// unsubscribes.
	SetHooks(Hooks)
}

// Reconnector is implemented by adapters that support a cheaper path than
// disconnect-then-connect for self-healing.
type Reconnector interface {
	Reconnect(ctx context.Context) error
}

// CrashStats exposes the crash counters for adapters that track them.
type CrashStats interface {
	CrashCount() int
	LastCrash() time.Time
}

// BlacklistResetter clears a blacklisted adapter so it may reconnect again.
type BlacklistResetter interface {
	ClearBlacklist()
}

// New builds the adapter variant matching the configured transport. The
// configuration must already have passed config.Validate.
func New(cfg *config.ServerConfig, logger *slog.Logger) (Adapter, error) {
	if cfg == nil {
		return nil, fmt.Errorf("adapter: nil config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Transport {
	case config.TransportStdio:
		return newStdioAdapter(cfg, logger), nil
	case config.TransportSSE:
		return newSSEAdapter(cfg, logger), nil
	case config.TransportStreamableHTTP:
		return newStreamableAdapter(cfg, logger), nil
	default:
		return nil, fmt.Errorf("adapter: unsupported transport %q for %q", cfg.Transport, cfg.Name)
	}
}
