package router

import (
	"fmt"
	"strings"
)

// ToolNotFoundError reports an unresolvable public tool name. Known carries
// the currently routable names as a diagnostic payload for clients.
type ToolNotFoundError struct {
	Tool  string
	Known []string
}

func (e *ToolNotFoundError) Error() string {
	if len(e.Known) == 0 {
		return fmt.Sprintf("router: tool %q not found (no tools are currently available)", e.Tool)
	}
	return fmt.Sprintf("router: tool %q not found (known tools: %s)", e.Tool, strings.Join(e.Known, ", "))
}

// ServerNotConnectedError reports a call routed to a disconnected backend.
// The call is never attempted.
type ServerNotConnectedError struct {
	Server string
	Tool   string
}

func (e *ServerNotConnectedError) Error() string {
	return fmt.Sprintf("router: server %q for tool %q is not connected", e.Server, e.Tool)
}

// DuplicateServerError reports a second registration under an existing name.
type DuplicateServerError struct {
	Server string
}

func (e *DuplicateServerError) Error() string {
	return fmt.Sprintf("router: server %q is already registered", e.Server)
}
