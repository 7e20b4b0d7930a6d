package adapter

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/toolgate/toolgate/internal/config"
)

// stdioAdapter launches the backend as a child process and speaks
// newline-delimited JSON-RPC over its standard streams. Process exit is
// detected through the session monitor and counts against the crash budget.
type stdioAdapter struct {
	*core
}

var (
	_ Adapter           = (*stdioAdapter)(nil)
	_ Reconnector       = (*stdioAdapter)(nil)
	_ CrashStats        = (*stdioAdapter)(nil)
	_ BlacklistResetter = (*stdioAdapter)(nil)
)

func newStdioAdapter(cfg *config.ServerConfig, logger *slog.Logger) *stdioAdapter {
	a := &stdioAdapter{}
	a.core = newCore(cfg, logger, a.buildTransport)
	return a
}

func (a *stdioAdapter) buildTransport(ctx context.Context) (mcp.Transport, error) {
	cmd := exec.Command(a.cfg.Command, a.cfg.Args...)
	if a.cfg.Cwd != "" {
		cmd.Dir = a.cfg.Cwd
	}
	if len(a.cfg.Env) > 0 {
		env := os.Environ()
		for k, v := range a.cfg.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		cmd.Env = env
	}
	return &mcp.CommandTransport{Command: cmd}, nil
}
