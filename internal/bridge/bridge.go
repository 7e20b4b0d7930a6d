// Package bridge is the short-lived client-facing side of the daemon split:
// one bridge process per client invocation, translating a line-oriented
// JSON-RPC stdio stream into IPC requests against the shared daemon, starting
// the daemon first when none is alive.
package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/toolgate/toolgate/internal/daemon"
	"github.com/toolgate/toolgate/internal/ipc"
	"github.com/toolgate/toolgate/internal/protocol"
)

// Options configure a bridge run.
type Options struct {
	SocketPath string
	PIDPath    string
	// SpawnCommand launches the daemon when the PID lock probe finds none;
	// typically the running binary with its serve subcommand.
	SpawnCommand []string
	// StartupWait bounds how long the bridge waits for a freshly spawned
	// daemon's socket to appear.
	StartupWait time.Duration
	Logger      *slog.Logger

	// Stdin/Stdout default to the process streams; tests substitute pipes.
	Stdin  io.Reader
	Stdout io.Writer
}

func (o *Options) withDefaults() Options {
	opts := *o
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.StartupWait <= 0 {
		opts.StartupWait = 5 * time.Second
	}
	if opts.Stdin == nil {
		opts.Stdin = os.Stdin
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	return opts
}

// Run ensures a daemon is available, opens the persistent IPC connection, and
// pumps stdin lines until EOF. Messages with an id are forwarded and their
// correlated responses written back as single output lines; notifications are
// swallowed; unparsable input yields a parse-error response when an id is
// recoverable.
func Run(ctx context.Context, opts Options) error {
	options := opts.withDefaults()

	if err := ensureDaemon(options); err != nil {
		return err
	}
	client, err := ipc.Dial(options.SocketPath)
	if err != nil {
		return fmt.Errorf("bridge: %w", err)
	}
	defer client.Close()

	readyCtx, cancel := context.WithTimeout(ctx, options.StartupWait)
	err = client.WaitReady(readyCtx)
	cancel()
	if err != nil {
		// Merely Connected is enough to attempt requests best-effort.
		options.Logger.Warn("daemon welcome not received, continuing best-effort", "error", err)
	}

	var outMu sync.Mutex
	writeLine := func(payload []byte) {
		outMu.Lock()
		defer outMu.Unlock()
		_, _ = options.Stdout.Write(append(payload, '\n'))
	}

	scanner := bufio.NewScanner(options.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := make([]byte, len(scanner.Bytes()))
		copy(line, scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		req, err := protocol.ParseRequest(line)
		if err != nil {
			if id := protocol.RecoverID(line); len(id) != 0 {
				resp := protocol.NewError(id, protocol.CodeParseError, "parse error", err.Error())
				out, _ := json.Marshal(resp)
				writeLine(out)
			}
			continue
		}
		if req.IsNotification() {
			continue
		}

		res, err := client.Do(ctx, ipc.TypeRequest, json.RawMessage(line))
		if err != nil {
			resp := protocol.NewError(req.ID, protocol.CodeInternalError, "daemon not connected", err.Error())
			out, _ := json.Marshal(resp)
			writeLine(out)
			continue
		}
		if len(res.Payload) > 0 {
			writeLine(res.Payload)
		}
	}
	return scanner.Err()
}

// ensureDaemon probes the PID lock, confirms the fingerprint over the socket,
// and spawns a detached daemon when no verified one is found, waiting briefly
// for its socket. A lock whose PID is alive but fails the generation handshake
// is a reuse artifact from a crash; it is removed and a fresh daemon started.
func ensureDaemon(opts Options) error {
	if _, running := daemon.ProbeVerified(opts.PIDPath, opts.SocketPath, opts.StartupWait); running {
		return nil
	}
	if len(opts.SpawnCommand) == 0 {
		return fmt.Errorf("bridge: no daemon running and no spawn command configured")
	}
	opts.Logger.Info("starting daemon", "command", opts.SpawnCommand[0])
	cmd := exec.Command(opts.SpawnCommand[0], opts.SpawnCommand[1:]...)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("bridge: spawn daemon: %w", err)
	}
	// Detach fully; the daemon outlives this bridge.
	_ = cmd.Process.Release()

	deadline := time.Now().Add(opts.StartupWait)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(opts.SocketPath); err == nil {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("bridge: daemon socket %s did not appear within %s", opts.SocketPath, opts.StartupWait)
}
