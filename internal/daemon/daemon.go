// Package daemon hosts the long-lived gateway process: one router and
// protocol handler pair shared over a local IPC socket, so many short-lived
// client processes reuse a single pool of backend connections. The daemon
// fingerprints itself through a PID lock file and answers lifecycle control
// (status, reload, stop) over the same socket it serves requests on.
package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"reflect"
	"sync"
	"time"

	"github.com/toolgate/toolgate/internal/adapter"
	"github.com/toolgate/toolgate/internal/config"
	"github.com/toolgate/toolgate/internal/ipc"
	"github.com/toolgate/toolgate/internal/protocol"
	"github.com/toolgate/toolgate/internal/router"
)

const daemonVersion = "1.0.0"

// Options configure a Daemon.
type Options struct {
	ConfigPath string
	SocketPath string
	PIDPath    string
	// DashboardAddr optionally serves the health document over HTTP.
	DashboardAddr string
	Logger        *slog.Logger

	ConnectTimeout time.Duration
	MaxConcurrent  int
}

func (o *Options) withDefaults() Options {
	opts := *o
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 30 * time.Second
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 4
	}
	return opts
}

// Daemon owns the router, the IPC listener, and the PID lock.
type Daemon struct {
	opts    Options
	logger  *slog.Logger
	router  *router.Router
	handler *protocol.Handler

	lock      LockInfo
	startedAt time.Time

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]*connWriter
	servers  map[string]config.ServerConfig

	stopOnce sync.Once
	stopCh   chan struct{}
}

type connWriter struct {
	mu   sync.Mutex
	conn net.Conn
}

func (w *connWriter) send(msg *ipc.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err = w.conn.Write(append(data, '\n'))
	return err
}

// New loads the configuration, builds the adapter set, and wires the router
// and protocol handler. Config hygiene warnings are logged, never fatal.
func New(opts Options) (*Daemon, error) {
	options := opts.withDefaults()
	d := &Daemon{
		opts:    options,
		logger:  options.Logger,
		lock:    NewLockInfo(),
		stopCh:  make(chan struct{}),
		conns:   make(map[net.Conn]*connWriter),
		servers: make(map[string]config.ServerConfig),
	}

	d.router = router.New(&router.Options{Logger: options.Logger})
	d.handler = protocol.NewHandler(d.router, options.Logger)
	d.router.SetHooks(router.Hooks{
		RoutesUpdated: func() {
			d.broadcast(&ipc.Message{Type: ipc.TypeRoutesUpdated})
		},
		ServerStarted: func(server string) {
			payload, _ := json.Marshal(ipc.ServerStartedEvent{Server: server})
			d.broadcast(&ipc.Message{Type: ipc.TypeServerStarted, Payload: payload})
		},
		CallCompleted: func(server, tool string, elapsed time.Duration) {
			d.logger.Info("tool call completed", "server", server, "tool", tool, "elapsed", elapsed)
		},
		CallFailed: func(server, tool string, elapsed time.Duration, err error) {
			d.logger.Warn("tool call failed", "server", server, "tool", tool, "elapsed", elapsed, "error", err)
		},
	})

	cfg, warnings, err := config.Load(options.ConfigPath)
	if err != nil {
		return nil, err
	}
	for _, warning := range warnings {
		d.logger.Warn("config warning", "detail", warning)
	}
	for _, sc := range cfg.Servers {
		if !sc.IsEnabled() {
			continue
		}
		sc := sc
		a, err := adapter.New(&sc, d.logger)
		if err != nil {
			// Config errors are reported at load time but never crash the
			// daemon for the sake of one backend.
			d.logger.Error("skipping misconfigured server", "server", sc.Name, "error", err)
			continue
		}
		if err := d.router.AddAdapter(a); err != nil {
			d.logger.Error("skipping duplicate server", "server", sc.Name, "error", err)
			continue
		}
		d.servers[sc.Name] = sc
	}
	return d, nil
}

// Router exposes the daemon's router, mainly for the dashboard and tests.
func (d *Daemon) Router() *router.Router { return d.router }

// Generation returns the daemon's lock fingerprint.
func (d *Daemon) Generation() string { return d.lock.Generation }

// Run binds the IPC socket, writes the PID lock, connects the backends, and
// serves until the context is cancelled or a stop request arrives.
func (d *Daemon) Run(ctx context.Context) error {
	if _, running := ProbeVerified(d.opts.PIDPath, d.opts.SocketPath, 2*time.Second); running {
		return fmt.Errorf("daemon: already running (lock %s)", d.opts.PIDPath)
	}
	_ = os.Remove(d.opts.SocketPath)
	listener, err := net.Listen("unix", d.opts.SocketPath)
	if err != nil {
		return fmt.Errorf("daemon: listen %s: %w", d.opts.SocketPath, err)
	}
	d.mu.Lock()
	d.listener = listener
	d.mu.Unlock()
	if err := WriteLock(d.opts.PIDPath, d.lock); err != nil {
		listener.Close()
		return err
	}
	d.startedAt = time.Now()
	defer d.cleanup()

	go func() {
		summary := d.router.ConnectAll(ctx, d.opts.ConnectTimeout, d.opts.MaxConcurrent)
		d.logger.Info("backend connect pass finished",
			"attempted", summary.Attempted, "succeeded", summary.Succeeded, "failed", summary.Failed)
	}()
	if d.opts.DashboardAddr != "" {
		go d.serveDashboard(ctx)
	}

	go func() {
		select {
		case <-ctx.Done():
		case <-d.stopCh:
		}
		listener.Close()
	}()

	d.logger.Info("daemon listening", "socket", d.opts.SocketPath, "pid", d.lock.PID)
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			case <-d.stopCh:
				return nil
			default:
				if errors.Is(err, net.ErrClosed) {
					return nil
				}
				d.logger.Warn("accept failed", "error", err)
				continue
			}
		}
		go d.handleConn(ctx, conn)
	}
}

// Stop requests a graceful shutdown.
func (d *Daemon) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
}

func (d *Daemon) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, name := range d.router.Servers() {
		if a, ok := d.router.Adapter(name); ok {
			_ = a.Disconnect(ctx)
		}
	}
	_ = os.Remove(d.opts.SocketPath)
	RemoveLock(d.opts.PIDPath)
}

// handleConn serves one client. Requests on a single connection are handled
// one at a time; independent connections proceed concurrently.
func (d *Daemon) handleConn(ctx context.Context, conn net.Conn) {
	writer := &connWriter{conn: conn}
	d.mu.Lock()
	d.conns[conn] = writer
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.conns, conn)
		d.mu.Unlock()
		conn.Close()
	}()

	welcome, _ := json.Marshal(ipc.Welcome{Version: daemonVersion, PID: d.lock.PID, Generation: d.lock.Generation})
	if err := writer.send(&ipc.Message{Type: ipc.TypeWelcome, Payload: welcome}); err != nil {
		return
	}

	scanner := newLineScanner(conn)
	for scanner.Scan() {
		var msg ipc.Message
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			d.logger.Warn("dropping unparsable IPC message", "error", err)
			continue
		}
		if stop := d.dispatch(ctx, writer, &msg); stop {
			return
		}
	}
}

func (d *Daemon) dispatch(ctx context.Context, writer *connWriter, msg *ipc.Message) (stop bool) {
	reply := ipc.Message{Type: ipc.TypeResponse, Seq: msg.Seq}
	switch msg.Type {
	case ipc.TypeRequest:
		reply.Payload = d.handleRequest(ctx, msg.Payload)
		if reply.Payload == nil {
			// Notification: consumed, nothing to send back.
			return false
		}
	case ipc.TypeStatus:
		status := ipc.StatusResult{
			PID:       d.lock.PID,
			StartedAt: d.startedAt,
			Servers:   d.router.HealthReport(),
			Routes:    len(d.router.Routes()),
		}
		reply.Payload, _ = json.Marshal(status)
	case ipc.TypeReload:
		result, err := d.Reload(ctx)
		if err != nil {
			reply.Error = err.Error()
		} else {
			reply.Payload, _ = json.Marshal(result)
		}
	case ipc.TypeStop:
		reply.Payload = json.RawMessage(`{"stopping":true}`)
		_ = writer.send(&reply)
		d.Stop()
		return true
	default:
		reply.Error = fmt.Sprintf("unknown message type %q", msg.Type)
	}
	if err := writer.send(&reply); err != nil {
		d.logger.Warn("IPC reply failed", "error", err)
	}
	return false
}

// handleRequest runs one JSON-RPC message through the protocol handler and
// returns the encoded response, or nil for notifications.
func (d *Daemon) handleRequest(ctx context.Context, raw json.RawMessage) json.RawMessage {
	req, err := protocol.ParseRequest(raw)
	if err != nil {
		resp := protocol.NewError(protocol.RecoverID(raw), protocol.CodeParseError, "parse error", err.Error())
		out, _ := json.Marshal(resp)
		return out
	}
	resp := d.handler.Handle(ctx, req)
	if resp == nil {
		return nil
	}
	out, _ := json.Marshal(resp)
	return out
}

// Reload re-reads the configuration and reconciles the adapter set: new
// servers are added and connected, deleted or disabled ones removed, and
// unchanged ones left connected.
func (d *Daemon) Reload(ctx context.Context) (*ipc.ReloadResult, error) {
	cfg, warnings, err := config.Load(d.opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	for _, warning := range warnings {
		d.logger.Warn("config warning", "detail", warning)
	}

	desired := make(map[string]config.ServerConfig)
	for _, sc := range cfg.Servers {
		if sc.IsEnabled() {
			desired[sc.Name] = sc
		}
	}

	result := &ipc.ReloadResult{}
	d.mu.Lock()
	current := make(map[string]config.ServerConfig, len(d.servers))
	for name, sc := range d.servers {
		current[name] = sc
	}
	d.mu.Unlock()

	for name, sc := range current {
		next, keep := desired[name]
		if keep && reflect.DeepEqual(sc, next) {
			result.Unchanged = append(result.Unchanged, name)
			continue
		}
		d.router.RemoveAdapter(name)
		d.mu.Lock()
		delete(d.servers, name)
		d.mu.Unlock()
		if !keep {
			result.Removed = append(result.Removed, name)
		}
	}
	for name, sc := range desired {
		if prev, ok := current[name]; ok && reflect.DeepEqual(prev, sc) {
			continue
		}
		sc := sc
		a, err := adapter.New(&sc, d.logger)
		if err != nil {
			d.logger.Error("skipping misconfigured server", "server", name, "error", err)
			continue
		}
		if err := d.router.AddAdapter(a); err != nil {
			d.logger.Error("skipping duplicate server", "server", name, "error", err)
			continue
		}
		d.mu.Lock()
		d.servers[name] = sc
		d.mu.Unlock()
		result.Added = append(result.Added, name)
		go func(a adapter.Adapter) {
			connectCtx, cancel := context.WithTimeout(ctx, d.opts.ConnectTimeout)
			defer cancel()
			if err := a.Connect(connectCtx); err != nil {
				d.logger.Warn("connect after reload failed", "server", a.Name(), "error", err)
			}
		}(a)
	}
	return result, nil
}

// newLineScanner sizes the scanner for large tool results.
func newLineScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	return scanner
}

func (d *Daemon) broadcast(msg *ipc.Message) {
	d.mu.Lock()
	writers := make([]*connWriter, 0, len(d.conns))
	for _, w := range d.conns {
		writers = append(writers, w)
	}
	d.mu.Unlock()
	for _, w := range writers {
		_ = w.send(msg)
	}
}

// serveDashboard exposes the health document over HTTP. The full dashboard
// UI lives elsewhere; the daemon only serves the JSON surface.
func (d *Daemon) serveDashboard(ctx context.Context) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":    "ok",
			"service":   "toolgate",
			"version":   daemonVersion,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"servers":   d.router.HealthReport(),
		})
	})
	srv := &http.Server{Addr: d.opts.DashboardAddr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		d.logger.Warn("dashboard server stopped", "error", err)
	}
}
