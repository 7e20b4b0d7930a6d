package daemon

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/toolgate/toolgate/internal/ipc"
	"github.com/toolgate/toolgate/internal/protocol"
)

type testPaths struct {
	config string
	socket string
	pid    string
}

func writeTestConfig(t *testing.T, content string) testPaths {
	t.Helper()
	dir := t.TempDir()
	paths := testPaths{
		config: filepath.Join(dir, "toolgate.yaml"),
		socket: filepath.Join(dir, "toolgate.sock"),
		pid:    filepath.Join(dir, "toolgate.pid"),
	}
	if err := os.WriteFile(paths.config, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return paths
}

func startDaemon(t *testing.T, paths testPaths) (*Daemon, context.CancelFunc) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping daemon socket test in short mode")
	}
	d, err := New(Options{
		ConfigPath:     paths.config,
		SocketPath:     paths.socket,
		PIDPath:        paths.pid,
		Logger:         slog.New(slog.DiscardHandler),
		ConnectTimeout: time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("daemon did not stop")
		}
	})

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(paths.socket); err == nil {
			return d, cancel
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("daemon socket never appeared")
	return nil, nil
}

func dialDaemon(t *testing.T, socket string) *ipc.Client {
	t.Helper()
	client, err := ipc.Dial(socket)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { client.Close() })
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.WaitReady(ctx); err != nil {
		t.Fatal(err)
	}
	return client
}

const emptyConfig = "servers: []\n"

func TestWelcomeEchoesGeneration(t *testing.T) {
	t.Parallel()

	paths := writeTestConfig(t, emptyConfig)
	d, _ := startDaemon(t, paths)
	client := dialDaemon(t, paths.socket)

	welcome := client.Welcome()
	if welcome.Generation != d.Generation() {
		t.Fatalf("welcome generation %q, lock generation %q", welcome.Generation, d.Generation())
	}
	if welcome.PID != os.Getpid() {
		t.Fatalf("welcome pid %d, want %d", welcome.PID, os.Getpid())
	}

	info, err := ReadLock(paths.pid)
	if err != nil {
		t.Fatal(err)
	}
	if info.Generation != d.Generation() {
		t.Fatal("lock file generation does not match the daemon")
	}
}

func TestProbeVerifiedAcceptsMatchingGeneration(t *testing.T) {
	t.Parallel()

	paths := writeTestConfig(t, emptyConfig)
	d, _ := startDaemon(t, paths)

	info, running := ProbeVerified(paths.pid, paths.socket, 3*time.Second)
	if !running {
		t.Fatal("verified probe missed a live daemon")
	}
	if info.Generation != d.Generation() {
		t.Fatalf("probe generation %q, daemon generation %q", info.Generation, d.Generation())
	}
}

// A lock pointing at a live PID that is not a daemon (PID reuse after a
// crash) must be treated as stale, not as a running daemon.
func TestProbeVerifiedRejectsReusedPID(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	pid := filepath.Join(dir, "toolgate.pid")
	socket := filepath.Join(dir, "toolgate.sock")

	// The test process itself answers the signal probe, but nothing serves
	// the socket.
	if err := WriteLock(pid, NewLockInfo()); err != nil {
		t.Fatal(err)
	}
	if _, running := ProbeVerified(pid, socket, time.Second); running {
		t.Fatal("verified probe trusted a lock with no daemon behind it")
	}
	if _, err := os.Stat(pid); !os.IsNotExist(err) {
		t.Fatal("unverifiable lock file was not removed")
	}
}

func TestProbeVerifiedRejectsGenerationMismatch(t *testing.T) {
	t.Parallel()

	paths := writeTestConfig(t, emptyConfig)
	startDaemon(t, paths)

	// Overwrite the lock with the daemon's PID but a foreign generation, as a
	// crashed predecessor's lock would look after PID reuse.
	stale := NewLockInfo()
	stale.Generation = "someone-else"
	if err := WriteLock(paths.pid, stale); err != nil {
		t.Fatal(err)
	}

	if _, running := ProbeVerified(paths.pid, paths.socket, 3*time.Second); running {
		t.Fatal("verified probe accepted a mismatched generation")
	}
	if _, err := os.Stat(paths.pid); !os.IsNotExist(err) {
		t.Fatal("mismatched lock file was not removed")
	}
}

func TestSecondDaemonRefusesToStart(t *testing.T) {
	t.Parallel()

	paths := writeTestConfig(t, emptyConfig)
	startDaemon(t, paths)

	second, err := New(Options{
		ConfigPath: paths.config,
		SocketPath: paths.socket,
		PIDPath:    paths.pid,
		Logger:     slog.New(slog.DiscardHandler),
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := second.Run(ctx); err == nil {
		t.Fatal("second daemon started over a live lock")
	}
}

func TestRequestRoundTrip(t *testing.T) {
	t.Parallel()

	paths := writeTestConfig(t, emptyConfig)
	startDaemon(t, paths)
	client := dialDaemon(t, paths.socket)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	res, err := client.Do(ctx, ipc.TypeRequest, json.RawMessage(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
	if err != nil {
		t.Fatal(err)
	}
	var resp protocol.Response
	if err := json.Unmarshal(res.Payload, &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Error != nil {
		t.Fatalf("tools/list error: %+v", resp.Error)
	}
	if string(resp.ID) != "1" {
		t.Fatalf("response id = %s", resp.ID)
	}
}

func TestParseErrorStillAnswered(t *testing.T) {
	t.Parallel()

	paths := writeTestConfig(t, emptyConfig)
	startDaemon(t, paths)
	client := dialDaemon(t, paths.socket)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	res, err := client.Do(ctx, ipc.TypeRequest, json.RawMessage(`{"id":9,"method":123}`))
	if err != nil {
		t.Fatal(err)
	}
	var resp protocol.Response
	if err := json.Unmarshal(res.Payload, &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Error == nil || resp.Error.Code != protocol.CodeParseError {
		t.Fatalf("resp = %+v, want parse error", resp)
	}
	if string(resp.ID) != "9" {
		t.Fatalf("parse error lost the recovered id: %s", resp.ID)
	}
}

func TestStatusRequest(t *testing.T) {
	t.Parallel()

	paths := writeTestConfig(t, `
servers:
  - name: ghost
    transport: stdio
    command: definitely-not-a-real-binary
    enabled: false
  - name: listed
    transport: stdio
    command: also-not-real
`)
	startDaemon(t, paths)
	client := dialDaemon(t, paths.socket)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	res, err := client.Do(ctx, ipc.TypeStatus, nil)
	if err != nil {
		t.Fatal(err)
	}
	var status ipc.StatusResult
	if err := json.Unmarshal(res.Payload, &status); err != nil {
		t.Fatal(err)
	}
	if status.PID != os.Getpid() {
		t.Errorf("status pid = %d", status.PID)
	}
	if len(status.Servers) != 1 || status.Servers[0].Server != "listed" {
		t.Fatalf("status servers = %+v, want only the enabled one", status.Servers)
	}
}

func TestReloadReconcilesServers(t *testing.T) {
	t.Parallel()

	paths := writeTestConfig(t, `
servers:
  - name: keep
    transport: stdio
    command: not-real
  - name: drop
    transport: stdio
    command: not-real
`)
	d, _ := startDaemon(t, paths)
	client := dialDaemon(t, paths.socket)

	next := `
servers:
  - name: keep
    transport: stdio
    command: not-real
  - name: fresh
    transport: stdio
    command: not-real
`
	if err := os.WriteFile(paths.config, []byte(next), 0o644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	res, err := client.Do(ctx, ipc.TypeReload, nil)
	if err != nil {
		t.Fatal(err)
	}
	var result ipc.ReloadResult
	if err := json.Unmarshal(res.Payload, &result); err != nil {
		t.Fatal(err)
	}
	if len(result.Added) != 1 || result.Added[0] != "fresh" {
		t.Errorf("added = %v, want [fresh]", result.Added)
	}
	if len(result.Removed) != 1 || result.Removed[0] != "drop" {
		t.Errorf("removed = %v, want [drop]", result.Removed)
	}
	if len(result.Unchanged) != 1 || result.Unchanged[0] != "keep" {
		t.Errorf("unchanged = %v, want [keep]", result.Unchanged)
	}

	servers := d.Router().Servers()
	if len(servers) != 2 || servers[0] != "fresh" || servers[1] != "keep" {
		t.Fatalf("routers servers after reload = %v", servers)
	}
}

func TestStopRequestShutsDaemonDown(t *testing.T) {
	t.Parallel()

	paths := writeTestConfig(t, emptyConfig)
	startDaemon(t, paths)
	client := dialDaemon(t, paths.socket)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	res, err := client.Do(ctx, ipc.TypeStop, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Payload) == 0 {
		t.Fatal("stop produced no acknowledgement")
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(paths.socket); os.IsNotExist(err) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("socket still present after stop")
}
