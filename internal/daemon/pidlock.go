package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/toolgate/toolgate/internal/ipc"
)

// LockInfo fingerprints a running daemon. The generation token guards against
// PID reuse after a crash: a bare PID probe can hit an unrelated process, so
// liveness checks pair the signal probe with a generation match over IPC.
type LockInfo struct {
	PID        int       `json:"pid"`
	Generation string    `json:"generation"`
	StartedAt  time.Time `json:"startedAt"`
}

// NewLockInfo fingerprints the current process.
func NewLockInfo() LockInfo {
	return LockInfo{
		PID:        os.Getpid(),
		Generation: uuid.NewString(),
		StartedAt:  time.Now().UTC(),
	}
}

// WriteLock persists the lock file, creating parent directories as needed.
func WriteLock(path string, info LockInfo) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("daemon: create lock dir: %w", err)
	}
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("daemon: encode lock: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("daemon: write lock %s: %w", path, err)
	}
	return nil
}

// ReadLock loads the lock file. A missing file returns os.ErrNotExist.
func ReadLock(path string) (*LockInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var info LockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("daemon: parse lock %s: %w", path, err)
	}
	return &info, nil
}

// RemoveLock deletes the lock file best-effort.
func RemoveLock(path string) {
	_ = os.Remove(path)
}

// Alive signal-probes the recorded PID. This alone cannot rule out PID reuse;
// callers confirm the generation over IPC before trusting it.
func (li *LockInfo) Alive() bool {
	if li == nil || li.PID <= 0 {
		return false
	}
	proc, err := os.FindProcess(li.PID)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// Probe reads the lock file and checks process liveness, deleting a stale or
// unreadable file. It returns the lock only when the process responds.
func Probe(path string) (*LockInfo, bool) {
	info, err := ReadLock(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			RemoveLock(path)
		}
		return nil, false
	}
	if !info.Alive() {
		RemoveLock(path)
		return nil, false
	}
	return info, true
}

// VerifyLock dials the daemon socket and matches the welcome's generation
// against the lock fingerprint. A signal probe alone false-positives when the
// PID was reused after a crash; only a generation match proves the lock's
// owner is the daemon that wrote it.
func VerifyLock(info *LockInfo, socketPath string, timeout time.Duration) bool {
	if info == nil {
		return false
	}
	client, err := ipc.Dial(socketPath)
	if err != nil {
		return false
	}
	defer client.Close()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := client.WaitReady(ctx); err != nil {
		return false
	}
	welcome := client.Welcome()
	return welcome != nil && welcome.Generation == info.Generation
}

// ProbeVerified is Probe followed by the generation handshake. A lock whose
// process answers the signal probe but not the fingerprint check is treated
// as stale and removed.
func ProbeVerified(pidPath, socketPath string, timeout time.Duration) (*LockInfo, bool) {
	info, ok := Probe(pidPath)
	if !ok {
		return nil, false
	}
	if !VerifyLock(info, socketPath, timeout) {
		RemoveLock(pidPath)
		return nil, false
	}
	return info, true
}

const (
	stopPollInterval = 250 * time.Millisecond
	stopPollAttempts = 20
)

// SignalStop terminates a running daemon: graceful SIGTERM first, bounded
// polling for exit, SIGKILL when the window elapses, then lock removal.
func SignalStop(pidPath string) error {
	info, ok := Probe(pidPath)
	if !ok {
		return fmt.Errorf("daemon: not running")
	}
	proc, err := os.FindProcess(info.PID)
	if err != nil {
		return fmt.Errorf("daemon: find process %d: %w", info.PID, err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("daemon: signal %d: %w", info.PID, err)
	}
	for range stopPollAttempts {
		time.Sleep(stopPollInterval)
		if !info.Alive() {
			RemoveLock(pidPath)
			return nil
		}
	}
	_ = proc.Signal(syscall.SIGKILL)
	RemoveLock(pidPath)
	return nil
}
