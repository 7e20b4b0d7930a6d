package adapter

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/toolgate/toolgate/internal/config"
)

// sessionHeaderName mirrors the MCP session-continuity header used by
// streamable HTTP servers.
const sessionHeaderName = "Mcp-Session-Id"

// sseAdapter holds a persistent HTTP connection plus a server-push channel.
// Lost push channels are re-established on a backoff schedule seeded from the
// configured reconnect interval. Kept for compatibility with older backends;
// streamable HTTP supersedes it.
type sseAdapter struct {
	*core

	// reconnectMu serializes reconnect loops so a second session loss never
	// races an in-flight backoff schedule.
	reconnectMu sync.Mutex
}

var (
	_ Adapter           = (*sseAdapter)(nil)
	_ Reconnector       = (*sseAdapter)(nil)
	_ CrashStats        = (*sseAdapter)(nil)
	_ BlacklistResetter = (*sseAdapter)(nil)
)

func newSSEAdapter(cfg *config.ServerConfig, logger *slog.Logger) *sseAdapter {
	a := &sseAdapter{}
	a.core = newCore(cfg, logger, a.buildTransport)
	a.core.onLost = a.scheduleReconnect
	return a
}

func (a *sseAdapter) buildTransport(ctx context.Context) (mcp.Transport, error) {
	return &mcp.SSEClientTransport{
		Endpoint:   a.cfg.Endpoint,
		HTTPClient: decorateHTTPClient(nil, a.cfg.Headers, nil),
	}, nil
}

// scheduleReconnect re-dials the push channel after an unexpected drop. Each
// attempt waits out the next backoff interval; the loop ends on success or
// once the crash budget blacklists the adapter.
func (a *sseAdapter) scheduleReconnect() {
	go func() {
		a.reconnectMu.Lock()
		defer a.reconnectMu.Unlock()

		bo := backoff.NewExponentialBackOff()
		if interval := a.cfg.ReconnectInterval.Std(); interval > 0 {
			bo.InitialInterval = interval
		}
		bo.MaxInterval = time.Minute
		for {
			time.Sleep(bo.NextBackOff())
			if a.Status() == StatusBlacklisted {
				return
			}
			if err := a.Connect(context.Background()); err == nil {
				return
			}
		}
	}()
}

// streamableAdapter issues request/response calls over HTTP POST, streaming
// long-running results when the backend supports it. The backend's session
// token is mirrored onto every outbound request.
type streamableAdapter struct {
	*core
	tracker *sessionTracker
}

var (
	_ Adapter           = (*streamableAdapter)(nil)
	_ Reconnector       = (*streamableAdapter)(nil)
	_ CrashStats        = (*streamableAdapter)(nil)
	_ BlacklistResetter = (*streamableAdapter)(nil)
)

func newStreamableAdapter(cfg *config.ServerConfig, logger *slog.Logger) *streamableAdapter {
	a := &streamableAdapter{tracker: &sessionTracker{}}
	a.core = newCore(cfg, logger, a.buildTransport)
	return a
}

func (a *streamableAdapter) buildTransport(ctx context.Context) (mcp.Transport, error) {
	return &mcp.StreamableClientTransport{
		Endpoint:   a.cfg.Endpoint,
		HTTPClient: decorateHTTPClient(nil, a.cfg.Headers, a.tracker),
		MaxRetries: a.cfg.Retries,
	}, nil
}

func (a *streamableAdapter) Connect(ctx context.Context) error {
	if err := a.core.Connect(ctx); err != nil {
		return err
	}
	if session, err := a.currentSession(); err == nil {
		a.tracker.Set(session.ID())
	}
	return nil
}

// sessionTracker mirrors the backend-negotiated session id so subsequent
// requests resume the same backend session.
type sessionTracker struct {
	mu    sync.RWMutex
	value string
}

func (s *sessionTracker) Set(value string) {
	s.mu.Lock()
	s.value = value
	s.mu.Unlock()
}

func (s *sessionTracker) Value() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.value
}

// decorateHTTPClient clones the base client and injects the configured static
// headers plus the mirrored session id into every request.
func decorateHTTPClient(base *http.Client, headers map[string]string, tracker *sessionTracker) *http.Client {
	if base == nil {
		base = http.DefaultClient
	}
	clone := *base
	clone.Transport = &headerDecorator{
		next:    defaultRoundTripper(base.Transport),
		headers: headers,
		tracker: tracker,
	}
	return &clone
}

type headerDecorator struct {
	next    http.RoundTripper
	headers map[string]string
	tracker *sessionTracker
}

func (d *headerDecorator) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	for k, v := range d.headers {
		req.Header.Set(k, v)
	}
	if d.tracker != nil {
		if id := d.tracker.Value(); id != "" {
			req.Header.Set(sessionHeaderName, id)
		}
	}
	return d.next.RoundTrip(req)
}

func defaultRoundTripper(next http.RoundTripper) http.RoundTripper {
	if next != nil {
		return next
	}
	return http.DefaultTransport
}
