package adapter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/toolgate/toolgate/internal/config"
)

const (
	clientName    = "toolgate"
	clientVersion = "1.0.0"

	// defaultCrashBudget applies when a server does not configure retries.
	defaultCrashBudget = 3
)

// transportBuilder produces a fresh transport for each connection attempt.
type transportBuilder func(ctx context.Context) (mcp.Transport, error)

// core implements the connection lifecycle shared by all transport variants:
// connect deduplication, session monitoring, crash accounting, and the
// blacklist that suppresses reconnection once the crash budget is spent.
type core struct {
	cfg    *config.ServerConfig
	logger *slog.Logger
	build  transportBuilder

	// onLost runs after an unexpected session loss that did not blacklist
	// the adapter. Variants use it to re-establish push channels.
	onLost func()

	mu          sync.Mutex
	status      Status
	session     *mcp.ClientSession
	connecting  bool
	connectCh   chan struct{}
	gen         int
	crashes     int
	lastCrash   time.Time
	blacklisted bool
	hooks       Hooks
}

func newCore(cfg *config.ServerConfig, logger *slog.Logger, build transportBuilder) *core {
	return &core{
		cfg:    cfg,
		logger: logger.With("server", cfg.Name),
		build:  build,
		status: StatusDisconnected,
	}
}

func (c *core) Name() string { return c.cfg.Name }

func (c *core) Config() *config.ServerConfig { return c.cfg }

func (c *core) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.blacklisted {
		return StatusBlacklisted
	}
	return c.status
}

func (c *core) SetHooks(hooks Hooks) {
	c.mu.Lock()
	c.hooks = hooks
	c.mu.Unlock()
}

func (c *core) crashBudget() int {
	if c.cfg.Retries > 0 {
		return c.cfg.Retries
	}
	return defaultCrashBudget
}

// Connect establishes the session, deduplicating concurrent attempts the same
// way repeated callers share a single in-flight dial.
func (c *core) Connect(ctx context.Context) error {
	for {
		c.mu.Lock()
		if c.blacklisted {
			c.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrBlacklisted, c.cfg.Name)
		}
		if c.session != nil {
			c.mu.Unlock()
			return nil
		}
		if c.connecting {
			ch := c.connectCh
			c.mu.Unlock()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ch:
				continue
			}
		}
		c.connecting = true
		c.connectCh = make(chan struct{})
		c.status = StatusConnecting
		c.mu.Unlock()
		break
	}

	session, err := c.dial(ctx)

	c.mu.Lock()
	c.connecting = false
	close(c.connectCh)
	if err != nil {
		c.status = StatusDisconnected
		c.recordCrashLocked()
		hooks := c.hooks
		c.mu.Unlock()
		c.logger.Warn("connect failed", "error", err)
		if hooks.Disconnected != nil {
			hooks.Disconnected(c.cfg.Name, err, true)
		}
		return err
	}
	c.session = session
	c.status = StatusConnected
	c.gen++
	gen := c.gen
	hooks := c.hooks
	c.mu.Unlock()

	go c.monitor(session, gen)
	if hooks.Connected != nil {
		hooks.Connected(c.cfg.Name)
	}
	return nil
}

func (c *core) dial(ctx context.Context) (*mcp.ClientSession, error) {
	transport, err := c.build(ctx)
	if err != nil {
		return nil, err
	}
	client := mcp.NewClient(&mcp.Implementation{Name: clientName, Version: clientVersion}, &mcp.ClientOptions{
		ToolListChangedHandler: func(context.Context, *mcp.ToolListChangedRequest) {
			c.mu.Lock()
			hooks := c.hooks
			c.mu.Unlock()
			if hooks.ToolsChanged != nil {
				hooks.ToolsChanged(c.cfg.Name)
			}
		},
	})
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.EffectiveTimeout())
	defer cancel()
	session, err := client.Connect(dialCtx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("adapter: connect %s: %w", c.cfg.Name, err)
	}
	return session, nil
}

// monitor waits for the session to end outside of a manual disconnect and
// surfaces the loss as a crash.
func (c *core) monitor(session *mcp.ClientSession, gen int) {
	err := session.Wait()
	c.mu.Lock()
	if gen != c.gen || c.session != session {
		// Superseded by a manual disconnect or a newer session.
		c.mu.Unlock()
		return
	}
	c.session = nil
	c.status = StatusDisconnected
	c.recordCrashLocked()
	blacklisted := c.blacklisted
	hooks := c.hooks
	onLost := c.onLost
	c.mu.Unlock()

	c.logger.Warn("session lost", "error", err, "blacklisted", blacklisted)
	if hooks.Disconnected != nil {
		hooks.Disconnected(c.cfg.Name, err, true)
	}
	if !blacklisted && onLost != nil {
		onLost()
	}
}

func (c *core) recordCrashLocked() {
	c.crashes++
	c.lastCrash = time.Now()
	if c.crashes >= c.crashBudget() {
		c.blacklisted = true
		c.status = StatusBlacklisted
	}
}

// Disconnect closes the session best-effort. It never fails; a context that
// expires before the close completes simply abandons the close in flight.
func (c *core) Disconnect(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	c.mu.Lock()
	session := c.session
	c.session = nil
	c.gen++
	if !c.blacklisted {
		c.status = StatusDisconnected
	}
	hooks := c.hooks
	c.mu.Unlock()
	if session == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		_ = session.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
	case <-done:
	}
	if hooks.Disconnected != nil {
		hooks.Disconnected(c.cfg.Name, nil, false)
	}
	return nil
}

func (c *core) currentSession() (*mcp.ClientSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, c.cfg.Name)
	}
	return c.session, nil
}

// Tools fetches the backend catalog. No caching happens here.
func (c *core) Tools(ctx context.Context) ([]*mcp.Tool, error) {
	session, err := c.currentSession()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.EffectiveTimeout())
	defer cancel()
	res, err := session.ListTools(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("adapter: list tools %s: %w", c.cfg.Name, err)
	}
	return res.Tools, nil
}

// CallTool invokes a tool by its backend-native name. Backend failures fold
// into an IsError result so one misbehaving tool never propagates a fault.
func (c *core) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	session, err := c.currentSession()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.EffectiveTimeout())
	defer cancel()
	res, err := session.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return &mcp.CallToolResult{
			IsError: true,
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("tool call failed on %s: %v", c.cfg.Name, err)}},
		}, nil
	}
	return res, nil
}

// SendRequest forwards handshake-type messages. Only the methods the gateway
// itself speaks are supported.
func (c *core) SendRequest(ctx context.Context, method string, params map[string]any) (any, error) {
	session, err := c.currentSession()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.EffectiveTimeout())
	defer cancel()
	switch method {
	case "ping":
		if err := session.Ping(ctx, nil); err != nil {
			return nil, fmt.Errorf("adapter: ping %s: %w", c.cfg.Name, err)
		}
		return map[string]any{}, nil
	case "tools/list":
		res, err := session.ListTools(ctx, nil)
		if err != nil {
			return nil, fmt.Errorf("adapter: list tools %s: %w", c.cfg.Name, err)
		}
		return res, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMethod, method)
	}
}

// Reconnect tears down and re-establishes the session. Blacklisted adapters
// stay down until the blacklist is cleared.
func (c *core) Reconnect(ctx context.Context) error {
	_ = c.Disconnect(ctx)
	return c.Connect(ctx)
}

func (c *core) CrashCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.crashes
}

func (c *core) LastCrash() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastCrash
}

func (c *core) ClearBlacklist() {
	c.mu.Lock()
	c.crashes = 0
	c.blacklisted = false
	if c.session == nil {
		c.status = StatusDisconnected
	}
	c.mu.Unlock()
}
