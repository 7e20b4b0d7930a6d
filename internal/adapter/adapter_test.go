package adapter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/toolgate/toolgate/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func stdioConfig(name string) *config.ServerConfig {
	return &config.ServerConfig{Name: name, Transport: config.TransportStdio, Command: "true"}
}

func TestNewDispatchesOnTransport(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		cfg  config.ServerConfig
	}{
		{"stdio", config.ServerConfig{Name: "a", Transport: config.TransportStdio, Command: "true"}},
		{"sse", config.ServerConfig{Name: "b", Transport: config.TransportSSE, Endpoint: "http://localhost:9/sse"}},
		{"streamable", config.ServerConfig{Name: "c", Transport: config.TransportStreamableHTTP, Endpoint: "http://localhost:9/mcp"}},
	}
	for _, tc := range cases {
		a, err := New(&tc.cfg, testLogger())
		if err != nil {
			t.Fatalf("New(%s): %v", tc.name, err)
		}
		if a.Name() != tc.cfg.Name {
			t.Errorf("Name() = %q, want %q", a.Name(), tc.cfg.Name)
		}
		if a.Status() != StatusDisconnected {
			t.Errorf("fresh adapter status = %q, want %q", a.Status(), StatusDisconnected)
		}
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	cases := []config.ServerConfig{
		{Name: "nocmd", Transport: config.TransportStdio},
		{Name: "noendpoint", Transport: config.TransportSSE},
		{Name: "badurl", Transport: config.TransportStreamableHTTP, Endpoint: "not a url"},
		{Name: "weird", Transport: "carrier-pigeon"},
	}
	for _, cfg := range cases {
		if _, err := New(&cfg, testLogger()); err == nil {
			t.Errorf("New(%s) accepted invalid config", cfg.Name)
		}
	}
}

func TestOperationsRequireConnection(t *testing.T) {
	t.Parallel()

	a, err := New(stdioConfig("offline"), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if _, err := a.Tools(ctx); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Tools error = %v, want ErrNotConnected", err)
	}
	if _, err := a.CallTool(ctx, "echo", nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("CallTool error = %v, want ErrNotConnected", err)
	}
	if _, err := a.SendRequest(ctx, "ping", nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SendRequest error = %v, want ErrNotConnected", err)
	}
	if err := a.Disconnect(ctx); err != nil {
		t.Errorf("Disconnect while disconnected: %v", err)
	}
}

func TestConnectFailuresExhaustCrashBudget(t *testing.T) {
	t.Parallel()

	cfg := stdioConfig("flaky")
	c := newCore(cfg, testLogger(), func(ctx context.Context) (mcp.Transport, error) {
		return nil, fmt.Errorf("dial refused")
	})

	var crashed int
	c.SetHooks(Hooks{
		Disconnected: func(server string, err error, wasCrash bool) {
			if wasCrash {
				crashed++
			}
		},
	})

	ctx := context.Background()
	for i := 0; i < defaultCrashBudget; i++ {
		if err := c.Connect(ctx); err == nil {
			t.Fatalf("Connect %d succeeded with a failing transport", i)
		}
	}
	if got := c.Status(); got != StatusBlacklisted {
		t.Fatalf("status after %d crashes = %q, want %q", defaultCrashBudget, got, StatusBlacklisted)
	}
	if crashed != defaultCrashBudget {
		t.Errorf("crash events = %d, want %d", crashed, defaultCrashBudget)
	}
	if c.CrashCount() != defaultCrashBudget {
		t.Errorf("CrashCount() = %d, want %d", c.CrashCount(), defaultCrashBudget)
	}
	if c.LastCrash().IsZero() {
		t.Error("LastCrash() is zero after crashes")
	}

	if err := c.Connect(ctx); !errors.Is(err, ErrBlacklisted) {
		t.Errorf("Connect while blacklisted = %v, want ErrBlacklisted", err)
	}
}

func TestClearBlacklistAllowsRetry(t *testing.T) {
	t.Parallel()

	c := newCore(stdioConfig("revived"), testLogger(), func(ctx context.Context) (mcp.Transport, error) {
		return nil, fmt.Errorf("dial refused")
	})
	ctx := context.Background()
	for i := 0; i < defaultCrashBudget; i++ {
		_ = c.Connect(ctx)
	}
	if c.Status() != StatusBlacklisted {
		t.Fatalf("status = %q, want blacklisted", c.Status())
	}

	c.ClearBlacklist()
	if c.Status() != StatusDisconnected {
		t.Fatalf("status after clear = %q, want %q", c.Status(), StatusDisconnected)
	}
	if c.CrashCount() != 0 {
		t.Errorf("CrashCount() after clear = %d, want 0", c.CrashCount())
	}
	if err := c.Connect(ctx); errors.Is(err, ErrBlacklisted) {
		t.Error("Connect after clear still reports blacklisted")
	}
}

func TestRetriesOverrideCrashBudget(t *testing.T) {
	t.Parallel()

	cfg := stdioConfig("strict")
	cfg.Retries = 1
	c := newCore(cfg, testLogger(), func(ctx context.Context) (mcp.Transport, error) {
		return nil, fmt.Errorf("dial refused")
	})
	_ = c.Connect(context.Background())
	if c.Status() != StatusBlacklisted {
		t.Fatalf("status after 1 crash with retries=1 = %q, want blacklisted", c.Status())
	}
}

func TestCapabilityInterfaces(t *testing.T) {
	t.Parallel()

	for _, cfg := range []*config.ServerConfig{
		stdioConfig("s"),
		{Name: "e", Transport: config.TransportSSE, Endpoint: "http://localhost:9/sse"},
		{Name: "h", Transport: config.TransportStreamableHTTP, Endpoint: "http://localhost:9/mcp"},
	} {
		a, err := New(cfg, testLogger())
		if err != nil {
			t.Fatal(err)
		}
		if _, ok := a.(Reconnector); !ok {
			t.Errorf("%s adapter does not implement Reconnector", cfg.Transport)
		}
		if _, ok := a.(CrashStats); !ok {
			t.Errorf("%s adapter does not implement CrashStats", cfg.Transport)
		}
		if _, ok := a.(BlacklistResetter); !ok {
			t.Errorf("%s adapter does not implement BlacklistResetter", cfg.Transport)
		}
	}
}
