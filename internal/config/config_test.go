package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "toolgate.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestValidateByTransport(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		cfg     ServerConfig
		wantErr bool
	}{
		{"stdio ok", ServerConfig{Name: "fs", Transport: TransportStdio, Command: "mcp-fs"}, false},
		{"stdio missing command", ServerConfig{Name: "fs", Transport: TransportStdio}, true},
		{"sse ok", ServerConfig{Name: "remote", Transport: TransportSSE, Endpoint: "https://example.com/sse"}, false},
		{"sse missing endpoint", ServerConfig{Name: "remote", Transport: TransportSSE}, true},
		{"http bad url", ServerConfig{Name: "remote", Transport: TransportStreamableHTTP, Endpoint: "::/nope"}, true},
		{"unknown transport", ServerConfig{Name: "x", Transport: "smoke-signal"}, true},
		{"missing name", ServerConfig{Transport: TransportStdio, Command: "mcp-fs"}, true},
		{"bad name", ServerConfig{Name: "has space", Transport: TransportStdio, Command: "mcp-fs"}, true},
		{"negative retries", ServerConfig{Name: "fs", Transport: TransportStdio, Command: "mcp-fs", Retries: -1}, true},
		{"negative timeout", ServerConfig{Name: "fs", Transport: TransportStdio, Command: "mcp-fs", Timeout: Duration(-time.Second)}, true},
		{"zero timeout means unset", ServerConfig{Name: "fs", Transport: TransportStdio, Command: "mcp-fs"}, false},
		{"bad env key", ServerConfig{Name: "fs", Transport: TransportStdio, Command: "mcp-fs", Env: map[string]string{"1BAD": "v"}}, true},
		{"long env value", ServerConfig{Name: "fs", Transport: TransportStdio, Command: "mcp-fs", Env: map[string]string{"OK": strings.Repeat("v", maxEnvValueLen+1)}}, true},
	}
	for _, tc := range cases {
		err := tc.cfg.Validate()
		if tc.wantErr && err == nil {
			t.Errorf("%s: expected error, got nil", tc.name)
		}
		if !tc.wantErr && err != nil {
			t.Errorf("%s: unexpected error %v", tc.name, err)
		}
	}
}

func TestToolsConfigAllows(t *testing.T) {
	t.Parallel()

	var nilPolicy *ToolsConfig
	if !nilPolicy.Allows("anything") {
		t.Error("nil policy must allow everything")
	}

	whitelist := &ToolsConfig{Mode: FilterWhitelist, Tools: map[string]bool{"read": true, "write": false}}
	if !whitelist.Allows("read") {
		t.Error("whitelisted tool denied")
	}
	if whitelist.Allows("write") {
		t.Error("explicitly disabled tool allowed")
	}
	if whitelist.Allows("delete") {
		t.Error("whitelist default must deny unlisted tools")
	}

	blacklist := &ToolsConfig{Mode: FilterBlacklist, Tools: map[string]bool{"rm": false}}
	if blacklist.Allows("rm") {
		t.Error("blacklisted tool allowed")
	}
	if !blacklist.Allows("ls") {
		t.Error("blacklist default must allow unlisted tools")
	}
}

func TestDurationYAMLForms(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
servers:
  - name: seconds
    transport: stdio
    command: run
    timeout: 45
  - name: duration
    transport: stdio
    command: run
    timeout: 2m30s
`)
	cfg, _, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := cfg.Servers[0].Timeout.Std(); got != 45*time.Second {
		t.Errorf("bare-number timeout = %v, want 45s", got)
	}
	if got := cfg.Servers[1].Timeout.Std(); got != 2*time.Minute+30*time.Second {
		t.Errorf("duration-string timeout = %v, want 2m30s", got)
	}
}

func TestLoadRejectsDuplicateNames(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
servers:
  - name: twin
    transport: stdio
    command: run
  - name: twin
    transport: stdio
    command: run
`)
	if _, _, err := Load(path); err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Fatalf("Load error = %v, want duplicate-name error", err)
	}
}

func TestLoadSurfacesWarningsWithoutFailing(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
servers:
  - name: api
    transport: stdio
    command: run
    env:
      API_TOKEN: changeme
      HOME_DIR: /tmp
`)
	cfg, warnings, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Servers) != 1 {
		t.Fatalf("got %d servers, want 1", len(cfg.Servers))
	}
	if len(warnings) == 0 {
		t.Fatal("placeholder credential produced no warnings")
	}
	joined := strings.Join(warnings, "\n")
	if !strings.Contains(joined, "API_TOKEN") {
		t.Errorf("warnings do not mention API_TOKEN: %q", joined)
	}
	if strings.Contains(joined, "HOME_DIR") {
		t.Errorf("non-sensitive env var warned about: %q", joined)
	}
}

func TestIsEnabledDefaultsOn(t *testing.T) {
	t.Parallel()

	sc := ServerConfig{Name: "s", Transport: TransportStdio, Command: "run"}
	if !sc.IsEnabled() {
		t.Error("server without enabled field must default to enabled")
	}
	off := false
	sc.Enabled = &off
	if sc.IsEnabled() {
		t.Error("explicitly disabled server reported enabled")
	}
}

func TestEffectiveTimeout(t *testing.T) {
	t.Parallel()

	sc := ServerConfig{Name: "s", Transport: TransportStdio, Command: "run"}
	if got := sc.EffectiveTimeout(); got != DefaultTimeout {
		t.Errorf("default timeout = %v, want %v", got, DefaultTimeout)
	}
	sc.Timeout = Duration(5 * time.Second)
	if got := sc.EffectiveTimeout(); got != 5*time.Second {
		t.Errorf("configured timeout = %v, want 5s", got)
	}
}
