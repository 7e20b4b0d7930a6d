// Package config defines the backend server configuration schema consumed by
// the gateway core: transport selection, launch/endpoint settings, per-tool
// enablement policy, and daemon-level settings sourced from the environment.
// Validation is split in two tiers: hard errors that block construction of an
// adapter, and non-fatal hygiene warnings (for example suspicious env vars)
// that are surfaced to the operator but never reject a server.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Transport identifies how the gateway reaches a backend server.
type Transport string

const (
	// TransportStdio spawns the server as a child process and speaks
	// newline-delimited JSON-RPC over its standard streams.
	TransportStdio Transport = "stdio"
	// TransportSSE keeps a persistent HTTP connection plus an SSE push
	// channel. Kept for compatibility with older servers; superseded by
	// TransportStreamableHTTP.
	TransportSSE Transport = "sse"
	// TransportStreamableHTTP issues request/response calls over HTTP POST,
	// optionally streaming long-running results.
	TransportStreamableHTTP Transport = "streamable-http"
)

// FilterMode selects how a server's tool list is filtered before publication.
type FilterMode string

const (
	FilterAll       FilterMode = "all"
	FilterWhitelist FilterMode = "whitelist"
	FilterBlacklist FilterMode = "blacklist"
)

// ToolsConfig is the per-server tool enablement policy. Tools carries
// per-tool overrides; a tool absent from the map falls back to the mode's
// default (disabled under whitelist, enabled otherwise).
type ToolsConfig struct {
	Mode  FilterMode      `yaml:"mode" json:"mode"`
	Tools map[string]bool `yaml:"tools,omitempty" json:"tools,omitempty"`
}

// Allows reports whether the policy publishes the named tool. A nil policy
// allows everything.
func (tc *ToolsConfig) Allows(tool string) bool {
	if tc == nil {
		return true
	}
	if v, ok := tc.Tools[tool]; ok {
		return v
	}
	return tc.Mode != FilterWhitelist
}

// Duration wraps time.Duration so yaml values may be written either as a Go
// duration string ("30s") or a bare number of seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if secs, err := strconv.Atoi(node.Value); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	parsed, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", node.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// ServerConfig describes one backend server.
type ServerConfig struct {
	Name      string    `yaml:"name" json:"name"`
	Enabled   *bool     `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Transport Transport `yaml:"transport" json:"transport"`

	// Stdio transport.
	Command string            `yaml:"command,omitempty" json:"command,omitempty"`
	Args    []string          `yaml:"args,omitempty" json:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Cwd     string            `yaml:"cwd,omitempty" json:"cwd,omitempty"`

	// HTTP transports.
	Endpoint string            `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	Headers  map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`

	Timeout           Duration     `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Retries           int          `yaml:"retries,omitempty" json:"retries,omitempty"`
	ReconnectInterval Duration     `yaml:"reconnectInterval,omitempty" json:"reconnectInterval,omitempty"`
	ToolsConfig       *ToolsConfig `yaml:"toolsConfig,omitempty" json:"toolsConfig,omitempty"`
}

// IsEnabled reports whether the server should be started; servers are
// enabled unless explicitly switched off.
func (sc *ServerConfig) IsEnabled() bool {
	return sc.Enabled == nil || *sc.Enabled
}

// EffectiveTimeout applies the default when no timeout was configured.
func (sc *ServerConfig) EffectiveTimeout() time.Duration {
	if sc.Timeout.Std() > 0 {
		return sc.Timeout.Std()
	}
	return DefaultTimeout
}

const (
	// DefaultTimeout bounds connect and per-call latency when a server does
	// not configure its own.
	DefaultTimeout = 30 * time.Second

	maxEnvKeyLen   = 255
	maxEnvValueLen = 10000
)

var envKeyPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Validate checks the hard invariants for a server entry. A failure here is a
// configuration error and must prevent adapter construction.
func (sc *ServerConfig) Validate() error {
	if sc.Name == "" {
		return fmt.Errorf("config: server name is required")
	}
	if err := ValidateServerName(sc.Name); err != nil {
		return err
	}
	switch sc.Transport {
	case TransportStdio:
		if sc.Command == "" {
			return fmt.Errorf("config: server %q: stdio transport requires a command", sc.Name)
		}
	case TransportSSE, TransportStreamableHTTP:
		if sc.Endpoint == "" {
			return fmt.Errorf("config: server %q: %s transport requires an endpoint", sc.Name, sc.Transport)
		}
		u, err := url.Parse(sc.Endpoint)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("config: server %q: endpoint %q is not a valid URL", sc.Name, sc.Endpoint)
		}
	default:
		return fmt.Errorf("config: server %q: unsupported transport %q", sc.Name, sc.Transport)
	}
	// A zero timeout means unset; EffectiveTimeout substitutes the default.
	if sc.Timeout.Std() < 0 {
		return fmt.Errorf("config: server %q: timeout must not be negative", sc.Name)
	}
	if sc.Retries < 0 {
		return fmt.Errorf("config: server %q: retries must not be negative", sc.Name)
	}
	for key, value := range sc.Env {
		if !envKeyPattern.MatchString(key) {
			return fmt.Errorf("config: server %q: invalid env key %q", sc.Name, key)
		}
		if len(key) > maxEnvKeyLen {
			return fmt.Errorf("config: server %q: env key %q exceeds %d characters", sc.Name, key, maxEnvKeyLen)
		}
		if len(value) > maxEnvValueLen {
			return fmt.Errorf("config: server %q: env value for %q exceeds %d characters", sc.Name, key, maxEnvValueLen)
		}
	}
	return nil
}

var sensitiveKeywords = []string{
	"password", "passwd", "token", "secret", "key", "credential", "auth", "cert",
}

var placeholderMarkers = []string{
	"changeme", "change-me", "placeholder", "example", "your-", "your_", "xxx", "todo", "<", ">",
}

// Warnings returns non-fatal hygiene findings for the server entry. These
// never block construction; callers log them and move on.
func (sc *ServerConfig) Warnings() []string {
	var warnings []string
	for key, value := range sc.Env {
		if !looksSensitive(key) {
			continue
		}
		warnings = append(warnings, fmt.Sprintf("server %q: env %q appears to hold a sensitive value", sc.Name, key))
		if looksPlaceholder(value) {
			warnings = append(warnings, fmt.Sprintf("server %q: env %q looks like a placeholder value", sc.Name, key))
		} else if len(value) < 8 {
			warnings = append(warnings, fmt.Sprintf("server %q: env %q value is implausibly short for a credential", sc.Name, key))
		}
	}
	return warnings
}

func looksSensitive(key string) bool {
	lower := strings.ToLower(key)
	for _, kw := range sensitiveKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func looksPlaceholder(value string) bool {
	if value == "" {
		return true
	}
	lower := strings.ToLower(value)
	for _, marker := range placeholderMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// Config is the top-level gateway configuration file.
type Config struct {
	Servers []ServerConfig `yaml:"servers" json:"servers"`
}

// Load reads and validates a gateway configuration file. Individual server
// hygiene warnings are returned alongside the parsed config so the caller can
// log them; a validation error on any server fails the whole load, matching
// the report-at-load-time policy.
func Load(path string) (*Config, []string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	seen := make(map[string]struct{}, len(cfg.Servers))
	var warnings []string
	for i := range cfg.Servers {
		sc := &cfg.Servers[i]
		if err := sc.Validate(); err != nil {
			return nil, nil, err
		}
		if _, dup := seen[sc.Name]; dup {
			return nil, nil, fmt.Errorf("config: duplicate server name %q", sc.Name)
		}
		seen[sc.Name] = struct{}{}
		warnings = append(warnings, sc.Warnings()...)
	}
	return &cfg, warnings, nil
}

// Settings holds daemon-level knobs, overridable via the environment.
type Settings struct {
	SocketPath    string `env:"TOOLGATE_SOCKET"`
	PIDPath       string `env:"TOOLGATE_PID_FILE"`
	HTTPAddr      string `env:"TOOLGATE_HTTP_ADDR" envDefault:":8700"`
	DashboardAddr string `env:"TOOLGATE_DASHBOARD_ADDR"`
	BearerToken   string `env:"TOOLGATE_BEARER_TOKEN"`
}

// LoadSettings resolves daemon settings from the environment, falling back to
// paths under the user cache directory.
func LoadSettings() (Settings, error) {
	var s Settings
	if err := env.Parse(&s); err != nil {
		return Settings{}, fmt.Errorf("config: parse environment: %w", err)
	}
	if s.SocketPath == "" {
		s.SocketPath = filepath.Join(os.TempDir(), "toolgate.sock")
	}
	if s.PIDPath == "" {
		s.PIDPath = filepath.Join(os.TempDir(), "toolgate.pid")
	}
	return s, nil
}
