package config

import (
	"fmt"
	"regexp"
	"strings"
)

// Server names become part of public tool names when collisions are rewritten
// to <server>-<tool>, so they are restricted to a conservative character set.
var serverNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

const maxServerNameLen = 64

// ValidateServerName rejects names that could not safely appear inside a
// public tool identifier.
func ValidateServerName(name string) error {
	if name == "" {
		return fmt.Errorf("config: server name is empty")
	}
	if len(name) > maxServerNameLen {
		return fmt.Errorf("config: server name %q exceeds %d characters", name, maxServerNameLen)
	}
	if !serverNamePattern.MatchString(name) {
		return fmt.Errorf("config: server name %q contains invalid characters", name)
	}
	return nil
}

// NormalizeServerName rewrites an arbitrary label into a name that
// ValidateServerName accepts: runs of invalid characters collapse to a single
// hyphen, leading/trailing separators are trimmed, and overlong names are
// truncated.
func NormalizeServerName(name string) string {
	var b strings.Builder
	lastSep := true
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastSep = false
		case r == '_' && !lastSep:
			b.WriteRune('_')
		default:
			if !lastSep {
				b.WriteRune('-')
				lastSep = true
			}
		}
	}
	normalized := strings.Trim(b.String(), "-_")
	if len(normalized) > maxServerNameLen {
		normalized = strings.Trim(normalized[:maxServerNameLen], "-_")
	}
	if normalized == "" {
		return "server"
	}
	return normalized
}
