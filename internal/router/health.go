package router

import (
	"context"
	"time"

	"github.com/toolgate/toolgate/internal/adapter"
)

// Health classifies one backend's availability.
type Health string

const (
	// HealthHealthy: connected with at least one tool.
	HealthHealthy Health = "healthy"
	// HealthUnstable: connected but publishing zero tools.
	HealthUnstable Health = "unstable"
	// HealthFailed: disconnected or blacklisted.
	HealthFailed Health = "failed"
)

// ServerHealth is one backend's health snapshot.
type ServerHealth struct {
	Server    string         `json:"server"`
	Health    Health         `json:"health"`
	Status    adapter.Status `json:"status"`
	ToolCount int            `json:"toolCount"`
	Crashes   int            `json:"crashes,omitempty"`
	LastCrash time.Time      `json:"lastCrash,omitzero"`
}

// HealthReport classifies every registered adapter.
func (r *Router) HealthReport() []ServerHealth {
	servers := r.Servers()
	report := make([]ServerHealth, 0, len(servers))
	for _, name := range servers {
		a, ok := r.Adapter(name)
		if !ok {
			continue
		}
		r.mu.RLock()
		toolCount := len(r.cache[name])
		r.mu.RUnlock()

		sh := ServerHealth{Server: name, Status: a.Status(), ToolCount: toolCount}
		switch {
		case a.Status() == adapter.StatusConnected && toolCount > 0:
			sh.Health = HealthHealthy
		case a.Status() == adapter.StatusConnected:
			sh.Health = HealthUnstable
		default:
			sh.Health = HealthFailed
		}
		if stats, ok := a.(adapter.CrashStats); ok {
			sh.Crashes = stats.CrashCount()
			sh.LastCrash = stats.LastCrash()
		}
		report = append(report, sh)
	}
	return report
}

// HealSummary aggregates an AutoHeal pass.
type HealSummary struct {
	Attempted int
	Recovered int
	Errors    map[string]error
}

// AutoHeal forces a reconnect on every failed adapter, preferring the
// adapter's own reconnect capability when the variant exposes one and falling
// back to disconnect-then-connect. Failures are absorbed per adapter.
func (r *Router) AutoHeal(ctx context.Context) HealSummary {
	summary := HealSummary{Errors: make(map[string]error)}
	for _, sh := range r.HealthReport() {
		if sh.Health != HealthFailed {
			continue
		}
		a, ok := r.Adapter(sh.Server)
		if !ok {
			continue
		}
		summary.Attempted++
		var err error
		if rc, capable := a.(adapter.Reconnector); capable {
			err = rc.Reconnect(ctx)
		} else {
			_ = a.Disconnect(ctx)
			err = a.Connect(ctx)
		}
		if err != nil {
			summary.Errors[sh.Server] = err
			r.logger.Warn("auto-heal failed", "server", sh.Server, "error", err)
			continue
		}
		summary.Recovered++
	}
	return summary
}
