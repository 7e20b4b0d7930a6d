// Package router owns the adapter set and the public tool namespace. It
// builds and maintains the public-name → owning-adapter route table, resolves
// cross-server name collisions, dispatches tool calls, and self-heals backend
// health. All routing state is mutated only by the Router itself, in response
// to adapter events or explicit calls.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/toolgate/toolgate/internal/adapter"
)

// Separator joins server and tool when a collision forces a rename.
const Separator = "-"

// Route maps one public tool name to the backend that owns it.
type Route struct {
	PublicName string
	Server     string
	ToolName   string
}

// Hooks carries router-level signals: route-table changes, adapter
// availability, and per-call outcomes with measured latency.
type Hooks struct {
	RoutesUpdated func()
	ServerStarted func(server string)
	CallCompleted func(server, tool string, elapsed time.Duration)
	CallFailed    func(server, tool string, elapsed time.Duration, err error)
}

// Options configure a Router.
type Options struct {
	// Logger receives structured diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
	// RefreshTimeout bounds a single adapter's catalog re-fetch so one slow
	// backend never blocks the others. Defaults to 8 seconds.
	RefreshTimeout time.Duration
}

func (o *Options) withDefaults() Options {
	if o == nil {
		o = &Options{}
	}
	opts := *o
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.RefreshTimeout <= 0 {
		opts.RefreshTimeout = 8 * time.Second
	}
	return opts
}

// Router aggregates many adapters behind one flat tool namespace.
//
// Collision policy: a tool name with a single owner is published bare; the
// moment a second server introduces the same name, every owner's tool is
// republished as <server>-<tool>. Naming is derived from the current owner
// count on every rebuild, so a sole survivor reverts to its bare name once
// the colliding server disconnects.
type Router struct {
	opts   Options
	logger *slog.Logger

	mu       sync.RWMutex
	adapters map[string]adapter.Adapter
	cache    map[string][]*mcp.Tool
	routes   map[string]Route
	hooks    Hooks
}

// New constructs an empty Router.
func New(opts *Options) *Router {
	options := opts.withDefaults()
	return &Router{
		opts:     options,
		logger:   options.Logger,
		adapters: make(map[string]adapter.Adapter),
		cache:    make(map[string][]*mcp.Tool),
		routes:   make(map[string]Route),
	}
}

// SetHooks registers the router-level signal sinks.
func (r *Router) SetHooks(hooks Hooks) {
	r.mu.Lock()
	r.hooks = hooks
	r.mu.Unlock()
}

// AddAdapter registers an adapter and subscribes to its lifecycle events. It
// fails when the name is already taken, preventing duplicate-registration
// races.
func (r *Router) AddAdapter(a adapter.Adapter) error {
	if a == nil {
		return fmt.Errorf("router: nil adapter")
	}
	name := a.Name()
	r.mu.Lock()
	if _, exists := r.adapters[name]; exists {
		r.mu.Unlock()
		return &DuplicateServerError{Server: name}
	}
	r.adapters[name] = a
	r.mu.Unlock()

	a.SetHooks(adapter.Hooks{
		Connected: func(server string) {
			r.mu.RLock()
			hooks := r.hooks
			r.mu.RUnlock()
			if hooks.ServerStarted != nil {
				hooks.ServerStarted(server)
			}
			if err := r.RefreshToolRoutes(context.Background(), server); err != nil {
				r.logger.Warn("route refresh after connect failed", "server", server, "error", err)
			}
		},
		Disconnected: func(server string, err error, crashed bool) {
			r.dropServerRoutes(server)
		},
		ToolsChanged: func(server string) {
			if err := r.RefreshToolRoutes(context.Background(), server); err != nil {
				r.logger.Warn("route refresh after tools change failed", "server", server, "error", err)
			}
		},
	})
	return nil
}

// RemoveAdapter unconditionally cleans one adapter up: its routes and cache
// are dropped, its events unsubscribed, and its connection torn down. It
// never fails, even for unknown names.
func (r *Router) RemoveAdapter(name string) {
	r.mu.Lock()
	a, ok := r.adapters[name]
	delete(r.adapters, name)
	delete(r.cache, name)
	r.rebuildRoutesLocked()
	hooks := r.hooks
	r.mu.Unlock()

	if ok {
		a.SetHooks(adapter.Hooks{})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Disconnect(ctx)
	}
	if hooks.RoutesUpdated != nil {
		hooks.RoutesUpdated()
	}
}

// Adapter returns the registered adapter for a server name.
func (r *Router) Adapter(name string) (adapter.Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	return a, ok
}

// Servers returns the registered server names in sorted order.
func (r *Router) Servers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Router) dropServerRoutes(server string) {
	r.mu.Lock()
	delete(r.cache, server)
	r.rebuildRoutesLocked()
	hooks := r.hooks
	r.mu.Unlock()
	if hooks.RoutesUpdated != nil {
		hooks.RoutesUpdated()
	}
}

// RefreshToolRoutes re-fetches one adapter's catalog and rebuilds its routes.
func (r *Router) RefreshToolRoutes(ctx context.Context, server string) error {
	r.mu.RLock()
	a, ok := r.adapters[server]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("router: unknown server %q", server)
	}
	fetchCtx, cancel := context.WithTimeout(ctx, r.opts.RefreshTimeout)
	defer cancel()
	tools, err := a.Tools(fetchCtx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.cache[server] = tools
	r.rebuildRoutesLocked()
	hooks := r.hooks
	r.mu.Unlock()
	if hooks.RoutesUpdated != nil {
		hooks.RoutesUpdated()
	}
	return nil
}

// rebuildRoutesLocked derives the route table from the cached, policy-filtered
// catalogs. Tool names with one owner stay bare; names with several owners are
// published as <server>-<tool> for every owner.
func (r *Router) rebuildRoutesLocked() {
	owners := make(map[string][]string)
	for server, tools := range r.cache {
		a, ok := r.adapters[server]
		if !ok {
			continue
		}
		policy := a.Config().ToolsConfig
		for _, tool := range tools {
			if tool == nil || !policy.Allows(tool.Name) {
				continue
			}
			owners[tool.Name] = append(owners[tool.Name], server)
		}
	}

	routes := make(map[string]Route)
	for toolName, servers := range owners {
		if len(servers) == 1 {
			routes[toolName] = Route{PublicName: toolName, Server: servers[0], ToolName: toolName}
			continue
		}
		for _, server := range servers {
			public := server + Separator + toolName
			routes[public] = Route{PublicName: public, Server: server, ToolName: toolName}
		}
	}
	r.routes = routes
}

// Routes returns a snapshot of the current route table.
func (r *Router) Routes() []Route {
	r.mu.RLock()
	defer r.mu.RUnlock()
	routes := make([]Route, 0, len(r.routes))
	for _, route := range r.routes {
		routes = append(routes, route)
	}
	sort.Slice(routes, func(i, j int) bool { return routes[i].PublicName < routes[j].PublicName })
	return routes
}

// AllTools answers what tools exist right now. Connected adapters serve from
// cache unless it is empty or forceRefresh is set, in which case the catalog
// is re-fetched under the per-adapter refresh timeout; a failed re-fetch falls
// back to that backend's existing cache only. With zero connected adapters the
// result is empty unconditionally: a disconnected server's tools must never
// remain client-visible.
func (r *Router) AllTools(ctx context.Context, forceRefresh bool) []*mcp.Tool {
	type entry struct {
		server string
		a      adapter.Adapter
	}
	r.mu.RLock()
	connected := make([]entry, 0, len(r.adapters))
	for name, a := range r.adapters {
		if a.Status() == adapter.StatusConnected {
			connected = append(connected, entry{server: name, a: a})
		}
	}
	r.mu.RUnlock()

	if len(connected) == 0 {
		return []*mcp.Tool{}
	}

	// Re-fetch stale catalogs concurrently; one slow backend times out on
	// its own without blocking the rest.
	var wg sync.WaitGroup
	for _, e := range connected {
		r.mu.RLock()
		cached, haveCache := r.cache[e.server]
		r.mu.RUnlock()
		if haveCache && len(cached) > 0 && !forceRefresh {
			continue
		}
		wg.Add(1)
		go func(e entry) {
			defer wg.Done()
			fetchCtx, cancel := context.WithTimeout(ctx, r.opts.RefreshTimeout)
			defer cancel()
			tools, err := e.a.Tools(fetchCtx)
			if err != nil {
				r.logger.Warn("tool refresh failed, serving cached catalog", "server", e.server, "error", err)
				return
			}
			r.mu.Lock()
			r.cache[e.server] = tools
			r.mu.Unlock()
		}(e)
	}
	wg.Wait()

	connectedSet := make(map[string]struct{}, len(connected))
	for _, e := range connected {
		connectedSet[e.server] = struct{}{}
	}

	r.mu.Lock()
	r.rebuildRoutesLocked()
	result := make([]*mcp.Tool, 0, len(r.routes))
	for _, route := range r.routes {
		if _, ok := connectedSet[route.Server]; !ok {
			continue
		}
		if tool := r.lookupCachedLocked(route.Server, route.ToolName); tool != nil {
			result = append(result, publishedTool(tool, route))
		}
	}
	hooks := r.hooks
	r.mu.Unlock()
	if hooks.RoutesUpdated != nil {
		hooks.RoutesUpdated()
	}

	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

func (r *Router) lookupCachedLocked(server, toolName string) *mcp.Tool {
	for _, tool := range r.cache[server] {
		if tool != nil && tool.Name == toolName {
			return tool
		}
	}
	return nil
}

// publishedTool clones a backend tool under its public name and annotates the
// description with the owning server.
func publishedTool(tool *mcp.Tool, route Route) *mcp.Tool {
	clone := *tool
	clone.Name = route.PublicName
	if clone.Description != "" {
		clone.Description = fmt.Sprintf("[%s] %s", route.Server, clone.Description)
	} else {
		clone.Description = fmt.Sprintf("[%s]", route.Server)
	}
	return &clone
}

// CallTool resolves a public tool name and forwards the call to its owning
// backend using the backend-native name. On a route miss it forces one full
// refresh and retries exactly once before failing with the known-tool
// diagnostic. Calls to disconnected backends fail without being attempted.
func (r *Router) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	route, ok := r.lookupRoute(name)
	if !ok {
		r.AllTools(ctx, true)
		if route, ok = r.lookupRoute(name); !ok {
			return nil, &ToolNotFoundError{Tool: name, Known: r.knownToolNames()}
		}
	}

	r.mu.RLock()
	a, haveAdapter := r.adapters[route.Server]
	hooks := r.hooks
	r.mu.RUnlock()
	if !haveAdapter || a.Status() != adapter.StatusConnected {
		return nil, &ServerNotConnectedError{Server: route.Server, Tool: name}
	}

	// route.ToolName is the backend's own name: the synthesized
	// <server>- prefix is already absent, and names that legitimately start
	// with the server label pass through untouched.
	start := time.Now()
	res, err := a.CallTool(ctx, route.ToolName, args)
	elapsed := time.Since(start)
	if err != nil || (res != nil && res.IsError) {
		if hooks.CallFailed != nil {
			hooks.CallFailed(route.Server, route.ToolName, elapsed, err)
		}
		return res, err
	}
	if hooks.CallCompleted != nil {
		hooks.CallCompleted(route.Server, route.ToolName, elapsed)
	}
	return res, nil
}

func (r *Router) lookupRoute(name string) (Route, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	route, ok := r.routes[name]
	return route, ok
}

func (r *Router) knownToolNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.routes))
	for name := range r.routes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ConnectSummary aggregates a ConnectAll batch outcome.
type ConnectSummary struct {
	Attempted int
	Succeeded int
	Failed    int
	Errors    map[string]error
}

// ConnectAll connects every not-yet-connected adapter in bounded-concurrency
// batches. Each attempt races its own per-adapter timeout; a hang or failure
// settles that one attempt and never blocks the batch or later batches.
func (r *Router) ConnectAll(ctx context.Context, timeout time.Duration, maxConcurrent int) ConnectSummary {
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	if timeout <= 0 {
		timeout = r.opts.RefreshTimeout
	}

	r.mu.RLock()
	pending := make([]adapter.Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		if a.Status() != adapter.StatusConnected {
			pending = append(pending, a)
		}
	}
	r.mu.RUnlock()

	summary := ConnectSummary{Attempted: len(pending), Errors: make(map[string]error)}
	var (
		wg  sync.WaitGroup
		sem = make(chan struct{}, maxConcurrent)
		smu sync.Mutex
	)
	for _, a := range pending {
		wg.Add(1)
		sem <- struct{}{}
		go func(a adapter.Adapter) {
			defer wg.Done()
			defer func() { <-sem }()

			attemptCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			err := connectSettled(attemptCtx, a)

			smu.Lock()
			if err != nil {
				summary.Failed++
				summary.Errors[a.Name()] = err
			} else {
				summary.Succeeded++
			}
			smu.Unlock()
		}(a)
	}
	wg.Wait()
	return summary
}

// connectSettled races an adapter connect against its context so a hung dial
// settles when the timeout fires instead of wedging the caller. The abandoned
// attempt keeps its own crash accounting.
func connectSettled(ctx context.Context, a adapter.Adapter) error {
	done := make(chan error, 1)
	go func() { done <- a.Connect(ctx) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("router: connect %s: %w", a.Name(), ctx.Err())
	}
}
