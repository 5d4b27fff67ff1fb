package aggregator

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"

	"onemcp/internal/filter"
	"onemcp/internal/upstream"
	"onemcp/pkg/logging"
)

// serverView is the cached capability snapshot of one Connected upstream.
type serverView struct {
	name         string
	tags         []string
	tools        []mcp.Tool
	resources    []mcp.Resource
	templates    []mcp.ResourceTemplate
	prompts      []mcp.Prompt
	caps         CapabilitySet
	instructions string
}

// CapabilitySet records which capability categories a view advertises. A
// category is advertised iff any selected upstream declares it.
type CapabilitySet struct {
	Tools       bool
	Resources   bool
	Prompts     bool
	Completions bool
	Logging     bool
}

// View is an immutable aggregated snapshot for one filter expression. All
// names and URIs are mangled.
type View struct {
	Tools             []mcp.Tool
	Resources         []mcp.Resource
	ResourceTemplates []mcp.ResourceTemplate
	Prompts           []mcp.Prompt

	Capabilities CapabilitySet

	// Servers is the provenance order of the selected upstreams.
	Servers []string

	// Instructions maps server name to its reported instructions string.
	Instructions map[string]string
}

// Registry caches capability snapshots of Connected upstreams and computes
// filtered, mangled views over them.
//
// Writers (the refresh path driven by connection and list_changed events)
// publish whole snapshots under the write lock; View is pure on a snapshot
// taken under a short read lock and never holds the lock across I/O.
type Registry struct {
	mu      sync.RWMutex
	manager *upstream.Manager
	servers map[string]*serverView
}

// NewRegistry creates an empty registry over the given connection manager.
func NewRegistry(manager *upstream.Manager) *Registry {
	return &Registry{
		manager: manager,
		servers: make(map[string]*serverView),
	}
}

// Refresh re-fetches the capability snapshot for one upstream. When the
// upstream is gone or not Connected its cache entry is dropped. Returns true
// when the registry content changed.
func (r *Registry) Refresh(ctx context.Context, serverName string) bool {
	conn, ok := r.manager.Get(serverName)
	if !ok || conn.Status() != upstream.StatusConnected {
		return r.remove(serverName)
	}

	view, err := r.fetch(ctx, conn)
	if err != nil {
		logging.Warn("Aggregator", "Failed to refresh capabilities for %s: %v", serverName, err)
		return r.remove(serverName)
	}

	r.mu.Lock()
	r.servers[serverName] = view
	r.mu.Unlock()

	logging.Debug("Aggregator", "Refreshed %s: %d tools, %d resources, %d templates, %d prompts",
		serverName, len(view.tools), len(view.resources), len(view.templates), len(view.prompts))
	return true
}

// RefreshAll refreshes every upstream the manager knows about.
func (r *Registry) RefreshAll(ctx context.Context) {
	for name := range r.manager.GetAll() {
		r.Refresh(ctx, name)
	}
}

func (r *Registry) remove(serverName string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.servers[serverName]; !exists {
		return false
	}
	delete(r.servers, serverName)
	return true
}

// fetch pulls the capability lists from a Connected upstream. Tools are
// mandatory when the tools capability is advertised; the other categories
// degrade to empty on error.
func (r *Registry) fetch(ctx context.Context, conn *upstream.Connection) (*serverView, error) {
	client := conn.Client()
	if client == nil {
		return nil, fmt.Errorf("server %s has no client", conn.Name())
	}

	view := &serverView{
		name: conn.Name(),
		tags: conn.Spec().Tags,
		caps: CapabilitySet{
			Tools:       conn.HasCapability(upstream.CapabilityTools),
			Resources:   conn.HasCapability(upstream.CapabilityResources),
			Prompts:     conn.HasCapability(upstream.CapabilityPrompts),
			Completions: conn.HasCapability(upstream.CapabilityCompletions),
			Logging:     conn.HasCapability(upstream.CapabilityLogging),
		},
		instructions: conn.Instructions(),
	}

	if view.caps.Tools {
		tools, err := client.ListTools(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list tools: %w", err)
		}
		view.tools = tools
	}

	if view.caps.Resources {
		resources, err := client.ListResources(ctx)
		if err != nil {
			logging.Debug("Aggregator", "Failed to list resources for %s: %v", conn.Name(), err)
		} else {
			view.resources = resources
		}
		templates, err := client.ListResourceTemplates(ctx)
		if err != nil {
			logging.Debug("Aggregator", "Failed to list resource templates for %s: %v", conn.Name(), err)
		} else {
			view.templates = templates
		}
	}

	if view.caps.Prompts {
		prompts, err := client.ListPrompts(ctx)
		if err != nil {
			logging.Debug("Aggregator", "Failed to list prompts for %s: %v", conn.Name(), err)
		} else {
			view.prompts = prompts
		}
	}

	return view, nil
}

// Selects reports whether the filter includes the named upstream. It
// consults the live spec so servers that are configured but not yet
// Connected still participate in notification targeting.
func (r *Registry) Selects(f *filter.Expression, serverName string) bool {
	conn, ok := r.manager.Get(serverName)
	if !ok {
		return false
	}
	return f.Matches(conn.Spec().Tags)
}

// ServerNames returns the cached (Connected) server names in provenance
// order.
func (r *Registry) ServerNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.servers))
	for name := range r.servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// View computes the aggregated capabilities for one filter expression.
func (r *Registry) View(f *filter.Expression) *View {
	r.mu.RLock()
	defer r.mu.RUnlock()

	view := &View{Instructions: make(map[string]string)}

	names := make([]string, 0, len(r.servers))
	for name := range r.servers {
		names = append(names, name)
	}
	sort.Strings(names)

	seenTools := make(map[string]struct{})
	seenResources := make(map[string]struct{})
	seenPrompts := make(map[string]struct{})

	for _, name := range names {
		sv := r.servers[name]
		if !f.Matches(sv.tags) {
			continue
		}
		view.Servers = append(view.Servers, name)
		if sv.instructions != "" {
			view.Instructions[name] = sv.instructions
		}

		view.Capabilities.Tools = view.Capabilities.Tools || sv.caps.Tools
		view.Capabilities.Resources = view.Capabilities.Resources || sv.caps.Resources
		view.Capabilities.Prompts = view.Capabilities.Prompts || sv.caps.Prompts
		view.Capabilities.Completions = view.Capabilities.Completions || sv.caps.Completions
		view.Capabilities.Logging = view.Capabilities.Logging || sv.caps.Logging

		for _, tool := range sv.tools {
			exposed := tool
			exposed.Name = Mangle(name, tool.Name)
			if _, dup := seenTools[exposed.Name]; dup {
				logging.Warn("Aggregator", "Duplicate mangled tool name %s, dropping later entry", exposed.Name)
				continue
			}
			seenTools[exposed.Name] = struct{}{}
			view.Tools = append(view.Tools, exposed)
		}

		for _, resource := range sv.resources {
			exposed := resource
			exposed.URI = MangleURI(name, resource.URI)
			if _, dup := seenResources[exposed.URI]; dup {
				logging.Warn("Aggregator", "Duplicate mangled resource URI %s, dropping later entry", exposed.URI)
				continue
			}
			seenResources[exposed.URI] = struct{}{}
			view.Resources = append(view.Resources, exposed)
		}

		for _, tmpl := range sv.templates {
			exposed := tmpl
			if exposed.URITemplate != nil {
				exposed.URITemplate = mangleURITemplate(name, tmpl.URITemplate)
			}
			exposed.Name = Mangle(name, tmpl.Name)
			view.ResourceTemplates = append(view.ResourceTemplates, exposed)
		}

		for _, prompt := range sv.prompts {
			exposed := prompt
			exposed.Name = Mangle(name, prompt.Name)
			if _, dup := seenPrompts[exposed.Name]; dup {
				logging.Warn("Aggregator", "Duplicate mangled prompt name %s, dropping later entry", exposed.Name)
				continue
			}
			seenPrompts[exposed.Name] = struct{}{}
			view.Prompts = append(view.Prompts, exposed)
		}
	}

	return view
}
