package aggregator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"onemcp/internal/config"
	"onemcp/internal/filter"
	"onemcp/internal/template"
	"onemcp/internal/upstream"
	"onemcp/pkg/logging"
)

// Inbound transport kinds.
const (
	TransportHTTP  = "http"
	TransportStdio = "stdio"
)

// refreshTimeout bounds registry refreshes triggered by upstream events,
// which run outside any request context.
const refreshTimeout = 30 * time.Second

// Config holds the inbound server settings.
type Config struct {
	// Name and Version identify the gateway in the MCP handshake.
	Name    string
	Version string

	// Transport selects the inbound transport: http serves streamable-http
	// on /mcp and SSE on /sse simultaneously, stdio serves a single session
	// on the process pipes.
	Transport string

	Host string
	Port int

	// PublicURL is the externally reachable base URL, used for SSE message
	// endpoint advertisement. Defaults to http://Host:Port.
	PublicURL string

	// InstructionsTemplate overrides the built-in instructions template.
	// Invalid templates fall back to the built-in one with a warning.
	InstructionsTemplate string

	// Presets resolves named filter presets from session query parameters.
	Presets *config.PresetStore

	// AuthMiddleware, when set, wraps the MCP endpoints. The app layer
	// supplies the OAuth resource-server middleware here.
	AuthMiddleware func(http.Handler) http.Handler

	// RegisterRoutes lets the app layer mount extra HTTP routes (OAuth
	// callbacks, authorization server endpoints) on the gateway listener.
	RegisterRoutes func(mux *http.ServeMux)
}

// Server is the inbound MCP endpoint. It exposes the aggregated, mangled
// capability space of the upstream connections and routes every call back
// to its origin server.
type Server struct {
	config   Config
	manager  *upstream.Manager
	registry *Registry
	sessions *SessionRegistry
	engine   *template.Engine

	mcpServer   *server.MCPServer
	httpServer  *http.Server
	stdioServer *server.StdioServer

	activeTools     *activeItemSet
	activePrompts   *activeItemSet
	activeResources *activeItemSet
	activeTemplates *activeItemSet

	// reconcileMu serializes view application so concurrent upstream
	// events cannot interleave add/delete batches.
	reconcileMu sync.Mutex

	mu     sync.Mutex
	cancel context.CancelFunc
}

// New builds the inbound server over an upstream connection manager. The
// caller wires the manager's notification and change handlers to
// HandleUpstreamNotification and HandleUpstreamChange before starting
// either side.
func New(cfg Config, manager *upstream.Manager) *Server {
	if cfg.Name == "" {
		cfg.Name = "1mcp"
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.Transport == "" {
		cfg.Transport = TransportHTTP
	}

	engine := template.New()
	if cfg.InstructionsTemplate != "" {
		parsed, err := template.Parse(cfg.InstructionsTemplate)
		if err != nil {
			logging.Warn("Aggregator", "Invalid instructions template, using built-in: %v", err)
		} else {
			engine = parsed
		}
	}

	s := &Server{
		config:          cfg,
		manager:         manager,
		registry:        NewRegistry(manager),
		sessions:        NewSessionRegistry(),
		engine:          engine,
		activeTools:     newActiveItemSet(),
		activePrompts:   newActiveItemSet(),
		activeResources: newActiveItemSet(),
		activeTemplates: newActiveItemSet(),
	}

	s.mcpServer = server.NewMCPServer(
		cfg.Name,
		cfg.Version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(true, true),
		server.WithPromptCapabilities(true),
		server.WithLogging(),
		server.WithHooks(s.buildHooks()),
	)

	return s
}

// Registry exposes the capability registry for the app layer's reload
// handling.
func (s *Server) Registry() *Registry { return s.registry }

// Sessions exposes the inbound session registry.
func (s *Server) Sessions() *SessionRegistry { return s.sessions }

func (s *Server) buildHooks() *server.Hooks {
	hooks := &server.Hooks{}

	hooks.AddOnRegisterSession(func(ctx context.Context, session server.ClientSession) {
		f := FilterFromContext(ctx)
		if _, err := s.sessions.Add(session.SessionID(), f); err != nil {
			logging.Warn("Aggregator", "Rejecting session %s: %v",
				logging.TruncateSessionID(session.SessionID()), err)
		}
	})

	hooks.AddOnUnregisterSession(func(ctx context.Context, session server.ClientSession) {
		s.sessions.Remove(session.SessionID())
		logging.Debug("Aggregator", "Session %s unregistered",
			logging.TruncateSessionID(session.SessionID()))
	})

	hooks.AddOnError(func(ctx context.Context, id any, method mcp.MCPMethod, message any, err error) {
		logging.Debug("Aggregator", "Request %v (%s) failed: %v", id, method, err)
	})

	// The handshake result is rewritten per session: instructions describe
	// the filtered view, and capability categories the view does not
	// contain are withdrawn.
	hooks.AddAfterInitialize(func(ctx context.Context, id any, message *mcp.InitializeRequest, result *mcp.InitializeResult) {
		f := s.sessionFilter(ctx)
		view := s.registry.View(f)
		result.Instructions = s.instructionsFor(view, f)
		if !view.Capabilities.Tools {
			result.Capabilities.Tools = nil
		}
		if !view.Capabilities.Resources {
			result.Capabilities.Resources = nil
		}
		if !view.Capabilities.Prompts {
			result.Capabilities.Prompts = nil
		}
		if !view.Capabilities.Logging {
			result.Capabilities.Logging = nil
		}
	})

	// Items are registered globally; list results are cut down to the
	// session's filtered view here.
	hooks.AddAfterListTools(func(ctx context.Context, id any, message *mcp.ListToolsRequest, result *mcp.ListToolsResult) {
		view := s.registry.View(s.sessionFilter(ctx))
		result.Tools = view.Tools
		result.NextCursor = ""
	})

	hooks.AddAfterListResources(func(ctx context.Context, id any, message *mcp.ListResourcesRequest, result *mcp.ListResourcesResult) {
		view := s.registry.View(s.sessionFilter(ctx))
		result.Resources = view.Resources
		result.NextCursor = ""
	})

	hooks.AddAfterListResourceTemplates(func(ctx context.Context, id any, message *mcp.ListResourceTemplatesRequest, result *mcp.ListResourceTemplatesResult) {
		view := s.registry.View(s.sessionFilter(ctx))
		result.ResourceTemplates = view.ResourceTemplates
		result.NextCursor = ""
	})

	hooks.AddAfterListPrompts(func(ctx context.Context, id any, message *mcp.ListPromptsRequest, result *mcp.ListPromptsResult) {
		view := s.registry.View(s.sessionFilter(ctx))
		result.Prompts = view.Prompts
		result.NextCursor = ""
	})

	return hooks
}

// HandleUpstreamChange is wired as the connection manager's change
// handler. Connection state transitions re-snapshot the server and
// reconcile the exposed item set.
func (s *Server) HandleUpstreamChange(serverName string) {
	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()
	s.registry.Refresh(ctx, serverName)
	s.applyRegistryView()
}

// applyRegistryView reconciles the globally registered items with the
// unfiltered registry view. mcp-go broadcasts the matching list_changed
// notifications to connected sessions on every add/delete batch.
func (s *Server) applyRegistryView() {
	s.reconcileMu.Lock()
	defer s.reconcileMu.Unlock()

	view := s.registry.View(filter.All())

	toolsByName := make(map[string]mcp.Tool, len(view.Tools))
	toolNames := make([]string, 0, len(view.Tools))
	for _, tool := range view.Tools {
		toolsByName[tool.Name] = tool
		toolNames = append(toolNames, tool.Name)
	}
	added, removed := s.activeTools.reconcile(toolNames)
	if len(removed) > 0 {
		s.mcpServer.DeleteTools(removed...)
	}
	if len(added) > 0 {
		serverTools := make([]server.ServerTool, 0, len(added))
		for _, name := range added {
			serverTools = append(serverTools, server.ServerTool{
				Tool:    toolsByName[name],
				Handler: toolHandlerFactory(s, name),
			})
		}
		s.mcpServer.AddTools(serverTools...)
	}

	promptsByName := make(map[string]mcp.Prompt, len(view.Prompts))
	promptNames := make([]string, 0, len(view.Prompts))
	for _, prompt := range view.Prompts {
		promptsByName[prompt.Name] = prompt
		promptNames = append(promptNames, prompt.Name)
	}
	added, removed = s.activePrompts.reconcile(promptNames)
	if len(removed) > 0 {
		s.mcpServer.DeletePrompts(removed...)
	}
	if len(added) > 0 {
		serverPrompts := make([]server.ServerPrompt, 0, len(added))
		for _, name := range added {
			serverPrompts = append(serverPrompts, server.ServerPrompt{
				Prompt:  promptsByName[name],
				Handler: promptHandlerFactory(s, name),
			})
		}
		s.mcpServer.AddPrompts(serverPrompts...)
	}

	resourcesByURI := make(map[string]mcp.Resource, len(view.Resources))
	resourceURIs := make([]string, 0, len(view.Resources))
	for _, resource := range view.Resources {
		resourcesByURI[resource.URI] = resource
		resourceURIs = append(resourceURIs, resource.URI)
	}
	added, removed = s.activeResources.reconcile(resourceURIs)
	for _, uri := range removed {
		s.mcpServer.RemoveResource(uri)
	}
	if len(added) > 0 {
		serverResources := make([]server.ServerResource, 0, len(added))
		for _, uri := range added {
			serverResources = append(serverResources, server.ServerResource{
				Resource: resourcesByURI[uri],
				Handler:  resourceHandlerFactory(s),
			})
		}
		s.mcpServer.AddResources(serverResources...)
	}

	// Template registration is additive: reads against a stale template
	// fail the registry check in the handler, and list results never show
	// templates outside the current view.
	templatesByKey := make(map[string]mcp.ResourceTemplate, len(view.ResourceTemplates))
	templateKeys := make([]string, 0, len(view.ResourceTemplates))
	for _, tmpl := range view.ResourceTemplates {
		key := tmpl.Name
		if tmpl.URITemplate != nil && tmpl.URITemplate.Template != nil {
			key = tmpl.URITemplate.Raw()
		}
		templatesByKey[key] = tmpl
		templateKeys = append(templateKeys, key)
	}
	added, _ = s.activeTemplates.reconcile(templateKeys)
	templateHandler := server.ResourceTemplateHandlerFunc(resourceHandlerFactory(s))
	for _, key := range added {
		s.mcpServer.AddResourceTemplate(templatesByKey[key], templateHandler)
	}
}

// Start brings up the configured inbound transport. It performs an initial
// capability snapshot so early sessions see the servers that are already
// Connected.
func (s *Server) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	s.registry.RefreshAll(ctx)
	s.applyRegistryView()

	switch s.config.Transport {
	case TransportStdio:
		logging.Info("Aggregator", "Serving MCP on stdio")
		s.stdioServer = server.NewStdioServer(s.mcpServer)
		go func() {
			if err := s.stdioServer.Listen(ctx, os.Stdin, os.Stdout); err != nil && ctx.Err() == nil {
				logging.Error("Aggregator", err, "Stdio server error")
			}
		}()
		return nil

	case TransportHTTP:
		addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
		logging.Info("Aggregator", "Serving MCP on http://%s/mcp (SSE on /sse)", addr)

		mux := http.NewServeMux()
		s.registerHTTPRoutes(mux, addr)

		s.httpServer = &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logging.Error("Aggregator", err, "HTTP server error")
			}
		}()
		return nil

	default:
		cancel()
		return fmt.Errorf("unknown transport %q", s.config.Transport)
	}
}

func (s *Server) registerHTTPRoutes(mux *http.ServeMux, addr string) {
	baseURL := s.config.PublicURL
	if baseURL == "" {
		baseURL = "http://" + addr
	}

	streamable := server.NewStreamableHTTPServer(s.mcpServer,
		server.WithEndpointPath("/mcp"),
	)
	sse := server.NewSSEServer(s.mcpServer,
		server.WithBaseURL(baseURL),
		server.WithSSEEndpoint("/sse"),
		server.WithMessageEndpoint("/messages"),
		server.WithKeepAlive(true),
	)

	wrap := func(h http.Handler) http.Handler {
		if s.config.AuthMiddleware != nil {
			h = s.config.AuthMiddleware(h)
		}
		return h
	}

	streamableHandler := wrap(s.filterMiddleware(s.interceptMiddleware(streamable)))
	// The streamable transport answers at the server root as well as /mcp;
	// "/{$}" keeps unrelated paths on the mux's 404.
	mux.Handle("/{$}", streamableHandler)
	mux.Handle("/mcp", streamableHandler)
	mux.Handle("/sse", wrap(s.filterMiddleware(sse.SSEHandler())))
	mux.Handle("/messages", wrap(s.notificationTeeMiddleware(sse.MessageHandler())))
	mux.HandleFunc("/health", s.handleHealth)

	if s.config.RegisterRoutes != nil {
		s.config.RegisterRoutes(mux)
	}
}

// filterMiddleware parses the session filter from the query string and
// stashes it in the request context for the registration hook.
func (s *Server) filterMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f := ParseRequestFilter(r, s.config.Presets)
		next.ServeHTTP(w, r.WithContext(ContextWithFilter(r.Context(), f)))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	servers := make(map[string]string)
	for name, conn := range s.manager.GetAll() {
		servers[name] = conn.Status().String()
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":   "ok",
		"version":  s.config.Version,
		"sessions": s.sessions.Len(),
		"servers":  servers,
	})
}

// Stop shuts the inbound side down. Upstream connections are owned by the
// manager and stopped separately.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shut down HTTP server: %w", err)
		}
	}
	return nil
}
