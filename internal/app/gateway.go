// Package app assembles the gateway: config, storage, OAuth both ways,
// upstream connections and the inbound aggregator, with one run loop that
// owns reload and shutdown. Construction is explicit; there are no
// package-level singletons.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"onemcp/internal/aggregator"
	"onemcp/internal/config"
	"onemcp/internal/oauth"
	"onemcp/internal/storage"
	"onemcp/internal/upstream"
	"onemcp/pkg/logging"
	pkgoauth "onemcp/pkg/oauth"
)

// DefaultPort is the gateway's default listen port.
const DefaultPort = 3050

// shutdownTimeout bounds the graceful drain of the inbound HTTP server.
const shutdownTimeout = 10 * time.Second

// Options is the startup record handed over by the CLI.
type Options struct {
	Version string

	// Transport is the inbound transport: "http" (default) or "stdio".
	Transport string

	Host string
	Port int

	// PublicURL overrides the externally visible base URL, used for OAuth
	// callbacks, issuer metadata and SSE endpoint advertisement.
	PublicURL string

	ConfigPath         string
	SessionStoragePath string
	PresetDir          string

	// AuthEnabled protects the MCP endpoints with the built-in
	// authorization server.
	AuthEnabled bool

	// Debounce for config file watching; zero selects the default.
	Debounce time.Duration
}

func (o *Options) applyDefaults() {
	if o.Transport == "" {
		o.Transport = aggregator.TransportHTTP
	}
	if o.Host == "" {
		o.Host = "localhost"
	}
	if o.Port == 0 {
		o.Port = DefaultPort
	}
	if o.ConfigPath == "" {
		o.ConfigPath = config.DefaultConfigPath()
	}
	if o.SessionStoragePath == "" {
		o.SessionStoragePath = config.DefaultSessionStoragePath()
	}
	if o.PresetDir == "" {
		o.PresetDir = config.DefaultPresetDir()
	}
	if o.PublicURL == "" {
		o.PublicURL = fmt.Sprintf("http://%s:%d", o.Host, o.Port)
	}
}

// Gateway is the assembled application.
type Gateway struct {
	opts Options

	store      *storage.Store
	flow       *oauth.Flow
	authServer *oauth.Server
	manager    *upstream.Manager
	server     *aggregator.Server
	watcher    *config.Watcher
}

// New builds a gateway from the startup record. A missing or invalid
// config file is not fatal: the gateway starts with an empty server set
// and picks the file up on the next reload.
func New(opts Options) (*Gateway, error) {
	opts.applyDefaults()

	snapshot, err := config.Load(opts.ConfigPath)
	if err != nil {
		logging.Error("App", err, "Failed to load config %s, starting with no servers", opts.ConfigPath)
		snapshot = config.EmptySnapshot()
	}

	store, err := storage.New(opts.SessionStoragePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open session storage: %w", err)
	}

	g := &Gateway{opts: opts, store: store}

	g.flow = oauth.NewFlow(store, pkgoauth.NewClient(), oauth.NewRendezvous(),
		opts.PublicURL+"/oauth/callback")

	var authMiddleware func(http.Handler) http.Handler
	if opts.AuthEnabled {
		g.authServer = oauth.NewServer(store, opts.PublicURL, oauth.DefaultAccessTokenTTL)
		authMiddleware = g.authServer.Middleware
	}

	g.manager = upstream.NewManager(upstream.WithOAuthFlow(g.flow))

	g.server = aggregator.New(aggregator.Config{
		Name:           "1mcp",
		Version:        opts.Version,
		Transport:      opts.Transport,
		Host:           opts.Host,
		Port:           opts.Port,
		PublicURL:      opts.PublicURL,
		Presets:        config.NewPresetStore(opts.PresetDir),
		AuthMiddleware: authMiddleware,
		RegisterRoutes: g.registerRoutes,
	}, g.manager)

	g.manager.SetNotificationHandler(g.server.HandleUpstreamNotification)
	g.manager.SetChangeHandler(g.server.HandleUpstreamChange)

	g.watcher = config.NewWatcher(opts.ConfigPath, snapshot, opts.Debounce)

	return g, nil
}

func (g *Gateway) registerRoutes(mux *http.ServeMux) {
	if g.authServer != nil {
		g.authServer.RegisterRoutes(mux)
	}
	mux.HandleFunc("GET /oauth/callback/{serverName}", g.handleOAuthCallback)
}

// handleOAuthCallback terminates the outbound authorization-code dance for
// one upstream server. Codes and states stay out of the logs.
func (g *Gateway) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	serverName := r.PathValue("serverName")
	query := r.URL.Query()

	if errCode := query.Get("error"); errCode != "" {
		logging.Warn("App", "Authorization for %s denied: %s", serverName, errCode)
		http.Error(w, fmt.Sprintf("authorization failed: %s", errCode), http.StatusBadRequest)
		return
	}

	code, state := query.Get("code"), query.Get("state")
	if code == "" || state == "" {
		http.Error(w, "missing code or state", http.StatusBadRequest)
		return
	}

	if err := g.flow.HandleCallback(serverName, code, state); err != nil {
		logging.Warn("App", "Callback for %s rejected: %v", serverName, err)
		http.Error(w, "unknown_server", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, "<html><body><h2>Authorization complete</h2><p>You can close this window.</p></body></html>")
}

// Run starts everything and blocks until ctx is cancelled, applying config
// reloads as they arrive.
func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g.manager.Start(ctx, g.watcher.Current())
	if err := g.server.Start(ctx); err != nil {
		g.manager.Stop()
		g.store.Shutdown()
		return err
	}

	events := make(chan config.ReloadEvent, 1)
	if err := g.watcher.Start(ctx, events); err != nil {
		logging.Warn("App", "Config watching disabled: %v", err)
	}

	logging.Info("App", "Gateway ready: transport=%s addr=%s:%d servers=%d auth=%t",
		g.opts.Transport, g.opts.Host, g.opts.Port,
		len(g.watcher.Current().Servers), g.opts.AuthEnabled)

	for {
		select {
		case <-ctx.Done():
			g.shutdown()
			return nil
		case event := <-events:
			g.applyReload(event)
		}
	}
}

// applyReload transitions the upstream set to the new snapshot. Inbound
// sessions survive; the aggregator's change handler recomputes views and
// the resulting add/delete batches notify the affected sessions.
func (g *Gateway) applyReload(event config.ReloadEvent) {
	if event.Diff == nil || event.Diff.IsEmpty() {
		return
	}

	// Removed servers lose their OAuth credentials and any pending
	// authorization waiter is released.
	for _, name := range event.Diff.Removed {
		g.flow.Forget(name)
	}

	g.manager.ApplyDiff(event.Snapshot, event.Diff)

	logging.Info("App", "Config reloaded: %d added, %d removed, %d changed",
		len(event.Diff.Added), len(event.Diff.Removed), len(event.Diff.Changed))
}

func (g *Gateway) shutdown() {
	logging.Info("App", "Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := g.server.Stop(shutdownCtx); err != nil {
		logging.Error("App", err, "Error stopping inbound server")
	}
	g.watcher.Stop()
	g.manager.Stop()
	g.store.Shutdown()
}
