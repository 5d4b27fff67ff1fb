package upstream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"onemcp/internal/config"
	"onemcp/internal/oauth"
	"onemcp/pkg/logging"
)

// Connect retry defaults: first delay doubles on each failure, up to
// DefaultMaxAttempts handshake attempts before the connection parks in
// Error state.
const (
	DefaultInitialRetryDelay = 1000 * time.Millisecond
	DefaultMaxAttempts       = 5

	// DefaultHealthInterval is how often Connected upstreams are pinged.
	DefaultHealthInterval = 30 * time.Second
)

// NotificationHandler receives upstream notifications tagged with their
// origin server.
type NotificationHandler func(serverName string, notification mcp.JSONRPCNotification)

// ChangeHandler is invoked whenever a connection's capability surface may
// have changed (connected, disconnected, removed).
type ChangeHandler func(serverName string)

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithOAuthFlow wires the outbound OAuth orchestrator. Without it, 401
// upstreams park in Error state.
func WithOAuthFlow(flow *oauth.Flow) ManagerOption {
	return func(m *Manager) { m.flow = flow }
}

// WithClientFactory substitutes the transport factory. Used by tests.
func WithClientFactory(factory ClientFactory) ManagerOption {
	return func(m *Manager) { m.factory = factory }
}

// WithRetryPolicy overrides the connect retry constants.
func WithRetryPolicy(initialDelay time.Duration, maxAttempts int) ManagerOption {
	return func(m *Manager) {
		m.initialDelay = initialDelay
		m.maxAttempts = maxAttempts
	}
}

// Manager owns one Connection per configured upstream server: it connects
// with retry, runs the OAuth flow on 401, supervises stdio restarts,
// applies config diffs, and executes operations against live clients.
type Manager struct {
	mu    sync.RWMutex
	conns map[string]*Connection

	flow           *oauth.Flow
	factory        ClientFactory
	initialDelay   time.Duration
	maxAttempts    int
	healthInterval time.Duration

	onNotification NotificationHandler
	onChange       ChangeHandler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a Manager. Call Start to begin connecting.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		conns:          make(map[string]*Connection),
		factory:        DefaultClientFactory,
		initialDelay:   DefaultInitialRetryDelay,
		maxAttempts:    DefaultMaxAttempts,
		healthInterval: DefaultHealthInterval,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetNotificationHandler registers the sink for upstream notifications.
// Must be called before Start.
func (m *Manager) SetNotificationHandler(handler NotificationHandler) {
	m.onNotification = handler
}

// SetChangeHandler registers the capability-change sink. Must be called
// before Start.
func (m *Manager) SetChangeHandler(handler ChangeHandler) {
	m.onChange = handler
}

// Start launches one connection goroutine per non-disabled spec. Attempts
// run concurrently; one server's backoff never blocks another's.
func (m *Manager) Start(ctx context.Context, snapshot *config.Snapshot) {
	m.ctx, m.cancel = context.WithCancel(ctx)

	for _, spec := range snapshot.Servers {
		if spec.Disabled {
			logging.Info("Upstream", "Server %s is disabled, skipping", spec.Name)
			continue
		}
		m.startConnection(spec)
	}
}

// Stop disconnects everything and waits for the connection goroutines.
func (m *Manager) Stop() {
	m.mu.Lock()
	names := make([]string, 0, len(m.conns))
	for name := range m.conns {
		names = append(names, name)
	}
	m.mu.Unlock()

	for _, name := range names {
		m.stopConnection(name)
	}
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// GetAll returns a point-in-time copy of the connection map.
func (m *Manager) GetAll() map[string]*Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := make(map[string]*Connection, len(m.conns))
	for name, conn := range m.conns {
		all[name] = conn
	}
	return all
}

// Get returns the connection for a server name.
func (m *Manager) Get(serverName string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.conns[serverName]
	return conn, ok
}

// ExecuteOptions tunes one Execute call.
type ExecuteOptions struct {
	// RequiredCapability fails fast when the server does not advertise it.
	RequiredCapability Capability

	// RetryCount is the number of additional attempts after the first.
	RetryCount int

	// RetryDelay between attempts; defaults to one second.
	RetryDelay time.Duration
}

// Execute runs op against the live client of serverName with the execute
// semantics: presence and connectedness checks, capability guard, bounded
// retry, cooperative cancellation, and the spec's operation timeout when
// the caller's context carries no deadline.
func (m *Manager) Execute(ctx context.Context, serverName string, opts ExecuteOptions, op func(ctx context.Context, c Client) (interface{}, error)) (interface{}, error) {
	conn, ok := m.Get(serverName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, serverName)
	}

	client := conn.Client()
	if client == nil {
		return nil, fmt.Errorf("%w: %s (status %s)", ErrNotConnected, serverName, conn.Status())
	}

	if opts.RequiredCapability != "" && !conn.HasCapability(opts.RequiredCapability) {
		return nil, fmt.Errorf("%w: %s lacks %s", ErrCapabilityMissing, serverName, opts.RequiredCapability)
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		timeout := time.Duration(conn.Spec().EffectiveTimeoutMs()) * time.Millisecond
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	retryDelay := opts.RetryDelay
	if retryDelay <= 0 {
		retryDelay = time.Second
	}

	var lastErr error
	for attempt := 0; attempt <= opts.RetryCount; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(retryDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		result, err := op(ctx, client)
		if err == nil {
			return result, nil
		}
		lastErr = err

		// Cancellation and auth failures are not transient; stop early.
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) ||
			errors.Is(err, &AuthRequiredError{}) {
			break
		}
	}

	return nil, lastErr
}

// ApplyDiff transitions the connection set from one config snapshot to the
// next: removed and changed servers are disconnected, added and changed
// servers are started fresh. Inbound sessions are untouched; the
// aggregator recomputes views from the new connection set.
func (m *Manager) ApplyDiff(snapshot *config.Snapshot, diff *config.Diff) {
	for _, name := range diff.Removed {
		logging.Info("Upstream", "Server %s removed from config, disconnecting", name)
		m.stopConnection(name)
		if m.flow != nil {
			m.flow.Forget(name)
		}
		m.notifyChange(name)
	}

	for _, name := range diff.Changed {
		logging.Info("Upstream", "Server %s changed, reconnecting", name)
		m.stopConnection(name)
		if spec := snapshot.Servers[name]; spec != nil && !spec.Disabled {
			m.startConnection(spec)
		}
		m.notifyChange(name)
	}

	for _, name := range diff.Added {
		logging.Info("Upstream", "Server %s added to config, connecting", name)
		if spec := snapshot.Servers[name]; spec != nil && !spec.Disabled {
			m.startConnection(spec)
		}
	}
}

func (m *Manager) startConnection(spec *config.ServerSpec) {
	conn := newConnection(spec)
	connCtx, cancel := context.WithCancel(m.ctx)
	conn.cancel = cancel

	m.mu.Lock()
	m.conns[spec.Name] = conn
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.runConnection(connCtx, conn)
	}()
}

// stopConnection tears a connection down and removes it from the map.
func (m *Manager) stopConnection(name string) {
	m.mu.Lock()
	conn, ok := m.conns[name]
	if ok {
		delete(m.conns, name)
	}
	m.mu.Unlock()

	if !ok {
		return
	}

	conn.mu.Lock()
	conn.disconnecting = true
	client := conn.client
	conn.client = nil
	conn.status = StatusDisconnected
	conn.mu.Unlock()

	if conn.cancel != nil {
		conn.cancel()
	}
	if client != nil {
		if err := client.Close(); err != nil {
			logging.Debug("Upstream", "Error closing client for %s: %v", name, err)
		}
	}
}

// runConnection is the per-server lifecycle loop: connect with retry,
// supervise while connected, and handle stdio restarts. It exits when the
// connection is being torn down or has parked in Error state.
func (m *Manager) runConnection(ctx context.Context, conn *Connection) {
	spec := conn.Spec()

	for {
		client, err := m.connectWithRetry(ctx, conn)
		if err != nil {
			if ctx.Err() == nil && !conn.isDisconnecting() {
				conn.setStatus(StatusError, err)
				logging.Error("Upstream", err, "Server %s failed to connect", spec.Name)
			}
			return
		}

		conn.markConnected(client)
		logging.Info("Upstream", "Server %s connected", spec.Name)
		m.notifyChange(spec.Name)

		m.superviseConnection(ctx, conn, client)

		if ctx.Err() != nil || conn.isDisconnecting() {
			return
		}

		// The transport dropped underneath us.
		client.Close()
		conn.setStatus(StatusDisconnected, nil)
		m.notifyChange(spec.Name)

		if spec.Kind == config.KindStdio {
			if !m.shouldRestartStdio(conn) {
				return
			}
			select {
			case <-time.After(time.Duration(spec.EffectiveRestartDelayMs()) * time.Millisecond):
			case <-ctx.Done():
				return
			}
			logging.Info("Upstream", "Restarting %s (restart %d)", spec.Name, conn.restartCount)
		}
		// Remote transports reconnect immediately with fresh backoff.
	}
}

// connectWithRetry attempts the handshake with exponential backoff. A 401
// pivots into the OAuth flow; success there restores the full retry
// budget before the next handshake.
func (m *Manager) connectWithRetry(ctx context.Context, conn *Connection) (Client, error) {
	spec := conn.Spec()
	delay := m.initialDelay

	for attempt := 1; attempt <= m.maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		conn.setStatus(StatusConnecting, nil)

		client, err := m.buildAndInitialize(ctx, spec)
		if err == nil {
			result := client.InitializeResult()
			if result != nil && result.ServerInfo.Name == clientName {
				client.Close()
				return nil, fmt.Errorf("%w: %s", ErrCircularDependency, spec.Name)
			}
			return client, nil
		}

		var authErr *AuthRequiredError
		if errors.As(err, &authErr) {
			if m.flow == nil {
				return nil, fmt.Errorf("server %s requires OAuth but no flow is configured", spec.Name)
			}
			conn.setStatus(StatusAwaitingOAuth, err)
			logging.Info("Upstream", "Server %s requires authorization", spec.Name)

			if _, oauthErr := m.flow.Authorize(ctx, spec.Name, spec.URL, authErr.Challenge, spec.OAuth); oauthErr != nil {
				return nil, fmt.Errorf("authorization for %s failed: %w", spec.Name, oauthErr)
			}
			// Fresh token in hand; retry the handshake with a full budget.
			attempt = 0
			delay = m.initialDelay
			continue
		}

		if attempt == m.maxAttempts {
			return nil, fmt.Errorf("server %s: giving up after %d attempts: %w", spec.Name, attempt, err)
		}

		logging.Warn("Upstream", "Server %s connect attempt %d failed, retrying in %s: %v",
			spec.Name, attempt, delay, err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		delay *= 2
	}

	return nil, fmt.Errorf("server %s: retry budget exhausted", spec.Name)
}

func (m *Manager) buildAndInitialize(ctx context.Context, spec *config.ServerSpec) (Client, error) {
	var bearer string
	if m.flow != nil && (spec.Kind == config.KindHTTP || spec.Kind == config.KindSSE) {
		bearer, _ = m.flow.AccessToken(ctx, spec.Name)
	}

	client, err := m.factory(spec, bearer)
	if err != nil {
		return nil, err
	}

	if m.onNotification != nil {
		name := spec.Name
		client.OnNotification(func(notification mcp.JSONRPCNotification) {
			m.onNotification(name, notification)
		})
	}

	if _, err := client.Initialize(ctx); err != nil {
		var authErr *AuthRequiredError
		if errors.As(err, &authErr) {
			authErr.ServerName = spec.Name
		}
		return nil, err
	}
	return client, nil
}

// superviseConnection pings the upstream until it fails, the context ends,
// or teardown begins.
func (m *Manager) superviseConnection(ctx context.Context, conn *Connection, client Client) {
	ticker := time.NewTicker(m.healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if conn.isDisconnecting() {
				return
			}
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := client.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() == nil && !conn.isDisconnecting() {
					logging.Warn("Upstream", "Server %s stopped responding: %v", conn.Name(), err)
				}
				return
			}
		}
	}
}

// shouldRestartStdio consults the restart policy and bumps the counter.
func (m *Manager) shouldRestartStdio(conn *Connection) bool {
	spec := conn.Spec()
	if !spec.RestartOnExit {
		conn.setStatus(StatusError, fmt.Errorf("server %s exited", spec.Name))
		return false
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()

	if spec.MaxRestarts != nil && conn.restartCount >= *spec.MaxRestarts {
		conn.status = StatusError
		conn.lastError = fmt.Errorf("server %s exceeded maxRestarts (%d)", spec.Name, *spec.MaxRestarts)
		logging.Error("Upstream", conn.lastError, "Server %s will not be restarted", spec.Name)
		return false
	}

	conn.restartCount++
	return true
}

func (m *Manager) notifyChange(serverName string) {
	if m.onChange != nil {
		m.onChange(serverName)
	}
}
