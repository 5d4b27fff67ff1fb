package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"onemcp/internal/config"
	"onemcp/internal/oauth"
	"onemcp/internal/storage"
	pkgoauth "onemcp/pkg/oauth"
)

// fakeClient is a scriptable Client for manager tests.
type fakeClient struct {
	mu         sync.Mutex
	serverName string
	initErrs   []error // consumed per Initialize call; nil entry = success
	initCalls  int
	pingErrs   []error // consumed per Ping call; nil entry = success
	pingCalls  int
	closed     bool
	handlers   []func(mcp.JSONRPCNotification)
	tools      []mcp.Tool
}

func (f *fakeClient) Initialize(ctx context.Context) (*mcp.InitializeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	call := f.initCalls
	f.initCalls++
	if call < len(f.initErrs) && f.initErrs[call] != nil {
		return nil, f.initErrs[call]
	}
	return f.initResultLocked(), nil
}

func (f *fakeClient) initResultLocked() *mcp.InitializeResult {
	var caps mcp.ServerCapabilities
	json.Unmarshal([]byte(`{"tools": {"listChanged": true}, "logging": {}}`), &caps)
	return &mcp.InitializeResult{
		ServerInfo:   mcp.Implementation{Name: f.serverName, Version: "1.0.0"},
		Capabilities: caps,
	}
}

func (f *fakeClient) InitializeResult() *mcp.InitializeResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.initResultLocked()
}

func (f *fakeClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeClient) OnNotification(handler func(mcp.JSONRPCNotification)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = append(f.handlers, handler)
}

func (f *fakeClient) emit(notification mcp.JSONRPCNotification) {
	f.mu.Lock()
	handlers := append([]func(mcp.JSONRPCNotification){}, f.handlers...)
	f.mu.Unlock()
	for _, h := range handlers {
		h(notification)
	}
}

func (f *fakeClient) ListTools(ctx context.Context) ([]mcp.Tool, error) { return f.tools, nil }
func (f *fakeClient) CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	return &mcp.CallToolResult{}, nil
}
func (f *fakeClient) ListResources(ctx context.Context) ([]mcp.Resource, error) { return nil, nil }
func (f *fakeClient) ListResourceTemplates(ctx context.Context) ([]mcp.ResourceTemplate, error) {
	return nil, nil
}
func (f *fakeClient) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	return &mcp.ReadResourceResult{}, nil
}
func (f *fakeClient) ListPrompts(ctx context.Context) ([]mcp.Prompt, error) { return nil, nil }
func (f *fakeClient) GetPrompt(ctx context.Context, name string, args map[string]string) (*mcp.GetPromptResult, error) {
	return &mcp.GetPromptResult{}, nil
}
func (f *fakeClient) Complete(ctx context.Context, request mcp.CompleteRequest) (*mcp.CompleteResult, error) {
	return &mcp.CompleteResult{}, nil
}
func (f *fakeClient) SetLevel(ctx context.Context, level mcp.LoggingLevel) error { return nil }
func (f *fakeClient) SendNotification(ctx context.Context, notification mcp.JSONRPCNotification) error {
	return nil
}
func (f *fakeClient) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	call := f.pingCalls
	f.pingCalls++
	if call < len(f.pingErrs) && f.pingErrs[call] != nil {
		return f.pingErrs[call]
	}
	return nil
}

func stdioSpec(name string) *config.ServerSpec {
	return &config.ServerSpec{Name: name, Kind: config.KindStdio, Command: "srv"}
}

func snapshotOf(specs ...*config.ServerSpec) *config.Snapshot {
	snapshot := config.EmptySnapshot()
	for _, spec := range specs {
		snapshot.Servers[spec.Name] = spec
	}
	return snapshot
}

func waitForStatus(t *testing.T, m *Manager, name string, want Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		conn, ok := m.Get(name)
		return ok && conn.Status() == want
	}, 5*time.Second, 10*time.Millisecond, "server %s never reached %s", name, want)
}

func TestManager_ConnectsServer(t *testing.T) {
	fake := &fakeClient{serverName: "github-upstream"}
	m := NewManager(WithClientFactory(func(spec *config.ServerSpec, bearer string) (Client, error) {
		return fake, nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx, snapshotOf(stdioSpec("github")))
	defer m.Stop()

	waitForStatus(t, m, "github", StatusConnected)

	conn, _ := m.Get("github")
	assert.True(t, conn.HasCapability(CapabilityTools))
	assert.False(t, conn.HasCapability(CapabilityPrompts))
	assert.False(t, conn.LastConnectedAt().IsZero())
}

func TestManager_CircularDependency(t *testing.T) {
	fake := &fakeClient{serverName: "1mcp"}
	m := NewManager(WithClientFactory(func(spec *config.ServerSpec, bearer string) (Client, error) {
		return fake, nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx, snapshotOf(stdioSpec("loopy")))
	defer m.Stop()

	waitForStatus(t, m, "loopy", StatusError)

	conn, _ := m.Get("loopy")
	assert.ErrorIs(t, conn.LastError(), ErrCircularDependency)
}

func TestManager_RetriesWithBackoffThenErrors(t *testing.T) {
	var attempts atomic.Int32
	m := NewManager(
		WithRetryPolicy(time.Millisecond, 3),
		WithClientFactory(func(spec *config.ServerSpec, bearer string) (Client, error) {
			attempts.Add(1)
			return &fakeClient{
				serverName: spec.Name,
				initErrs:   []error{fmt.Errorf("connection refused")},
			}, nil
		}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx, snapshotOf(stdioSpec("down")))
	defer m.Stop()

	waitForStatus(t, m, "down", StatusError)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestManager_DisabledServerNotStarted(t *testing.T) {
	m := NewManager(WithClientFactory(func(spec *config.ServerSpec, bearer string) (Client, error) {
		t.Fatal("factory must not be called for disabled servers")
		return nil, nil
	}))

	spec := stdioSpec("off")
	spec.Disabled = true

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx, snapshotOf(spec))
	defer m.Stop()

	_, ok := m.Get("off")
	assert.False(t, ok)
}

func TestManager_Execute(t *testing.T) {
	fake := &fakeClient{serverName: "srv", tools: []mcp.Tool{{Name: "search"}}}
	m := NewManager(WithClientFactory(func(spec *config.ServerSpec, bearer string) (Client, error) {
		return fake, nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx, snapshotOf(stdioSpec("github")))
	defer m.Stop()
	waitForStatus(t, m, "github", StatusConnected)

	result, err := m.Execute(ctx, "github", ExecuteOptions{RequiredCapability: CapabilityTools},
		func(ctx context.Context, c Client) (interface{}, error) {
			return c.ListTools(ctx)
		})
	require.NoError(t, err)
	assert.Len(t, result.([]mcp.Tool), 1)

	_, err = m.Execute(ctx, "missing", ExecuteOptions{}, nil)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = m.Execute(ctx, "github", ExecuteOptions{RequiredCapability: CapabilityPrompts},
		func(ctx context.Context, c Client) (interface{}, error) { return nil, nil })
	assert.ErrorIs(t, err, ErrCapabilityMissing)
}

func TestManager_ExecuteRetriesTransientErrors(t *testing.T) {
	fake := &fakeClient{serverName: "srv"}
	m := NewManager(WithClientFactory(func(spec *config.ServerSpec, bearer string) (Client, error) {
		return fake, nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx, snapshotOf(stdioSpec("github")))
	defer m.Stop()
	waitForStatus(t, m, "github", StatusConnected)

	var calls int
	result, err := m.Execute(ctx, "github",
		ExecuteOptions{RetryCount: 2, RetryDelay: time.Millisecond},
		func(ctx context.Context, c Client) (interface{}, error) {
			calls++
			if calls < 3 {
				return nil, errors.New("transient")
			}
			return "ok", nil
		})
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 3, calls)
}

func TestManager_ApplyDiff(t *testing.T) {
	var mu sync.Mutex
	clients := map[string]*fakeClient{}
	m := NewManager(WithClientFactory(func(spec *config.ServerSpec, bearer string) (Client, error) {
		mu.Lock()
		defer mu.Unlock()
		fake := &fakeClient{serverName: spec.Name + "-upstream"}
		clients[spec.Name] = fake
		return fake, nil
	}))

	var changed []string
	var changedMu sync.Mutex
	m.SetChangeHandler(func(name string) {
		changedMu.Lock()
		changed = append(changed, name)
		changedMu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	old := snapshotOf(stdioSpec("keep"), stdioSpec("drop"))
	m.Start(ctx, old)
	defer m.Stop()
	waitForStatus(t, m, "keep", StatusConnected)
	waitForStatus(t, m, "drop", StatusConnected)

	next := snapshotOf(stdioSpec("keep"), stdioSpec("fresh"))
	m.ApplyDiff(next, &config.Diff{Added: []string{"fresh"}, Removed: []string{"drop"}})

	waitForStatus(t, m, "fresh", StatusConnected)

	_, ok := m.Get("drop")
	assert.False(t, ok)
	mu.Lock()
	assert.True(t, clients["drop"].closed, "removed server's client must be closed")
	mu.Unlock()

	changedMu.Lock()
	assert.Contains(t, changed, "drop")
	assert.Contains(t, changed, "fresh")
	changedMu.Unlock()
}

func TestManager_StdioRestartsAfterDrop(t *testing.T) {
	var factoryCalls atomic.Int32
	m := NewManager(WithClientFactory(func(spec *config.ServerSpec, bearer string) (Client, error) {
		call := factoryCalls.Add(1)
		fake := &fakeClient{serverName: spec.Name + "-upstream"}
		if call == 1 {
			// The first process drops after connecting.
			fake.pingErrs = []error{errors.New("broken pipe")}
		}
		return fake, nil
	}))
	m.healthInterval = 5 * time.Millisecond

	spec := stdioSpec("flaky")
	spec.RestartOnExit = true
	spec.RestartDelay = 1
	three := 3
	spec.MaxRestarts = &three

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx, snapshotOf(spec))
	defer m.Stop()

	require.Eventually(t, func() bool {
		return factoryCalls.Load() >= 2
	}, 5*time.Second, 10*time.Millisecond, "dropped stdio server was never respawned")
	waitForStatus(t, m, "flaky", StatusConnected)

	// The counter resets on successful reconnect, so a long-lived flaky
	// server never exhausts its budget.
	conn, _ := m.Get("flaky")
	conn.mu.RLock()
	restarts := conn.restartCount
	conn.mu.RUnlock()
	assert.Equal(t, 0, restarts)
}

func TestManager_StdioMaxRestartsExhausted(t *testing.T) {
	var factoryCalls atomic.Int32
	m := NewManager(WithClientFactory(func(spec *config.ServerSpec, bearer string) (Client, error) {
		factoryCalls.Add(1)
		return &fakeClient{
			serverName: spec.Name + "-upstream",
			pingErrs:   []error{errors.New("broken pipe")},
		}, nil
	}))
	m.healthInterval = 5 * time.Millisecond

	spec := stdioSpec("doomed")
	spec.RestartOnExit = true
	spec.RestartDelay = 1
	zero := 0
	spec.MaxRestarts = &zero

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx, snapshotOf(spec))
	defer m.Stop()

	waitForStatus(t, m, "doomed", StatusError)

	conn, _ := m.Get("doomed")
	assert.ErrorContains(t, conn.LastError(), "exceeded maxRestarts")
	assert.Equal(t, int32(1), factoryCalls.Load(), "exhausted server must not be respawned")
}

func TestManager_StdioExitWithoutRestartPolicy(t *testing.T) {
	var factoryCalls atomic.Int32
	m := NewManager(WithClientFactory(func(spec *config.ServerSpec, bearer string) (Client, error) {
		factoryCalls.Add(1)
		return &fakeClient{
			serverName: spec.Name + "-upstream",
			pingErrs:   []error{errors.New("broken pipe")},
		}, nil
	}))
	m.healthInterval = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx, snapshotOf(stdioSpec("oneshot")))
	defer m.Stop()

	waitForStatus(t, m, "oneshot", StatusError)

	conn, _ := m.Get("oneshot")
	assert.ErrorContains(t, conn.LastError(), "exited")
	assert.Equal(t, int32(1), factoryCalls.Load())
}

func TestManager_OAuthSuccessRestoresRetryBudget(t *testing.T) {
	var ts *httptest.Server
	ts = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/.well-known/oauth-authorization-server":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"issuer":                           ts.URL,
				"authorization_endpoint":           ts.URL + "/authorize",
				"token_endpoint":                   ts.URL + "/token",
				"registration_endpoint":            ts.URL + "/register",
				"code_challenge_methods_supported": []string{"S256"},
			})
		case "/register":
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(map[string]interface{}{"client_id": "client-123"})
		case "/token":
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]interface{}{
				"access_token": "at-1",
				"token_type":   "Bearer",
				"expires_in":   3600,
			})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(ts.Close)

	store, err := storage.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(store.Shutdown)
	flow := oauth.NewFlow(store, pkgoauth.NewClient(), oauth.NewRendezvous(),
		"http://localhost:3050/oauth/callback")

	fake := &fakeClient{
		serverName: "secure-upstream",
		initErrs: []error{&AuthRequiredError{
			URL:       ts.URL,
			Challenge: &pkgoauth.AuthChallenge{Scheme: "Bearer", Realm: ts.URL},
		}},
	}
	// One attempt only: the post-authorization handshake must not count
	// against the budget the 401 already spent.
	m := NewManager(
		WithRetryPolicy(time.Millisecond, 1),
		WithOAuthFlow(flow),
		WithClientFactory(func(spec *config.ServerSpec, bearer string) (Client, error) {
			return fake, nil
		}))

	spec := &config.ServerSpec{Name: "secure", Kind: config.KindHTTP, URL: ts.URL}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx, snapshotOf(spec))
	defer m.Stop()

	waitForStatus(t, m, "secure", StatusAwaitingOAuth)

	var state string
	require.Eventually(t, func() bool {
		var record map[string]interface{}
		found, err := store.Read(storage.CategoryState, "secure", &record)
		if err != nil || !found {
			return false
		}
		state, _ = record["state"].(string)
		return state != ""
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, flow.HandleCallback("secure", "code-abc", state))

	waitForStatus(t, m, "secure", StatusConnected)
}

func TestManager_NotificationsTaggedWithOrigin(t *testing.T) {
	fake := &fakeClient{serverName: "srv"}
	m := NewManager(WithClientFactory(func(spec *config.ServerSpec, bearer string) (Client, error) {
		return fake, nil
	}))

	type tagged struct {
		server string
		method string
	}
	received := make(chan tagged, 1)
	m.SetNotificationHandler(func(serverName string, n mcp.JSONRPCNotification) {
		received <- tagged{serverName, n.Method}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx, snapshotOf(stdioSpec("github")))
	defer m.Stop()
	waitForStatus(t, m, "github", StatusConnected)

	fake.emit(mcp.JSONRPCNotification{
		Notification: mcp.Notification{Method: "notifications/resources/updated"},
	})

	select {
	case got := <-received:
		assert.Equal(t, "github", got.server)
		assert.Equal(t, "notifications/resources/updated", got.method)
	case <-time.After(time.Second):
		t.Fatal("notification was not forwarded")
	}
}
