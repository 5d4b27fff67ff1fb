package upstream

import (
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"onemcp/internal/config"
)

// Status is the lifecycle state of one outbound connection.
type Status int

const (
	StatusPending Status = iota
	StatusConnecting
	StatusAwaitingOAuth
	StatusConnected
	StatusDisconnected
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusConnecting:
		return "connecting"
	case StatusAwaitingOAuth:
		return "awaiting_oauth"
	case StatusConnected:
		return "connected"
	case StatusDisconnected:
		return "disconnected"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Capability names a server-side MCP capability group used by the
// execute guard.
type Capability string

const (
	CapabilityTools       Capability = "tools"
	CapabilityResources   Capability = "resources"
	CapabilityPrompts     Capability = "prompts"
	CapabilityCompletions Capability = "completions"
	CapabilityLogging     Capability = "logging"
)

// Connection tracks one upstream server: its spec, live client, status and
// restart bookkeeping. The manager owns the lifecycle; readers take the
// accessors.
type Connection struct {
	mu sync.RWMutex

	spec *config.ServerSpec

	client          Client
	status          Status
	lastError       error
	lastConnectedAt time.Time

	// restartCount counts stdio respawns since the last Connected state.
	restartCount int

	// disconnecting suppresses restart and reconnect handling while the
	// manager tears the connection down.
	disconnecting bool

	cancel func()
}

func newConnection(spec *config.ServerSpec) *Connection {
	return &Connection{spec: spec, status: StatusPending}
}

// Name returns the configured server name.
func (c *Connection) Name() string { return c.spec.Name }

// Spec returns the connection's server spec. Specs are immutable.
func (c *Connection) Spec() *config.ServerSpec { return c.spec }

// Status returns the current lifecycle state.
func (c *Connection) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// Client returns the live client, or nil unless Connected.
func (c *Connection) Client() Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.status != StatusConnected {
		return nil
	}
	return c.client
}

// LastError returns the most recent connection error, if any.
func (c *Connection) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastError
}

// LastConnectedAt returns when the connection last reached Connected.
func (c *Connection) LastConnectedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastConnectedAt
}

// HasCapability reports whether the connected server advertises the
// capability. Before the handshake completes every capability is absent.
func (c *Connection) HasCapability(capability Capability) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.client == nil {
		return false
	}
	result := c.client.InitializeResult()
	if result == nil {
		return false
	}
	return capabilityAdvertised(&result.Capabilities, capability)
}

func capabilityAdvertised(caps *mcp.ServerCapabilities, capability Capability) bool {
	switch capability {
	case CapabilityTools:
		return caps.Tools != nil
	case CapabilityResources:
		return caps.Resources != nil
	case CapabilityPrompts:
		return caps.Prompts != nil
	case CapabilityCompletions:
		return caps.Completions != nil
	case CapabilityLogging:
		return caps.Logging != nil
	default:
		return false
	}
}

// Instructions returns the server's initialize-time instructions text.
func (c *Connection) Instructions() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.client == nil {
		return ""
	}
	result := c.client.InitializeResult()
	if result == nil {
		return ""
	}
	return result.Instructions
}

func (c *Connection) setStatus(status Status, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = status
	c.lastError = err
}

func (c *Connection) markConnected(client Client) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.client = client
	c.status = StatusConnected
	c.lastError = nil
	c.lastConnectedAt = time.Now()
	c.restartCount = 0
}

func (c *Connection) isDisconnecting() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.disconnecting
}
