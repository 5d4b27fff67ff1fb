package upstream

import (
	"context"
	"fmt"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
)

// clientName and clientVersion identify the gateway in the MCP handshake.
// Upstream servers see this in clientInfo; the gateway checks the mirror
// field of the server's response for circular wiring.
const (
	clientName    = "1mcp"
	clientVersion = "1.0.0"
)

// Client is the transport-independent view of one upstream MCP server.
// All transports (stdio, streamable-http, sse) implement it, which keeps
// the connection manager and the aggregator free of transport knowledge
// and makes tests trivial to mock.
type Client interface {
	// Initialize establishes the connection and performs the MCP handshake.
	Initialize(ctx context.Context) (*mcp.InitializeResult, error)
	// Close cleanly shuts down the client connection.
	Close() error
	// OnNotification registers a handler for server-initiated notifications.
	// Must be called before Initialize; handlers survive reconnects.
	OnNotification(handler func(mcp.JSONRPCNotification))

	ListTools(ctx context.Context) ([]mcp.Tool, error)
	CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error)
	ListResources(ctx context.Context) ([]mcp.Resource, error)
	ListResourceTemplates(ctx context.Context) ([]mcp.ResourceTemplate, error)
	ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error)
	ListPrompts(ctx context.Context) ([]mcp.Prompt, error)
	GetPrompt(ctx context.Context, name string, args map[string]string) (*mcp.GetPromptResult, error)
	Complete(ctx context.Context, request mcp.CompleteRequest) (*mcp.CompleteResult, error)
	SetLevel(ctx context.Context, level mcp.LoggingLevel) error
	Ping(ctx context.Context) error

	// SendNotification forwards a client-originated notification to the
	// server. Used for bridging agent notifications downstream.
	SendNotification(ctx context.Context, notification mcp.JSONRPCNotification) error

	// InitializeResult returns the handshake result, or nil before the
	// first successful Initialize.
	InitializeResult() *mcp.InitializeResult
}

var (
	_ Client = (*StdioClient)(nil)
	_ Client = (*SSEClient)(nil)
	_ Client = (*StreamableHTTPClient)(nil)
)

// baseClient carries the protocol operations shared by every transport.
// The embedding transport type owns connection establishment.
type baseClient struct {
	mu        sync.RWMutex
	client    client.MCPClient
	connected bool

	initResult *mcp.InitializeResult
	handlers   []func(mcp.JSONRPCNotification)
}

func (b *baseClient) checkConnected() error {
	if !b.connected || b.client == nil {
		return fmt.Errorf("client not connected")
	}
	return nil
}

// adopt stores a freshly initialized mcp-go client and wires the pending
// notification handlers. Caller holds the write lock.
func (b *baseClient) adopt(mcpClient client.MCPClient, result *mcp.InitializeResult) {
	b.client = mcpClient
	b.initResult = result
	b.connected = true
	for _, handler := range b.handlers {
		mcpClient.OnNotification(handler)
	}
}

func (b *baseClient) OnNotification(handler func(mcp.JSONRPCNotification)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, handler)
	if b.connected && b.client != nil {
		b.client.OnNotification(handler)
	}
}

func (b *baseClient) InitializeResult() *mcp.InitializeResult {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.initResult
}

func (b *baseClient) closeClient() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.connected || b.client == nil {
		return nil
	}

	err := b.client.Close()
	b.connected = false
	b.client = nil

	return err
}

// initializeRequest is the common handshake request.
func initializeRequest() mcp.InitializeRequest {
	return mcp.InitializeRequest{
		Params: struct {
			ProtocolVersion string                 `json:"protocolVersion"`
			Capabilities    mcp.ClientCapabilities `json:"capabilities"`
			ClientInfo      mcp.Implementation     `json:"clientInfo"`
		}{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			ClientInfo: mcp.Implementation{
				Name:    clientName,
				Version: clientVersion,
			},
			Capabilities: mcp.ClientCapabilities{},
		},
	}
}

func (b *baseClient) listTools(ctx context.Context) ([]mcp.Tool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.checkConnected(); err != nil {
		return nil, err
	}

	result, err := b.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}
	return result.Tools, nil
}

func (b *baseClient) callTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.checkConnected(); err != nil {
		return nil, err
	}

	result, err := b.client.CallTool(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to call tool: %w", err)
	}
	return result, nil
}

func (b *baseClient) listResources(ctx context.Context) ([]mcp.Resource, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.checkConnected(); err != nil {
		return nil, err
	}

	result, err := b.client.ListResources(ctx, mcp.ListResourcesRequest{})
	if err != nil {
		return nil, fmt.Errorf("failed to list resources: %w", err)
	}
	return result.Resources, nil
}

func (b *baseClient) listResourceTemplates(ctx context.Context) ([]mcp.ResourceTemplate, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.checkConnected(); err != nil {
		return nil, err
	}

	result, err := b.client.ListResourceTemplates(ctx, mcp.ListResourceTemplatesRequest{})
	if err != nil {
		return nil, fmt.Errorf("failed to list resource templates: %w", err)
	}
	return result.ResourceTemplates, nil
}

func (b *baseClient) readResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.checkConnected(); err != nil {
		return nil, err
	}

	result, err := b.client.ReadResource(ctx, mcp.ReadResourceRequest{
		Params: struct {
			URI       string         `json:"uri"`
			Arguments map[string]any `json:"arguments,omitempty"`
		}{
			URI: uri,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read resource: %w", err)
	}
	return result, nil
}

func (b *baseClient) listPrompts(ctx context.Context) ([]mcp.Prompt, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.checkConnected(); err != nil {
		return nil, err
	}

	result, err := b.client.ListPrompts(ctx, mcp.ListPromptsRequest{})
	if err != nil {
		return nil, fmt.Errorf("failed to list prompts: %w", err)
	}
	return result.Prompts, nil
}

func (b *baseClient) getPrompt(ctx context.Context, name string, args map[string]string) (*mcp.GetPromptResult, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.checkConnected(); err != nil {
		return nil, err
	}

	result, err := b.client.GetPrompt(ctx, mcp.GetPromptRequest{
		Params: struct {
			Name      string            `json:"name"`
			Arguments map[string]string `json:"arguments,omitempty"`
		}{
			Name:      name,
			Arguments: args,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get prompt: %w", err)
	}
	return result, nil
}

func (b *baseClient) complete(ctx context.Context, request mcp.CompleteRequest) (*mcp.CompleteResult, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.checkConnected(); err != nil {
		return nil, err
	}

	result, err := b.client.Complete(ctx, request)
	if err != nil {
		return nil, fmt.Errorf("failed to complete: %w", err)
	}
	return result, nil
}

func (b *baseClient) setLevel(ctx context.Context, level mcp.LoggingLevel) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.checkConnected(); err != nil {
		return err
	}

	return b.client.SetLevel(ctx, mcp.SetLevelRequest{
		Params: struct {
			Level mcp.LoggingLevel `json:"level"`
		}{
			Level: level,
		},
	})
}

func (b *baseClient) sendNotification(ctx context.Context, notification mcp.JSONRPCNotification) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.checkConnected(); err != nil {
		return err
	}

	// Raw notification sending is a transport-level operation; the high
	// level MCPClient interface does not expose it.
	concrete, ok := b.client.(*client.Client)
	if !ok {
		return fmt.Errorf("client does not support raw notifications")
	}
	return concrete.GetTransport().SendNotification(ctx, notification)
}

func (b *baseClient) ping(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.checkConnected(); err != nil {
		return err
	}

	return b.client.Ping(ctx)
}
