package upstream

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"onemcp/pkg/logging"
)

// SSEClient speaks MCP over the legacy SSE transport: a persistent
// server-sent-events channel for server-to-client messages and a
// companion POST endpoint for the other direction.
type SSEClient struct {
	baseClient
	name    string
	url     string
	headers map[string]string
}

// NewSSEClient creates an SSE-based MCP client.
func NewSSEClient(name, url string, headers map[string]string) *SSEClient {
	if headers == nil {
		headers = make(map[string]string)
	}
	return &SSEClient{
		name:    name,
		url:     url,
		headers: headers,
	}
}

// Initialize opens the SSE stream and performs the MCP handshake. The
// transport must be started before the handshake can run.
func (c *SSEClient) Initialize(ctx context.Context) (*mcp.InitializeResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return c.initResult, nil
	}

	logging.Debug("SSEClient", "Connecting %s to %s", c.name, c.url)

	var opts []transport.ClientOption
	if len(c.headers) > 0 {
		opts = append(opts, transport.WithHeaders(c.headers))
	}

	mcpClient, err := client.NewSSEMCPClient(c.url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create SSE client: %w", err)
	}

	if err := mcpClient.Start(ctx); err != nil {
		if authErr := CheckForAuthRequiredError(err, c.url); authErr != nil {
			authErr.ServerName = c.name
			return nil, authErr
		}
		return nil, fmt.Errorf("failed to start SSE transport: %w", err)
	}

	initResult, err := mcpClient.Initialize(ctx, initializeRequest())
	if err != nil {
		mcpClient.Close()
		if authErr := CheckForAuthRequiredError(err, c.url); authErr != nil {
			authErr.ServerName = c.name
			return nil, authErr
		}
		return nil, fmt.Errorf("failed to initialize MCP protocol: %w", err)
	}

	c.adopt(mcpClient, initResult)

	logging.Debug("SSEClient", "%s initialized. Server: %s, Version: %s",
		c.name, initResult.ServerInfo.Name, initResult.ServerInfo.Version)

	return initResult, nil
}

func (c *SSEClient) Close() error {
	return c.closeClient()
}

func (c *SSEClient) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	return c.listTools(ctx)
}

func (c *SSEClient) CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	return c.callTool(ctx, name, args)
}

func (c *SSEClient) ListResources(ctx context.Context) ([]mcp.Resource, error) {
	return c.listResources(ctx)
}

func (c *SSEClient) ListResourceTemplates(ctx context.Context) ([]mcp.ResourceTemplate, error) {
	return c.listResourceTemplates(ctx)
}

func (c *SSEClient) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	return c.readResource(ctx, uri)
}

func (c *SSEClient) ListPrompts(ctx context.Context) ([]mcp.Prompt, error) {
	return c.listPrompts(ctx)
}

func (c *SSEClient) GetPrompt(ctx context.Context, name string, args map[string]string) (*mcp.GetPromptResult, error) {
	return c.getPrompt(ctx, name, args)
}

func (c *SSEClient) Complete(ctx context.Context, request mcp.CompleteRequest) (*mcp.CompleteResult, error) {
	return c.complete(ctx, request)
}

func (c *SSEClient) SetLevel(ctx context.Context, level mcp.LoggingLevel) error {
	return c.setLevel(ctx, level)
}

func (c *SSEClient) Ping(ctx context.Context) error {
	return c.ping(ctx)
}

func (c *SSEClient) SendNotification(ctx context.Context, notification mcp.JSONRPCNotification) error {
	return c.sendNotification(ctx, notification)
}
