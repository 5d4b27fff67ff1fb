package upstream

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"onemcp/pkg/logging"
)

// StreamableHTTPClient speaks MCP over the streamable-http transport.
// Headers (including any bearer token) are sent on every request.
type StreamableHTTPClient struct {
	baseClient
	name    string
	url     string
	headers map[string]string
}

// NewStreamableHTTPClient creates a streamable-http MCP client.
func NewStreamableHTTPClient(name, url string, headers map[string]string) *StreamableHTTPClient {
	if headers == nil {
		headers = make(map[string]string)
	}
	return &StreamableHTTPClient{
		name:    name,
		url:     url,
		headers: headers,
	}
}

// Initialize connects and performs the MCP handshake. A 401 during the
// handshake is returned as a typed AuthRequiredError so the connection
// manager can run the OAuth flow.
func (c *StreamableHTTPClient) Initialize(ctx context.Context) (*mcp.InitializeResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return c.initResult, nil
	}

	logging.Debug("StreamableHTTPClient", "Connecting %s to %s", c.name, c.url)

	var opts []transport.StreamableHTTPCOption
	if len(c.headers) > 0 {
		opts = append(opts, transport.WithHTTPHeaders(c.headers))
	}

	mcpClient, err := client.NewStreamableHttpClient(c.url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create streamable-http client: %w", err)
	}

	if err := mcpClient.Start(ctx); err != nil {
		if authErr := CheckForAuthRequiredError(err, c.url); authErr != nil {
			authErr.ServerName = c.name
			return nil, authErr
		}
		return nil, fmt.Errorf("failed to start streamable-http transport: %w", err)
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

	logging.Debug("StreamableHTTPClient", "%s initialized. Server: %s, Version: %s",
		c.name, initResult.ServerInfo.Name, initResult.ServerInfo.Version)

	return initResult, nil
}

func (c *StreamableHTTPClient) Close() error {
	return c.closeClient()
}

func (c *StreamableHTTPClient) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	return c.listTools(ctx)
}

func (c *StreamableHTTPClient) CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	return c.callTool(ctx, name, args)
}

func (c *StreamableHTTPClient) ListResources(ctx context.Context) ([]mcp.Resource, error) {
	return c.listResources(ctx)
}

func (c *StreamableHTTPClient) ListResourceTemplates(ctx context.Context) ([]mcp.ResourceTemplate, error) {
	return c.listResourceTemplates(ctx)
}

func (c *StreamableHTTPClient) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	return c.readResource(ctx, uri)
}

func (c *StreamableHTTPClient) ListPrompts(ctx context.Context) ([]mcp.Prompt, error) {
	return c.listPrompts(ctx)
}

func (c *StreamableHTTPClient) GetPrompt(ctx context.Context, name string, args map[string]string) (*mcp.GetPromptResult, error) {
	return c.getPrompt(ctx, name, args)
}

func (c *StreamableHTTPClient) Complete(ctx context.Context, request mcp.CompleteRequest) (*mcp.CompleteResult, error) {
	return c.complete(ctx, request)
}

func (c *StreamableHTTPClient) SetLevel(ctx context.Context, level mcp.LoggingLevel) error {
	return c.setLevel(ctx, level)
}

func (c *StreamableHTTPClient) Ping(ctx context.Context) error {
	return c.ping(ctx)
}

func (c *StreamableHTTPClient) SendNotification(ctx context.Context, notification mcp.JSONRPCNotification) error {
	return c.sendNotification(ctx, notification)
}
