package upstream

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"onemcp/pkg/logging"
)

// StdioClient runs an upstream MCP server as a child process and speaks
// the protocol over its stdin/stdout. stderr is drained into the logger.
type StdioClient struct {
	baseClient
	name    string
	command string
	args    []string
	cwd     string
	env     []string
}

// NewStdioClient creates a stdio-based MCP client. env is the fully
// computed child environment (see ComputeEnv).
func NewStdioClient(name, command string, args []string, cwd string, env []string) *StdioClient {
	return &StdioClient{
		name:    name,
		command: command,
		args:    args,
		cwd:     cwd,
		env:     env,
	}
}

// Initialize spawns the child process and performs the MCP handshake.
func (c *StdioClient) Initialize(ctx context.Context) (*mcp.InitializeResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return c.initResult, nil
	}

	logging.Debug("StdioClient", "Spawning %s: %s %v", c.name, c.command, c.args)

	var opts []transport.StdioOption
	if c.cwd != "" {
		cwd := c.cwd
		opts = append(opts, transport.WithCommandFunc(
			func(ctx context.Context, command string, env []string, args []string) (*exec.Cmd, error) {
				cmd := exec.CommandContext(ctx, command, args...)
				cmd.Env = env
				cmd.Dir = cwd
				return cmd, nil
			}))
	}

	mcpClient, err := client.NewStdioMCPClientWithOptions(c.command, c.env, c.args, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create stdio client: %w", err)
	}

	c.drainStderr(mcpClient)

	initCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		initCtx, cancel = context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
	}

	initResult, err := mcpClient.Initialize(initCtx, initializeRequest())
	if err != nil {
		if closeErr := mcpClient.Close(); closeErr != nil {
			logging.Debug("StdioClient", "Error closing failed client for %s: %v", c.name, closeErr)
		}
		return nil, fmt.Errorf("failed to initialize MCP protocol: %w", err)
	}

	c.adopt(mcpClient, initResult)

	logging.Debug("StdioClient", "%s initialized. Server: %s, Version: %s",
		c.name, initResult.ServerInfo.Name, initResult.ServerInfo.Version)

	return initResult, nil
}

// drainStderr forwards the child's stderr lines to the logger at warn.
// The goroutine exits when the process closes its stderr.
func (c *StdioClient) drainStderr(mcpClient *client.Client) {
	stderr, ok := client.GetStderr(mcpClient)
	if !ok || stderr == nil {
		return
	}

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			if line := scanner.Text(); line != "" {
				logging.Warn("StdioClient", "[%s stderr] %s", c.name, line)
			}
		}
		if err := scanner.Err(); err != nil && err != io.EOF {
			logging.Debug("StdioClient", "stderr stream for %s ended: %v", c.name, err)
		}
	}()
}

func (c *StdioClient) Close() error {
	return c.closeClient()
}

func (c *StdioClient) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	return c.listTools(ctx)
}

func (c *StdioClient) CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	return c.callTool(ctx, name, args)
}

func (c *StdioClient) ListResources(ctx context.Context) ([]mcp.Resource, error) {
	return c.listResources(ctx)
}

func (c *StdioClient) ListResourceTemplates(ctx context.Context) ([]mcp.ResourceTemplate, error) {
	return c.listResourceTemplates(ctx)
}

func (c *StdioClient) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	return c.readResource(ctx, uri)
}

func (c *StdioClient) ListPrompts(ctx context.Context) ([]mcp.Prompt, error) {
	return c.listPrompts(ctx)
}

func (c *StdioClient) GetPrompt(ctx context.Context, name string, args map[string]string) (*mcp.GetPromptResult, error) {
	return c.getPrompt(ctx, name, args)
}

func (c *StdioClient) Complete(ctx context.Context, request mcp.CompleteRequest) (*mcp.CompleteResult, error) {
	return c.complete(ctx, request)
}

func (c *StdioClient) SetLevel(ctx context.Context, level mcp.LoggingLevel) error {
	return c.setLevel(ctx, level)
}

func (c *StdioClient) Ping(ctx context.Context) error {
	return c.ping(ctx)
}

func (c *StdioClient) SendNotification(ctx context.Context, notification mcp.JSONRPCNotification) error {
	return c.sendNotification(ctx, notification)
}
