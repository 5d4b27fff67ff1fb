package aggregator

import (
	"context"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"onemcp/internal/filter"
	"onemcp/internal/upstream"
)

// sessionFilter returns the filter of the inbound session driving ctx.
// Falls back to the request-scoped filter (pre-registration requests) and
// finally to match-all.
func (s *Server) sessionFilter(ctx context.Context) *filter.Expression {
	if cs := server.ClientSessionFromContext(ctx); cs != nil {
		if session, ok := s.sessions.Get(cs.SessionID()); ok {
			return session.Filter
		}
	}
	return FilterFromContext(ctx)
}

// sessionAllows reports whether the calling session's filter selects the
// named upstream.
func (s *Server) sessionAllows(ctx context.Context, serverName string) bool {
	return s.registry.Selects(s.sessionFilter(ctx), serverName)
}

// translateUpstreamError rewrites forwarding failures into messages fit for
// an agent. Auth failures name the server so the agent can tell the user
// which login expired; tokens never appear in the message.
func translateUpstreamError(operation, serverName string, err error) error {
	switch {
	case errors.Is(err, &upstream.AuthRequiredError{}):
		return fmt.Errorf("authentication to %s expired - please re-authenticate and try again", serverName)
	case errors.Is(err, upstream.ErrNotFound), errors.Is(err, upstream.ErrNotConnected):
		return fmt.Errorf("server %s not available: %w", serverName, err)
	default:
		return fmt.Errorf("%s failed: %w", operation, err)
	}
}

// toolHandlerFactory builds the inbound handler for one exposed tool name.
// The handler resolves the origin server, enforces the session filter and
// forwards the call with the original tool name.
func toolHandlerFactory(s *Server, exposedName string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		serverName, originalName, ok := Unmangle(exposedName)
		if !ok {
			return nil, fmt.Errorf("tool %s is not available", exposedName)
		}
		if !s.sessionAllows(ctx, serverName) {
			return nil, fmt.Errorf("tool %s is not available", exposedName)
		}

		args := make(map[string]interface{})
		if req.Params.Arguments != nil {
			if argsMap, ok := req.Params.Arguments.(map[string]interface{}); ok {
				args = argsMap
			}
		}

		result, err := s.manager.Execute(ctx, serverName,
			upstream.ExecuteOptions{RequiredCapability: upstream.CapabilityTools},
			func(ctx context.Context, c upstream.Client) (interface{}, error) {
				return c.CallTool(ctx, originalName, args)
			})
		if err != nil {
			return nil, translateUpstreamError("tool execution", serverName, err)
		}
		return result.(*mcp.CallToolResult), nil
	}
}

// promptHandlerFactory builds the inbound handler for one exposed prompt.
func promptHandlerFactory(s *Server, exposedName string) server.PromptHandlerFunc {
	return func(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
		serverName, originalName, ok := Unmangle(exposedName)
		if !ok {
			return nil, fmt.Errorf("prompt %s is not available", exposedName)
		}
		if !s.sessionAllows(ctx, serverName) {
			return nil, fmt.Errorf("prompt %s is not available", exposedName)
		}

		result, err := s.manager.Execute(ctx, serverName,
			upstream.ExecuteOptions{RequiredCapability: upstream.CapabilityPrompts},
			func(ctx context.Context, c upstream.Client) (interface{}, error) {
				return c.GetPrompt(ctx, originalName, req.Params.Arguments)
			})
		if err != nil {
			return nil, translateUpstreamError("prompt retrieval", serverName, err)
		}
		return result.(*mcp.GetPromptResult), nil
	}
}

// resourceHandlerFactory builds the inbound read handler for exposed
// resources. The same handler serves template-matched reads: the requested
// URI carries the origin server tag, so resolution works off the request
// rather than a closed-over URI.
func resourceHandlerFactory(s *Server) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		serverName, originalURI, ok := UnmangleURI(req.Params.URI)
		if !ok {
			return nil, fmt.Errorf("resource %s is not available", req.Params.URI)
		}
		if !s.sessionAllows(ctx, serverName) {
			return nil, fmt.Errorf("resource %s is not available", req.Params.URI)
		}

		result, err := s.manager.Execute(ctx, serverName,
			upstream.ExecuteOptions{RequiredCapability: upstream.CapabilityResources},
			func(ctx context.Context, c upstream.Client) (interface{}, error) {
				return c.ReadResource(ctx, originalURI)
			})
		if err != nil {
			return nil, translateUpstreamError("resource read", serverName, err)
		}
		return remangleContents(serverName, result.(*mcp.ReadResourceResult).Contents), nil
	}
}

// remangleContents rewrites the URIs inside read results back to their
// exposed form so follow-up reads and subscriptions keep working through
// the gateway.
func remangleContents(serverName string, contents []mcp.ResourceContents) []mcp.ResourceContents {
	out := make([]mcp.ResourceContents, 0, len(contents))
	for _, content := range contents {
		switch c := content.(type) {
		case mcp.TextResourceContents:
			c.URI = MangleURI(serverName, c.URI)
			out = append(out, c)
		case mcp.BlobResourceContents:
			c.URI = MangleURI(serverName, c.URI)
			out = append(out, c)
		default:
			out = append(out, content)
		}
	}
	return out
}
