package aggregator

import (
	"context"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"onemcp/internal/upstream"
	"onemcp/pkg/logging"
)

// HandleUpstreamNotification is wired as the connection manager's
// notification handler. List-changed notifications trigger a registry
// refresh; everything else is re-mangled, stamped with the origin server
// and relayed to every inbound session whose filter selects the origin.
func (s *Server) HandleUpstreamNotification(serverName string, notification mcp.JSONRPCNotification) {
	method := notification.Method

	if strings.HasSuffix(method, "list_changed") && strings.HasPrefix(method, "notifications/") {
		ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
		defer cancel()
		s.registry.Refresh(ctx, serverName)
		s.applyRegistryView()
		return
	}

	params := bridgeParams(serverName, notification.Params)
	s.relayToSessions(serverName, method, params)
}

// bridgeParams flattens notification params into a map, stamps the origin
// server and rewrites name and URI fields into their exposed form.
func bridgeParams(serverName string, params mcp.NotificationParams) map[string]interface{} {
	out := make(map[string]interface{}, len(params.AdditionalFields)+2)
	for k, v := range params.AdditionalFields {
		out[k] = v
	}
	if params.Meta != nil {
		out["_meta"] = params.Meta
	}

	if uri, ok := out["uri"].(string); ok && uri != "" {
		out["uri"] = MangleURI(serverName, uri)
	}
	if name, ok := out["name"].(string); ok && name != "" {
		out["name"] = Mangle(serverName, name)
	}

	out["server"] = serverName
	return out
}

// relayToSessions fans a notification out to the sessions whose filter
// selects the origin server.
func (s *Server) relayToSessions(serverName, method string, params map[string]interface{}) {
	for _, session := range s.sessions.All() {
		if !s.registry.Selects(session.Filter, serverName) {
			continue
		}
		if err := s.mcpServer.SendNotificationToSpecificClient(session.ID, method, params); err != nil {
			logging.Debug("Aggregator", "Failed to relay %s to session %s: %v",
				method, logging.TruncateSessionID(session.ID), err)
		}
	}
}

// ForwardClientNotification relays an agent-originated notification to the
// Connected upstreams the session's filter selects. Upstreams that are not
// Connected are skipped with a warning; the notification is not queued.
// The session is identified to upstreams by a truncated ID so the full
// inbound session handle never leaves the gateway.
func (s *Server) ForwardClientNotification(ctx context.Context, sessionID, method string, params map[string]interface{}) {
	f := s.sessions.FilterFor(sessionID)

	fields := make(map[string]interface{}, len(params)+1)
	for k, v := range params {
		fields[k] = v
	}
	fields["client"] = logging.TruncateSessionID(sessionID)

	notification := mcp.JSONRPCNotification{
		JSONRPC: mcp.JSONRPC_VERSION,
		Notification: mcp.Notification{
			Method: method,
			Params: mcp.NotificationParams{AdditionalFields: fields},
		},
	}

	for name, conn := range s.manager.GetAll() {
		if !f.Matches(conn.Spec().Tags) {
			continue
		}
		if conn.Status() != upstream.StatusConnected {
			logging.Warn("Aggregator", "Dropping %s for %s: server not connected", method, name)
			continue
		}
		client := conn.Client()
		if client == nil {
			continue
		}
		if err := client.SendNotification(ctx, notification); err != nil {
			logging.Warn("Aggregator", "Failed to forward %s to %s: %v", method, name, err)
		}
	}
}
