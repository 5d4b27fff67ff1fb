package aggregator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"

	"onemcp/internal/upstream"
	"onemcp/pkg/logging"
)

// maxInterceptBody caps the request body the intercept layer is willing to
// buffer before handing off to the MCP transport.
const maxInterceptBody = 4 << 20

// sessionIDHeader is the streamable-http session header.
const sessionIDHeader = "Mcp-Session-Id"

// rpcProbe is the minimal JSON-RPC envelope the intercept layer needs.
type rpcProbe struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// bridgedClientNotifications are the agent-originated notifications that
// get forwarded to the session's Connected upstreams.
// notifications/initialized is deliberately absent: every upstream already
// completed its own handshake, and a second initialized on a live session
// is a protocol violation.
var bridgedClientNotifications = map[string]bool{
	"notifications/cancelled":          true,
	"notifications/progress":           true,
	"notifications/roots/list_changed": true,
}

// interceptMiddleware handles the JSON-RPC methods the MCP library cannot
// route for us before the transport sees them: completion/complete is
// answered directly against the origin server, logging/setLevel is
// broadcast to the session's upstreams on its way through, and bridged
// client notifications are teed downstream. Everything else passes through
// untouched.
func (s *Server) interceptMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		probe, ok := s.probeRequest(w, r)
		if !ok {
			return
		}
		if probe == nil {
			next.ServeHTTP(w, r)
			return
		}

		sessionID := r.Header.Get(sessionIDHeader)

		switch {
		case probe.Method == "completion/complete" && len(probe.ID) > 0:
			s.handleComplete(w, r, sessionID, probe)
			return
		case probe.Method == "logging/setLevel":
			s.broadcastSetLevel(r.Context(), sessionID, probe.Params)
		case bridgedClientNotifications[probe.Method] && len(probe.ID) == 0:
			s.ForwardClientNotification(r.Context(), sessionID, probe.Method, decodeParams(probe.Params))
		}

		next.ServeHTTP(w, r)
	})
}

// notificationTeeMiddleware is the pass-through variant used on the SSE
// message endpoint, where replies travel over the event stream and direct
// responses are not possible. Only the notification tee applies.
func (s *Server) notificationTeeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		probe, ok := s.probeRequest(w, r)
		if !ok {
			return
		}
		if probe != nil {
			sessionID := r.URL.Query().Get("sessionId")
			switch {
			case probe.Method == "logging/setLevel":
				s.broadcastSetLevel(r.Context(), sessionID, probe.Params)
			case bridgedClientNotifications[probe.Method] && len(probe.ID) == 0:
				s.ForwardClientNotification(r.Context(), sessionID, probe.Method, decodeParams(probe.Params))
			}
		}
		next.ServeHTTP(w, r)
	})
}

// probeRequest buffers a POST body and decodes the JSON-RPC envelope. The
// body is restored so the wrapped transport can consume it again. Returns
// (nil, true) for requests that should pass straight through and
// (nil, false) when a response has already been written.
func (s *Server) probeRequest(w http.ResponseWriter, r *http.Request) (*rpcProbe, bool) {
	if r.Method != http.MethodPost || r.Body == nil {
		return nil, true
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxInterceptBody))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return nil, false
	}
	r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))

	var probe rpcProbe
	if err := json.Unmarshal(body, &probe); err != nil || probe.Method == "" {
		// Batches and malformed payloads are the transport's problem.
		return nil, true
	}
	return &probe, true
}

func decodeParams(raw json.RawMessage) map[string]interface{} {
	params := make(map[string]interface{})
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &params)
	}
	return params
}

// completeParams is the completion/complete request payload.
type completeParams struct {
	Ref struct {
		Type string `json:"type"`
		Name string `json:"name,omitempty"`
		URI  string `json:"uri,omitempty"`
	} `json:"ref"`
	Argument struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	} `json:"argument"`
}

// handleComplete routes a completion request to the origin server of the
// referenced prompt or resource template and answers it inline.
func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request, sessionID string, probe *rpcProbe) {
	var params completeParams
	if err := json.Unmarshal(probe.Params, &params); err != nil {
		writeRPCError(w, probe.ID, mcp.INVALID_PARAMS, "invalid completion params")
		return
	}

	var serverName, originalName, originalURI string
	switch params.Ref.Type {
	case "ref/prompt":
		name, local, ok := Unmangle(params.Ref.Name)
		if !ok {
			writeRPCError(w, probe.ID, mcp.INVALID_PARAMS,
				fmt.Sprintf("unknown prompt %s", params.Ref.Name))
			return
		}
		serverName, originalName = name, local
	case "ref/resource":
		name, local, ok := UnmangleURI(params.Ref.URI)
		if !ok {
			writeRPCError(w, probe.ID, mcp.INVALID_PARAMS,
				fmt.Sprintf("unknown resource %s", params.Ref.URI))
			return
		}
		serverName, originalURI = name, local
	default:
		writeRPCError(w, probe.ID, mcp.INVALID_PARAMS,
			fmt.Sprintf("unknown completion ref type %q", params.Ref.Type))
		return
	}

	f := s.sessions.FilterFor(sessionID)
	if !s.registry.Selects(f, serverName) {
		writeRPCError(w, probe.ID, mcp.INVALID_PARAMS, "completion target is not available")
		return
	}

	var req mcp.CompleteRequest
	if originalURI != "" {
		req.Params.Ref = mcp.ResourceReference{Type: "ref/resource", URI: originalURI}
	} else {
		req.Params.Ref = mcp.PromptReference{Type: "ref/prompt", Name: originalName}
	}
	req.Params.Argument.Name = params.Argument.Name
	req.Params.Argument.Value = params.Argument.Value

	result, err := s.manager.Execute(r.Context(), serverName,
		upstream.ExecuteOptions{RequiredCapability: upstream.CapabilityCompletions},
		func(ctx context.Context, c upstream.Client) (interface{}, error) {
			return c.Complete(ctx, req)
		})
	if err != nil {
		logging.Debug("Aggregator", "Completion against %s failed: %v", serverName, err)
		writeRPCError(w, probe.ID, mcp.INTERNAL_ERROR,
			translateUpstreamError("completion", serverName, err).Error())
		return
	}

	writeRPCResult(w, probe.ID, result)
}

// broadcastSetLevel relays a log-level change to every Connected upstream
// the session's filter selects that supports logging. The request still
// flows to the MCP library afterwards for the session-level bookkeeping.
func (s *Server) broadcastSetLevel(ctx context.Context, sessionID string, raw json.RawMessage) {
	var params struct {
		Level mcp.LoggingLevel `json:"level"`
	}
	if err := json.Unmarshal(raw, &params); err != nil || params.Level == "" {
		return
	}

	f := s.sessions.FilterFor(sessionID)
	for name, conn := range s.manager.GetAll() {
		if !f.Matches(conn.Spec().Tags) || conn.Status() != upstream.StatusConnected {
			continue
		}
		if !conn.HasCapability(upstream.CapabilityLogging) {
			continue
		}
		client := conn.Client()
		if client == nil {
			continue
		}
		if err := client.SetLevel(ctx, params.Level); err != nil {
			logging.Debug("Aggregator", "Failed to set log level on %s: %v", name, err)
		}
	}
}

func writeRPCResult(w http.ResponseWriter, id json.RawMessage, result interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"result":  result,
	})
}

func writeRPCError(w http.ResponseWriter, id json.RawMessage, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"error": map[string]interface{}{
			"code":    code,
			"message": message,
		},
	})
}
