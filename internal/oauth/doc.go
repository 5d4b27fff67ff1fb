// Package oauth holds both halves of the gateway's OAuth 2.1 support.
//
// The inbound half (Server) is a small authorization server protecting the
// gateway's own MCP endpoints: dynamic client registration, a local consent
// page, single-use authorization codes with PKCE, and opaque bearer tokens
// bound to client, resource and scopes.
//
// The outbound half (Flow) is the OAuth client the gateway plays against
// upstream MCP servers: discovery, registration, the authorization-code
// dance with a browser rendezvous, and token refresh. Every artifact on
// both sides is persisted in the file-backed storage package, keyed so a
// restart picks up where the previous process left off.
package oauth
