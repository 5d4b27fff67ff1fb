// Package oauth provides shared OAuth 2.1 protocol primitives used on both
// sides of the gateway: the inbound authorization server and the outbound
// OAuth client driving authentication against upstream MCP servers.
//
// It contains no storage and no policy, only wire-level mechanics:
//
//   - Token: token representation with expiry checking
//   - Metadata: authorization server metadata (RFC 8414) with discovery
//     and an OIDC fallback
//   - ClientMetadata / ClientInformation: dynamic client registration
//     (RFC 7591)
//   - PKCE generation and verification (RFC 7636, S256 only)
//   - AuthChallenge: WWW-Authenticate header parsing for 401 responses
//
// The storage-backed halves live in internal/oauth; they wrap this package
// with the session store and the authorization-code rendezvous.
package oauth
