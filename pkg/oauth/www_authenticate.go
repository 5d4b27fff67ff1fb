package oauth

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"
)

var authParamRegex = regexp.MustCompile(`(\w+)="([^"]*)"`)

// ParseWWWAuthenticate parses a WWW-Authenticate header value.
// It supports the Bearer scheme with OAuth 2.0 and MCP-specific parameters.
//
// Example headers:
//
//	Bearer realm="https://auth.example.com"
//	Bearer realm="https://auth.example.com", scope="openid profile"
//	Bearer resource_metadata="https://mcp.example.com/.well-known/oauth-protected-resource"
func ParseWWWAuthenticate(header string) (*AuthChallenge, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, fmt.Errorf("empty WWW-Authenticate header")
	}

	scheme, rest, _ := strings.Cut(header, " ")
	challenge := &AuthChallenge{Scheme: scheme}

	params := make(map[string]string)
	for _, match := range authParamRegex.FindAllStringSubmatch(rest, -1) {
		params[strings.ToLower(match[1])] = match[2]
	}

	if realm, ok := params["realm"]; ok {
		challenge.Realm = realm
		// If the realm looks like a URL, use it as the issuer
		if strings.HasPrefix(realm, "http://") || strings.HasPrefix(realm, "https://") {
			challenge.Issuer = realm
		}
	}
	challenge.ResourceMetadataURL = params["resource_metadata"]
	challenge.Scope = params["scope"]
	challenge.Error = params["error"]
	challenge.ErrorDescription = params["error_description"]

	return challenge, nil
}

// ParseWWWAuthenticateFromResponse extracts an auth challenge from a 401 response.
// Returns nil if no WWW-Authenticate header is present or if parsing fails.
func ParseWWWAuthenticateFromResponse(resp *http.Response) *AuthChallenge {
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		return nil
	}

	header := resp.Header.Get("WWW-Authenticate")
	if header == "" {
		return nil
	}

	challenge, err := ParseWWWAuthenticate(header)
	if err != nil {
		return nil
	}
	return challenge
}

// ParseWWWAuthenticateFromError attempts to extract an auth challenge from an
// error string. This is a best-effort fallback for SDK errors that embed the
// HTTP response text rather than exposing the response itself.
//
// Returns nil when the error does not look like a 401 at all.
func ParseWWWAuthenticateFromError(err error) *AuthChallenge {
	if !Is401Error(err) {
		return nil
	}

	errStr := err.Error()
	if idx := strings.Index(errStr, "Bearer"); idx >= 0 {
		remaining := errStr[idx:]
		if endIdx := strings.IndexAny(remaining, "\n\r"); endIdx > 0 {
			remaining = remaining[:endIdx]
		}
		if challenge, parseErr := ParseWWWAuthenticate(remaining); parseErr == nil {
			return challenge
		}
	}

	// A 401 without a parseable challenge still means auth is required.
	return &AuthChallenge{Scheme: "Bearer"}
}

// Is401Error checks if an error message indicates a 401 Unauthorized response.
func Is401Error(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "401") ||
		strings.Contains(strings.ToLower(errStr), "unauthorized")
}
