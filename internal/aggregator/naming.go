package aggregator

import (
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/yosida95/uritemplate/v3"

	"onemcp/internal/config"
)

// Mangle builds the gateway-visible name for a capability item.
func Mangle(serverName, localName string) string {
	return serverName + config.NameSeparator + localName
}

// Unmangle splits a gateway-visible name back into its origin server and the
// local name. The split is greedy on the first separator occurrence; server
// names are validated at config load to never contain the separator, so the
// mapping is injective. Returns ok=false when the name carries no separator.
func Unmangle(mangled string) (serverName, localName string, ok bool) {
	idx := strings.Index(mangled, config.NameSeparator)
	if idx <= 0 || idx+len(config.NameSeparator) >= len(mangled) {
		return "", "", false
	}
	return mangled[:idx], mangled[idx+len(config.NameSeparator):], true
}

// MangleURI prefixes the opaque local portion of a resource URI with the
// origin server name. "file:///a/b" becomes "file://github_1mcp_/a/b" style
// rewriting is deliberately avoided: the server tag goes after the scheme
// separator so the result is still a parseable URI.
func MangleURI(serverName, uri string) string {
	if idx := strings.Index(uri, "://"); idx > 0 {
		return uri[:idx+3] + serverName + config.NameSeparator + uri[idx+3:]
	}
	return Mangle(serverName, uri)
}

// mangleURITemplate rewrites a resource URI template the same way MangleURI
// rewrites a concrete URI. Templates that fail to re-parse are passed through
// unchanged rather than dropped.
func mangleURITemplate(serverName string, tmpl *mcp.URITemplate) *mcp.URITemplate {
	if tmpl == nil || tmpl.Template == nil {
		return tmpl
	}
	parsed, err := uritemplate.New(MangleURI(serverName, tmpl.Raw()))
	if err != nil {
		return tmpl
	}
	return &mcp.URITemplate{Template: parsed}
}

// UnmangleURI is the inverse of MangleURI.
func UnmangleURI(mangled string) (serverName, localURI string, ok bool) {
	if idx := strings.Index(mangled, "://"); idx > 0 {
		scheme, rest := mangled[:idx+3], mangled[idx+3:]
		serverName, local, ok := Unmangle(rest)
		if !ok {
			return "", "", false
		}
		return serverName, scheme + local, true
	}
	return Unmangle(mangled)
}
