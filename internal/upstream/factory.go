package upstream

import (
	"fmt"
	"os"

	"onemcp/internal/config"
)

// ClientFactory builds a transport client for a spec. bearerToken, when
// non-empty, is injected as an Authorization header on remote transports.
// The manager uses DefaultClientFactory; tests substitute their own.
type ClientFactory func(spec *config.ServerSpec, bearerToken string) (Client, error)

// DefaultClientFactory creates the real transport client for a spec.
func DefaultClientFactory(spec *config.ServerSpec, bearerToken string) (Client, error) {
	switch spec.Kind {
	case config.KindStdio:
		if spec.Command == "" {
			return nil, fmt.Errorf("server %q: command is required for stdio", spec.Name)
		}
		env := ComputeEnv(spec, os.Environ())
		return NewStdioClient(spec.Name, spec.Command, spec.Args, spec.Cwd, env), nil

	case config.KindHTTP:
		if spec.URL == "" {
			return nil, fmt.Errorf("server %q: url is required for http", spec.Name)
		}
		return NewStreamableHTTPClient(spec.Name, spec.URL, remoteHeaders(spec, bearerToken)), nil

	case config.KindSSE:
		if spec.URL == "" {
			return nil, fmt.Errorf("server %q: url is required for sse", spec.Name)
		}
		return NewSSEClient(spec.Name, spec.URL, remoteHeaders(spec, bearerToken)), nil

	default:
		return nil, fmt.Errorf("server %q: unsupported kind %q", spec.Name, spec.Kind)
	}
}

// remoteHeaders merges configured headers with the bearer token. A
// configured Authorization header wins over the token.
func remoteHeaders(spec *config.ServerSpec, bearerToken string) map[string]string {
	headers := make(map[string]string, len(spec.Headers)+1)
	if bearerToken != "" {
		headers["Authorization"] = "Bearer " + bearerToken
	}
	for name, value := range spec.Headers {
		headers[name] = value
	}
	return headers
}
