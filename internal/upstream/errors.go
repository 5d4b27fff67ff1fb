package upstream

import (
	"errors"
	"fmt"

	pkgoauth "onemcp/pkg/oauth"
)

// Sentinel errors surfaced by the connection manager.
var (
	// ErrNotFound: no connection exists for the server name.
	ErrNotFound = errors.New("mcp server not found")

	// ErrNotConnected: the connection exists but is not in Connected state.
	ErrNotConnected = errors.New("mcp server not connected")

	// ErrCapabilityMissing: the server does not advertise the capability
	// the operation requires.
	ErrCapabilityMissing = errors.New("mcp server does not support the required capability")

	// ErrCircularDependency: the remote identified itself as another 1mcp
	// instance pointed back at us.
	ErrCircularDependency = errors.New("circular dependency: upstream server is a 1mcp gateway")
)

// AuthRequiredError indicates an upstream rejected the connection with a
// 401 challenge. It carries the parsed WWW-Authenticate data needed to
// start the outbound OAuth flow.
type AuthRequiredError struct {
	ServerName string
	URL        string
	Challenge  *pkgoauth.AuthChallenge
}

func (e *AuthRequiredError) Error() string {
	return fmt.Sprintf("authentication required for %s", e.URL)
}

// Is allows errors.Is comparisons against any AuthRequiredError.
func (e *AuthRequiredError) Is(target error) bool {
	_, ok := target.(*AuthRequiredError)
	return ok
}

// CheckForAuthRequiredError converts a 401-shaped transport error into a
// typed AuthRequiredError, or returns nil when err is anything else.
func CheckForAuthRequiredError(err error, url string) *AuthRequiredError {
	if err == nil || !pkgoauth.Is401Error(err) {
		return nil
	}
	return &AuthRequiredError{
		URL:       url,
		Challenge: pkgoauth.ParseWWWAuthenticateFromError(err),
	}
}
