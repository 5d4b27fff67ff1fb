// Package config implements the gateway's configuration layer: the JSON
// MCP server config file with validation and hot reload, and the YAML
// preset store that maps preset names to tag filter expressions.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// ServerKind is the transport kind of an upstream MCP server.
type ServerKind string

const (
	KindStdio ServerKind = "stdio"
	KindHTTP  ServerKind = "http"
	KindSSE   ServerKind = "sse"
)

// NameSeparator is the reserved mangling separator. Server names containing
// it are rejected at load time because they would make exposed names
// ambiguous.
const NameSeparator = "_1mcp_"

// namePattern constrains upstream server names.
var namePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// OAuthSpec is the optional outbound OAuth configuration of an HTTP or SSE
// server. All fields may be empty; missing client credentials trigger
// dynamic registration.
type OAuthSpec struct {
	ClientID     string   `json:"clientId,omitempty"`
	ClientSecret string   `json:"clientSecret,omitempty"`
	Scopes       []string `json:"scopes,omitempty"`
	RedirectURL  string   `json:"redirectUrl,omitempty"`
}

// ServerSpec is the declarative configuration of one upstream MCP server.
//
// The Name field is not part of the JSON document; it is the key under
// "mcpServers" and is filled in by the loader.
type ServerSpec struct {
	Name string `json:"-"`

	Kind     ServerKind `json:"kind,omitempty"`
	Disabled bool       `json:"disabled,omitempty"`
	Tags     []string   `json:"tags,omitempty"`

	// Timeout is the per-operation default in milliseconds.
	Timeout int `json:"timeout,omitempty"`

	// Stdio transport fields.
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`
	Cwd     string   `json:"cwd,omitempty"`

	// Env is an ordered list of entries of the form "NAME=value", or a
	// bare "NAME" which inherits the parent's value when present.
	// Values may reference previously accumulated variables as ${VAR}.
	Env []string `json:"env,omitempty"`

	// InheritParentEnv merges the parent process environment before
	// EnvFilter and Env are applied.
	InheritParentEnv bool `json:"inheritParentEnv,omitempty"`

	// EnvFilter is an ordered pattern list ("PREFIX_*", "NAME", "!DENY_*").
	// Any positive pattern switches filtering to whitelist mode.
	EnvFilter []string `json:"envFilter,omitempty"`

	RestartOnExit bool `json:"restartOnExit,omitempty"`

	// MaxRestarts caps respawns across the spec's lifetime; nil = unlimited.
	MaxRestarts *int `json:"maxRestarts,omitempty"`

	// RestartDelay in milliseconds; defaults to 1000.
	RestartDelay int `json:"restartDelay,omitempty"`

	// HTTP / SSE transport fields.
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	OAuth   *OAuthSpec        `json:"oauth,omitempty"`
}

// knownSpecFields is the set of JSON keys the loader understands. Anything
// else is ignored with a warning.
var knownSpecFields = map[string]bool{
	"kind": true, "disabled": true, "tags": true, "timeout": true,
	"command": true, "args": true, "cwd": true, "env": true,
	"inheritParentEnv": true, "envFilter": true,
	"restartOnExit": true, "maxRestarts": true, "restartDelay": true,
	"url": true, "headers": true, "oauth": true,
	// accepted alias seen in common MCP client configs
	"type": true,
}

// DefaultRestartDelayMs is applied when restartDelay is absent.
const DefaultRestartDelayMs = 1000

// DefaultTimeoutMs is the operation timeout applied when a spec carries none.
const DefaultTimeoutMs = 30000

// Validate checks a single spec for schema violations.
func (s *ServerSpec) Validate() error {
	if !namePattern.MatchString(s.Name) {
		return fmt.Errorf("server name %q is invalid: must match [A-Za-z0-9_-]+", s.Name)
	}
	if strings.Contains(s.Name, NameSeparator) {
		return fmt.Errorf("server name %q must not contain the reserved separator %q", s.Name, NameSeparator)
	}

	switch s.Kind {
	case KindStdio:
		if s.Command == "" {
			return fmt.Errorf("server %q: stdio servers require a command", s.Name)
		}
	case KindHTTP, KindSSE:
		if s.URL == "" {
			return fmt.Errorf("server %q: %s servers require a url", s.Name, s.Kind)
		}
	default:
		return fmt.Errorf("server %q: unknown kind %q", s.Name, s.Kind)
	}

	if s.MaxRestarts != nil && *s.MaxRestarts < 0 {
		return fmt.Errorf("server %q: maxRestarts must not be negative", s.Name)
	}
	if s.Timeout < 0 {
		return fmt.Errorf("server %q: timeout must not be negative", s.Name)
	}

	return nil
}

// EffectiveRestartDelayMs returns the restart delay with the default applied.
func (s *ServerSpec) EffectiveRestartDelayMs() int {
	if s.RestartDelay > 0 {
		return s.RestartDelay
	}
	return DefaultRestartDelayMs
}

// EffectiveTimeoutMs returns the operation timeout with the default applied.
func (s *ServerSpec) EffectiveTimeoutMs() int {
	if s.Timeout > 0 {
		return s.Timeout
	}
	return DefaultTimeoutMs
}

// Snapshot is one loaded configuration: the map of upstream server specs
// keyed by name. Snapshots are immutable once published.
type Snapshot struct {
	Servers map[string]*ServerSpec
}

// EmptySnapshot is published when the config file is missing or invalid.
func EmptySnapshot() *Snapshot {
	return &Snapshot{Servers: map[string]*ServerSpec{}}
}

// Environment variable names recognized by the gateway.
const (
	EnvConfigPath = "ONE_MCP_CONFIG"
	EnvConfigDir  = "ONE_MCP_CONFIG_DIR"
	EnvLogLevel   = "ONE_MCP_LOG_LEVEL"
	EnvLogFile    = "ONE_MCP_LOG_FILE"
)

// BaseDir returns the base directory for presets and session storage:
// ONE_MCP_CONFIG_DIR if set, otherwise ~/.config/1mcp.
func BaseDir() string {
	if dir := os.Getenv(EnvConfigDir); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".1mcp"
	}
	return filepath.Join(home, ".config", "1mcp")
}

// DefaultConfigPath returns the MCP server config file path:
// ONE_MCP_CONFIG if set, otherwise <BaseDir>/mcp.json.
func DefaultConfigPath() string {
	if path := os.Getenv(EnvConfigPath); path != "" {
		return path
	}
	return filepath.Join(BaseDir(), "mcp.json")
}

// DefaultSessionStoragePath returns the default session storage directory.
func DefaultSessionStoragePath() string {
	return filepath.Join(BaseDir(), "sessions")
}

// DefaultPresetDir returns the preset store directory.
func DefaultPresetDir() string {
	return filepath.Join(BaseDir(), "presets")
}
