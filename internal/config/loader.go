package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"onemcp/pkg/logging"
)

// rawConfig mirrors the on-disk document shape before spec decoding.
type rawConfig struct {
	McpServers map[string]json.RawMessage `json:"mcpServers"`
}

// Load reads and validates the config file at path.
//
// On any failure (missing file, bad JSON, schema violation) it returns an
// empty snapshot together with the error; callers publish the empty
// snapshot and log, so a broken edit never leaves stale servers running
// with no way to correct them.
func Load(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return EmptySnapshot(), fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	return Parse(data)
}

// Parse decodes and validates a config document.
func Parse(data []byte) (*Snapshot, error) {
	var raw rawConfig
	if err := json.Unmarshal(data, &raw); err != nil {
		return EmptySnapshot(), fmt.Errorf("config is not valid JSON: %w", err)
	}

	snapshot := &Snapshot{Servers: make(map[string]*ServerSpec, len(raw.McpServers))}

	// Deterministic order for warnings and errors
	names := make([]string, 0, len(raw.McpServers))
	for name := range raw.McpServers {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		spec, err := parseSpec(name, raw.McpServers[name])
		if err != nil {
			return EmptySnapshot(), err
		}
		snapshot.Servers[name] = spec
	}

	return snapshot, nil
}

func parseSpec(name string, raw json.RawMessage) (*ServerSpec, error) {
	// First pass over raw keys for unknown-field warnings
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("server %q: spec is not a JSON object: %w", name, err)
	}
	for key := range fields {
		if !knownSpecFields[key] {
			logging.Warn("Config", "Server %q: ignoring unknown field %q", name, key)
		}
	}

	var spec ServerSpec
	if err := json.Unmarshal(raw, &spec); err != nil {
		return nil, fmt.Errorf("server %q: invalid spec: %w", name, err)
	}
	spec.Name = name

	// "type" is an accepted alias for "kind"
	if spec.Kind == "" {
		if alias, ok := fields["type"]; ok {
			var kind ServerKind
			if err := json.Unmarshal(alias, &kind); err == nil {
				spec.Kind = kind
			}
		}
	}

	// Infer the kind when absent: a command means stdio, a url means http.
	if spec.Kind == "" {
		switch {
		case spec.Command != "":
			spec.Kind = KindStdio
		case spec.URL != "":
			spec.Kind = KindHTTP
		}
	}

	if err := spec.Validate(); err != nil {
		return nil, err
	}

	return &spec, nil
}
