package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"onemcp/internal/filter"
	"onemcp/pkg/logging"
)

// Preset is a named, persisted filter definition. Stored one per YAML file
// under the preset directory, named <preset>.yaml.
type Preset struct {
	// Name defaults to the filename without extension.
	Name string `yaml:"name,omitempty"`

	// Strategy is "or" (default), "and", or "expression".
	Strategy string `yaml:"strategy,omitempty"`

	// Tags is the flat tag list for or/and strategies.
	Tags []string `yaml:"tags,omitempty"`

	// Expression is the boolean tag expression for the expression strategy.
	Expression string `yaml:"expression,omitempty"`
}

// PresetStore resolves preset names to filter expressions. Presets are read
// from disk on every resolve so external edits take effect without a
// gateway restart; the store is small and resolves happen once per session.
type PresetStore struct {
	dir string
}

// NewPresetStore creates a store rooted at dir. The directory is created
// lazily on Save, not here; a missing directory simply resolves nothing.
func NewPresetStore(dir string) *PresetStore {
	return &PresetStore{dir: dir}
}

// Resolve loads the named preset and compiles it to a filter expression.
// Any failure is returned to the caller; sessions fall back to matching
// all servers.
func (p *PresetStore) Resolve(name string) (*filter.Expression, error) {
	if strings.ContainsAny(name, `/\`) || name == "" {
		return nil, fmt.Errorf("invalid preset name %q", name)
	}

	preset, err := p.load(name)
	if err != nil {
		return nil, err
	}

	return preset.Compile()
}

// List returns the names of all presets on disk.
func (p *PresetStore) List() []string {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		return nil
	}

	var names []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(name)) {
		case ".yaml", ".yml":
			names = append(names, strings.TrimSuffix(name, filepath.Ext(name)))
		}
	}
	return names
}

// Save persists a preset, creating the preset directory if needed.
func (p *PresetStore) Save(preset *Preset) error {
	if preset.Name == "" {
		return fmt.Errorf("preset requires a name")
	}
	if strings.ContainsAny(preset.Name, `/\`) {
		return fmt.Errorf("invalid preset name %q", preset.Name)
	}
	if _, err := preset.Compile(); err != nil {
		return fmt.Errorf("preset %q does not compile: %w", preset.Name, err)
	}

	if err := os.MkdirAll(p.dir, 0o700); err != nil {
		return fmt.Errorf("failed to create preset directory: %w", err)
	}

	data, err := yaml.Marshal(preset)
	if err != nil {
		return fmt.Errorf("failed to encode preset %q: %w", preset.Name, err)
	}

	path := filepath.Join(p.dir, preset.Name+".yaml")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write preset %q: %w", preset.Name, err)
	}

	logging.Info("Config", "Saved preset %q", preset.Name)
	return nil
}

func (p *PresetStore) load(name string) (*Preset, error) {
	var data []byte
	var err error
	for _, ext := range []string{".yaml", ".yml"} {
		data, err = os.ReadFile(filepath.Join(p.dir, name+ext))
		if err == nil {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("preset %q not found: %w", name, err)
	}

	var preset Preset
	if err := yaml.Unmarshal(data, &preset); err != nil {
		return nil, fmt.Errorf("preset %q is not valid YAML: %w", name, err)
	}
	if preset.Name == "" {
		preset.Name = name
	}

	return &preset, nil
}

// Compile turns the preset into a filter expression.
func (pr *Preset) Compile() (*filter.Expression, error) {
	strategy := strings.ToLower(pr.Strategy)
	switch strategy {
	case "", "or":
		return filter.ParseSimple(filter.ModeOr, strings.Join(pr.Tags, ","))
	case "and":
		return filter.ParseSimple(filter.ModeAnd, strings.Join(pr.Tags, ","))
	case "expression", "expr", "advanced":
		return filter.Parse(pr.Expression)
	default:
		return nil, fmt.Errorf("preset %q: unknown strategy %q", pr.Name, pr.Strategy)
	}
}
