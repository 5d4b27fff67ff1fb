package template

import (
	"bytes"
	"fmt"
	"sort"
	"text/template"

	"github.com/Masterminds/sprig/v3"
)

// Counts summarizes how many capability items an aggregated view exposes.
type Counts struct {
	Tools             int
	Resources         int
	ResourceTemplates int
	Prompts           int
}

// InstructionsData is the payload handed to the instructions template.
//
// ServerNames is in provenance order. PerServerInstructions maps server name
// to the instructions string that server reported at initialize time; servers
// without instructions are absent from the map.
type InstructionsData struct {
	ServerNames           []string
	Counts                Counts
	PerServerInstructions map[string]string
	FilterContext         string
}

// defaultInstructionsTemplate is used when no custom template is configured.
const defaultInstructionsTemplate = `This gateway aggregates {{ len .ServerNames }} MCP server{{ if ne (len .ServerNames) 1 }}s{{ end }}{{ if .FilterContext }} (filter: {{ .FilterContext }}){{ end }}: {{ join ", " .ServerNames }}.
Capability names are prefixed with "<server>_1mcp_".
{{- range .ServerNames }}
{{- $instr := index $.PerServerInstructions . }}
{{- if $instr }}

## {{ . }}

{{ $instr }}
{{- end }}
{{- end }}`

// Engine renders the aggregated instructions string. It is safe for
// concurrent use after construction.
type Engine struct {
	tmpl *template.Template
}

// New returns an engine using the default instructions template.
func New() *Engine {
	engine, err := Parse(defaultInstructionsTemplate)
	if err != nil {
		// The default template is a compile-time constant; failing to parse
		// it is a programming error.
		panic(fmt.Sprintf("template: default instructions template invalid: %v", err))
	}
	return engine
}

// Parse compiles a custom instructions template. The template has access to
// the sprig function set plus "join".
func Parse(text string) (*Engine, error) {
	tmpl, err := template.New("instructions").
		Funcs(sprig.TxtFuncMap()).
		Funcs(template.FuncMap{
			"join": func(sep string, items []string) string {
				buf := bytes.Buffer{}
				for i, item := range items {
					if i > 0 {
						buf.WriteString(sep)
					}
					buf.WriteString(item)
				}
				return buf.String()
			},
		}).
		Parse(text)
	if err != nil {
		return nil, fmt.Errorf("failed to parse instructions template: %w", err)
	}
	return &Engine{tmpl: tmpl}, nil
}

// Instructions renders the template against data.
func (e *Engine) Instructions(data InstructionsData) (string, error) {
	if data.PerServerInstructions == nil {
		data.PerServerInstructions = map[string]string{}
	}
	var buf bytes.Buffer
	if err := e.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render instructions: %w", err)
	}
	return buf.String(), nil
}

// SortedServerNames returns a deterministic provenance order for a server
// name set.
func SortedServerNames(names map[string]struct{}) []string {
	out := make([]string, 0, len(names))
	for name := range names {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
