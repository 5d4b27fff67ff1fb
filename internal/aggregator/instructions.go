package aggregator

import (
	"fmt"
	"strings"

	"onemcp/internal/filter"
	"onemcp/internal/template"
	"onemcp/pkg/logging"
)

// instructionsFor renders the per-session instructions text for a view.
// Template failures degrade to a plain enumeration instead of failing the
// handshake.
func (s *Server) instructionsFor(view *View, f *filter.Expression) string {
	data := template.InstructionsData{
		ServerNames: view.Servers,
		Counts: template.Counts{
			Tools:             len(view.Tools),
			Resources:         len(view.Resources),
			ResourceTemplates: len(view.ResourceTemplates),
			Prompts:           len(view.Prompts),
		},
		PerServerInstructions: view.Instructions,
		FilterContext:         filterLabel(f),
	}

	text, err := s.engine.Instructions(data)
	if err != nil {
		logging.Warn("Aggregator", "Instructions template failed, using fallback: %v", err)
		return fallbackInstructions(view)
	}
	return text
}

// filterLabel is the human-readable form of a session filter, empty for
// match-all.
func filterLabel(f *filter.Expression) string {
	if f == nil || f.IsAll() {
		return ""
	}
	return f.String()
}

// fallbackInstructions enumerates the aggregated servers without any
// templating.
func fallbackInstructions(view *View) string {
	if len(view.Servers) == 0 {
		return "This gateway currently aggregates no MCP servers."
	}
	return fmt.Sprintf("This gateway aggregates %d MCP servers: %s.",
		len(view.Servers), strings.Join(view.Servers, ", "))
}
