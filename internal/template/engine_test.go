package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstructions_Default(t *testing.T) {
	engine := New()

	out, err := engine.Instructions(InstructionsData{
		ServerNames: []string{"github", "grafana"},
		Counts:      Counts{Tools: 12},
		PerServerInstructions: map[string]string{
			"github": "Use the search tools before mutating anything.",
		},
	})
	require.NoError(t, err)

	assert.Contains(t, out, "aggregates 2 MCP servers")
	assert.Contains(t, out, "github, grafana")
	assert.Contains(t, out, "## github")
	assert.Contains(t, out, "Use the search tools before mutating anything.")
	assert.NotContains(t, out, "## grafana")
}

func TestInstructions_FilterContext(t *testing.T) {
	engine := New()

	out, err := engine.Instructions(InstructionsData{
		ServerNames:   []string{"github"},
		FilterContext: "dev AND NOT prod",
	})
	require.NoError(t, err)

	assert.Contains(t, out, "aggregates 1 MCP server")
	assert.Contains(t, out, "(filter: dev AND NOT prod)")
}

func TestParse_CustomTemplate(t *testing.T) {
	engine, err := Parse(`{{ len .ServerNames }} servers, {{ .Counts.Tools }} tools`)
	require.NoError(t, err)

	out, err := engine.Instructions(InstructionsData{
		ServerNames: []string{"a", "b", "c"},
		Counts:      Counts{Tools: 7},
	})
	require.NoError(t, err)
	assert.Equal(t, "3 servers, 7 tools", out)
}

func TestParse_Invalid(t *testing.T) {
	_, err := Parse(`{{ unclosed`)
	assert.Error(t, err)
}

func TestSortedServerNames(t *testing.T) {
	names := map[string]struct{}{"zeta": {}, "alpha": {}, "mid": {}}
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, SortedServerNames(names))
}
