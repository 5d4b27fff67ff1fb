package aggregator

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"onemcp/internal/config"
	"onemcp/internal/filter"
)

func TestSessionRegistry_AddGetRemove(t *testing.T) {
	sr := NewSessionRegistry()

	dev, err := filter.ParseSimple(filter.ModeOr, "dev")
	require.NoError(t, err)

	session, err := sr.Add("sess-1", dev)
	require.NoError(t, err)
	assert.Equal(t, "sess-1", session.ID)
	assert.False(t, session.CreatedAt.IsZero())
	assert.Equal(t, 1, sr.Len())

	got, ok := sr.Get("sess-1")
	require.True(t, ok)
	assert.Same(t, session, got)

	assert.Same(t, dev, sr.FilterFor("sess-1"))
	assert.True(t, sr.FilterFor("unknown").IsAll())

	sr.Remove("sess-1")
	assert.Equal(t, 0, sr.Len())
}

func TestSessionRegistry_RejectsInvalidIDs(t *testing.T) {
	sr := NewSessionRegistry()

	_, err := sr.Add("", nil)
	assert.Error(t, err)

	_, err = sr.Add(strings.Repeat("x", MaxSessionIDLength+1), nil)
	assert.Error(t, err)
}

func TestSessionRegistry_EnforcesLimit(t *testing.T) {
	sr := NewSessionRegistry()
	sr.maxSessions = 2

	_, err := sr.Add("a", nil)
	require.NoError(t, err)
	_, err = sr.Add("b", nil)
	require.NoError(t, err)

	_, err = sr.Add("c", nil)
	assert.Error(t, err)

	// Re-registering an existing ID is not a new session.
	_, err = sr.Add("a", nil)
	assert.NoError(t, err)
}

func TestSessionRegistry_NilFilterMeansAll(t *testing.T) {
	sr := NewSessionRegistry()
	session, err := sr.Add("sess-1", nil)
	require.NoError(t, err)
	assert.True(t, session.Filter.IsAll())
}

func TestParseRequestFilter_Priorities(t *testing.T) {
	dir := t.TempDir()
	presets := config.NewPresetStore(dir)
	require.NoError(t, presets.Save(&config.Preset{Name: "backend", Tags: []string{"api", "db"}}))

	t.Run("preset wins over tag-filter and tags", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/mcp?preset=backend&tag-filter=dev&tags=ops", nil)
		f := ParseRequestFilter(r, presets)
		assert.True(t, f.Matches([]string{"api"}))
		assert.False(t, f.Matches([]string{"dev"}))
	})

	t.Run("tag-filter wins over tags", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/mcp?tag-filter=dev+AND+web&tags=ops", nil)
		f := ParseRequestFilter(r, presets)
		assert.True(t, f.Matches([]string{"dev", "web"}))
		assert.False(t, f.Matches([]string{"dev"}))
		assert.False(t, f.Matches([]string{"ops"}))
	})

	t.Run("legacy tags is OR", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/mcp?tags=ops,dev", nil)
		f := ParseRequestFilter(r, presets)
		assert.True(t, f.Matches([]string{"ops"}))
		assert.True(t, f.Matches([]string{"dev"}))
		assert.False(t, f.Matches([]string{"web"}))
	})

	t.Run("absent means match-all", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/mcp", nil)
		assert.True(t, ParseRequestFilter(r, presets).IsAll())
	})
}

func TestParseRequestFilter_FailuresFallBackToAll(t *testing.T) {
	presets := config.NewPresetStore(t.TempDir())

	r := httptest.NewRequest("GET", "/mcp?preset=missing", nil)
	assert.True(t, ParseRequestFilter(r, presets).IsAll())

	r = httptest.NewRequest("GET", "/mcp?preset=anything", nil)
	assert.True(t, ParseRequestFilter(r, nil).IsAll())

	r = httptest.NewRequest("GET", "/mcp?tag-filter=%28dev", nil)
	assert.True(t, ParseRequestFilter(r, presets).IsAll())
}

func TestFilterContextRoundTrip(t *testing.T) {
	r := httptest.NewRequest("GET", "/mcp", nil)

	dev, err := filter.ParseSimple(filter.ModeOr, "dev")
	require.NoError(t, err)

	ctx := ContextWithFilter(r.Context(), dev)
	assert.Same(t, dev, FilterFromContext(ctx))
	assert.True(t, FilterFromContext(r.Context()).IsAll())
}
