package aggregator

import (
	"context"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"onemcp/internal/filter"
	"onemcp/pkg/logging"
)

func TestBridgeParams(t *testing.T) {
	params := mcp.NotificationParams{
		Meta: map[string]interface{}{"progressToken": "tok-1"},
		AdditionalFields: map[string]interface{}{
			"uri":   "repo://octocat/hello/readme",
			"level": "warning",
		},
	}

	out := bridgeParams("github", params)

	assert.Equal(t, "github", out["server"])
	assert.Equal(t, "repo://github_1mcp_octocat/hello/readme", out["uri"])
	assert.Equal(t, "warning", out["level"])
	assert.Equal(t, params.Meta, out["_meta"])
	// The source map must not be mutated.
	assert.Equal(t, "repo://octocat/hello/readme", params.AdditionalFields["uri"])
}

func TestBridgeParams_ManglesNames(t *testing.T) {
	out := bridgeParams("grafana", mcp.NotificationParams{
		AdditionalFields: map[string]interface{}{"name": "query"},
	})
	assert.Equal(t, "grafana_1mcp_query", out["name"])
}

func TestForwardClientNotification_HonorsSessionFilter(t *testing.T) {
	stubs := testStubs()
	m := startManager(t, stubs,
		taggedSpec("github", "dev"),
		taggedSpec("grafana", "ops"))

	s := New(Config{}, m)

	dev, err := filter.ParseSimple(filter.ModeOr, "dev")
	require.NoError(t, err)
	_, err = s.sessions.Add("sess-1", dev)
	require.NoError(t, err)

	s.ForwardClientNotification(context.Background(), "sess-1",
		"notifications/roots/list_changed", map[string]interface{}{})

	github := stubs["github"].sentNotifications()
	require.Len(t, github, 1)
	assert.Equal(t, "notifications/roots/list_changed", github[0].Method)
	client, ok := github[0].Params.AdditionalFields["client"].(string)
	require.True(t, ok)
	assert.Equal(t, logging.TruncateSessionID("sess-1"), client)

	assert.Empty(t, stubs["grafana"].sentNotifications())
}

func TestBroadcastSetLevel_OnlyLoggingCapableUpstreams(t *testing.T) {
	stubs := testStubs()
	m := startManager(t, stubs,
		taggedSpec("github", "dev"),
		taggedSpec("grafana", "ops"))

	s := New(Config{}, m)

	// Unknown session: filter falls back to match-all, so only the logging
	// capability gates the broadcast.
	s.broadcastSetLevel(context.Background(), "unknown", []byte(`{"level":"debug"}`))

	assert.Equal(t, []mcp.LoggingLevel{mcp.LoggingLevel("debug")}, stubs["github"].setLevels())
	assert.Empty(t, stubs["grafana"].setLevels())
}
