package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func snapshotOf(t *testing.T, doc string) *Snapshot {
	t.Helper()
	snapshot, err := Parse([]byte(doc))
	require.NoError(t, err)
	return snapshot
}

func TestComputeDiff_AddRemoveChange(t *testing.T) {
	old := snapshotOf(t, `{"mcpServers": {
		"a": {"kind": "stdio", "command": "x"},
		"b": {"kind": "stdio", "command": "y"}
	}}`)
	new := snapshotOf(t, `{"mcpServers": {
		"a": {"kind": "stdio", "command": "x"},
		"c": {"kind": "http", "url": "https://example.com"}
	}}`)

	diff := ComputeDiff(old, new)
	assert.Equal(t, []string{"c"}, diff.Added)
	assert.Equal(t, []string{"b"}, diff.Removed)
	assert.Empty(t, diff.Changed)
	assert.False(t, diff.IsEmpty())
}

func TestComputeDiff_ChangedSpec(t *testing.T) {
	old := snapshotOf(t, `{"mcpServers": {"a": {"kind": "stdio", "command": "x", "args": ["--v1"]}}}`)
	new := snapshotOf(t, `{"mcpServers": {"a": {"kind": "stdio", "command": "x", "args": ["--v2"]}}}`)

	diff := ComputeDiff(old, new)
	assert.Equal(t, []string{"a"}, diff.Changed)
	assert.Empty(t, diff.Added)
	assert.Empty(t, diff.Removed)
}

// Reloading an identical config must not disturb any connection.
func TestComputeDiff_IdenticalSnapshots(t *testing.T) {
	doc := `{"mcpServers": {
		"a": {"kind": "stdio", "command": "x", "tags": ["web", "api"]},
		"b": {"kind": "http", "url": "https://example.com", "oauth": {"scopes": ["read"]}}
	}}`

	diff := ComputeDiff(snapshotOf(t, doc), snapshotOf(t, doc))
	assert.True(t, diff.IsEmpty())
}

// Tag order and nil-versus-empty collections are normalization noise,
// not changes.
func TestComputeDiff_NormalizationNoise(t *testing.T) {
	old := snapshotOf(t, `{"mcpServers": {"a": {"kind": "stdio", "command": "x", "tags": ["web", "api"], "args": []}}}`)
	new := snapshotOf(t, `{"mcpServers": {"a": {"kind": "stdio", "command": "x", "tags": ["api", "web"]}}}`)

	diff := ComputeDiff(old, new)
	assert.True(t, diff.IsEmpty(), "got diff: %+v", diff)
}

func TestComputeDiff_NilSnapshots(t *testing.T) {
	new := snapshotOf(t, `{"mcpServers": {"a": {"kind": "stdio", "command": "x"}}}`)

	diff := ComputeDiff(nil, new)
	assert.Equal(t, []string{"a"}, diff.Added)

	diff = ComputeDiff(new, nil)
	assert.Equal(t, []string{"a"}, diff.Removed)
}
