package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, path, doc string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
}

func TestWatcher_EmitsReloadOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mcp.json")
	writeConfig(t, path, `{"mcpServers": {"a": {"kind": "stdio", "command": "x"}}}`)

	initial, err := Load(path)
	require.NoError(t, err)

	watcher := NewWatcher(path, initial, MinDebounceInterval)
	events := make(chan ReloadEvent, 4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, watcher.Start(ctx, events))
	defer watcher.Stop()

	writeConfig(t, path, `{"mcpServers": {
		"a": {"kind": "stdio", "command": "x"},
		"b": {"kind": "http", "url": "https://example.com"}
	}}`)

	select {
	case event := <-events:
		assert.Equal(t, []string{"b"}, event.Diff.Added)
		assert.Empty(t, event.Diff.Removed)
		assert.Len(t, event.Snapshot.Servers, 2)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload event")
	}
}

func TestWatcher_NoEventForIdenticalRewrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mcp.json")
	doc := `{"mcpServers": {"a": {"kind": "stdio", "command": "x"}}}`
	writeConfig(t, path, doc)

	initial, err := Load(path)
	require.NoError(t, err)

	watcher := NewWatcher(path, initial, MinDebounceInterval)
	events := make(chan ReloadEvent, 4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, watcher.Start(ctx, events))
	defer watcher.Stop()

	// Rewrite the same content; the diff is empty so nothing is emitted.
	writeConfig(t, path, doc)

	select {
	case event := <-events:
		t.Fatalf("unexpected reload event: %+v", event.Diff)
	case <-time.After(500 * time.Millisecond):
	}
}

func TestWatcher_InvalidFileYieldsEmptySnapshot(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mcp.json")
	writeConfig(t, path, `{"mcpServers": {"a": {"kind": "stdio", "command": "x"}}}`)

	initial, err := Load(path)
	require.NoError(t, err)

	watcher := NewWatcher(path, initial, MinDebounceInterval)
	events := make(chan ReloadEvent, 4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, watcher.Start(ctx, events))
	defer watcher.Stop()

	writeConfig(t, path, `{broken`)

	select {
	case event := <-events:
		assert.Empty(t, event.Snapshot.Servers)
		assert.Equal(t, []string{"a"}, event.Diff.Removed)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload event")
	}
}
