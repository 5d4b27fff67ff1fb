package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"onemcp/internal/filter"
)

func TestPresetStore_SaveAndResolve(t *testing.T) {
	store := NewPresetStore(t.TempDir())

	require.NoError(t, store.Save(&Preset{
		Name:     "backend",
		Strategy: "or",
		Tags:     []string{"api", "backend"},
	}))

	expr, err := store.Resolve("backend")
	require.NoError(t, err)
	assert.Equal(t, filter.ModeOr, expr.Mode)
	assert.True(t, expr.Matches([]string{"backend"}))
	assert.False(t, expr.Matches([]string{"web"}))
}

func TestPresetStore_ExpressionStrategy(t *testing.T) {
	store := NewPresetStore(t.TempDir())

	require.NoError(t, store.Save(&Preset{
		Name:       "prod",
		Strategy:   "expression",
		Expression: "(web OR api) AND NOT experimental",
	}))

	expr, err := store.Resolve("prod")
	require.NoError(t, err)
	assert.True(t, expr.Matches([]string{"api"}))
	assert.False(t, expr.Matches([]string{"api", "experimental"}))
}

func TestPresetStore_DefaultStrategyIsOr(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "simple.yaml"),
		[]byte("tags:\n  - web\n"), 0o600))

	store := NewPresetStore(dir)
	expr, err := store.Resolve("simple")
	require.NoError(t, err)
	assert.Equal(t, filter.ModeOr, expr.Mode)
	assert.True(t, expr.Matches([]string{"web"}))
}

func TestPresetStore_ResolveFailures(t *testing.T) {
	dir := t.TempDir()
	store := NewPresetStore(dir)

	_, err := store.Resolve("missing")
	assert.Error(t, err)

	_, err = store.Resolve("../escape")
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte(":\tnot yaml"), 0o600))
	_, err = store.Resolve("broken")
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "badstrategy.yaml"),
		[]byte("strategy: xor\ntags: [a]\n"), 0o600))
	_, err = store.Resolve("badstrategy")
	assert.Error(t, err)
}

func TestPresetStore_List(t *testing.T) {
	dir := t.TempDir()
	store := NewPresetStore(dir)
	assert.Empty(t, store.List())

	require.NoError(t, store.Save(&Preset{Name: "one", Tags: []string{"a"}}))
	require.NoError(t, store.Save(&Preset{Name: "two", Tags: []string{"b"}}))

	names := store.List()
	assert.ElementsMatch(t, []string{"one", "two"}, names)
}

func TestPreset_SaveValidatesCompile(t *testing.T) {
	store := NewPresetStore(t.TempDir())
	err := store.Save(&Preset{
		Name:       "bad",
		Strategy:   "expression",
		Expression: "web AND (",
	})
	assert.Error(t, err)
}
