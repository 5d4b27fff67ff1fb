package upstream

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"onemcp/internal/config"
)

func TestComputeEnv_MinimalDefault(t *testing.T) {
	parent := []string{"HOME=/home/u", "PATH=/usr/bin", "SECRET_KEY=hunter2", "USER=u"}

	env := ComputeEnv(&config.ServerSpec{}, parent)

	assert.Equal(t, []string{"HOME=/home/u", "PATH=/usr/bin", "USER=u"}, env)
}

func TestComputeEnv_InheritParentEnv(t *testing.T) {
	parent := []string{"HOME=/home/u", "PATH=/usr/bin", "NODE_ENV=production"}

	env := ComputeEnv(&config.ServerSpec{InheritParentEnv: true}, parent)

	assert.Contains(t, env, "NODE_ENV=production")
	assert.Contains(t, env, "HOME=/home/u")
}

func TestComputeEnv_FilterWhitelistMode(t *testing.T) {
	parent := []string{
		"HOME=/home/u",
		"PATH=/usr/bin",
		"NODE_ENV=production",
		"NODE_OPTIONS=--max-old-space-size=4096",
		"SECRET_TOKEN=tok",
		"SECRET_OTHER=x",
		"UNRELATED=1",
	}
	spec := &config.ServerSpec{
		InheritParentEnv: true,
		EnvFilter:        []string{"NODE_*", "HOME", "!SECRET_*"},
	}

	env := ComputeEnv(spec, parent)

	// Positive patterns switch to whitelist mode: only matches survive.
	assert.Equal(t, []string{
		"HOME=/home/u",
		"NODE_ENV=production",
		"NODE_OPTIONS=--max-old-space-size=4096",
	}, env)
}

func TestComputeEnv_FilterNegativeOnly(t *testing.T) {
	parent := []string{"HOME=/home/u", "PATH=/usr/bin", "SECRET_TOKEN=tok", "KEEP=1"}
	spec := &config.ServerSpec{
		InheritParentEnv: true,
		EnvFilter:        []string{"!SECRET_*"},
	}

	env := ComputeEnv(spec, parent)

	// No positive pattern: unmatched names are kept.
	assert.Equal(t, []string{"HOME=/home/u", "KEEP=1", "PATH=/usr/bin"}, env)
}

func TestComputeEnv_OverlayAndSubstitution(t *testing.T) {
	parent := []string{"HOME=/home/u", "PATH=/usr/bin"}
	spec := &config.ServerSpec{
		Env: []string{
			"APP_HOME=${HOME}/app",
			"SPACED=${ HOME }/spaced",
			"MISSING=${NOPE}",
			"CHAINED=${APP_HOME}/bin",
		},
	}

	env := ComputeEnv(spec, parent)

	assert.Contains(t, env, "APP_HOME=/home/u/app")
	assert.Contains(t, env, "SPACED=/home/u/spaced")
	// Unknown references stay literal.
	assert.Contains(t, env, "MISSING=${NOPE}")
	// Substitution sees previously accumulated entries.
	assert.Contains(t, env, "CHAINED=/home/u/app/bin")
}

func TestComputeEnv_BareNameInheritsOnlyWhenPresent(t *testing.T) {
	parent := []string{"HOME=/home/u", "PATH=/usr/bin", "GITHUB_TOKEN=gh-secret"}
	spec := &config.ServerSpec{
		Env: []string{"GITHUB_TOKEN", "ABSENT_VAR"},
	}

	env := ComputeEnv(spec, parent)

	assert.Contains(t, env, "GITHUB_TOKEN=gh-secret")
	for _, entry := range env {
		assert.NotContains(t, entry, "ABSENT_VAR")
	}
}

func TestComputeEnv_Deterministic(t *testing.T) {
	parent := []string{"HOME=/h", "PATH=/p", "B=2", "A=1", "C=3"}
	spec := &config.ServerSpec{InheritParentEnv: true}

	first := ComputeEnv(spec, parent)
	second := ComputeEnv(spec, parent)

	assert.Equal(t, first, second)
	assert.IsIncreasing(t, first)
}
