package upstream

import (
	"regexp"
	"sort"
	"strings"

	"onemcp/internal/config"
)

// minimalEnvNames are always inherited from the parent when present, even
// without inheritParentEnv. Child processes rarely survive without them.
var minimalEnvNames = []string{"HOME", "PATH", "TMPDIR", "USER", "SHELL"}

var envVarRef = regexp.MustCompile(`\$\{\s*([A-Za-z_][A-Za-z0-9_]*)\s*\}`)

// ComputeEnv builds the environment for a stdio child process. The steps
// are ordered and deterministic:
//
//  1. a minimal default inherited from the parent (HOME, PATH, ...),
//  2. the full parent environment if inheritParentEnv is set,
//  3. envFilter applied left to right; the last matching pattern decides,
//     and any positive pattern switches the filter to whitelist mode,
//  4. env entries overlaid in order, with ${VAR} substitution against the
//     accumulated environment; a bare NAME inherits the parent value only
//     when the parent has it.
//
// parent is the parent process environment ("K=V" entries); pass
// os.Environ() outside tests. The result is sorted for determinism.
func ComputeEnv(spec *config.ServerSpec, parent []string) []string {
	parentMap := make(map[string]string, len(parent))
	for _, entry := range parent {
		if name, value, ok := strings.Cut(entry, "="); ok {
			parentMap[name] = value
		}
	}

	env := make(map[string]string)
	for _, name := range minimalEnvNames {
		if value, ok := parentMap[name]; ok {
			env[name] = value
		}
	}

	if spec.InheritParentEnv {
		for name, value := range parentMap {
			env[name] = value
		}
	}

	if len(spec.EnvFilter) > 0 {
		env = applyEnvFilter(env, spec.EnvFilter)
	}

	for _, entry := range spec.Env {
		name, value, hasValue := strings.Cut(entry, "=")
		if !hasValue {
			// Bare NAME inherits from the parent only when present.
			if parentValue, ok := parentMap[name]; ok {
				env[name] = parentValue
			}
			continue
		}
		env[name] = substituteEnvRefs(value, env)
	}

	result := make([]string, 0, len(env))
	for name, value := range env {
		result = append(result, name+"="+value)
	}
	sort.Strings(result)
	return result
}

// applyEnvFilter evaluates the ordered pattern list. For each variable the
// last matching pattern wins; unmatched variables survive only when the
// list contains no positive pattern (whitelist mode).
func applyEnvFilter(env map[string]string, patterns []string) map[string]string {
	whitelist := false
	for _, pattern := range patterns {
		if !strings.HasPrefix(pattern, "!") {
			whitelist = true
			break
		}
	}

	filtered := make(map[string]string, len(env))
	for name, value := range env {
		keep := !whitelist
		for _, pattern := range patterns {
			negative := strings.HasPrefix(pattern, "!")
			if matchEnvPattern(strings.TrimPrefix(pattern, "!"), name) {
				keep = !negative
			}
		}
		if keep {
			filtered[name] = value
		}
	}
	return filtered
}

// matchEnvPattern matches a name against an exact name or a trailing-*
// prefix pattern.
func matchEnvPattern(pattern, name string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(name, prefix)
	}
	return pattern == name
}

// substituteEnvRefs expands ${VAR} (whitespace around VAR allowed) against
// the accumulated environment. Unknown variables stay literal.
func substituteEnvRefs(value string, env map[string]string) string {
	return envVarRef.ReplaceAllStringFunc(value, func(match string) string {
		name := strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}"))
		if resolved, ok := env[name]; ok {
			return resolved
		}
		return match
	})
}
