package config

import (
	"reflect"
	"sort"
)

// Diff describes the difference between two config snapshots. Changed lists
// servers present in both whose normalized spec differs.
type Diff struct {
	Added   []string
	Removed []string
	Changed []string
}

// IsEmpty reports whether the diff carries no changes. Reloading an
// unchanged file must be a no-op for the connection manager.
func (d *Diff) IsEmpty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

// ComputeDiff compares two snapshots by server name and normalized spec
// value. Results are sorted for deterministic logging and tests.
func ComputeDiff(old, new *Snapshot) *Diff {
	if old == nil {
		old = EmptySnapshot()
	}
	if new == nil {
		new = EmptySnapshot()
	}

	diff := &Diff{}

	for name, newSpec := range new.Servers {
		oldSpec, ok := old.Servers[name]
		if !ok {
			diff.Added = append(diff.Added, name)
			continue
		}
		if !specsEqual(oldSpec, newSpec) {
			diff.Changed = append(diff.Changed, name)
		}
	}

	for name := range old.Servers {
		if _, ok := new.Servers[name]; !ok {
			diff.Removed = append(diff.Removed, name)
		}
	}

	sort.Strings(diff.Added)
	sort.Strings(diff.Removed)
	sort.Strings(diff.Changed)
	return diff
}

// specsEqual compares two specs on normalized copies so field order and
// nil-versus-empty slices do not register as changes.
func specsEqual(a, b *ServerSpec) bool {
	return reflect.DeepEqual(normalizeSpec(a), normalizeSpec(b))
}

func normalizeSpec(s *ServerSpec) *ServerSpec {
	c := *s
	if len(c.Tags) == 0 {
		c.Tags = nil
	} else {
		tags := append([]string(nil), c.Tags...)
		sort.Strings(tags)
		c.Tags = tags
	}
	if len(c.Args) == 0 {
		c.Args = nil
	}
	if len(c.Env) == 0 {
		c.Env = nil
	}
	if len(c.EnvFilter) == 0 {
		c.EnvFilter = nil
	}
	if len(c.Headers) == 0 {
		c.Headers = nil
	}
	if c.OAuth != nil {
		oauth := *c.OAuth
		if len(oauth.Scopes) == 0 {
			oauth.Scopes = nil
		}
		c.OAuth = &oauth
	}
	return &c
}
