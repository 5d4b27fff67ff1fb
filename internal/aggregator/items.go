package aggregator

import (
	"sort"
	"sync"
)

// activeItemSet tracks the exposed names (or URIs) of one capability
// category currently registered on the inbound server, so registry updates
// can be applied as incremental add/remove batches instead of full rebuilds.
type activeItemSet struct {
	mu    sync.Mutex
	names map[string]struct{}
}

func newActiveItemSet() *activeItemSet {
	return &activeItemSet{names: make(map[string]struct{})}
}

// reconcile replaces the tracked set with desired and reports what has to
// be added to and removed from the inbound server to get there. Both result
// slices are sorted for deterministic registration order.
func (s *activeItemSet) reconcile(desired []string) (added, removed []string) {
	want := make(map[string]struct{}, len(desired))
	for _, name := range desired {
		want[name] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for name := range want {
		if _, ok := s.names[name]; !ok {
			added = append(added, name)
		}
	}
	for name := range s.names {
		if _, ok := want[name]; !ok {
			removed = append(removed, name)
		}
	}

	s.names = want
	sort.Strings(added)
	sort.Strings(removed)
	return added, removed
}

// snapshot returns the currently tracked names, sorted.
func (s *activeItemSet) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.names))
	for name := range s.names {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
