package aggregator

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestActiveItemSet_Reconcile(t *testing.T) {
	set := newActiveItemSet()

	added, removed := set.reconcile([]string{"b", "a"})
	assert.Equal(t, []string{"a", "b"}, added)
	assert.Empty(t, removed)

	added, removed = set.reconcile([]string{"b", "c"})
	assert.Equal(t, []string{"c"}, added)
	assert.Equal(t, []string{"a"}, removed)

	added, removed = set.reconcile([]string{"b", "c"})
	assert.Empty(t, added)
	assert.Empty(t, removed)

	added, removed = set.reconcile(nil)
	assert.Empty(t, added)
	assert.Equal(t, []string{"b", "c"}, removed)

	assert.Empty(t, set.snapshot())
}
