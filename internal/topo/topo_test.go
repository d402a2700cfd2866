package topo_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coredbio/core/internal/topo"
)

func TestSortDiamond(t *testing.T) {
	graph := map[string][]string{
		"A": {"B", "C"},
		"B": {"D"},
		"C": {"D"},
		"D": {},
	}
	order, err := topo.Sort(graph)
	require.NoError(t, err)
	assert.Less(t, order["A"], order["B"])
	assert.Less(t, order["A"], order["C"])
	assert.Less(t, order["B"], order["D"])
	assert.Less(t, order["C"], order["D"])
}

func TestSortDetectsCycle(t *testing.T) {
	graph := map[string][]string{
		"A": {"B", "C"},
		"B": {"D", "C"},
		"C": {"D", "B"},
		"D": {},
	}
	_, err := topo.Sort(graph)
	var cycleErr *topo.ErrCycle
	assert.ErrorAs(t, err, &cycleErr)
}
