package dag

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNodeForDeduplicates(t *testing.T) {
	g := New()
	a := g.NodeFor("a")
	again := g.NodeFor("a")
	assert.Equal(t, a.ID(), again.ID())
	assert.Equal(t, "a", a.Label())
}

func TestTopoSortLinearChain(t *testing.T) {
	g := New()
	require.NoError(t, g.Connect("a", "b"))
	require.NoError(t, g.Connect("b", "c"))

	order, err := g.TopoSort()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestTopoSortDetectsCycle(t *testing.T) {
	g := New()
	require.NoError(t, g.Connect("a", "b"))
	require.NoError(t, g.Connect("b", "a"))

	_, err := g.TopoSort()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestConnectRejectsSelfEdge(t *testing.T) {
	g := New()
	err := g.Connect("a", "a")
	require.Error(t, err)
}

func TestExportToDot(t *testing.T) {
	g := New()
	require.NoError(t, g.Connect("a", "b"))

	out, err := g.ExportToDot()
	require.NoError(t, err)
	assert.True(t, strings.Contains(out, "a"))
	assert.True(t, strings.Contains(out, "->"))
}
