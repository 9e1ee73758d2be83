package cluster

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/graph/simple"

	"github.com/scgo/scpipe/pkg/errors"
)

// triangles builds two unit-weight triangles with no connection
// between them.
func triangles() *simple.WeightedUndirectedGraph {
	g := simple.NewWeightedUndirectedGraph(0, 0)
	for i := 0; i < 6; i++ {
		g.AddNode(simple.Node(i))
	}
	addEdge(g, 0, 1, 1)
	addEdge(g, 0, 2, 1)
	addEdge(g, 1, 2, 1)
	addEdge(g, 3, 4, 1)
	addEdge(g, 3, 5, 1)
	addEdge(g, 4, 5, 1)
	return g
}

func addEdge(g *simple.WeightedUndirectedGraph, a, b int, w float64) {
	g.SetWeightedEdge(simple.WeightedEdge{F: simple.Node(a), T: simple.Node(b), W: w})
}

func TestLouvainTriangles(t *testing.T) {
	labels, q, err := Louvain(triangles(), 1.0, 42, 100)
	require.NoError(t, err)
	require.Len(t, labels, 6)

	assert.Equal(t, labels[0], labels[1])
	assert.Equal(t, labels[0], labels[2])
	assert.Equal(t, labels[3], labels[4])
	assert.Equal(t, labels[3], labels[5])
	assert.NotEqual(t, labels[0], labels[3])

	// two equal communities with no cross edges score exactly 1/2
	assert.InDelta(t, 0.5, q, 1e-9)
}

func TestLouvainBridgedTriangles(t *testing.T) {
	g := triangles()
	addEdge(g, 2, 3, 0.5)

	labels, q, err := Louvain(g, 1.0, 42, 100)
	require.NoError(t, err)

	assert.Equal(t, labels[0], labels[2])
	assert.Equal(t, labels[3], labels[5])
	assert.NotEqual(t, labels[0], labels[3], "weak bridge should not merge the triangles")
	assert.Greater(t, q, 0.3)
}

func TestLouvainDeterministic(t *testing.T) {
	g := triangles()
	addEdge(g, 2, 3, 0.5)

	first, _, err := Louvain(g, 1.0, 42, 100)
	require.NoError(t, err)
	second, _, err := Louvain(g, 1.0, 42, 100)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestLouvainHighResolution(t *testing.T) {
	// with a huge null-model penalty no merge ever pays off
	labels, _, err := Louvain(triangles(), 100, 42, 100)
	require.NoError(t, err)

	seen := make(map[int]bool)
	for _, l := range labels {
		seen[l] = true
	}
	assert.Len(t, seen, 6)
}

func TestLouvainNoEdges(t *testing.T) {
	g := simple.NewWeightedUndirectedGraph(0, 0)
	for i := 0; i < 3; i++ {
		g.AddNode(simple.Node(i))
	}

	labels, q, err := Louvain(g, 1.0, 42, 100)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, labels)
	assert.Zero(t, q)
}

func TestLouvainValidation(t *testing.T) {
	_, _, err := Louvain(nil, 1.0, 42, 100)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))

	_, _, err = Louvain(triangles(), 0, 42, 100)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))

	_, _, err = Louvain(triangles(), 1.0, 42, 0)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}
