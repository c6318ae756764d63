// Package dag wraps gonum's directed graph with labeled nodes and Graphviz
// export. The choreography engine uses it to model event flows declared by
// handlers.
package dag

import (
	"fmt"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/encoding"
	"gonum.org/v1/gonum/graph/encoding/dot"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
)

type Graph struct {
	*simple.DirectedGraph
	attrs encoding.Attributes

	byLabel map[string]*Node
}

func New() *Graph {
	return &Graph{
		DirectedGraph: simple.NewDirectedGraph(),
		byLabel:       make(map[string]*Node),
	}
}

// NodeFor returns the node carrying the given label, adding it to the graph
// on first use.
func (g *Graph) NodeFor(label string) *Node {
	if n, ok := g.byLabel[label]; ok {
		return n
	}
	n := &Node{Node: g.DirectedGraph.NewNode(), label: label}
	if err := n.SetAttribute(encoding.Attribute{Key: "label", Value: label}); err != nil {
		panic(err)
	}
	g.DirectedGraph.AddNode(n)
	g.byLabel[label] = n
	return n
}

// Connect adds a directed edge between the nodes labeled from and to,
// creating either as needed. Self-edges are rejected.
func (g *Graph) Connect(from, to string) error {
	if from == to {
		return fmt.Errorf("self edge on %q", from)
	}
	g.SetEdge(simple.Edge{F: g.NodeFor(from), T: g.NodeFor(to)})
	return nil
}

// Label returns the label for a node id.
func (g *Graph) Label(id int64) string {
	for label, n := range g.byLabel {
		if n.ID() == id {
			return label
		}
	}
	return ""
}

// TopoSort returns node labels in a topological order, or an error when the
// graph contains a cycle.
func (g *Graph) TopoSort() ([]string, error) {
	sorted, err := topo.Sort(g)
	if err != nil {
		return nil, fmt.Errorf("graph contains a cycle: %w", err)
	}
	labels := make([]string, len(sorted))
	for i, n := range sorted {
		labels[i] = g.Label(n.ID())
	}
	return labels, nil
}

func (g *Graph) Attributers() (encoding.Attributer, encoding.Attributer, encoding.Attributer) {
	return &Graph{}, &Node{}, &edge{}
}

func (g *Graph) Attributes() []encoding.Attribute {
	return g.attrs.Attributes()
}

func (g *Graph) SetAttribute(attr encoding.Attribute) error {
	return g.attrs.SetAttribute(attr)
}

type Node struct {
	graph.Node
	label string
	attrs encoding.Attributes
}

// Label returns the node's label.
func (n *Node) Label() string {
	return n.label
}

func (n *Node) Attributes() []encoding.Attribute {
	return n.attrs.Attributes()
}

func (n *Node) SetAttribute(attr encoding.Attribute) error {
	return n.attrs.SetAttribute(attr)
}

// ExportToDot exports the graph to Graphviz .dot format.
func (g *Graph) ExportToDot() (string, error) {
	data, err := dot.Marshal(g, "", "", "")
	if err != nil {
		return "", fmt.Errorf("failed to export graph to DOT format: %v", err)
	}
	return string(data), nil
}

func (g *Graph) NewEdge(from, to graph.Node) graph.Edge {
	return &edge{Edge: g.DirectedGraph.NewEdge(from, to)}
}

type edge struct {
	graph.Edge
	attrs encoding.Attributes
}

func (e *edge) Attributes() []encoding.Attribute {
	return e.attrs.Attributes()
}

func (e *edge) SetAttribute(attr encoding.Attribute) error {
	return e.attrs.SetAttribute(attr)
}
