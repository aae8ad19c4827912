package pointsto

import (
	"cmp"
	"slices"
	"sync"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/iterator"
	"gonum.org/v1/gonum/graph/path"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
)

// rootID is the pseudo node calling every root method.
const rootID = 0

// CallGraph is the method-level call graph of a result. Node ids follow the
// sorted method names so that traversals are deterministic.
type CallGraph struct {
	g     orderedGraph
	ids   map[string]int64
	names []string
	self  map[int64]bool

	once     sync.Once
	shortest path.Shortest
}

// orderedGraph returns successors in id order; the simple graph returns
// them in map order.
type orderedGraph struct {
	*simple.DirectedGraph
}

func (g orderedGraph) From(id int64) graph.Nodes {
	return sortedNodes(g.DirectedGraph.From(id))
}

func (g orderedGraph) Nodes() graph.Nodes {
	return sortedNodes(g.DirectedGraph.Nodes())
}

func sortedNodes(it graph.Nodes) graph.Nodes {
	nodes := graph.NodesOf(it)
	slices.SortFunc(nodes, func(a, b graph.Node) int { return cmp.Compare(a.ID(), b.ID()) })
	return iterator.NewOrderedNodes(nodes)
}

// NewCallGraph builds the call graph of edges.
func NewCallGraph(edges []Edge) *CallGraph {
	var names []string
	for _, e := range edges {
		if e.Caller != "" {
			names = append(names, e.Caller)
		}
		names = append(names, e.Callee)
	}
	slices.Sort(names)
	names = slices.Compact(names)

	c := &CallGraph{
		g:     orderedGraph{simple.NewDirectedGraph()},
		ids:   make(map[string]int64, len(names)),
		names: append([]string{""}, names...),
		self:  make(map[int64]bool),
	}
	c.g.AddNode(simple.Node(rootID))
	for i, n := range names {
		id := int64(i + 1)
		c.ids[n] = id
		c.g.AddNode(simple.Node(id))
	}
	for _, e := range edges {
		from := int64(rootID)
		if e.Caller != "" {
			from = c.ids[e.Caller]
		}
		to := c.ids[e.Callee]
		if from == to {
			c.self[from] = true
			continue
		}
		if !c.g.HasEdgeFromTo(from, to) {
			c.g.SetEdge(c.g.NewEdge(c.g.Node(from), c.g.Node(to)))
		}
	}
	return c
}

// Methods returns every method of the graph sorted by name.
func (c *CallGraph) Methods() []string {
	return slices.Clone(c.names[1:])
}

// Callees returns the methods m calls, sorted by name.
func (c *CallGraph) Callees(m string) []string {
	id, ok := c.ids[m]
	if !ok {
		return nil
	}
	var out []string
	for _, n := range graph.NodesOf(c.g.From(id)) {
		out = append(out, c.names[n.ID()])
	}
	if c.self[id] {
		out = append(out, m)
		slices.Sort(out)
	}
	return out
}

// Cycles returns the sets of mutually recursive methods, each sorted by name,
// self-recursive methods included.
func (c *CallGraph) Cycles() [][]string {
	var out [][]string
	for _, scc := range topo.TarjanSCC(c.g) {
		if len(scc) == 1 && !c.self[scc[0].ID()] {
			continue
		}
		var cycle []string
		for _, n := range scc {
			cycle = append(cycle, c.names[n.ID()])
		}
		slices.Sort(cycle)
		out = append(out, cycle)
	}
	slices.SortFunc(out, func(a, b []string) int { return slices.Compare(a, b) })
	return out
}

// PathTo returns a shortest call path from a root method to m, the root
// first, or nil when m is not reachable from any root.
func (c *CallGraph) PathTo(m string) []string {
	id, ok := c.ids[m]
	if !ok {
		return nil
	}
	c.once.Do(func() {
		c.shortest = path.DijkstraFrom(c.g.Node(rootID), c.g)
	})
	nodes, _ := c.shortest.To(id)
	if len(nodes) < 2 {
		return nil
	}
	out := make([]string, 0, len(nodes)-1)
	for _, n := range nodes[1:] {
		out = append(out, c.names[n.ID()])
	}
	return out
}
