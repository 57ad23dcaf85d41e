package recon

import "sort"

// AssetGraph is an explicit adjacency structure over asset relationships
// (for example "depends_on" edges discovered during ingestion). Discovered
// relationships can be cyclic, so every traversal goes through the
// strongly-connected-component condensation instead of assuming a DAG.
type AssetGraph struct {
	adj   map[string][]string
	nodes map[string]bool
}

func NewAssetGraph() *AssetGraph {
	return &AssetGraph{
		adj:   make(map[string][]string),
		nodes: make(map[string]bool),
	}
}

// AddNode registers an isolated node.
func (g *AssetGraph) AddNode(id string) {
	g.nodes[id] = true
}

// AddEdge records a directed relationship from one asset to another. Both
// endpoints are registered as nodes.
func (g *AssetGraph) AddEdge(from, to string) {
	g.nodes[from] = true
	g.nodes[to] = true
	g.adj[from] = append(g.adj[from], to)
}

// Len returns the number of nodes.
func (g *AssetGraph) Len() int { return len(g.nodes) }

// SCCs returns the strongly connected components in reverse topological
// order of the condensation (dependencies before dependents). Node order is
// deterministic.
func (g *AssetGraph) SCCs() [][]string {
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	t := &tarjan{
		graph:   g,
		index:   make(map[string]int, len(ids)),
		lowlink: make(map[string]int, len(ids)),
		onStack: make(map[string]bool, len(ids)),
	}
	for _, id := range ids {
		if _, seen := t.index[id]; !seen {
			t.strongConnect(id)
		}
	}
	return t.components
}

// Cycles returns only the components that form a cycle: multi-node SCCs and
// single nodes with a self edge.
func (g *AssetGraph) Cycles() [][]string {
	var cycles [][]string
	for _, comp := range g.SCCs() {
		if len(comp) > 1 || g.hasSelfEdge(comp[0]) {
			cycles = append(cycles, comp)
		}
	}
	return cycles
}

// TraversalOrder returns every node in dependency order, with each cycle's
// members grouped into one step. Safe to walk even when relationships loop.
func (g *AssetGraph) TraversalOrder() [][]string {
	return g.SCCs()
}

func (g *AssetGraph) hasSelfEdge(id string) bool {
	for _, to := range g.adj[id] {
		if to == id {
			return true
		}
	}
	return false
}

// tarjan holds the per-run state of Tarjan's SCC algorithm.
type tarjan struct {
	graph *AssetGraph

	counter int
	index   map[string]int
	lowlink map[string]int
	onStack map[string]bool
	stack   []string

	components [][]string
}

func (t *tarjan) strongConnect(v string) {
	t.index[v] = t.counter
	t.lowlink[v] = t.counter
	t.counter++
	t.stack = append(t.stack, v)
	t.onStack[v] = true

	for _, w := range t.graph.adj[v] {
		if _, seen := t.index[w]; !seen {
			t.strongConnect(w)
			if t.lowlink[w] < t.lowlink[v] {
				t.lowlink[v] = t.lowlink[w]
			}
		} else if t.onStack[w] && t.index[w] < t.lowlink[v] {
			t.lowlink[v] = t.index[w]
		}
	}

	if t.lowlink[v] != t.index[v] {
		return
	}
	var comp []string
	for {
		n := len(t.stack) - 1
		w := t.stack[n]
		t.stack = t.stack[:n]
		t.onStack[w] = false
		comp = append(comp, w)
		if w == v {
			break
		}
	}
	sort.Strings(comp)
	t.components = append(t.components, comp)
}
