package engine

import (
	"fmt"
	"sort"
)

// BuildGraph validates a set of resource node declarations and derives the
// dependency DAG from explicit depends_on entries and from every attribute
// value that is a Reference. It is a pure transformation: it fails with a
// CycleError or UnresolvedReferenceError before any side effect can happen,
// or returns a graph safe to plan against.
func BuildGraph(nodes []*ResourceNode) (*Graph, error) {
	g := &Graph{
		nodes:        make(map[string]*ResourceNode, len(nodes)),
		order:        make([]string, 0, len(nodes)),
		dependencies: make(map[string][]string),
		dependents:   make(map[string][]string),
	}

	for _, n := range nodes {
		if n.Type == "" || n.Name == "" {
			return nil, fmt.Errorf("node %q/%q: type and name are required", n.Type, n.Name)
		}
		id := n.ID()
		if _, exists := g.nodes[id]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateNode, id)
		}
		g.nodes[id] = n
		g.order = append(g.order, id)
	}

	for _, id := range g.order {
		n := g.nodes[id]

		for _, dep := range n.DependsOn {
			if _, exists := g.nodes[dep]; !exists {
				return nil, &UnresolvedReferenceError{NodeID: id, Attribute: "depends_on", Target: dep}
			}
			g.addEdge(Edge{From: dep, To: id, Kind: EdgeExplicit})
		}

		for _, key := range sortedKeys(n.Desired) {
			for _, ref := range collectReferences(n.Desired[key]) {
				if _, exists := g.nodes[ref.NodeID]; !exists {
					return nil, &UnresolvedReferenceError{NodeID: id, Attribute: key, Target: ref.NodeID}
				}
				g.addEdge(Edge{From: ref.NodeID, To: id, Kind: EdgeReference})
			}
		}
	}

	if cycle := g.findCycle(); cycle != nil {
		return nil, &CycleError{Participants: cycle}
	}

	return g, nil
}

// addEdge records an edge, deduplicating the adjacency lists. A node may
// reference another node several times; a single dependency edge suffices.
func (g *Graph) addEdge(e Edge) {
	if e.From == e.To {
		// Self edges surface as a one-node cycle in findCycle.
		g.edges = append(g.edges, e)
		g.dependencies[e.To] = append(g.dependencies[e.To], e.From)
		g.dependents[e.From] = append(g.dependents[e.From], e.To)
		return
	}
	for _, dep := range g.dependencies[e.To] {
		if dep == e.From {
			return
		}
	}
	g.edges = append(g.edges, e)
	g.dependencies[e.To] = append(g.dependencies[e.To], e.From)
	g.dependents[e.From] = append(g.dependents[e.From], e.To)
}

// dfs colors for cycle detection.
const (
	colorWhite = iota // unvisited
	colorGrey         // on the current traversal path
	colorBlack        // fully explored
)

// findCycle runs a depth-first traversal with three-color marking. An edge
// into a grey node is a back edge; the grey path from that node to the top
// of the stack is the cycle. Returns nil for an acyclic graph.
func (g *Graph) findCycle() []string {
	color := make(map[string]int, len(g.order))
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = colorGrey
		stack = append(stack, id)

		for _, next := range g.dependents[id] {
			switch color[next] {
			case colorWhite:
				if visit(next) {
					return true
				}
			case colorGrey:
				start := 0
				for i, sid := range stack {
					if sid == next {
						start = i
						break
					}
				}
				cycle = append(append(cycle, stack[start:]...), next)
				return true
			}
		}

		stack = stack[:len(stack)-1]
		color[id] = colorBlack
		return false
	}

	for _, id := range g.order {
		if color[id] == colorWhite {
			if visit(id) {
				return cycle
			}
		}
	}
	return nil
}

// collectReferences walks a desired-attribute value and returns every
// Reference it contains. Values may nest through maps and slices.
func collectReferences(v any) []Reference {
	var refs []Reference
	switch val := v.(type) {
	case Reference:
		refs = append(refs, val)
	case *Reference:
		if val != nil {
			refs = append(refs, *val)
		}
	case map[string]any:
		for _, key := range sortedKeys(val) {
			refs = append(refs, collectReferences(val[key])...)
		}
	case []any:
		for _, item := range val {
			refs = append(refs, collectReferences(item)...)
		}
	}
	return refs
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
