// Package graph holds the typed graph model of a workflow definition and
// the static validation that runs before any execution instance is
// created.
package graph

import (
	"github.com/flowstate-io/flowstate/types"
)

// Graph is an adjacency view over a frozen definition. It is read-only
// after Build and safe for concurrent use.
type Graph struct {
	def       *types.Definition
	nodes     map[string]types.Node
	outgoing  map[string][]types.Edge
	incoming  map[string][]types.Edge
	loopBody  map[string]map[string]bool
	backEdges map[types.Edge]bool
}

// Build indexes a definition. It assumes the definition passed
// validation; Build itself only requires node ids to be unique enough to
// index (duplicates keep the last occurrence, which validation rejects).
func Build(def *types.Definition) *Graph {
	g := &Graph{
		def:       def,
		nodes:     make(map[string]types.Node, len(def.Nodes)),
		outgoing:  make(map[string][]types.Edge),
		incoming:  make(map[string][]types.Edge),
		loopBody:  make(map[string]map[string]bool),
		backEdges: make(map[types.Edge]bool),
	}
	for _, n := range def.Nodes {
		g.nodes[n.ID] = n
	}
	for _, e := range def.Edges {
		g.outgoing[e.From] = append(g.outgoing[e.From], e)
		g.incoming[e.To] = append(g.incoming[e.To], e)
	}
	for _, n := range def.Nodes {
		if n.Type == types.NodeLoop {
			body := g.discoverLoopBody(n.ID)
			g.loopBody[n.ID] = body
			for _, e := range g.incoming[n.ID] {
				if body[e.From] {
					g.backEdges[e] = true
				}
			}
		}
	}
	return g
}

// Node returns the node for an id; ok is false for unknown ids.
func (g *Graph) Node(id string) (types.Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Nodes returns the definition's nodes in declaration order.
func (g *Graph) Nodes() []types.Node { return g.def.Nodes }

// Start returns the declared start node id.
func (g *Graph) Start() string { return g.def.Start }

// Outgoing returns the edges leaving a node.
func (g *Graph) Outgoing(id string) []types.Edge { return g.outgoing[id] }

// Incoming returns the edges entering a node.
func (g *Graph) Incoming(id string) []types.Edge { return g.incoming[id] }

// IsBackEdge reports whether e closes a declared loop (its source lies
// inside the loop body of its target). Back edges are ignored when
// computing readiness and instead re-arm the loop head.
func (g *Graph) IsBackEdge(e types.Edge) bool { return g.backEdges[e] }

// LoopBody returns the set of node ids inside a loop node's body.
func (g *Graph) LoopBody(loopID string) map[string]bool { return g.loopBody[loopID] }

// DefaultEdge returns the default/fallback edge leaving a node, if any.
func (g *Graph) DefaultEdge(id string) (types.Edge, bool) {
	for _, e := range g.outgoing[id] {
		if e.Default {
			return e, true
		}
	}
	return types.Edge{}, false
}

// Reachable returns every node id reachable from the start node.
func (g *Graph) Reachable() map[string]bool {
	seen := make(map[string]bool)
	stack := []string{g.def.Start}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[id] {
			continue
		}
		seen[id] = true
		for _, e := range g.outgoing[id] {
			if !seen[e.To] {
				stack = append(stack, e.To)
			}
		}
	}
	return seen
}

// discoverLoopBody walks forward from the loop's body edge, stopping at
// the loop node itself, and keeps only nodes that can flow back into the
// loop head.
func (g *Graph) discoverLoopBody(loopID string) map[string]bool {
	var entry string
	for _, e := range g.outgoing[loopID] {
		if e.Branch == types.LoopBodyBranch {
			entry = e.To
		}
	}
	if entry == "" {
		return map[string]bool{}
	}
	// Forward-reachable from the body entry without passing through the
	// loop node.
	forward := make(map[string]bool)
	stack := []string{entry}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if id == loopID || forward[id] {
			continue
		}
		forward[id] = true
		for _, e := range g.outgoing[id] {
			stack = append(stack, e.To)
		}
	}
	// Of those, the body is the subset that reaches the loop head again.
	body := make(map[string]bool)
	for id := range forward {
		if g.reaches(id, loopID, forward) {
			body[id] = true
		}
	}
	return body
}

// reaches reports whether target is reachable from id travelling only
// through the allowed set.
func (g *Graph) reaches(id, target string, allowed map[string]bool) bool {
	seen := make(map[string]bool)
	stack := []string{id}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[cur] {
			continue
		}
		seen[cur] = true
		for _, e := range g.outgoing[cur] {
			if e.To == target {
				return true
			}
			if allowed[e.To] && !seen[e.To] {
				stack = append(stack, e.To)
			}
		}
	}
	return false
}
