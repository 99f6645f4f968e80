package depgraph

import (
	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/traverse"

	"github.com/zeusync/islands/internal/core/entity"
)

// Visit tells Walk whether to keep going.
type Visit uint8

const (
	Continue Visit = iota
	Stop
)

// Walk runs a breadth-first search over the live graph starting at from,
// calling visit on every discovered vertex, from included. The graph lock is
// held for the whole walk, so visit must not change the graph.
func (g *Graph) Walk(from entity.ID, visit func(entity.ID) Visit) {
	if !from.Valid(g.capacity) {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	var bf traverse.BreadthFirst
	bf.Walk(g.adj, node(from), func(n graph.Node, _ int) bool {
		return visit(entity.ID(n.ID())) == Stop
	})
}

// Reachable reports whether a path of current edges joins a and b,
// regardless of the island cache.
func (g *Graph) Reachable(a, b entity.ID) bool {
	if a == b {
		return true
	}
	found := false
	g.Walk(a, func(v entity.ID) Visit {
		if v == b {
			found = true
			return Stop
		}
		return Continue
	})
	return found
}
