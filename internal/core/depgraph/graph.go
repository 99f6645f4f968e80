// Package depgraph keeps the undirected "depends on" graph between entities
// and partitions it into islands: connected components that can be updated
// on one task without synchronising with any other island.
package depgraph

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"gonum.org/v1/gonum/graph/simple"

	"github.com/zeusync/islands/internal/core/entity"
	"github.com/zeusync/islands/internal/core/hazard"
	"github.com/zeusync/islands/internal/core/observability/log"
)

var (
	ErrNullDependency = errors.New("null dependency")
	ErrOutOfRange     = errors.New("entity id out of range")
)

// DirtyPolicy selects how membership queries behave while the island cache is
// dirty. It is global to a Graph and fixed at construction.
type DirtyPolicy uint8

const (
	// StaleCache answers from the last built islands. Fast, possibly wrong.
	StaleCache DirtyPolicy = iota
	// TraverseGraph searches the live graph. Correct, O(V+E) worst case.
	// The searched entity may already sit in another task's queue, which is
	// why this is not the default.
	TraverseGraph
)

func ParseDirtyPolicy(s string) (DirtyPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "stale", "stale_cache":
		return StaleCache, nil
	case "traverse", "traverse_graph":
		return TraverseGraph, nil
	default:
		return StaleCache, fmt.Errorf("unknown dirty policy %q", s)
	}
}

func (p DirtyPolicy) String() string {
	if p == TraverseGraph {
		return "traverse"
	}
	return "stale"
}

type Options struct {
	// Capacity is the size of the entity table. Every slot belongs to an
	// island after a rebuild.
	Capacity int
	// DirtyPolicy applies to every OnSameIsland call on a dirty cache.
	DirtyPolicy DirtyPolicy
	// AutoRebuild rebuilds islands after every topology change and before
	// every dirty query. Debug only: it makes everything slow.
	AutoRebuild bool
}

type Graph struct {
	mu    sync.Mutex
	adj   *simple.UndirectedGraph
	edges int

	dirty atomic.Bool
	table atomic.Pointer[Table]

	capacity    int
	policy      DirtyPolicy
	autoRebuild bool

	reporter hazard.Reporter
	log      log.Log
}

func New(opts Options, logger log.Log, reporter hazard.Reporter) *Graph {
	if opts.Capacity <= 0 {
		opts.Capacity = entity.DefaultCapacity
	}
	if logger == nil {
		logger = log.NewNop()
	}
	if reporter == nil {
		reporter = hazard.Nop
	}
	g := &Graph{
		adj:         simple.NewUndirectedGraph(),
		capacity:    opts.Capacity,
		policy:      opts.DirtyPolicy,
		autoRebuild: opts.AutoRebuild,
		reporter:    reporter,
		log:         logger.With(log.String("component", "depgraph")),
	}
	g.dirty.Store(true)
	return g
}

func (g *Graph) Capacity() int             { return g.capacity }
func (g *Graph) Policy() DirtyPolicy       { return g.policy }
func (g *Graph) Dirty() bool               { return g.dirty.Load() }
func (g *Graph) Islands() *Table           { return g.table.Load() }
func (g *Graph) Reporter() hazard.Reporter { return g.reporter }

// AddDep records that depends needs on's current-frame state. Self edges are
// ignored and leave the dirty flag alone.
func (g *Graph) AddDep(depends, on entity.ID) error {
	if depends == on {
		return nil
	}
	if on == entity.None {
		g.reporter.Report(&hazard.Violation{Kind: hazard.KindNullDependency, Context: depends, Target: on})
		return fmt.Errorf("add dependency %s -> %s: %w", depends, on, ErrNullDependency)
	}
	if err := g.checkRange(depends, on); err != nil {
		return fmt.Errorf("add dependency: %w", err)
	}

	g.mu.Lock()
	g.link(depends, on)
	g.dirty.Store(true)
	g.mu.Unlock()

	if g.autoRebuild {
		g.RebuildIslands()
	}
	return nil
}

// RemoveDep drops the edge between depends and on if there is one.
func (g *Graph) RemoveDep(depends, on entity.ID) error {
	if depends == on || depends == entity.None || on == entity.None {
		return nil
	}
	if err := g.checkRange(depends, on); err != nil {
		return fmt.Errorf("remove dependency: %w", err)
	}

	g.mu.Lock()
	g.unlink(depends, on)
	g.dirty.Store(true)
	g.mu.Unlock()

	if g.autoRebuild {
		g.RebuildIslands()
	}
	return nil
}

// RemoveVertex drops every edge touching v. Used when an entity is freed.
func (g *Graph) RemoveVertex(v entity.ID) error {
	if v == entity.None {
		return nil
	}
	if err := g.checkRange(v, v); err != nil {
		return fmt.Errorf("remove vertex: %w", err)
	}

	g.mu.Lock()
	if g.adj.Node(int64(v)) != nil {
		g.edges -= len(g.neighbors(v))
		g.adj.RemoveNode(int64(v))
	}
	g.dirty.Store(true)
	g.mu.Unlock()

	if g.autoRebuild {
		g.RebuildIslands()
	}
	return nil
}

// OnSameIsland reports whether a and b may be processed by the same task.
// On a dirty cache it warns and answers according to the graph's DirtyPolicy.
func (g *Graph) OnSameIsland(a, b entity.ID) bool {
	if a == b {
		return true
	}
	same, stale := g.Colocated(a, b)
	if stale {
		msg := "island cache is dirty, co-location may change next frame"
		if g.policy == TraverseGraph {
			msg = "island cache is dirty, traversing graph, this will be slower"
		}
		g.log.Warn(msg, log.Entity("from", a), log.Entity("to", b))
	}
	return same
}

// IsDependent is OnSameIsland under its other name.
func (g *Graph) IsDependent(a, b entity.ID) bool {
	return g.OnSameIsland(a, b)
}

// Colocated is OnSameIsland without the warning. stale reports whether the
// answer was produced while the cache was dirty.
func (g *Graph) Colocated(a, b entity.ID) (same, stale bool) {
	if a == b {
		return true, false
	}
	if g.autoRebuild && g.dirty.Load() {
		g.RebuildIslands()
	}

	stale = g.dirty.Load()
	if stale && g.policy == TraverseGraph {
		return g.Reachable(a, b), true
	}

	t := g.table.Load()
	if t == nil {
		return false, stale
	}
	return t.SameIsland(a, b), stale
}

// RebuildIslands recomputes the partition if the graph changed since the
// last build. Redundant and concurrent calls are safe.
func (g *Graph) RebuildIslands() {
	if !g.dirty.Load() {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.dirty.Load() {
		return
	}

	t := buildTable(g.capacity, g.adj)
	g.table.Store(t)
	g.dirty.Store(false)

	if g.log.Enabled(log.LevelDebug) {
		st := t.Stats()
		g.log.Debug("islands rebuilt",
			log.Int("islands", st.Islands),
			log.Int("linked", st.Linked),
			log.Int("largest", st.Largest),
			log.Int("edges", g.edges))
	}
}

func (g *Graph) HasEdge(a, b entity.ID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.adj.HasEdgeBetween(int64(a), int64(b))
}

// Neighbors returns the ids adjacent to id, sorted.
func (g *Graph) Neighbors(id entity.ID) []entity.ID {
	g.mu.Lock()
	out := g.neighbors(id)
	g.mu.Unlock()
	slices.Sort(out)
	return out
}

func (g *Graph) EdgeCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.edges
}

// Reset drops every edge and the island cache.
func (g *Graph) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.adj = simple.NewUndirectedGraph()
	g.edges = 0
	g.table.Store(nil)
	g.dirty.Store(true)
}

func (g *Graph) checkRange(a, b entity.ID) error {
	if a.Valid(g.capacity) && b.Valid(g.capacity) {
		return nil
	}
	g.reporter.Report(&hazard.Violation{Kind: hazard.KindOutOfRange, Context: a, Target: b})
	return fmt.Errorf("%s -> %s (capacity %d): %w", a, b, g.capacity, ErrOutOfRange)
}

// link, unlink and neighbors expect g.mu held.
func (g *Graph) link(a, b entity.ID) {
	if g.adj.HasEdgeBetween(int64(a), int64(b)) {
		return
	}
	g.adj.SetEdge(g.adj.NewEdge(node(a), node(b)))
	g.edges++
}

func (g *Graph) unlink(a, b entity.ID) {
	if !g.adj.HasEdgeBetween(int64(a), int64(b)) {
		return
	}
	g.adj.RemoveEdge(int64(a), int64(b))
	g.edges--
}

func (g *Graph) neighbors(id entity.ID) []entity.ID {
	if g.adj.Node(int64(id)) == nil {
		return nil
	}
	var out []entity.ID
	nodes := g.adj.From(int64(id))
	for nodes.Next() {
		out = append(out, entity.ID(nodes.Node().ID()))
	}
	return out
}

func node(id entity.ID) simple.Node {
	return simple.Node(int64(id))
}
