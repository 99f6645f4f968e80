package depgraph

import (
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/zeusync/islands/internal/core/entity"
	"github.com/zeusync/islands/internal/core/hazard"
	"github.com/zeusync/islands/internal/core/observability/log"
)

func newGraph(t *testing.T, opts Options) (*Graph, *hazard.Recorder, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	rec := hazard.NewRecorder()
	return New(opts, log.NewWithZap(zap.New(core)), rec), rec, logs
}

func members(t *testing.T, tbl *Table, id entity.ID) []entity.ID {
	t.Helper()
	island, ok := tbl.IslandOf(id)
	require.True(t, ok)
	return island.Members
}

func TestGraph_LinkedPairAndLoner(t *testing.T) {
	g, _, _ := newGraph(t, Options{Capacity: 4})

	require.NoError(t, g.AddDep(1, 2))
	g.RebuildIslands()

	tbl := g.Islands()
	require.NotNil(t, tbl)
	require.Equal(t, []entity.ID{1, 2}, members(t, tbl, 1))
	require.Equal(t, []entity.ID{1, 2}, members(t, tbl, 2))
	require.Equal(t, []entity.ID{3}, members(t, tbl, 3))

	require.True(t, g.OnSameIsland(1, 2))
	require.True(t, g.OnSameIsland(2, 1))
	require.False(t, g.OnSameIsland(1, 3))
}

func TestGraph_RemoveVertexSplitsIsland(t *testing.T) {
	g, _, _ := newGraph(t, Options{Capacity: 4})

	require.NoError(t, g.AddDep(1, 2))
	g.RebuildIslands()

	require.NoError(t, g.RemoveVertex(2))
	require.True(t, g.Dirty())
	g.RebuildIslands()

	tbl := g.Islands()
	for id := entity.ID(0); id < 4; id++ {
		require.Equal(t, []entity.ID{id}, members(t, tbl, id))
	}
	require.False(t, g.HasEdge(1, 2))
	require.Zero(t, g.EdgeCount())
}

func TestGraph_SelfReference(t *testing.T) {
	g, _, _ := newGraph(t, Options{Capacity: 8})
	g.RebuildIslands()
	require.False(t, g.Dirty())

	require.True(t, g.OnSameIsland(5, 5))

	require.NoError(t, g.AddDep(5, 5))
	require.False(t, g.Dirty())
	require.NoError(t, g.RemoveDep(5, 5))
	require.False(t, g.Dirty())
	require.Zero(t, g.EdgeCount())
	require.Nil(t, g.Neighbors(5))
}

func TestGraph_DirtyLifecycle(t *testing.T) {
	g, _, _ := newGraph(t, Options{Capacity: 8})
	require.True(t, g.Dirty(), "a new graph has no islands yet")

	g.RebuildIslands()
	require.False(t, g.Dirty())
	first := g.Islands()

	// clean rebuild is a no-op
	g.RebuildIslands()
	require.Same(t, first, g.Islands())

	require.NoError(t, g.AddDep(0, 1))
	require.True(t, g.Dirty())
	g.RebuildIslands()
	require.False(t, g.Dirty())

	require.NoError(t, g.RemoveDep(0, 1))
	require.True(t, g.Dirty())
	g.RebuildIslands()

	require.NoError(t, g.RemoveVertex(3))
	require.True(t, g.Dirty())
}

func TestGraph_IdempotentRebuild(t *testing.T) {
	g, _, _ := newGraph(t, Options{Capacity: 64})
	r := rand.New(rand.NewPCG(1, 2))
	for range 40 {
		require.NoError(t, g.AddDep(entity.ID(r.IntN(64)), entity.ID(r.IntN(64))))
	}
	g.RebuildIslands()
	first := g.Islands()

	// force a rebuild with identical topology
	g.dirty.Store(true)
	g.RebuildIslands()
	second := g.Islands()

	require.NotSame(t, first, second)
	require.Equal(t, first.Islands(), second.Islands())
	require.Equal(t, first.Fingerprint(), second.Fingerprint())
}

func TestGraph_PartitionInvariant(t *testing.T) {
	const capacity = 200
	g, _, _ := newGraph(t, Options{Capacity: capacity})
	r := rand.New(rand.NewPCG(7, 7))
	// edges only among the first 120 ids; the rest stay beyond the highest vertex
	for range 90 {
		require.NoError(t, g.AddDep(entity.ID(r.IntN(120)), entity.ID(r.IntN(120))))
	}
	g.RebuildIslands()
	tbl := g.Islands()

	seen := make(map[entity.ID]int, capacity)
	total := 0
	tbl.Each(func(island Island) bool {
		require.NotEmpty(t, island.Members)
		require.IsIncreasing(t, island.Members)
		for _, id := range island.Members {
			_, dup := seen[id]
			require.False(t, dup, "entity %s in two islands", id)
			seen[id] = island.Index
		}
		total += island.Len()
		return true
	})
	require.Equal(t, capacity, total)

	for id := entity.ID(120); id < capacity; id++ {
		require.Equal(t, []entity.ID{id}, members(t, tbl, id))
	}

	st := tbl.Stats()
	require.Equal(t, tbl.Len(), st.Islands)
	require.Equal(t, st.Islands, st.Linked+st.Singletons)
}

func TestGraph_ConnectivityMatchesReference(t *testing.T) {
	const capacity = 80
	g, _, _ := newGraph(t, Options{Capacity: capacity})
	r := rand.New(rand.NewPCG(3, 9))

	type edge struct{ a, b entity.ID }
	norm := func(a, b entity.ID) edge {
		return edge{min(a, b), max(a, b)}
	}
	live := make(map[edge]bool)
	var added []edge
	for range 50 {
		a, b := entity.ID(r.IntN(capacity)), entity.ID(r.IntN(capacity))
		require.NoError(t, g.AddDep(a, b))
		if a != b {
			live[norm(a, b)] = true
			added = append(added, edge{a, b})
		}
	}
	// remove a few again, in the opposite direction
	for _, e := range added[:10] {
		require.NoError(t, g.RemoveDep(e.b, e.a))
		delete(live, norm(e.a, e.b))
	}
	g.RebuildIslands()
	require.Equal(t, len(live), g.EdgeCount())

	// reference: naive flood fill over the surviving edges
	adj := make(map[entity.ID][]entity.ID)
	for e := range live {
		adj[e.a] = append(adj[e.a], e.b)
		adj[e.b] = append(adj[e.b], e.a)
	}
	connected := func(a, b entity.ID) bool {
		seen := map[entity.ID]bool{a: true}
		stack := []entity.ID{a}
		for len(stack) > 0 {
			v := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if v == b {
				return true
			}
			for _, n := range adj[v] {
				if !seen[n] {
					seen[n] = true
					stack = append(stack, n)
				}
			}
		}
		return false
	}

	for a := entity.ID(0); a < capacity; a++ {
		for b := entity.ID(0); b < capacity; b++ {
			require.Equal(t, connected(a, b), g.OnSameIsland(a, b), "%s %s", a, b)
		}
	}
}

func TestGraph_DirtyPolicy(t *testing.T) {
	t.Run("Stale cache answers from old islands and warns", func(t *testing.T) {
		g, _, logs := newGraph(t, Options{Capacity: 8, DirtyPolicy: StaleCache})
		g.RebuildIslands()

		require.NoError(t, g.AddDep(1, 2))
		require.False(t, g.OnSameIsland(1, 2))
		require.Equal(t, 1, logs.FilterLevelExact(zapcore.WarnLevel).Len())

		same, stale := g.Colocated(1, 2)
		require.False(t, same)
		require.True(t, stale)
	})

	t.Run("Never built cache answers false", func(t *testing.T) {
		g, _, _ := newGraph(t, Options{Capacity: 8})
		require.NoError(t, g.AddDep(1, 2))
		require.False(t, g.OnSameIsland(1, 2))
	})

	t.Run("Traverse searches live graph", func(t *testing.T) {
		g, _, logs := newGraph(t, Options{Capacity: 8, DirtyPolicy: TraverseGraph})
		g.RebuildIslands()

		require.NoError(t, g.AddDep(1, 2))
		require.NoError(t, g.AddDep(2, 6))
		require.True(t, g.OnSameIsland(1, 6))
		require.False(t, g.OnSameIsland(1, 7))
		require.Equal(t, 2, logs.FilterLevelExact(zapcore.WarnLevel).Len())
	})

	t.Run("Auto rebuild keeps cache clean", func(t *testing.T) {
		g, _, logs := newGraph(t, Options{Capacity: 8, AutoRebuild: true})
		require.NoError(t, g.AddDep(3, 4))
		require.False(t, g.Dirty())
		require.True(t, g.OnSameIsland(3, 4))
		require.Zero(t, logs.FilterLevelExact(zapcore.WarnLevel).Len())
	})

	t.Run("Parse", func(t *testing.T) {
		p, err := ParseDirtyPolicy("traverse")
		require.NoError(t, err)
		require.Equal(t, TraverseGraph, p)
		_, err = ParseDirtyPolicy("guess")
		require.Error(t, err)
	})
}

func TestGraph_Misuse(t *testing.T) {
	g, rec, _ := newGraph(t, Options{Capacity: 8})
	g.RebuildIslands()

	err := g.AddDep(3, entity.None)
	require.ErrorIs(t, err, ErrNullDependency)
	require.Equal(t, 1, rec.Count(hazard.KindNullDependency))
	require.False(t, g.Dirty())

	err = g.AddDep(3, 8)
	require.ErrorIs(t, err, ErrOutOfRange)
	require.Equal(t, 1, rec.Count(hazard.KindOutOfRange))

	// null arguments to RemoveDep are silently ignored
	require.NoError(t, g.RemoveDep(entity.None, 3))
	require.NoError(t, g.RemoveDep(3, entity.None))
	require.NoError(t, g.RemoveVertex(entity.None))
	require.False(t, g.Dirty())
}

func TestGraph_Walk(t *testing.T) {
	g, _, _ := newGraph(t, Options{Capacity: 16})
	for i := entity.ID(0); i < 9; i++ {
		require.NoError(t, g.AddDep(i, i+1))
	}

	var visited []entity.ID
	g.Walk(0, func(v entity.ID) Visit {
		visited = append(visited, v)
		if v == 4 {
			return Stop
		}
		return Continue
	})
	require.Equal(t, []entity.ID{0, 1, 2, 3, 4}, visited)

	require.True(t, g.Reachable(0, 9))
	require.False(t, g.Reachable(0, 12))

	// a vertex past the highest touched id still visits itself
	visited = visited[:0]
	g.Walk(14, func(v entity.ID) Visit {
		visited = append(visited, v)
		return Continue
	})
	require.Equal(t, []entity.ID{14}, visited)
}

func TestGraph_ConcurrentMutation(t *testing.T) {
	const capacity = 256
	g, _, _ := newGraph(t, Options{Capacity: capacity})

	var wg sync.WaitGroup
	for w := range 8 {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := range 32 {
				a := entity.ID(w*32 + i)
				b := entity.ID(w*32 + (i+1)%32)
				_ = g.AddDep(a, b)
				_ = g.OnSameIsland(a, b)
			}
		}(w)
	}
	wg.Wait()

	g.RebuildIslands()
	tbl := g.Islands()
	require.Equal(t, 8, tbl.Stats().Linked)
	require.True(t, g.OnSameIsland(0, 31))
	require.False(t, g.OnSameIsland(0, 32))
}

func TestGraph_Reset(t *testing.T) {
	g, _, _ := newGraph(t, Options{Capacity: 8})
	require.NoError(t, g.AddDep(1, 2))
	g.RebuildIslands()

	g.Reset()
	require.True(t, g.Dirty())
	require.Nil(t, g.Islands())
	require.Zero(t, g.EdgeCount())

	g.RebuildIslands()
	require.False(t, g.OnSameIsland(1, 2))
	require.Equal(t, 8, g.Islands().Len())
}

func TestGraph_UnlinkedVerticesAreSingletons(t *testing.T) {
	g, _, _ := newGraph(t, Options{Capacity: 8})
	g.RebuildIslands()
	fresh := g.Islands().Fingerprint()

	require.NoError(t, g.AddDep(2, 6))
	require.NoError(t, g.AddDep(6, 7))
	g.RebuildIslands()
	require.NotEqual(t, fresh, g.Islands().Fingerprint())

	require.NoError(t, g.RemoveDep(2, 6))
	require.NoError(t, g.RemoveVertex(7))
	g.RebuildIslands()

	require.Zero(t, g.EdgeCount())
	require.Nil(t, g.Neighbors(2))
	require.Nil(t, g.Neighbors(6))
	require.Equal(t, 8, g.Islands().Len())
	require.Equal(t, fresh, g.Islands().Fingerprint())
}
