package depgraph

import (
	"encoding/binary"
	"slices"

	"github.com/cespare/xxhash/v2"
	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/topo"

	"github.com/zeusync/islands/internal/core/entity"
)

// Island is one connected component. Members are sorted by id.
type Island struct {
	Index   int
	Members []entity.ID
}

func (i Island) Len() int {
	return len(i.Members)
}

// Contains is a binary search over the sorted members.
func (i Island) Contains(id entity.ID) bool {
	_, ok := slices.BinarySearch(i.Members, id)
	return ok
}

// Table is an immutable island partition of the whole id space. Every slot
// of the entity table belongs to exactly one island.
type Table struct {
	islands []Island
	label   []int32
}

type Stats struct {
	Islands    int
	Linked     int // islands with more than one member
	Singletons int
	Largest    int
}

func (t *Table) Len() int {
	return len(t.islands)
}

func (t *Table) Island(i int) Island {
	return t.islands[i]
}

// Islands returns the backing slice; callers must not modify it.
func (t *Table) Islands() []Island {
	return t.islands
}

// IslandOf returns the island that contains id.
func (t *Table) IslandOf(id entity.ID) (Island, bool) {
	if int(id) >= len(t.label) {
		return Island{}, false
	}
	return t.islands[t.label[id]], true
}

func (t *Table) SameIsland(a, b entity.ID) bool {
	island, ok := t.IslandOf(a)
	if !ok {
		return false
	}
	return island.Contains(b)
}

// Each calls fn for every island in index order until fn returns false.
func (t *Table) Each(fn func(Island) bool) {
	for _, island := range t.islands {
		if !fn(island) {
			return
		}
	}
}

func (t *Table) Stats() Stats {
	st := Stats{Islands: len(t.islands)}
	for _, island := range t.islands {
		n := island.Len()
		if n > 1 {
			st.Linked++
		} else {
			st.Singletons++
		}
		st.Largest = max(st.Largest, n)
	}
	return st
}

// Fingerprint hashes the island labels. Labels are assigned in order of each
// island's lowest member, so two tables describing the same partition have
// the same fingerprint.
func (t *Table) Fingerprint() uint64 {
	h := xxhash.New()
	var buf [4]byte
	for _, l := range t.label {
		binary.LittleEndian.PutUint32(buf[:], uint32(l))
		_, _ = h.Write(buf[:])
	}
	return h.Sum64()
}

// buildTable labels the connected components of adj. Slots with no vertex
// in adj end up as singletons.
func buildTable(capacity int, adj graph.Undirected) *Table {
	// root is the lowest member of each slot's component
	root := make([]int32, capacity)
	for i := range root {
		root[i] = int32(i)
	}
	for _, component := range topo.ConnectedComponents(adj) {
		low := int64(capacity)
		for _, n := range component {
			low = min(low, n.ID())
		}
		for _, n := range component {
			if id := n.ID(); id >= 0 && id < int64(capacity) {
				root[id] = int32(low)
			}
		}
	}

	label := make([]int32, capacity)
	rootLabel := make([]int32, capacity)
	for i := range rootLabel {
		rootLabel[i] = -1
	}
	var sizes []int
	for i := range capacity {
		r := root[i]
		if rootLabel[r] < 0 {
			rootLabel[r] = int32(len(sizes))
			sizes = append(sizes, 0)
		}
		label[i] = rootLabel[r]
		sizes[label[i]]++
	}

	// one backing array for all members
	members := make([]entity.ID, capacity)
	islands := make([]Island, len(sizes))
	offset := 0
	for l, n := range sizes {
		islands[l] = Island{Index: l, Members: members[offset : offset : offset+n]}
		offset += n
	}
	for i := range capacity {
		l := label[i]
		islands[l].Members = append(islands[l].Members, entity.ID(i))
	}

	return &Table{islands: islands, label: label}
}
