// Package sim drives one frame at a time: advance the clock, rebuild islands,
// run every island on its own task, commit the queued writes.
package sim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kelindar/bitmap"

	"github.com/zeusync/islands/internal/core/access"
	"github.com/zeusync/islands/internal/core/dbuf"
	"github.com/zeusync/islands/internal/core/depgraph"
	"github.com/zeusync/islands/internal/core/entctx"
	"github.com/zeusync/islands/internal/core/entity"
	"github.com/zeusync/islands/internal/core/hazard"
	"github.com/zeusync/islands/internal/core/observability/log"
	"github.com/zeusync/islands/internal/core/runner"
)

// UpdateFunc is the body of one entity's update.
type UpdateFunc func(ctx context.Context, u *Update) error

// Report summarises a finished frame.
type Report struct {
	Frame       uint64
	Islands     depgraph.Stats
	Fingerprint uint64
	Updated     int
	Committed   int
	Violations  int64
	Duration    time.Duration
}

type World struct {
	id uuid.UUID

	clock    *entity.Clock
	graph    *depgraph.Graph
	enforcer *access.Enforcer
	runner   *runner.Runner
	store    *dbuf.Store
	counter  *hazard.Counter

	mu    sync.RWMutex
	inUse bitmap.Bitmap

	log log.Log
}

func New(
	clock *entity.Clock,
	graph *depgraph.Graph,
	enforcer *access.Enforcer,
	run *runner.Runner,
	store *dbuf.Store,
	counter *hazard.Counter,
	logger log.Log,
) *World {
	if logger == nil {
		logger = log.NewNop()
	}
	if counter == nil {
		counter = hazard.NewCounter()
	}
	id := uuid.New()
	return &World{
		id:       id,
		clock:    clock,
		graph:    graph,
		enforcer: enforcer,
		runner:   run,
		store:    store,
		counter:  counter,
		log:      logger.With(log.String("component", "sim"), log.String("run", id.String())),
	}
}

func (w *World) RunID() uuid.UUID            { return w.id }
func (w *World) Clock() *entity.Clock        { return w.clock }
func (w *World) Graph() *depgraph.Graph      { return w.graph }
func (w *World) Enforcer() *access.Enforcer  { return w.enforcer }
func (w *World) Store() *dbuf.Store          { return w.store }
func (w *World) Violations() *hazard.Counter { return w.counter }

func (w *World) Capacity() int {
	return w.clock.Capacity()
}

// Spawn marks id as in use. Only in-use entities get their update called.
func (w *World) Spawn(id entity.ID) error {
	if !id.Valid(w.Capacity()) {
		return fmt.Errorf("spawn %s: %w", id, entity.ErrOutOfRange)
	}
	w.mu.Lock()
	w.inUse.Set(uint32(id))
	w.mu.Unlock()
	return nil
}

// Free marks id as unused and drops its dependency edges.
func (w *World) Free(id entity.ID) error {
	if !id.Valid(w.Capacity()) {
		return fmt.Errorf("free %s: %w", id, entity.ErrOutOfRange)
	}
	w.mu.Lock()
	w.inUse.Remove(uint32(id))
	w.mu.Unlock()
	return w.graph.RemoveVertex(id)
}

func (w *World) InUse(id entity.ID) bool {
	if id == entity.None {
		return false
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.inUse.Contains(uint32(id))
}

// Population is the number of entities in use.
func (w *World) Population() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.inUse.Count()
}

// Step runs one frame. Inside an island, members are visited in ascending id
// order; every member is touched once the island task is past it, whether it
// is in use or not, so that stalls on it resolve.
func (w *World) Step(ctx context.Context, update UpdateFunc) (Report, error) {
	start := time.Now()
	w.counter.Swap()

	frame := w.clock.Advance()
	w.store.BeginFrame()
	w.graph.RebuildIslands()
	table := w.graph.Islands()

	var updated sync.Map
	err := w.runner.RunIslands(ctx, table.Islands(), func(ctx context.Context, island depgraph.Island) error {
		n, err := w.runIsland(ctx, frame, island, update)
		updated.Store(island.Index, n)
		return err
	})

	rep := Report{
		Frame:       frame,
		Islands:     table.Stats(),
		Fingerprint: table.Fingerprint(),
		Committed:   w.store.EndFrame(),
	}
	updated.Range(func(_, v any) bool {
		rep.Updated += v.(int)
		return true
	})
	rep.Violations = w.counter.Total()
	rep.Duration = time.Since(start)

	if w.log.Enabled(log.LevelDebug) {
		w.log.Debug("frame stepped",
			log.Uint64("frame", frame),
			log.Int("islands", rep.Islands.Islands),
			log.Int("updated", rep.Updated),
			log.Int("committed", rep.Committed),
			log.Int64("violations", rep.Violations),
			log.Duration("took", rep.Duration))
	}

	if err != nil {
		return rep, fmt.Errorf("frame %d: %w", frame, err)
	}
	return rep, nil
}

func (w *World) runIsland(ctx context.Context, frame uint64, island depgraph.Island, update UpdateFunc) (updated int, err error) {
	slot := entctx.FromContext(ctx)
	done := 0
	defer func() {
		// a failed update must not leave later members untouched
		for _, id := range island.Members[done:] {
			w.clock.Touch(id)
		}
	}()

	for _, id := range island.Members {
		if w.InUse(id) {
			restore := slot.Enter(id)
			err = update(ctx, &Update{w: w, ctx: ctx, self: id, frame: frame})
			restore()
			updated++
		}
		w.clock.Touch(id)
		done++
		if err != nil {
			return updated, fmt.Errorf("update %s: %w", id, err)
		}
	}
	return updated, nil
}

// Reset returns every service to its initial state and frees all entities.
func (w *World) Reset() {
	w.clock.Reset()
	w.graph.Reset()
	w.store.Reset()
	w.counter.Swap()

	w.mu.Lock()
	w.inUse.Clear()
	w.mu.Unlock()
}
