// Package runner fans island-level work out over a bounded set of goroutines
// and joins before returning. Islands never share entities, so their tasks
// need no synchronisation with each other.
package runner

import (
	"context"
	"runtime"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"

	"github.com/zeusync/islands/internal/core/depgraph"
	"github.com/zeusync/islands/internal/core/entctx"
	"github.com/zeusync/islands/internal/core/observability/log"
	"github.com/zeusync/islands/pkg/concurrent"
)

// TaskFunc processes one island. ctx carries the task's own entctx.Slot.
type TaskFunc func(ctx context.Context, island depgraph.Island) error

type Options struct {
	// Workers caps how many islands run at once. GOMAXPROCS when <= 0.
	Workers int
}

type Runner struct {
	graph   *depgraph.Graph
	workers int
	log     log.Log
}

func New(opts Options, graph *depgraph.Graph, logger log.Log) *Runner {
	if opts.Workers <= 0 {
		opts.Workers = runtime.GOMAXPROCS(0)
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &Runner{
		graph:   graph,
		workers: opts.Workers,
		log:     logger.With(log.String("component", "runner")),
	}
}

func (r *Runner) Workers() int {
	return r.workers
}

// Run rebuilds the island cache if needed and runs fn once for every island
// of the resulting table.
func (r *Runner) Run(ctx context.Context, fn TaskFunc) error {
	r.graph.RebuildIslands()
	table := r.graph.Islands()
	if table == nil {
		return nil
	}
	return r.RunIslands(ctx, table.Islands(), fn)
}

// RunIslands runs fn exactly once for each island given. A failing island
// does not stop the others; once all of them returned, every failure comes
// back joined in one error.
func (r *Runner) RunIslands(ctx context.Context, islands []depgraph.Island, fn TaskFunc) error {
	if len(islands) == 0 {
		return nil
	}

	start := time.Now()
	var failed atomic.Int32

	err := concurrent.Each(ctx, islands, r.workers, func(ctx context.Context, island depgraph.Island) error {
		err := r.runTask(ctx, island, fn)
		if err != nil {
			failed.Add(1)
		}
		return err
	})

	if r.log.Enabled(log.LevelDebug) {
		r.log.Debug("island batch finished",
			log.Int("islands", len(islands)),
			log.Int("failed", int(failed.Load())),
			log.Int("workers", r.workers),
			log.Duration("took", time.Since(start)))
	}

	if err != nil {
		return eris.Wrapf(err, "%d of %d islands failed", failed.Load(), len(islands))
	}
	return nil
}

func (r *Runner) runTask(ctx context.Context, island depgraph.Island, fn TaskFunc) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("island task panicked",
				log.Int("island", island.Index),
				log.Any("panic", rec),
				log.String("stack", string(debug.Stack())))
			err = eris.Errorf("island %d panicked: %v", island.Index, rec)
		}
	}()

	ctx = entctx.WithSlot(ctx, entctx.NewSlot())
	if err = fn(ctx, island); err != nil {
		return eris.Wrapf(err, "island %d failed", island.Index)
	}
	return nil
}
