// Package access guards cross-entity reads and writes made from inside an
// entity update. Every dereference is classified against the island cache:
// same island is safe, anything else is reported and, when the target has a
// lower id, stalled on until the target finishes its update for the frame.
package access

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zeusync/islands/internal/core/depgraph"
	"github.com/zeusync/islands/internal/core/entctx"
	"github.com/zeusync/islands/internal/core/entity"
	"github.com/zeusync/islands/internal/core/hazard"
	"github.com/zeusync/islands/internal/core/observability/log"
)

var ErrStallTimeout = errors.New("stall timed out")

// Mode is the strength of an access.
type Mode uint8

const (
	// Strong accesses stall on lower-id targets in other islands.
	Strong Mode = iota
	// Weak accesses accept one frame of staleness and never stall.
	Weak
)

func (m Mode) String() string {
	if m == Weak {
		return "weak"
	}
	return "strong"
}

type Options struct {
	// AutoDepend adds a graph edge from the context entity to the target of
	// every owning reference and lease. Expensive, meant for discovering
	// dependencies while debugging.
	AutoDepend bool
	// StallTimeout bounds a single stall. Zero waits until the target is
	// touched or the context is done.
	StallTimeout time.Duration
}

type Enforcer struct {
	graph    *depgraph.Graph
	clock    *entity.Clock
	reporter hazard.Reporter
	log      log.Log

	autoDepend   bool
	stallTimeout time.Duration
}

func New(opts Options, graph *depgraph.Graph, clock *entity.Clock, logger log.Log, reporter hazard.Reporter) *Enforcer {
	if logger == nil {
		logger = log.NewNop()
	}
	if reporter == nil {
		reporter = hazard.Nop
	}
	return &Enforcer{
		graph:        graph,
		clock:        clock,
		reporter:     reporter,
		log:          logger.With(log.String("component", "access")),
		autoDepend:   opts.AutoDepend,
		stallTimeout: opts.StallTimeout,
	}
}

func (e *Enforcer) Graph() *depgraph.Graph { return e.graph }
func (e *Enforcer) Clock() *entity.Clock   { return e.clock }

func (e *Enforcer) Options() Options {
	return Options{AutoDepend: e.autoDepend, StallTimeout: e.stallTimeout}
}

// Check classifies an access to target made by the context entity carried in
// ctx. It returns nil when the access may proceed, possibly after stalling.
func (e *Enforcer) Check(ctx context.Context, target entity.ID, mode Mode) error {
	if target == entity.None {
		return nil
	}
	self := entctx.Current(ctx)
	if self == entity.None || self == target {
		return nil
	}

	frame := e.clock.Frame()
	if !target.Valid(e.clock.Capacity()) || !self.Valid(e.clock.Capacity()) {
		e.report(hazard.KindOutOfRange, self, target, frame, nil)
		return fmt.Errorf("access %s from %s: %w", target, self, depgraph.ErrOutOfRange)
	}

	same, stale := e.graph.Colocated(self, target)
	if stale {
		e.report(hazard.KindDirtyCache, self, target, frame, nil)
	}
	if same {
		return nil
	}

	switch {
	case target > self:
		// target updates after us; reading it now gives last frame's state
		e.report(hazard.KindRaceDanger, self, target, frame, nil)
		return nil
	case mode == Weak:
		e.report(hazard.KindStaleRead, self, target, frame, nil)
		return nil
	default:
		e.report(hazard.KindStall, self, target, frame, nil)
		return e.stall(ctx, self, target, frame)
	}
}

// stall waits for target to be touched in frame.
func (e *Enforcer) stall(ctx context.Context, self, target entity.ID, frame uint64) error {
	waitCtx := ctx
	if e.stallTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, e.stallTimeout)
		defer cancel()
	}

	start := time.Now()
	err := e.clock.WaitTouched(waitCtx, target, frame)
	if err == nil {
		if e.log.Enabled(log.LevelDebug) {
			e.log.Debug("stall released",
				log.Entity("context", self),
				log.Entity("target", target),
				log.Duration("waited", time.Since(start)))
		}
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		v := &hazard.Violation{
			Kind:    hazard.KindStallTimeout,
			Context: self,
			Target:  target,
			Frame:   frame,
			Err:     ErrStallTimeout,
		}
		e.reporter.Report(v)
		return v
	}
	return fmt.Errorf("stall on %s from %s: %w", target, self, err)
}

func (e *Enforcer) report(kind hazard.Kind, self, target entity.ID, frame uint64, err error) {
	e.reporter.Report(&hazard.Violation{Kind: kind, Context: self, Target: target, Frame: frame, Err: err})
}

// depend registers the auto edge from the context entity to target and
// returns the entity the edge was registered for, entity.None if none was.
func (e *Enforcer) depend(ctx context.Context, target entity.ID) entity.ID {
	if !e.autoDepend || target == entity.None {
		return entity.None
	}
	self := entctx.Current(ctx)
	if self == entity.None || self == target {
		return entity.None
	}
	if err := e.graph.AddDep(self, target); err != nil {
		e.log.Warn("auto dependency not registered",
			log.Entity("context", self),
			log.Entity("target", target),
			log.Error(err))
		return entity.None
	}
	return self
}

func (e *Enforcer) undepend(owner, target entity.ID) {
	if owner == entity.None || target == entity.None {
		return
	}
	_ = e.graph.RemoveDep(owner, target)
}
