package access

import (
	"context"
	"fmt"

	"github.com/zeusync/islands/internal/core/entity"
)

const noFrame = ^uint64(0)

// Ref is an owning, checked reference to an entity. Dereferencing through Get
// is checked at most once per frame. With AutoDepend the Ref also owns the
// graph edge from the entity that created it to its target, until Set,
// Release or the next reassignment.
//
// A Ref belongs to one task and is not safe for concurrent use.
type Ref struct {
	e     *Enforcer
	id    entity.ID
	owner entity.ID
	frame uint64
}

func (e *Enforcer) NewRef(ctx context.Context, id entity.ID) *Ref {
	return &Ref{
		e:     e,
		id:    id,
		owner: e.depend(ctx, id),
		frame: noFrame,
	}
}

// ID returns the target without any check. Use it for identity comparisons.
func (r *Ref) ID() entity.ID {
	return r.id
}

func (r *Ref) IsNone() bool {
	return r.id == entity.None
}

// Get is the checked dereference.
func (r *Ref) Get(ctx context.Context) (entity.ID, error) {
	if r.id == entity.None {
		return entity.None, nil
	}
	frame := r.e.clock.Frame()
	if r.frame == frame {
		return r.id, nil
	}
	if err := r.e.Check(ctx, r.id, Strong); err != nil {
		return r.id, err
	}
	r.frame = frame
	return r.id, nil
}

// Set points the Ref at id, moving the auto edge with it. Setting the same
// target again still drops the check cache and re-registers the edge from
// the entity in ctx.
func (r *Ref) Set(ctx context.Context, id entity.ID) {
	r.e.undepend(r.owner, r.id)
	r.id = id
	r.owner = r.e.depend(ctx, id)
	r.frame = noFrame
}

// Clone copies the Ref, including its check cache. The copy registers its
// own edge.
func (r *Ref) Clone(ctx context.Context) *Ref {
	return &Ref{
		e:     r.e,
		id:    r.id,
		owner: r.e.depend(ctx, r.id),
		frame: r.frame,
	}
}

// Next moves to the following entity slot and dereferences it.
func (r *Ref) Next(ctx context.Context) (entity.ID, error) {
	next := r.id + 1
	if r.id == entity.None || !next.Valid(r.e.clock.Capacity()) {
		return r.id, fmt.Errorf("next after %s: %w", r.id, entity.ErrOutOfRange)
	}
	r.Set(ctx, next)
	return r.Get(ctx)
}

// Release drops the auto edge and clears the Ref.
func (r *Ref) Release() {
	r.e.undepend(r.owner, r.id)
	r.id = entity.None
	r.owner = entity.None
	r.frame = noFrame
}

func (r *Ref) Weak() WeakRef {
	return WeakRef{e: r.e, id: r.id}
}

// WeakRef is a non-owning reference. It never registers edges, never caches
// and never stalls: cross-island reads are reported and allowed.
type WeakRef struct {
	e  *Enforcer
	id entity.ID
}

func (e *Enforcer) Weak(id entity.ID) WeakRef {
	return WeakRef{e: e, id: id}
}

func (w WeakRef) ID() entity.ID {
	return w.id
}

func (w WeakRef) Get(ctx context.Context) (entity.ID, error) {
	if w.e == nil || w.id == entity.None {
		return w.id, nil
	}
	return w.id, w.e.Check(ctx, w.id, Weak)
}

func (w WeakRef) Strong(ctx context.Context) *Ref {
	return w.e.NewRef(ctx, w.id)
}
