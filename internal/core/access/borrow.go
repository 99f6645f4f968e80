package access

import (
	"context"
	"sync/atomic"

	"github.com/zeusync/islands/internal/core/entity"
)

// Lease is a checked access to one entity. The check runs once, in Borrow.
// A strong lease holds the auto edge until Release.
type Lease struct {
	e        *Enforcer
	id       entity.ID
	mode     Mode
	owner    entity.ID
	released atomic.Bool
}

func (e *Enforcer) Borrow(ctx context.Context, id entity.ID, mode Mode) (*Lease, error) {
	if err := e.Check(ctx, id, mode); err != nil {
		return nil, err
	}
	l := &Lease{e: e, id: id, mode: mode, owner: entity.None}
	if mode == Strong {
		l.owner = e.depend(ctx, id)
	}
	return l, nil
}

func (l *Lease) ID() entity.ID { return l.id }
func (l *Lease) Mode() Mode    { return l.mode }

// Release may be called more than once.
func (l *Lease) Release() {
	if !l.released.CompareAndSwap(false, true) {
		return
	}
	l.e.undepend(l.owner, l.id)
}
