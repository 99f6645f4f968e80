package sim

import (
	"context"

	"github.com/zeusync/islands/internal/core/access"
	"github.com/zeusync/islands/internal/core/dbuf"
	"github.com/zeusync/islands/internal/core/entity"
)

// Update is handed to the update body of one entity. It is only valid for
// the duration of that call.
type Update struct {
	w     *World
	ctx   context.Context
	self  entity.ID
	frame uint64
}

func (u *Update) Self() entity.ID          { return u.self }
func (u *Update) Frame() uint64            { return u.frame }
func (u *Update) Context() context.Context { return u.ctx }

func (u *Update) Ref(id entity.ID) *access.Ref {
	return u.w.enforcer.NewRef(u.ctx, id)
}

func (u *Update) Weak(id entity.ID) access.WeakRef {
	return u.w.enforcer.Weak(id)
}

func (u *Update) Borrow(id entity.ID, mode access.Mode) (*access.Lease, error) {
	return u.w.enforcer.Borrow(u.ctx, id, mode)
}

// DependOn declares that this entity needs id's current-frame state. The
// edge takes effect with the next island rebuild.
func (u *Update) DependOn(id entity.ID) error {
	return u.w.graph.AddDep(u.self, id)
}

func (u *Update) Forget(id entity.ID) error {
	return u.w.graph.RemoveDep(u.self, id)
}

// Read returns this entity's own record or another entity's last-frame copy.
func (u *Update) Read(kind dbuf.Kind, id entity.ID) []byte {
	return u.w.store.Read(u.ctx, kind, id)
}

func (u *Update) SetBytes(kind dbuf.Kind, id entity.ID, offset int, data []byte) error {
	return u.w.store.SetBytes(u.ctx, kind, id, offset, data)
}

func (u *Update) ClearBytes(kind dbuf.Kind, id entity.ID, offset, length int) error {
	return u.w.store.ClearBytes(u.ctx, kind, id, offset, length)
}
