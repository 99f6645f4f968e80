// Package entctx holds the "which entity is this task updating" slot.
//
// Each task that updates entities owns one Slot and carries it through its
// context.Context. A context without a slot (frame setup, the main loop)
// means no enforcement context.
package entctx

import (
	"context"
	"sync/atomic"

	"github.com/zeusync/islands/internal/core/entity"
)

type Slot struct {
	current atomic.Uint32
}

func NewSlot() *Slot {
	s := &Slot{}
	s.current.Store(uint32(entity.None))
	return s
}

// Current returns the context entity, or entity.None. A nil slot has none.
func (s *Slot) Current() entity.ID {
	if s == nil {
		return entity.None
	}
	return entity.ID(s.current.Load())
}

func (s *Slot) Set(id entity.ID) {
	s.current.Store(uint32(id))
}

func (s *Slot) Clear() {
	s.current.Store(uint32(entity.None))
}

// Enter makes id the context entity until the returned func is called, which
// restores whatever was current before.
func (s *Slot) Enter(id entity.ID) (restore func()) {
	prev := entity.ID(s.current.Swap(uint32(id)))
	return func() { s.current.Store(uint32(prev)) }
}

type slotKey struct{}

func WithSlot(ctx context.Context, s *Slot) context.Context {
	return context.WithValue(ctx, slotKey{}, s)
}

// FromContext returns the slot carried by ctx, or nil.
func FromContext(ctx context.Context) *Slot {
	if ctx == nil {
		return nil
	}
	s, _ := ctx.Value(slotKey{}).(*Slot)
	return s
}

// Current is shorthand for FromContext(ctx).Current().
func Current(ctx context.Context) entity.ID {
	return FromContext(ctx).Current()
}
