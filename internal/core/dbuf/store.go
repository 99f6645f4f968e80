// Package dbuf is the double-buffered entity store. During a frame every
// entity writes its own record in the current buffer and reads everyone
// else from last frame's copy. Writes to other entities are queued and
// committed when the frame ends.
package dbuf

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/zeusync/islands/internal/core/entctx"
	"github.com/zeusync/islands/internal/core/entity"
	"github.com/zeusync/islands/internal/core/observability/log"
	"github.com/zeusync/islands/pkg/generic"
)

var (
	ErrOutOfBounds   = errors.New("range outside record")
	ErrInvalidHandle = errors.New("invalid handle")
)

// Side is which copy of a record a handle points at.
type Side uint8

const (
	Current Side = iota
	Old
)

func (s Side) String() string {
	if s == Old {
		return "old"
	}
	return "current"
}

// Handle is a position-independent reference to one record.
type Handle struct {
	Kind Kind
	ID   entity.ID
	Side Side
}

func EntityHandle(id entity.ID) Handle { return Handle{Kind: KindEntity, ID: id} }
func ClientHandle(id entity.ID) Handle { return Handle{Kind: KindClient, ID: id} }

// Equal compares logical identity; the side does not matter.
func Equal(a, b Handle) bool {
	return a.Kind == b.Kind && a.ID == b.ID
}

// Layout fixes the store geometry. Client i belongs to entity i. A zero
// ClientSize means there is no client table.
type Layout struct {
	Capacity   int
	EntitySize int
	ClientSize int
}

func (l Layout) size(k Kind) int {
	if k == KindClient {
		return l.ClientSize
	}
	return l.EntitySize
}

type Phase uint32

const (
	PhaseIdle Phase = iota
	PhaseUpdate
	PhaseCommit
)

func (p Phase) String() string {
	switch p {
	case PhaseUpdate:
		return "update"
	case PhaseCommit:
		return "commit"
	default:
		return "idle"
	}
}

type Store struct {
	layout Layout

	// indexed by Kind; old stays nil until the second frame, which is when
	// the two buffers stop being aliases of each other
	cur [2][]byte
	old [2][]byte

	frame uint64
	phase atomic.Uint32
	queue *Queue
	log   log.Log
}

func New(layout Layout, pool *generic.BytePool, logger log.Log) *Store {
	if layout.Capacity <= 0 {
		layout.Capacity = entity.DefaultCapacity
	}
	if logger == nil {
		logger = log.NewNop()
	}
	s := &Store{
		layout: layout,
		queue:  NewQueue(pool),
		log:    logger.With(log.String("component", "dbuf")),
	}
	s.cur[KindEntity] = make([]byte, layout.Capacity*layout.EntitySize)
	s.cur[KindClient] = make([]byte, layout.Capacity*layout.ClientSize)
	return s
}

func (s *Store) Layout() Layout { return s.layout }
func (s *Store) Frame() uint64  { return s.frame }
func (s *Store) Phase() Phase   { return Phase(s.phase.Load()) }
func (s *Store) Pending() int   { return s.queue.Len() }
func (s *Store) Queue() *Queue  { return s.queue }

// FirstFrame reports whether old and current are still the same buffer.
func (s *Store) FirstFrame() bool {
	return s.old[KindEntity] == nil
}

func ReadOnly(h Handle) Handle {
	h.Side = Old
	return h
}

func Writable(h Handle) Handle {
	h.Side = Current
	return h
}

// Proper picks the side the context entity in ctx may use: its own records
// and, with no context, everything resolve to the current side, the rest to
// last frame's copy. During the first frame h is returned untouched.
func (s *Store) Proper(ctx context.Context, h Handle) Handle {
	if s.FirstFrame() {
		return h
	}
	self := entctx.Current(ctx)
	if self == entity.None || self == h.ID {
		return Writable(h)
	}
	return ReadOnly(h)
}

// Bytes returns the record h points at, or nil for an invalid handle. The
// slice aliases the store.
func (s *Store) Bytes(h Handle) []byte {
	size := s.layout.size(h.Kind)
	if !s.valid(h.Kind, h.ID) {
		return nil
	}
	buf := s.cur[h.Kind]
	if h.Side == Old && s.old[h.Kind] != nil {
		buf = s.old[h.Kind]
	}
	off := int(h.ID) * size
	return buf[off : off+size : off+size]
}

// Read returns the record for id as seen by the context entity.
func (s *Store) Read(ctx context.Context, kind Kind, id entity.ID) []byte {
	return s.Bytes(s.Proper(ctx, Handle{Kind: kind, ID: id}))
}

// SetBytes writes data at offset into the record for id. The context entity
// writes its own record directly; writes to anyone else are queued until
// Commit.
func (s *Store) SetBytes(ctx context.Context, kind Kind, id entity.ID, offset int, data []byte) error {
	if err := s.checkRange(kind, id, offset, len(data)); err != nil {
		return err
	}
	if s.owns(ctx, id) {
		copy(s.Bytes(Handle{Kind: kind, ID: id})[offset:], data)
		return nil
	}
	s.queue.Push(kind, id, offset, data)
	return nil
}

// ClearBytes zeroes length bytes at offset, following the same rules as
// SetBytes.
func (s *Store) ClearBytes(ctx context.Context, kind Kind, id entity.ID, offset, length int) error {
	if err := s.checkRange(kind, id, offset, length); err != nil {
		return err
	}
	if s.owns(ctx, id) {
		clear(s.Bytes(Handle{Kind: kind, ID: id})[offset : offset+length])
		return nil
	}
	s.queue.PushClear(kind, id, offset, length)
	return nil
}

// Set encodes v in little endian and writes it like SetBytes. T must have a
// fixed size.
func Set[T any](ctx context.Context, s *Store, kind Kind, id entity.ID, offset int, v T) error {
	data, err := binary.Append(nil, binary.LittleEndian, v)
	if err != nil {
		return fmt.Errorf("encode %T: %w", v, err)
	}
	return s.SetBytes(ctx, kind, id, offset, data)
}

// Get decodes a T at offset of the record h points at.
func Get[T any](s *Store, h Handle, offset int) (T, error) {
	var v T
	n := binary.Size(v)
	if n < 0 {
		return v, fmt.Errorf("decode %T: not fixed size", v)
	}
	if err := s.checkRange(h.Kind, h.ID, offset, n); err != nil {
		return v, err
	}
	if _, err := binary.Decode(s.Bytes(h)[offset:], binary.LittleEndian, &v); err != nil {
		return v, fmt.Errorf("decode %T: %w", v, err)
	}
	return v, nil
}

// Commit applies every queued write to the current buffer in enqueue order
// and returns how many were applied.
func (s *Store) Commit() int {
	return s.queue.Drain(func(r Record) {
		dst := s.Bytes(Handle{Kind: r.Kind, ID: r.ID})[r.Offset : r.Offset+r.Length]
		if r.Data == nil {
			clear(dst)
			return
		}
		copy(dst, r.Data)
	})
}

// BeginFrame starts a frame. Writes left over from the previous frame are
// committed first. From the second frame on, the current buffer is copied
// into the old one so that reads of other entities see a stable snapshot.
func (s *Store) BeginFrame() uint64 {
	if n := s.Pending(); n > 0 {
		s.log.Warn("committing mutations left over from previous frame",
			log.Int("pending", n),
			log.Uint64("frame", s.frame))
		s.Commit()
	}

	s.frame++
	if s.frame > 1 {
		for k := range s.cur {
			if s.old[k] == nil {
				s.old[k] = make([]byte, len(s.cur[k]))
			}
			copy(s.old[k], s.cur[k])
		}
	}
	s.phase.Store(uint32(PhaseUpdate))
	return s.frame
}

// EndFrame commits queued writes and returns to idle.
func (s *Store) EndFrame() int {
	s.phase.Store(uint32(PhaseCommit))
	n := s.Commit()
	s.phase.Store(uint32(PhaseIdle))
	if n > 0 && s.log.Enabled(log.LevelDebug) {
		s.log.Debug("mutations committed", log.Int("count", n), log.Uint64("frame", s.frame))
	}
	return n
}

// Reset zeroes every record and drops queued writes. The next frame is a
// first frame again.
func (s *Store) Reset() {
	s.queue.Reset()
	for k := range s.cur {
		clear(s.cur[k])
		s.old[k] = nil
	}
	s.frame = 0
	s.phase.Store(uint32(PhaseIdle))
}

func (s *Store) owns(ctx context.Context, id entity.ID) bool {
	self := entctx.Current(ctx)
	return self == entity.None || self == id
}

func (s *Store) valid(kind Kind, id entity.ID) bool {
	return (kind == KindEntity || kind == KindClient) &&
		s.layout.size(kind) > 0 &&
		id.Valid(s.layout.Capacity)
}

func (s *Store) checkRange(kind Kind, id entity.ID, offset, length int) error {
	if !s.valid(kind, id) {
		return fmt.Errorf("%s %s: %w", kind, id, ErrInvalidHandle)
	}
	if offset < 0 || length < 0 || offset+length > s.layout.size(kind) {
		return fmt.Errorf("%s %s [%d:%d] of %d: %w", kind, id, offset, offset+length, s.layout.size(kind), ErrOutOfBounds)
	}
	return nil
}
