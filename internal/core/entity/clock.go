package entity

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var (
	ErrClockReset = errors.New("frame clock was reset")
	ErrOutOfRange = errors.New("entity id out of range")
)

// Clock tracks the current frame number and, per entity, the last frame in
// which that entity's update ran. Other tasks wait on the touched counters to
// learn that an entity is done for the frame.
type Clock struct {
	frame   atomic.Uint64
	touched []atomic.Uint64

	mu      sync.Mutex
	waiters map[ID][]waiter
	waiting atomic.Int64
}

type waiter struct {
	frame uint64
	ch    chan struct{}
}

func NewClock(capacity int) *Clock {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Clock{
		touched: make([]atomic.Uint64, capacity),
		waiters: make(map[ID][]waiter),
	}
}

func (c *Clock) Capacity() int {
	return len(c.touched)
}

// Frame returns the current frame number. It is 0 until the first Advance.
func (c *Clock) Frame() uint64 {
	return c.frame.Load()
}

// Advance starts the next frame and returns its number.
func (c *Clock) Advance() uint64 {
	return c.frame.Add(1)
}

// Touched returns the last frame in which id was touched, 0 if never.
func (c *Clock) Touched(id ID) uint64 {
	if !id.Valid(len(c.touched)) {
		return 0
	}
	return c.touched[id].Load()
}

// Touch marks id as processed for the current frame and releases every task
// waiting for it.
func (c *Clock) Touch(id ID) {
	if !id.Valid(len(c.touched)) {
		return
	}
	frame := c.frame.Load()
	c.touched[id].Store(frame)

	if c.waiting.Load() == 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ws, ok := c.waiters[id]
	if !ok {
		return
	}
	keep := ws[:0]
	for _, w := range ws {
		if w.frame <= frame {
			close(w.ch)
			c.waiting.Add(-1)
			continue
		}
		keep = append(keep, w)
	}
	if len(keep) == 0 {
		delete(c.waiters, id)
		return
	}
	c.waiters[id] = keep
}

// WaitTouched blocks until id has been touched in frame (or later), the
// context is done, or the clock is reset.
func (c *Clock) WaitTouched(ctx context.Context, id ID, frame uint64) error {
	if !id.Valid(len(c.touched)) {
		return ErrOutOfRange
	}
	if c.touched[id].Load() >= frame {
		return nil
	}

	c.mu.Lock()
	c.waiting.Add(1)
	// Touch stores before it reads waiting, so either it sees us or we see it.
	if c.touched[id].Load() >= frame {
		c.waiting.Add(-1)
		c.mu.Unlock()
		return nil
	}
	w := waiter{frame: frame, ch: make(chan struct{})}
	c.waiters[id] = append(c.waiters[id], w)
	c.mu.Unlock()

	select {
	case <-w.ch:
	case <-ctx.Done():
		if c.removeWaiter(id, w.ch) {
			return ctx.Err()
		}
		// Released concurrently with cancellation; fall through.
	}

	if c.touched[id].Load() >= frame {
		return nil
	}
	return ErrClockReset
}

func (c *Clock) removeWaiter(id ID, ch chan struct{}) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	ws := c.waiters[id]
	for i, w := range ws {
		if w.ch != ch {
			continue
		}
		ws = append(ws[:i], ws[i+1:]...)
		if len(ws) == 0 {
			delete(c.waiters, id)
		} else {
			c.waiters[id] = ws
		}
		c.waiting.Add(-1)
		return true
	}
	return false
}

// Reset zeroes the frame number and every touched counter. Pending waiters
// return ErrClockReset.
func (c *Clock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.frame.Store(0)
	for i := range c.touched {
		c.touched[i].Store(0)
	}
	for id, ws := range c.waiters {
		for _, w := range ws {
			close(w.ch)
			c.waiting.Add(-1)
		}
		delete(c.waiters, id)
	}
}
