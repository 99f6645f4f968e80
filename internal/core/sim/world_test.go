package sim

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zeusync/islands/internal/core/access"
	"github.com/zeusync/islands/internal/core/dbuf"
	"github.com/zeusync/islands/internal/core/depgraph"
	"github.com/zeusync/islands/internal/core/entity"
	"github.com/zeusync/islands/internal/core/hazard"
	"github.com/zeusync/islands/internal/core/observability/log"
	"github.com/zeusync/islands/internal/core/runner"
)

const capacity = 16

func newWorld(t *testing.T, opts access.Options) *World {
	t.Helper()
	return newWorldWorkers(t, opts, capacity)
}

func newWorldWorkers(t *testing.T, opts access.Options, workers int) *World {
	t.Helper()
	logger := log.NewNop()
	counter := hazard.NewCounter()
	clock := entity.NewClock(capacity)
	graph := depgraph.New(depgraph.Options{Capacity: capacity}, logger, counter)
	enf := access.New(opts, graph, clock, logger, counter)
	run := runner.New(runner.Options{Workers: workers}, graph, logger)
	store := dbuf.New(dbuf.Layout{Capacity: capacity, EntitySize: 8, ClientSize: 4}, nil, logger)
	return New(clock, graph, enf, run, store, counter, logger)
}

func spawn(t *testing.T, w *World, ids ...entity.ID) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, w.Spawn(id))
	}
}

func TestWorld_Lifecycle(t *testing.T) {
	w := newWorld(t, access.Options{})
	require.NotEqual(t, [16]byte{}, [16]byte(w.RunID()))

	spawn(t, w, 1, 2, 5)
	require.True(t, w.InUse(2))
	require.False(t, w.InUse(3))
	require.False(t, w.InUse(entity.None))
	require.Equal(t, 3, w.Population())

	require.NoError(t, w.Graph().AddDep(2, 5))
	require.NoError(t, w.Free(2))
	require.False(t, w.InUse(2))
	require.Zero(t, w.Graph().EdgeCount())

	require.ErrorIs(t, w.Spawn(capacity), entity.ErrOutOfRange)
	require.ErrorIs(t, w.Free(entity.None), entity.ErrOutOfRange)
}

func TestWorld_StepUpdatesInUseOnly(t *testing.T) {
	w := newWorld(t, access.Options{})
	spawn(t, w, 0, 3, 4, 9)
	require.NoError(t, w.Graph().AddDep(3, 4))

	var mu sync.Mutex
	var seen []entity.ID
	rep, err := w.Step(context.Background(), func(ctx context.Context, u *Update) error {
		mu.Lock()
		seen = append(seen, u.Self())
		mu.Unlock()
		if u.Frame() != 1 {
			return errors.New("wrong frame")
		}
		return nil
	})
	require.NoError(t, err)
	require.ElementsMatch(t, []entity.ID{0, 3, 4, 9}, seen)

	require.Equal(t, uint64(1), rep.Frame)
	require.Equal(t, 4, rep.Updated)
	require.Equal(t, capacity-1, rep.Islands.Islands)
	require.Equal(t, 1, rep.Islands.Linked)
	require.Equal(t, w.Graph().Islands().Fingerprint(), rep.Fingerprint)

	// every slot is touched, used or not
	for id := entity.ID(0); id < capacity; id++ {
		require.Equal(t, uint64(1), w.Clock().Touched(id))
	}
}

func TestWorld_StepOrderWithinIsland(t *testing.T) {
	w := newWorld(t, access.Options{})
	spawn(t, w, 2, 7, 11, 14)
	require.NoError(t, w.Graph().AddDep(14, 2))
	require.NoError(t, w.Graph().AddDep(7, 14))
	require.NoError(t, w.Graph().AddDep(11, 7))

	var order []entity.ID
	_, err := w.Step(context.Background(), func(_ context.Context, u *Update) error {
		order = append(order, u.Self()) // one island, one task
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []entity.ID{2, 7, 11, 14}, order)
}

func TestWorld_CrossIslandStall(t *testing.T) {
	w := newWorld(t, access.Options{StallTimeout: 5 * time.Second})
	spawn(t, w, 3, 10)

	var touchedAtRead atomic.Uint64
	rep, err := w.Step(context.Background(), func(_ context.Context, u *Update) error {
		switch u.Self() {
		case 3:
			time.Sleep(20 * time.Millisecond)
		case 10:
			if _, err := u.Ref(3).Get(u.Context()); err != nil {
				return err
			}
			touchedAtRead.Store(w.Clock().Touched(3))
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, rep.Frame, touchedAtRead.Load(), "entity 10 read 3 before 3 was done")
	require.Equal(t, int64(1), w.Violations().Count(hazard.KindStall))
	require.Equal(t, int64(1), rep.Violations)
}

func TestWorld_RaceDangerProceeds(t *testing.T) {
	w := newWorld(t, access.Options{})
	spawn(t, w, 3, 10)

	rep, err := w.Step(context.Background(), func(_ context.Context, u *Update) error {
		if u.Self() == 3 {
			_, err := u.Ref(10).Get(u.Context())
			return err
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, int64(1), rep.Violations)
	require.Equal(t, int64(1), w.Violations().Count(hazard.KindRaceDanger))
}

func TestWorld_DeferredWrites(t *testing.T) {
	w := newWorld(t, access.Options{})
	spawn(t, w, 1, 2)

	// frame 1: everyone writes its own counter
	_, err := w.Step(context.Background(), func(_ context.Context, u *Update) error {
		return u.SetBytes(dbuf.KindEntity, u.Self(), 0, binary.LittleEndian.AppendUint32(nil, uint32(u.Self())*10))
	})
	require.NoError(t, err)

	// frame 2: entity 1 gives entity 2 a pickup through the queue
	rep, err := w.Step(context.Background(), func(_ context.Context, u *Update) error {
		if u.Self() != 1 {
			return nil
		}
		other := binary.LittleEndian.Uint32(u.Read(dbuf.KindEntity, 2))
		if other != 20 {
			return errors.New("expected last frame value")
		}
		if err := u.SetBytes(dbuf.KindEntity, 2, 4, []byte{1}); err != nil {
			return err
		}
		return u.ClearBytes(dbuf.KindClient, 2, 0, 4)
	})
	require.NoError(t, err)
	require.Equal(t, 2, rep.Committed)
	require.Equal(t, byte(1), w.Store().Bytes(dbuf.EntityHandle(2))[4])
}

func TestWorld_DependOnTakesEffectNextFrame(t *testing.T) {
	w := newWorld(t, access.Options{})
	spawn(t, w, 4, 8)

	rep, err := w.Step(context.Background(), func(_ context.Context, u *Update) error {
		if u.Self() == 8 {
			return u.DependOn(4)
		}
		return nil
	})
	require.NoError(t, err)
	require.Zero(t, rep.Islands.Linked)
	require.True(t, w.Graph().Dirty())

	rep, err = w.Step(context.Background(), func(_ context.Context, u *Update) error {
		if u.Self() == 8 {
			return u.Forget(4)
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, rep.Islands.Linked)
	require.False(t, w.Graph().HasEdge(8, 4))
}

func TestWorld_BorrowAndWeak(t *testing.T) {
	w := newWorld(t, access.Options{AutoDepend: true})
	spawn(t, w, 5, 6)

	_, err := w.Step(context.Background(), func(_ context.Context, u *Update) error {
		if u.Self() != 6 {
			return nil
		}
		l, err := u.Borrow(5, access.Strong)
		if err != nil {
			return err
		}
		defer l.Release()
		_, err = u.Weak(5).Get(u.Context())
		return err
	})
	require.NoError(t, err)
	require.Zero(t, w.Graph().EdgeCount(), "lease released its edge")
}

func TestWorld_UpdateErrorTouchesRest(t *testing.T) {
	w := newWorld(t, access.Options{})
	spawn(t, w, 1, 2, 3)
	require.NoError(t, w.Graph().AddDep(1, 2))
	require.NoError(t, w.Graph().AddDep(2, 3))

	boom := errors.New("boom")
	_, err := w.Step(context.Background(), func(_ context.Context, u *Update) error {
		if u.Self() == 1 {
			return boom
		}
		return nil
	})
	require.ErrorIs(t, err, boom)
	for _, id := range []entity.ID{1, 2, 3} {
		require.Equal(t, uint64(1), w.Clock().Touched(id))
	}
}

func TestWorld_UpdateErrorKeepsOtherIslands(t *testing.T) {
	w := newWorldWorkers(t, access.Options{}, 1)
	for id := range entity.ID(capacity) {
		spawn(t, w, id)
	}

	var calls atomic.Int32
	boom := errors.New("boom")
	rep, err := w.Step(context.Background(), func(_ context.Context, u *Update) error {
		calls.Add(1)
		if u.Self() == 0 {
			return boom
		}
		return nil
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, int32(capacity), calls.Load())
	require.Equal(t, capacity, rep.Updated)
	for id := range entity.ID(capacity) {
		require.Equal(t, uint64(1), w.Clock().Touched(id), "entity %s", id)
	}
}

func TestWorld_Reset(t *testing.T) {
	w := newWorld(t, access.Options{})
	spawn(t, w, 1, 2)
	require.NoError(t, w.Graph().AddDep(1, 2))
	_, err := w.Step(context.Background(), func(context.Context, *Update) error { return nil })
	require.NoError(t, err)

	w.Reset()
	require.Zero(t, w.Population())
	require.Zero(t, w.Clock().Frame())
	require.Zero(t, w.Graph().EdgeCount())
	require.True(t, w.Store().FirstFrame())

	rep, err := w.Step(context.Background(), func(context.Context, *Update) error { return nil })
	require.NoError(t, err)
	require.Equal(t, uint64(1), rep.Frame)
	require.Zero(t, rep.Updated)
}
