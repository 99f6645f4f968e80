package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/pkg/profile"

	"github.com/zeusync/islands/internal/config"
	"github.com/zeusync/islands/internal/core/dbuf"
	"github.com/zeusync/islands/internal/core/entity"
	"github.com/zeusync/islands/internal/core/observability/log"
	"github.com/zeusync/islands/internal/core/sim"
	"github.com/zeusync/islands/internal/injector"
	"github.com/zeusync/islands/pkg/concurrent"
)

// entity record layout
const (
	offPosition = 0  // mgl64.Vec3
	offLastHit  = 24 // uint32 id of the last entity that bumped into us
	recordSize  = 28

	worldSize = 100.0
)

type options struct {
	config     string
	frames     int
	entities   int
	radius     float64
	profile    string
	profileDir string
}

func main() {
	var opts options
	flag.StringVar(&opts.config, "config", "", "path to a .yaml or .toml config file")
	flag.IntVar(&opts.frames, "frames", 100, "number of frames to simulate")
	flag.IntVar(&opts.entities, "entities", 256, "number of entities to spawn")
	flag.Float64Var(&opts.radius, "radius", 4, "contact radius")
	flag.StringVar(&opts.profile, "profile", "", "cpu, mem or trace")
	flag.StringVar(&opts.profileDir, "profile-dir", ".", "where profiles are written")
	flag.Parse()

	if err := run(opts); err != nil {
		fmt.Fprintln(os.Stderr, "islandsim:", err)
		os.Exit(1)
	}
}

func run(opts options) error {
	cfg := config.Default()
	if opts.config != "" {
		var err error
		if cfg, err = config.Load(opts.config); err != nil {
			return err
		}
	}
	cfg.Entities.Capacity = max(cfg.Entities.Capacity, opts.entities)
	cfg.Entities.EntitySize = max(cfg.Entities.EntitySize, recordSize)
	if err := cfg.Validate(); err != nil {
		return err
	}

	if p := startProfile(opts.profile, opts.profileDir); p != nil {
		defer p.Stop()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	world := injector.InitializeWorld(cfg)
	logger := log.Provide().With(log.String("run", world.RunID().String()))
	defer func() { _ = logger.Sync() }()

	s := newScene(world, opts.entities, opts.radius)
	if err := s.spawn(); err != nil {
		return err
	}

	logger.Info("simulation started",
		log.Int("entities", opts.entities),
		log.Int("frames", opts.frames),
		log.Float64("radius", opts.radius),
		log.String("dirty_policy", cfg.Graph.DirtyPolicy))

	for frame := 0; frame < opts.frames; frame++ {
		if ctx.Err() != nil {
			break
		}
		if err := s.updateContacts(); err != nil {
			return err
		}
		rep, err := world.Step(ctx, s.update)
		if err != nil {
			logger.Error("frame failed", log.Uint64("frame", rep.Frame), log.Error(err))
			return err
		}
		logger.Info("frame",
			log.Uint64("frame", rep.Frame),
			log.Int("islands", rep.Islands.Islands),
			log.Int("linked", rep.Islands.Linked),
			log.Int("largest", rep.Islands.Largest),
			log.Int("contacts", s.contactCount()),
			log.Int("updated", rep.Updated),
			log.Int("committed", rep.Committed),
			log.Int64("violations", rep.Violations),
			log.Uint64("fingerprint", rep.Fingerprint),
			log.Duration("took", rep.Duration))
	}
	return nil
}

func startProfile(mode, dir string) interface{ Stop() } {
	var kind func(*profile.Profile)
	switch mode {
	case "cpu":
		kind = profile.CPUProfile
	case "mem":
		kind = profile.MemProfileAllocs
	case "trace":
		kind = profile.TraceProfile
	default:
		return nil
	}
	return profile.Start(kind, profile.ProfilePath(dir), profile.NoShutdownHook)
}

type contact struct{ a, b entity.ID }

// scene is the game logic around the core: it owns velocities and decides
// which entities are in contact.
type scene struct {
	world    *sim.World
	n        int
	radius   float64
	velocity []mgl64.Vec3
	contacts map[contact]struct{}
}

func newScene(world *sim.World, n int, radius float64) *scene {
	return &scene{
		world:    world,
		n:        n,
		radius:   radius,
		velocity: make([]mgl64.Vec3, n),
		contacts: make(map[contact]struct{}),
	}
}

func (s *scene) spawn() error {
	ctx := context.Background()
	for i := range s.n {
		id := entity.ID(i)
		if err := s.world.Spawn(id); err != nil {
			return err
		}
		pos := mgl64.Vec3{rand.Float64() * worldSize, rand.Float64() * worldSize, rand.Float64() * worldSize}
		if err := dbuf.Set(ctx, s.world.Store(), dbuf.KindEntity, id, offPosition, pos); err != nil {
			return err
		}
		s.velocity[i] = mgl64.Vec3{rand.Float64()*2 - 1, rand.Float64()*2 - 1, rand.Float64()*2 - 1}
	}
	return nil
}

func (s *scene) position(id entity.ID) mgl64.Vec3 {
	pos, _ := dbuf.Get[mgl64.Vec3](s.world.Store(), dbuf.EntityHandle(id), offPosition)
	return pos
}

func (s *scene) contactCount() int {
	return len(s.contacts)
}

// updateContacts runs between frames. Pairs closer than the radius depend on
// each other; pairs that drifted apart lose their edge.
func (s *scene) updateContacts() error {
	positions := make([]mgl64.Vec3, s.n)
	ids := make([]int, s.n)
	for i := range s.n {
		ids[i] = i
		positions[i] = s.position(entity.ID(i))
	}

	var mu sync.Mutex
	next := make(map[contact]struct{}, len(s.contacts))
	concurrent.Batch(ids, 64, func(chunk []int) {
		var found []contact
		for _, i := range chunk {
			for j := i + 1; j < s.n; j++ {
				if positions[i].Sub(positions[j]).Len() < s.radius {
					found = append(found, contact{entity.ID(i), entity.ID(j)})
				}
			}
		}
		mu.Lock()
		for _, c := range found {
			next[c] = struct{}{}
		}
		mu.Unlock()
	})

	graph := s.world.Graph()
	for c := range s.contacts {
		if _, ok := next[c]; !ok {
			if err := graph.RemoveDep(c.a, c.b); err != nil {
				return err
			}
		}
	}
	for c := range next {
		if _, ok := s.contacts[c]; !ok {
			if err := graph.AddDep(c.a, c.b); err != nil {
				return err
			}
		}
	}
	s.contacts = next
	return nil
}

// update moves the entity and bumps every entity it is in contact with.
func (s *scene) update(ctx context.Context, u *sim.Update) error {
	self := u.Self()
	store := s.world.Store()

	pos, err := dbuf.Get[mgl64.Vec3](store, store.Proper(ctx, dbuf.EntityHandle(self)), offPosition)
	if err != nil {
		return err
	}
	vel := s.velocity[self]
	pos = pos.Add(vel)
	for axis := range 3 {
		if pos[axis] < 0 || pos[axis] > worldSize {
			vel[axis] = -vel[axis]
			pos[axis] = mgl64.Clamp(pos[axis], 0, worldSize)
		}
	}
	s.velocity[self] = vel

	if err := dbuf.Set(ctx, store, dbuf.KindEntity, self, offPosition, pos); err != nil {
		return err
	}

	for _, other := range s.world.Graph().Neighbors(self) {
		ref := u.Ref(other)
		id, err := ref.Get(ctx)
		if err != nil {
			return fmt.Errorf("contact %s: %w", other, err)
		}
		if err := dbuf.Set(ctx, store, dbuf.KindEntity, id, offLastHit, uint32(self)); err != nil {
			return err
		}
	}
	return nil
}
