package hazard

import (
	"fmt"
	"strings"

	"github.com/zeusync/islands/internal/core/entity"
)

// Kind classifies a detected access problem.
type Kind uint8

const (
	// KindNullDependency: AddDep was asked to depend on the null entity.
	KindNullDependency Kind = iota + 1
	// KindOutOfRange: an id beyond the entity table capacity.
	KindOutOfRange
	// KindDirtyCache: island membership was asked while the cache was dirty.
	KindDirtyCache
	// KindStall: a lower-id entity on another island is not done yet; the
	// accessor waits for it.
	KindStall
	// KindRaceDanger: a higher-id entity on another island was accessed. The
	// access proceeds on possibly stale data.
	KindRaceDanger
	// KindStaleRead: a weak access crossed islands. Accepted staleness.
	KindStaleRead
	// KindStallTimeout: a stall did not resolve within its deadline.
	KindStallTimeout
)

func (k Kind) String() string {
	switch k {
	case KindNullDependency:
		return "null_dependency"
	case KindOutOfRange:
		return "out_of_range"
	case KindDirtyCache:
		return "dirty_cache"
	case KindStall:
		return "stall"
	case KindRaceDanger:
		return "race_danger"
	case KindStaleRead:
		return "stale_read"
	case KindStallTimeout:
		return "stall_timeout"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Misuse reports whether k is a programmer error that the assert policy may
// escalate to fatal.
func (k Kind) Misuse() bool {
	switch k {
	case KindNullDependency, KindOutOfRange, KindDirtyCache, KindStallTimeout:
		return true
	default:
		return false
	}
}

// Violation names the two entities involved. Context is the accessing
// entity, Target the accessed one.
type Violation struct {
	Kind    Kind
	Context entity.ID
	Target  entity.ID
	Frame   uint64
	Err     error
}

func (v *Violation) Error() string {
	var b strings.Builder
	switch v.Kind {
	case KindNullDependency:
		fmt.Fprintf(&b, "trying to add a null dependency to %s", v.Context)
	case KindOutOfRange:
		fmt.Fprintf(&b, "entity %s or %s is out of range", v.Context, v.Target)
	case KindDirtyCache:
		fmt.Fprintf(&b, "island cache is dirty, %s and %s co-location may change next frame", v.Context, v.Target)
	case KindStall:
		fmt.Fprintf(&b, "stall: %s is not on the same island as %s", v.Context, v.Target)
	case KindRaceDanger:
		fmt.Fprintf(&b, "race danger: %s is not on the same island as %s", v.Context, v.Target)
	case KindStaleRead:
		fmt.Fprintf(&b, "stale read: %s reads %s across islands", v.Context, v.Target)
	case KindStallTimeout:
		fmt.Fprintf(&b, "stall timeout: %s gave up waiting for %s", v.Context, v.Target)
	default:
		fmt.Fprintf(&b, "%s: %s -> %s", v.Kind, v.Context, v.Target)
	}
	if v.Frame != 0 {
		fmt.Fprintf(&b, " (frame %d)", v.Frame)
	}
	if v.Err != nil {
		fmt.Fprintf(&b, ": %v", v.Err)
	}
	return b.String()
}

func (v *Violation) Unwrap() error {
	return v.Err
}
