package hazard

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/zeusync/islands/internal/core/observability/log"
)

// Policy decides what happens to misuse reports.
type Policy uint8

const (
	// PolicyWarn prints and lets the access proceed. Development default.
	PolicyWarn Policy = iota
	// PolicyFatal terminates the process with a diagnostic.
	PolicyFatal
)

func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "warn", "warning":
		return PolicyWarn, nil
	case "fatal":
		return PolicyFatal, nil
	default:
		return PolicyWarn, fmt.Errorf("unknown assert policy %q", s)
	}
}

func (p Policy) String() string {
	if p == PolicyFatal {
		return "fatal"
	}
	return "warn"
}

type Reporter interface {
	Report(v *Violation)
}

// LogReporter writes violations to a logger. Misuse follows the policy; race
// danger and stale reads are always warnings; stalls are debug noise because
// they resolve themselves.
type LogReporter struct {
	log    log.Log
	policy Policy
}

func NewLogReporter(logger log.Log, policy Policy) *LogReporter {
	return &LogReporter{
		log:    logger.With(log.String("component", "depgraph")),
		policy: policy,
	}
}

func (r *LogReporter) Policy() Policy {
	return r.policy
}

func (r *LogReporter) Report(v *Violation) {
	fields := []log.Field{
		log.String("kind", v.Kind.String()),
		log.Entity("context", v.Context),
		log.Entity("target", v.Target),
		log.Uint64("frame", v.Frame),
	}
	if v.Err != nil {
		fields = append(fields, log.Error(v.Err))
	}

	switch {
	case v.Kind == KindStall:
		r.log.Debug(v.Error(), fields...)
	case v.Kind.Misuse() && r.policy == PolicyFatal:
		r.log.Fatal(v.Error(), fields...)
	default:
		r.log.Warn(v.Error(), fields...)
	}
}

// Recorder keeps every reported violation in memory.
type Recorder struct {
	mu         sync.Mutex
	violations []Violation
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Report(v *Violation) {
	r.mu.Lock()
	r.violations = append(r.violations, *v)
	r.mu.Unlock()
}

func (r *Recorder) Violations() []Violation {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Violation, len(r.violations))
	copy(out, r.violations)
	return out
}

func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.violations)
}

func (r *Recorder) Count(kind Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for i := range r.violations {
		if r.violations[i].Kind == kind {
			n++
		}
	}
	return n
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	r.violations = r.violations[:0]
	r.mu.Unlock()
}

// Counter counts reports per kind without keeping them.
type Counter struct {
	total  atomic.Int64
	byKind [KindStallTimeout + 1]atomic.Int64
}

func NewCounter() *Counter {
	return &Counter{}
}

func (c *Counter) Report(v *Violation) {
	c.total.Add(1)
	if int(v.Kind) < len(c.byKind) {
		c.byKind[v.Kind].Add(1)
	}
}

func (c *Counter) Total() int64 {
	return c.total.Load()
}

func (c *Counter) Count(kind Kind) int64 {
	if int(kind) >= len(c.byKind) {
		return 0
	}
	return c.byKind[kind].Load()
}

// Swap zeroes the counter and returns the total it held.
func (c *Counter) Swap() int64 {
	for i := range c.byKind {
		c.byKind[i].Store(0)
	}
	return c.total.Swap(0)
}

type tee []Reporter

func (t tee) Report(v *Violation) {
	for _, r := range t {
		r.Report(v)
	}
}

// Tee reports to every non-nil reporter in order.
func Tee(reporters ...Reporter) Reporter {
	out := make(tee, 0, len(reporters))
	for _, r := range reporters {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}

// Nop discards reports.
var Nop Reporter = tee(nil)
