package reason

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/roach88/pulse/internal/model"
)

// ErrNotApplicable is returned by a BoundResolver when the bound can never
// be resolved for the association. The association becomes NotApplicable.
var ErrNotApplicable = errors.New("bound not applicable")

// Side selects the bound of a range to resolve.
type Side int

const (
	Start Side = iota
	End
)

func (s Side) String() string {
	if s == Start {
		return "start"
	}
	return "end"
}

// BoundQuery is the input of a dynamic bound resolution.
type BoundQuery struct {
	Side        Side
	MachineID   int64
	Association *model.ReasonMachineAssociation

	// At is the reference instant: the fixed begin for a start bound, the
	// resolved begin for an end bound.
	At time.Time

	Timeline Timeline
}

// BoundResolver resolves one side of a dynamic range. It returns false
// when the bound is not known yet (the association stays Pending).
type BoundResolver interface {
	Resolve(ctx context.Context, q BoundQuery) (time.Time, bool, error)
}

// BoundResolverFunc adapts a function to BoundResolver.
type BoundResolverFunc func(ctx context.Context, q BoundQuery) (time.Time, bool, error)

// Resolve calls f.
func (f BoundResolverFunc) Resolve(ctx context.Context, q BoundQuery) (time.Time, bool, error) {
	return f(ctx, q)
}

// Built-in resolver names.
const (
	ResolverNextContextChange = "NextContextChange"
	ResolverContextStart      = "ContextStart"
)

// Resolvers maps dynamic descriptor names to resolvers.
//
// Thread-safety: safe for concurrent use.
type Resolvers struct {
	mu        sync.RWMutex
	resolvers map[string]BoundResolver
}

// NewResolvers returns a registry holding the built-in resolvers.
func NewResolvers() *Resolvers {
	r := &Resolvers{resolvers: make(map[string]BoundResolver)}
	r.resolvers[ResolverNextContextChange] = BoundResolverFunc(nextContextChange)
	r.resolvers[ResolverContextStart] = BoundResolverFunc(contextStart)
	return r
}

// Register adds or replaces a resolver.
func (r *Resolvers) Register(name string, res BoundResolver) error {
	if name == "" {
		return fmt.Errorf("register bound resolver: empty name")
	}
	if res == nil {
		return fmt.Errorf("register bound resolver %q: nil resolver", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolvers[name] = res
	return nil
}

// Lookup returns the resolver registered under name.
func (r *Resolvers) Lookup(name string) (BoundResolver, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res, ok := r.resolvers[name]
	return res, ok
}

// Names returns the registered names, sorted.
func (r *Resolvers) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.resolvers))
	for n := range r.resolvers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// historyBegin precedes every recorded context segment.
var historyBegin = time.Unix(0, 0).UTC()

// nextContextChange resolves to the first instant after q.At where the
// observed context differs from the context at q.At.
func nextContextChange(ctx context.Context, q BoundQuery) (time.Time, bool, error) {
	segs, err := q.Timeline.ContextSegments(ctx, q.MachineID, model.OpenRange(q.At))
	if err != nil {
		return time.Time{}, false, err
	}
	if len(segs) == 0 || !segs[0].Range.Contains(q.At) {
		return time.Time{}, false, nil
	}
	current := segs[0]
	prevEnd := current.Range.End
	for _, seg := range segs[1:] {
		if prevEnd.IsZero() || !seg.Range.Begin.Equal(prevEnd) {
			// Gap in the observed context: the change is not known yet.
			return time.Time{}, false, nil
		}
		if !seg.SameContext(current) {
			return seg.Range.Begin, true, nil
		}
		prevEnd = seg.Range.End
	}
	return time.Time{}, false, nil
}

// contextStart resolves a start bound to the begin of the run of identical
// context containing q.At. An end bound is not applicable.
func contextStart(ctx context.Context, q BoundQuery) (time.Time, bool, error) {
	if q.Side != Start {
		return time.Time{}, false, fmt.Errorf("%s resolves start bounds only: %w", ResolverContextStart, ErrNotApplicable)
	}
	segs, err := q.Timeline.ContextSegments(ctx, q.MachineID, model.NewRange(historyBegin, q.At.Add(time.Millisecond)))
	if err != nil {
		return time.Time{}, false, err
	}
	if len(segs) == 0 {
		return time.Time{}, false, nil
	}
	last := len(segs) - 1
	if !segs[last].Range.Contains(q.At) {
		return time.Time{}, false, nil
	}
	begin := segs[last].Range.Begin
	for i := last - 1; i >= 0; i-- {
		if segs[i].Range.IsOpen() || !segs[i].Range.End.Equal(begin) || !segs[i].SameContext(segs[last]) {
			break
		}
		begin = segs[i].Range.Begin
	}
	return begin, true, nil
}
