package reason

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/roach88/pulse/internal/model"
)

// ErrModeHierarchyCycle reports a machine mode hierarchy whose parent links
// loop. It is a configuration error.
var ErrModeHierarchyCycle = errors.New("machine mode hierarchy cycle")

// OpenDuration is the duration of a default period without known end.
const OpenDuration = time.Duration(math.MaxInt64)

// DefaultSource resolves the default reason of a (machine mode, observation
// state) pair for a default period of the given duration.
type DefaultSource interface {
	Resolve(machineMode, observationState int64, duration time.Duration) (model.DefaultReason, error)
}

type modeState struct {
	mode, state int64
}

// DefaultResolver is the DefaultSource backed by the configured mode
// hierarchy and default reason table. It is immutable and safe for
// concurrent use.
type DefaultResolver struct {
	parents  map[int64]int64
	defaults map[modeState][]boundedDefault
}

// boundedDefault is one entry of a pair. A zero max is unbounded.
type boundedDefault struct {
	max    time.Duration
	reason model.DefaultReason
}

// NewDefaultResolver builds a resolver. A default entry without score gets
// DefaultReasonScore. The entries of a pair are kept by ascending maximum
// duration with the unbounded entry last.
func NewDefaultResolver(modes []model.MachineMode, defaults []model.MachineModeDefaultReason) *DefaultResolver {
	r := &DefaultResolver{
		parents:  make(map[int64]int64, len(modes)),
		defaults: make(map[modeState][]boundedDefault, len(defaults)),
	}
	for _, m := range modes {
		if m.Parent != 0 {
			r.parents[m.ID] = m.Parent
		}
	}
	for _, d := range defaults {
		score := d.Score
		if score == 0 {
			score = model.DefaultReasonScore
		}
		k := modeState{d.MachineMode, d.ObservationState}
		r.defaults[k] = append(r.defaults[k], boundedDefault{
			max:    d.MaximumDuration,
			reason: model.DefaultReason{Reason: d.Reason, Score: score, Auto: d.Auto},
		})
	}
	for _, entries := range r.defaults {
		sort.SliceStable(entries, func(i, j int) bool {
			return limitOf(entries[i].max) < limitOf(entries[j].max)
		})
	}
	return r
}

func limitOf(d time.Duration) time.Duration {
	if d <= 0 {
		return OpenDuration
	}
	return d
}

// pick returns the first entry whose maximum exceeds duration. The bool is
// false when only bounded entries exist and all are too short.
func pick(entries []boundedDefault, duration time.Duration) (model.DefaultReason, bool) {
	for _, e := range entries {
		if e.max <= 0 || duration < e.max {
			return e.reason, true
		}
	}
	return model.DefaultReason{}, false
}

// Resolve looks up (machineMode, observationState), retrying with the
// parent mode on a miss until the root. A pair whose bounded entries are all
// shorter than duration and that has no unbounded entry is a miss. Returns
// UndefinedDefault when no ancestor matches.
func (r *DefaultResolver) Resolve(machineMode, observationState int64, duration time.Duration) (model.DefaultReason, error) {
	visited := make(map[int64]bool)
	mode := machineMode
	bound := false
	for mode != 0 {
		if visited[mode] {
			return model.DefaultReason{}, fmt.Errorf("resolve default reason of mode %d: %w at mode %d",
				machineMode, ErrModeHierarchyCycle, mode)
		}
		visited[mode] = true
		if entries, ok := r.defaults[modeState{mode, observationState}]; ok {
			bound = bound || entries[0].max > 0
			if d, ok := pick(entries, duration); ok {
				d.DurationBound = bound
				return d, nil
			}
		}
		mode = r.parents[mode]
	}
	d := model.UndefinedDefault
	d.DurationBound = bound
	return d, nil
}

// CheckHierarchy walks every configured mode and reports the first cycle.
func (r *DefaultResolver) CheckHierarchy() error {
	for mode := range r.parents {
		if _, err := r.Resolve(mode, 0, OpenDuration); err != nil {
			return err
		}
	}
	return nil
}

// passDefaults memoizes a DefaultSource for one consolidation pass.
type passDefaults struct {
	src   DefaultSource
	cache map[passKey]model.DefaultReason
}

type passKey struct {
	modeState
	duration time.Duration
}

func newPassDefaults(src DefaultSource) *passDefaults {
	return &passDefaults{src: src, cache: make(map[passKey]model.DefaultReason)}
}

func (p *passDefaults) resolve(mode, state int64, duration time.Duration) (model.DefaultReason, error) {
	k := passKey{modeState{mode, state}, duration}
	if d, ok := p.cache[k]; ok {
		return d, nil
	}
	d, err := p.src.Resolve(mode, state, duration)
	if err != nil {
		return d, err
	}
	p.cache[k] = d
	return d, nil
}
