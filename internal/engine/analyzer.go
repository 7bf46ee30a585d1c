package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/roach88/pulse/internal/model"
)

// Analyzer advances modifications of one type.
//
// Analyze performs one bounded attempt. It must call step.Checkpoint at
// iteration boundaries and record the outcome through the step Mark*
// methods; returning nil without a transition completes the record.
// Returning an error rolls the attempt back; *AnalysisError values map to
// their retry status, anything else to Error.
//
// Cancel undoes every effect already applied by the modification. It must be
// idempotent: it runs for cancellations, persisted timeouts and ancestor
// requests, possibly more than once for the same record.
type Analyzer interface {
	Analyze(ctx context.Context, step *Step) error
	Cancel(ctx context.Context, step *Step) error

	// CancelAfterTimeout reports whether a record whose timeouts persisted
	// may be cancelled instead of being retried forever.
	CancelAfterTimeout(m *model.Modification) bool
}

// SubModificationResolver is implemented by analyzers that settle a record
// themselves once all its sub-modifications completed. When the resolver
// transitions the record through the step, the generic rules of
// model.Modification.MarkAllSubModificationsCompleted are skipped.
type SubModificationResolver interface {
	ResolveSubModifications(ctx context.Context, step *Step, children []*model.Modification) error
}

// Registry maps modification types to their analyzer.
//
// Thread-safety: safe for concurrent use. Registration normally happens once
// at startup.
type Registry struct {
	mu        sync.RWMutex
	analyzers map[string]Analyzer
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{analyzers: make(map[string]Analyzer)}
}

// Register binds typ to a. Registering a type twice is an error.
func (r *Registry) Register(typ string, a Analyzer) error {
	if typ == "" {
		return fmt.Errorf("register analyzer: empty modification type")
	}
	if a == nil {
		return fmt.Errorf("register analyzer %q: nil analyzer", typ)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.analyzers[typ]; exists {
		return fmt.Errorf("register analyzer %q: already registered", typ)
	}
	r.analyzers[typ] = a
	return nil
}

// Lookup returns the analyzer of typ.
func (r *Registry) Lookup(typ string) (Analyzer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.analyzers[typ]
	return a, ok
}

// Types returns the registered types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.analyzers))
	for t := range r.analyzers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
