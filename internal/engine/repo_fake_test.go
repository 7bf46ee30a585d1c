package engine

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/roach88/pulse/internal/model"
)

var errFakeNotFound = errors.New("modification not found")

// memRepo is an in-memory Repository with snapshot transactions: a
// transaction works on a copy that replaces the state on Commit. Only one
// transaction is open at a time, like the single SQLite connection.
type memRepo struct {
	mu     sync.Mutex
	sem    chan struct{}
	mods   map[model.ModificationRef]*model.Modification
	logs   []model.AnalysisLog
	nextID map[model.Partition]int64

	completion  int64
	application int64

	// completionErr fails the next completion order draw.
	completionErr error
}

func newMemRepo() *memRepo {
	return &memRepo{
		sem:    make(chan struct{}, 1),
		mods:   make(map[model.ModificationRef]*model.Modification),
		nextID: make(map[model.Partition]int64),
	}
}

func (r *memRepo) BeginTx(ctx context.Context, mode TxMode) (Tx, error) {
	select {
	case r.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	work := make(map[model.ModificationRef]*model.Modification, len(r.mods))
	for k, v := range r.mods {
		work[k] = cloneModification(v)
	}
	return &memTx{repo: r, mode: mode, mods: work, completion: r.completion, application: r.application}, nil
}

// get returns a committed copy of a record.
func (r *memRepo) get(ref model.ModificationRef) *model.Modification {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.mods[ref]
	if !ok {
		return nil
	}
	return cloneModification(m)
}

func (r *memRepo) children(parent model.ModificationRef) []*model.Modification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.Modification
	for _, m := range r.mods {
		if m.Parent != nil && *m.Parent == parent {
			out = append(out, cloneModification(m))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Ref.MachineID != out[j].Ref.MachineID {
			return out[i].Ref.MachineID < out[j].Ref.MachineID
		}
		return out[i].Ref.ID < out[j].Ref.ID
	})
	return out
}

func (r *memRepo) analysisLogs() []model.AnalysisLog {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.AnalysisLog(nil), r.logs...)
}

type memTx struct {
	repo *memRepo
	mode TxMode
	mods map[model.ModificationRef]*model.Modification
	logs []model.AnalysisLog
	done bool

	completion  int64
	application int64
}

var errFakeReadOnly = errors.New("read-only transaction")

func (t *memTx) Mode() TxMode { return t.mode }

func (t *memTx) writable() error {
	if t.mode != TxReadWrite {
		return errFakeReadOnly
	}
	return nil
}

func (t *memTx) FindModification(_ context.Context, ref model.ModificationRef) (*model.Modification, error) {
	m, ok := t.mods[ref]
	if !ok {
		return nil, errFakeNotFound
	}
	return cloneModification(m), nil
}

func (t *memTx) FindNotCompleted(_ context.Context, p model.Partition, minPriority int) ([]*model.Modification, error) {
	var out []*model.Modification
	for _, m := range t.mods {
		if m.Ref.Partition() == p && m.Status.IsNotCompleted() && m.StatusPriority >= minPriority {
			out = append(out, cloneModification(m))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StatusPriority != out[j].StatusPriority {
			return out[i].StatusPriority > out[j].StatusPriority
		}
		return out[i].Ref.ID < out[j].Ref.ID
	})
	return out, nil
}

func (t *memTx) FindSubModifications(_ context.Context, parent model.ModificationRef) (SubModifications, error) {
	var subs SubModifications
	for _, m := range t.mods {
		if m.Parent == nil || *m.Parent != parent {
			continue
		}
		if m.IsGlobal() {
			subs.Global = append(subs.Global, cloneModification(m))
		} else {
			subs.Machine = append(subs.Machine, cloneModification(m))
		}
	}
	byRef := func(list []*model.Modification) {
		sort.Slice(list, func(i, j int) bool {
			if list[i].Ref.MachineID != list[j].Ref.MachineID {
				return list[i].Ref.MachineID < list[j].Ref.MachineID
			}
			return list[i].Ref.ID < list[j].Ref.ID
		})
	}
	byRef(subs.Global)
	byRef(subs.Machine)
	return subs, nil
}

func (t *memTx) BacklogPartitions(_ context.Context) ([]model.Partition, error) {
	seen := map[model.Partition]bool{}
	var out []model.Partition
	for _, m := range t.mods {
		p := m.Ref.Partition()
		if m.Status.IsNotCompleted() && !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Scope != out[j].Scope {
			return out[i].Scope == model.ScopeGlobal
		}
		return out[i].MachineID < out[j].MachineID
	})
	return out, nil
}

func (t *memTx) InsertModification(_ context.Context, m *model.Modification) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.repo.mu.Lock()
	p := m.Ref.Partition()
	t.repo.nextID[p]++
	m.Ref.ID = t.repo.nextID[p]
	t.repo.mu.Unlock()
	t.mods[m.Ref] = cloneModification(m)
	return nil
}

func (t *memTx) SaveModification(_ context.Context, m *model.Modification) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, ok := t.mods[m.Ref]; !ok {
		return errFakeNotFound
	}
	t.mods[m.Ref] = cloneModification(m)
	return nil
}

func (t *memTx) DeleteModification(_ context.Context, ref model.ModificationRef) error {
	if err := t.writable(); err != nil {
		return err
	}
	delete(t.mods, ref)
	return nil
}

func (t *memTx) PurgeBefore(_ context.Context, cutoff time.Time) (int64, error) {
	if err := t.writable(); err != nil {
		return 0, err
	}
	var n int64
	for ref, m := range t.mods {
		if m.Status == model.StatusDonePurge && m.AnalysisEnd.Before(cutoff) {
			delete(t.mods, ref)
			n++
		}
	}
	return n, nil
}

func (r *memRepo) failNextCompletion(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completionErr = err
}

func (t *memTx) NextCompletionOrder(_ context.Context) (int64, error) {
	if err := t.writable(); err != nil {
		return 0, err
	}
	t.repo.mu.Lock()
	err := t.repo.completionErr
	t.repo.completionErr = nil
	t.repo.mu.Unlock()
	if err != nil {
		return 0, err
	}
	t.completion++
	return t.completion, nil
}

func (t *memTx) NextApplicationOrder(_ context.Context) (int64, error) {
	if err := t.writable(); err != nil {
		return 0, err
	}
	t.application++
	return t.application, nil
}

func (t *memTx) AppendAnalysisLog(_ context.Context, entry model.AnalysisLog) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.logs = append(t.logs, entry)
	return nil
}

func (t *memTx) Commit() error {
	if t.done {
		return errors.New("transaction already done")
	}
	t.done = true
	if t.mode == TxReadWrite {
		t.repo.mu.Lock()
		t.repo.mods = t.mods
		t.repo.logs = append(t.repo.logs, t.logs...)
		t.repo.completion = t.completion
		t.repo.application = t.application
		t.repo.mu.Unlock()
	}
	<-t.repo.sem
	return nil
}

func (t *memTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	<-t.repo.sem
	return nil
}

func cloneModification(m *model.Modification) *model.Modification {
	c := *m
	if m.Parent != nil {
		p := *m.Parent
		c.Parent = &p
	}
	if m.NextStatus != nil {
		n := *m.NextStatus
		c.NextStatus = &n
	}
	if m.CompletionOrder != nil {
		o := *m.CompletionOrder
		c.CompletionOrder = &o
	}
	if m.Payload != nil {
		c.Payload = append([]byte(nil), m.Payload...)
	}
	return &c
}

// funcAnalyzer adapts closures to Analyzer.
type funcAnalyzer struct {
	analyze            func(ctx context.Context, step *Step) error
	cancel             func(ctx context.Context, step *Step) error
	cancelAfterTimeout bool
}

func (a *funcAnalyzer) Analyze(ctx context.Context, step *Step) error {
	if a.analyze == nil {
		return nil
	}
	return a.analyze(ctx, step)
}

func (a *funcAnalyzer) Cancel(ctx context.Context, step *Step) error {
	if a.cancel == nil {
		return nil
	}
	return a.cancel(ctx, step)
}

func (a *funcAnalyzer) CancelAfterTimeout(*model.Modification) bool {
	return a.cancelAfterTimeout
}
