package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/pulse/internal/config"
	"github.com/roach88/pulse/internal/model"
)

// Step is the context handed to an analyzer for one attempt (or one undo).
//
// It gives access to the record and the open read-write transaction, and
// wraps the record transitions so completion orders are drawn inside that
// transaction. A Step must not be retained after the analyzer returns.
type Step struct {
	proc   *Processor
	tx     Tx
	seq    *orderSequence
	mod    *model.Modification
	budget *Budget
	logger *slog.Logger

	transitioned bool
}

func newStep(p *Processor, tx Tx, seq *orderSequence, mod *model.Modification, budget *Budget) *Step {
	return &Step{
		proc:   p,
		tx:     tx,
		seq:    seq,
		mod:    mod,
		budget: budget,
		logger: p.logger.With(
			"modification", mod.Ref.String(),
			"type", mod.Type,
		),
	}
}

// Modification returns the record being analyzed.
func (s *Step) Modification() *model.Modification { return s.mod }

// Tx returns the transaction of the attempt. Implementations may expose
// additional capabilities through type assertions.
func (s *Step) Tx() Tx { return s.tx }

// Logger returns a logger tagged with the modification.
func (s *Step) Logger() *slog.Logger { return s.logger }

// Config returns the analysis parameters.
func (s *Step) Config() config.Analysis { return s.proc.cfg }

// AutoConfig returns the parameters of machine generated modifications.
func (s *Step) AutoConfig() config.Auto { return s.proc.auto }

// Now returns the wall clock of the processor.
func (s *Step) Now() time.Time { return s.proc.now.Now() }

// Checkpoint reports whether the attempt must stop. Analyzers call it at
// iteration boundaries and return its error unchanged.
func (s *Step) Checkpoint() error {
	if s.budget == nil {
		return nil
	}
	return s.budget.Check()
}

// Budget returns the time budget of the attempt, nil during an undo.
func (s *Step) Budget() *Budget { return s.budget }

// NextApplicationOrder draws the next application order, used to order
// analyzer effects (e.g. reason proposals).
func (s *Step) NextApplicationOrder(ctx context.Context) (int64, error) {
	v, err := s.tx.NextApplicationOrder(ctx)
	if err != nil {
		return 0, fmt.Errorf("application order of %s: %w", s.mod.Ref, err)
	}
	return v, nil
}

// AddSubModification stores child as a sub-modification of the record.
// The child inherits the record priority when it has none.
func (s *Step) AddSubModification(ctx context.Context, child *model.Modification) error {
	if s.mod.Ref.ID == 0 {
		return fmt.Errorf("add sub-modification: parent %s is not stored", s.mod.Ref)
	}
	child.SetParent(s.mod.Ref)
	if child.CreatedAt.IsZero() {
		child.CreatedAt = s.Now()
	}
	if child.Priority == 0 && child.StatusPriority == 0 {
		child.Priority = s.mod.Priority
		child.StatusPriority = s.mod.Priority
	}
	if err := s.tx.InsertModification(ctx, child); err != nil {
		return fmt.Errorf("add sub-modification of %s: %w", s.mod.Ref, err)
	}
	s.proc.notify(child.Ref.Partition())
	return nil
}

// SubModifications returns the children of the record.
func (s *Step) SubModifications(ctx context.Context) (SubModifications, error) {
	return s.tx.FindSubModifications(ctx, s.mod.Ref)
}

// Log appends an entry to the analysis log for the record.
func (s *Step) Log(ctx context.Context, level model.LogLevel, message string) error {
	return s.proc.appendLog(ctx, s.tx, s.mod, level, message)
}

// MarkAsCompleted completes the record. When sub-modifications exist the
// record waits for them first, then adopts Done (or ChildInError).
func (s *Step) MarkAsCompleted(ctx context.Context) error {
	s.transitioned = true
	subs, err := s.tx.FindSubModifications(ctx, s.mod.Ref)
	if err != nil {
		return fmt.Errorf("complete %s: %w", s.mod.Ref, err)
	}
	children := subs.All()
	if len(children) == 0 {
		s.mod.MarkAsCompleted(s.seq)
		return nil
	}

	s.mod.MarkAsPendingSubModifications(model.StatusDone)
	statuses := make([]model.AnalysisStatus, 0, len(children))
	for _, c := range children {
		if c.Status.IsNotCompleted() {
			return nil
		}
		statuses = append(statuses, c.Status)
	}
	s.mod.MarkAllSubModificationsCompleted(statuses, s.seq)
	return nil
}

// MarkAsPendingSubModifications waits for the children, then adopts next.
func (s *Step) MarkAsPendingSubModifications(next model.AnalysisStatus) {
	s.transitioned = true
	s.mod.MarkAsPendingSubModifications(next)
}

// MarkAsInProgress records partial progress up to appliedUntil.
func (s *Step) MarkAsInProgress(appliedUntil time.Time) {
	s.transitioned = true
	s.mod.MarkAsInProgress(appliedUntil)
}

// MarkAsPending postpones the analysis.
func (s *Step) MarkAsPending(message string) {
	s.transitioned = true
	s.mod.MarkAsPending(message)
}

// MarkAsError completes the record in error.
func (s *Step) MarkAsError(message string) {
	s.transitioned = true
	s.mod.MarkAsError(message, s.seq)
}

// MarkAsNotApplicable completes the record without effect.
func (s *Step) MarkAsNotApplicable(message string) {
	s.transitioned = true
	s.mod.MarkAsNotApplicable(message, s.seq)
}

// MarkAsAncestorNotApplicable asks the ancestor to become not applicable.
func (s *Step) MarkAsAncestorNotApplicable(message string) {
	s.transitioned = true
	s.mod.MarkAsAncestorNotApplicable(message, s.seq)
}

// MarkAsAncestorError asks the ancestor to complete in error.
func (s *Step) MarkAsAncestorError(message string) {
	s.transitioned = true
	s.mod.MarkAsAncestorError(message, s.seq)
}

// MarkAsCanceled completes the record as cancelled.
func (s *Step) MarkAsCanceled(message string) {
	s.transitioned = true
	s.mod.MarkAsCanceled(message, s.seq)
}
